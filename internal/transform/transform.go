// Package transform はAPIスナップショットをステージング用の行集合に平坦化する。
//
// リスト → 書籍 → 購入リンクの3階層を走査し、行ごとに構築を試みる。
// 1行の構築失敗はRejectedRecordとして隔離し、兄弟行・外側の行の処理は継続する。
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bestsellers/internal/model"
)

// 日付フィールドの形式。スナップショット・リスト・ファクトと書籍で異なる。
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// Sanitizer は書籍の説明文からHTMLを除去する。
type Sanitizer interface {
	Clean(s string) string
}

// Transformer はスナップショットを行集合とリジェクトに変換する。
// 状態を持たないため複数の日付で使い回せる。
type Transformer struct {
	sanitizer Sanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewTransformer はTransformerの新しいインスタンスを生成する。
// sanitizerがnilの場合は説明文をそのまま使う。
func NewTransformer(sanitizer Sanitizer, logger *slog.Logger) *Transformer {
	return &Transformer{
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// snapshotDates はスナップショット直下の4つの日付。
// 解釈に失敗した日付はエラーとして保持し、その日付を使う行の構築時に返す。
type snapshotDates struct {
	bestsellers    time.Time
	published      time.Time
	previous       time.Time
	next           time.Time
	bestsellersErr error
	publishedErr   error
	previousErr    error
	nextErr        error
}

func readSnapshotDates(results record) snapshotDates {
	var d snapshotDates
	d.bestsellers, d.bestsellersErr = results.date("bestsellers_date", DateLayout)
	d.published, d.publishedErr = results.date("published_date", DateLayout)
	d.previous, d.previousErr = results.date("previous_published_date", DateLayout)
	d.next, d.nextErr = results.date("next_published_date", DateLayout)
	return d
}

func (d snapshotDates) all() error {
	return errors.Join(d.bestsellersErr, d.publishedErr, d.previousErr, d.nextErr)
}

// batch は1スナップショット分の受理行とリジェクトを集める。
type batch struct {
	rows       model.RowSets
	rejects    []model.RejectedRecord
	rejectedAt time.Time
	logger     *slog.Logger
}

func (b *batch) reject(table model.TargetTable, raw json.RawMessage, err error) {
	rowErr := &model.TransformRowError{Table: table, Cause: err}
	if fe, ok := err.(*fieldError); ok {
		rowErr.Field = fe.field
		rowErr.Cause = fe.err
	}

	b.rejects = append(b.rejects, model.RejectedRecord{
		Table:      table,
		Error:      rowErr.Error(),
		Record:     append(json.RawMessage(nil), raw...),
		RejectedAt: b.rejectedAt,
	})
	b.logger.Warn("行の変換に失敗したためリジェクトしました",
		slog.String("table", string(table)),
		slog.String("error", rowErr.Error()),
	)
}

// Transform は生のレスポンスボディ（{status, results}）を行集合に変換する。
// ボディがJSONオブジェクトでない、またはresults/listsを読めない場合のみ
// *model.TransformError を返し、それ以外の失敗はすべてリジェクトとして返す。
func (t *Transformer) Transform(raw []byte) (*model.RowSets, []model.RejectedRecord, error) {
	top, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, &model.TransformError{Cause: fmt.Errorf("decode payload: %w", err)}
	}
	resultsRaw, ok := top["results"]
	if !ok {
		return nil, nil, &model.TransformError{Cause: errors.New("payload has no results")}
	}
	results, err := decodeRecord(resultsRaw)
	if err != nil {
		return nil, nil, &model.TransformError{Cause: fmt.Errorf("decode results: %w", err)}
	}

	publishedDate, _ := results.text("published_date")

	lists, err := results.array("lists")
	if err != nil {
		return nil, nil, &model.TransformError{Date: publishedDate, Cause: err}
	}

	b := &batch{
		rejectedAt: t.now(),
		logger:     t.logger.With(slog.String("published_date", publishedDate)),
	}
	dates := readSnapshotDates(results)

	for _, listRaw := range lists {
		t.walkList(b, dates, listRaw)
	}

	if dates.publishedErr == nil {
		b.rows.Dates = append(b.rows.Dates, model.NewDateRow(dates.published))
	}

	t.logger.Info("スナップショットを変換しました",
		slog.String("published_date", publishedDate),
		slog.Int("lists", len(b.rows.Lists)),
		slog.Int("books", len(b.rows.Books)),
		slog.Int("buy_links", len(b.rows.BuyLinks)),
		slog.Int("facts", len(b.rows.Facts)),
		slog.Int("rejected", len(b.rejects)),
	)

	return &b.rows, b.rejects, nil
}

// walkList はリスト行を構築し、失敗しても配下の書籍を走査する。
func (t *Transformer) walkList(b *batch, dates snapshotDates, listRaw json.RawMessage) {
	list, err := decodeRecord(listRaw)
	if err != nil {
		b.reject(model.TableLists, listRaw, err)
		return
	}

	row, err := buildList(list, dates)
	if err != nil {
		b.reject(model.TableLists, listRaw, err)
	} else {
		b.rows.Lists = append(b.rows.Lists, row)
		b.logger.Debug("リスト行を構築しました", slog.Int64("list_id", row.ID))
	}

	// ファクト行はリスト行の成否と独立に list_id だけを必要とする
	listID, listIDErr := list.integer("list_id")

	books, err := list.array("books")
	if err != nil {
		b.reject(model.TableBooks, listRaw, err)
		return
	}
	for _, bookRaw := range books {
		t.walkBook(b, dates, listID, listIDErr, bookRaw)
	}
}

// walkBook は書籍行とファクト行をそれぞれ独立に構築し、書籍行の配下で購入リンク行を構築する。
func (t *Transformer) walkBook(b *batch, dates snapshotDates, listID int64, listIDErr error, bookRaw json.RawMessage) {
	book, err := decodeRecord(bookRaw)
	if err != nil {
		b.reject(model.TableBooks, bookRaw, err)
		b.reject(model.TableBestSellers, bookRaw, err)
		return
	}

	// 購入リンクは書籍行を参照するため、書籍行が構築できた場合のみ走査する
	row, err := buildBook(book, t.sanitizer)
	if err != nil {
		b.reject(model.TableBooks, bookRaw, err)
	} else {
		b.rows.Books = append(b.rows.Books, row)
		b.logger.Debug("書籍行を構築しました", slog.String("book_id", row.ID))
		t.walkBuyLinks(b, row.ID, book, bookRaw)
	}

	fact, err := buildFact(book, dates, listID, listIDErr)
	if err != nil {
		b.reject(model.TableBestSellers, bookRaw, err)
	} else {
		b.rows.Facts = append(b.rows.Facts, fact)
	}
}

func (t *Transformer) walkBuyLinks(b *batch, bookID string, book record, bookRaw json.RawMessage) {
	if raw, ok := book["buy_links"]; !ok || isNull(raw) {
		return
	}
	links, err := book.array("buy_links")
	if err != nil {
		b.reject(model.TableBuyLinks, bookRaw, err)
		return
	}
	for _, linkRaw := range links {
		link, err := buildBuyLink(bookID, linkRaw)
		if err != nil {
			b.reject(model.TableBuyLinks, linkRaw, err)
			continue
		}
		b.rows.BuyLinks = append(b.rows.BuyLinks, link)
	}
}
