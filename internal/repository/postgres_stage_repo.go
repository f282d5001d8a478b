package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"

	"github.com/hitoshi/bestsellers/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// maxPrice はNUMERIC(10,2)に収まる価格の上限（この値を含まない）。
const maxPrice = 1e8

var listColumns = []string{
	"id", "list_name", "list_name_encoded", "display_name", "updated",
	"list_image", "list_image_width", "list_image_height",
}

var bookColumns = []string{
	"id", "title", "publisher", "author", "contributor", "contributor_note",
	"description", "created_date", "updated_date", "age_group", "amazon_product_url",
	"primary_isbn13", "primary_isbn10", "book_image_width", "book_image_height",
	"first_chapter_link", "book_uri", "sunday_review_link",
}

var buyLinkColumns = []string{"book_id", "website_name", "website_url"}

var factColumns = []string{
	"bestsellers_date", "published_date", "previous_published_date", "next_published_date",
	"list_id", "book_id", "rank", "weeks_on_list", "price",
}

var dateColumns = []string{
	"date_key", "full_date", "day_of_month", "day_name", "day_of_week", "day_of_year",
	"week_of_year", "month", "month_name", "quarter", "year", "month_year",
}

// stageTables はロード対象テーブルごとの挿入定義。conflictは各テーブルの自然キー。
var stageTables = map[model.TargetTable]tableSpec{
	model.TableLists:       {name: "stage.lists", columns: listColumns, conflict: []string{"id", "updated"}},
	model.TableBooks:       {name: "stage.books", columns: bookColumns, conflict: []string{"id"}},
	model.TableBuyLinks:    {name: "stage.books_buy_links", columns: buyLinkColumns, conflict: []string{"book_id", "website_name"}},
	model.TableBestSellers: {name: "stage.best_sellings_lists_books", columns: factColumns, conflict: []string{"published_date", "list_id", "book_id"}},
	model.TableDateDim:     {name: "stage.dim_date", columns: dateColumns, conflict: []string{"date_key"}},
}

// StageRepo はPostgreSQLのステージングスキーマへ行集合をロードするリポジトリ。
type StageRepo struct {
	db     TxBeginner
	logger *slog.Logger
	now    func() time.Time
}

// NewStageRepo はStageRepoを生成する。
func NewStageRepo(db TxBeginner, logger *slog.Logger) *StageRepo {
	return &StageRepo{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Load は1日付分の行集合を lists → books → buy_links → facts → dim_date の順に
// 1トランザクションで挿入する。
//
// 個別に不正な行は挿入前に検証で除外し、LoadResult.Rejected に含める。
// 自然キーが既存行と重複する行は ON CONFLICT DO NOTHING で無視し、Skipped として数える。
// DBエラー時はトランザクション全体をロールバックし、*model.LoadError を返す。
func (r *StageRepo) Load(ctx context.Context, date string, rows *model.RowSets) (model.LoadResult, error) {
	if rows == nil {
		rows = &model.RowSets{}
	}
	values, rejected := r.prepare(date, rows)
	failed := model.LoadResult{Date: date, Rejected: rejected}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return failed, &model.LoadError{Date: date, Cause: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	counts := make(map[model.TargetTable]model.TableCount, len(model.LoadTables))
	for _, table := range model.LoadTables {
		tableRows := values[table]
		inserted, err := insertRows(ctx, tx, stageTables[table], tableRows)
		if err != nil {
			r.logger.Error("ステージングテーブルへの挿入に失敗しました",
				slog.String("date", date),
				slog.String("table", string(table)),
				slog.String("error", err.Error()),
			)
			return failed, newLoadError(date, table, err)
		}

		count := model.TableCount{
			Attempted: len(tableRows),
			Inserted:  inserted,
			Skipped:   len(tableRows) - inserted,
		}
		counts[table] = count
		r.logger.Info("ステージングテーブルへ挿入しました",
			slog.String("date", date),
			slog.String("table", stageTables[table].name),
			slog.Int("attempted", count.Attempted),
			slog.Int("inserted", count.Inserted),
			slog.Int("skipped", count.Skipped),
		)
	}

	if err := tx.Commit(); err != nil {
		return failed, &model.LoadError{Date: date, Cause: fmt.Errorf("failed to commit transaction: %w", err)}
	}

	return model.LoadResult{Date: date, Counts: counts, Rejected: rejected}, nil
}

// prepare は行を検証し、テーブルごとのバインド値と除外した行を返す。
func (r *StageRepo) prepare(date string, rows *model.RowSets) (map[model.TargetTable][][]any, []model.RejectedRecord) {
	values := make(map[model.TargetTable][][]any, len(model.LoadTables))
	var rejected []model.RejectedRecord
	rejectedAt := r.now().UTC()

	accept := func(table model.TargetTable, row any, err error, vals []any) {
		if err == nil {
			values[table] = append(values[table], vals)
			return
		}
		raw, _ := json.Marshal(row)
		r.logger.Warn("ロード前検証で行を除外しました",
			slog.String("date", date),
			slog.String("table", string(table)),
			slog.String("error", err.Error()),
		)
		rejected = append(rejected, model.RejectedRecord{
			Table:      table,
			Error:      err.Error(),
			Record:     raw,
			RejectedAt: rejectedAt,
		})
	}

	for _, l := range rows.Lists {
		accept(model.TableLists, l, validateList(l), listValues(l))
	}
	for _, b := range rows.Books {
		accept(model.TableBooks, b, validateBook(b), bookValues(b))
	}
	for _, bl := range rows.BuyLinks {
		accept(model.TableBuyLinks, bl, validateBuyLink(bl), buyLinkValues(bl))
	}
	for _, f := range rows.Facts {
		accept(model.TableBestSellers, f, validateFact(f), factValues(f))
	}
	for _, d := range rows.Dates {
		accept(model.TableDateDim, d, validateDate(d), dateValues(d))
	}
	return values, rejected
}

func newLoadError(date string, table model.TargetTable, err error) *model.LoadError {
	loadErr := &model.LoadError{
		Date:  date,
		Table: table,
		Cause: fmt.Errorf("failed to insert into %s: %w", stageTables[table].name, err),
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		loadErr.UniqueViolation = true
	}
	return loadErr
}

func validateList(l model.ListRow) error {
	switch {
	case l.ID <= 0:
		return errors.New("id must be positive")
	case l.ListName == "":
		return errors.New("list_name is empty")
	case l.Updated.IsZero():
		return errors.New("updated is not set")
	case negative(l.ListImageWidth) || negative(l.ListImageHeight):
		return errors.New("list image dimensions must not be negative")
	case outOfInt32(l.ListImageWidth) || outOfInt32(l.ListImageHeight):
		return errors.New("list image dimensions exceed integer range")
	}
	return checkVarchar(
		varchar{"list_name", l.ListName, 255},
		varchar{"list_name_encoded", l.ListNameEncoded, 255},
		varchar{"display_name", l.DisplayName, 255},
	)
}

func validateBook(b model.BookRow) error {
	switch {
	case b.ID == "":
		return errors.New("id is empty")
	case b.Title == "":
		return errors.New("title is empty")
	case negative(b.BookImageWidth) || negative(b.BookImageHeight):
		return errors.New("book image dimensions must not be negative")
	case outOfInt32(b.BookImageWidth) || outOfInt32(b.BookImageHeight):
		return errors.New("book image dimensions exceed integer range")
	}
	return checkVarchar(
		varchar{"id", b.ID, 13},
		varchar{"title", b.Title, 512},
		varchar{"publisher", b.Publisher, 255},
		varchar{"author", b.Author, 512},
		varchar{"contributor", b.Contributor, 512},
		varchar{"contributor_note", b.ContributorNote, 512},
		varchar{"age_group", b.AgeGroup, 255},
		varchar{"primary_isbn13", b.PrimaryISBN13, 13},
		varchar{"primary_isbn10", b.PrimaryISBN10, 10},
	)
}

func validateBuyLink(bl model.BuyLinkRow) error {
	switch {
	case bl.BookID == "":
		return errors.New("book_id is empty")
	case bl.WebsiteName == "":
		return errors.New("website_name is empty")
	}
	return checkVarchar(
		varchar{"book_id", bl.BookID, 13},
		varchar{"website_name", bl.WebsiteName, 255},
	)
}

func validateFact(f model.FactRow) error {
	switch {
	case f.PublishedDate.IsZero():
		return errors.New("published_date is not set")
	case f.ListID <= 0:
		return errors.New("list_id must be positive")
	case f.BookID == "":
		return errors.New("book_id is empty")
	case f.Rank <= 0:
		return fmt.Errorf("rank %d must be positive", f.Rank)
	case f.Rank > math.MaxInt32:
		return fmt.Errorf("rank %d exceeds integer range", f.Rank)
	case f.WeeksOnList < 0:
		return fmt.Errorf("weeks_on_list %d must not be negative", f.WeeksOnList)
	case f.WeeksOnList > math.MaxInt32:
		return fmt.Errorf("weeks_on_list %d exceeds integer range", f.WeeksOnList)
	case f.Price < 0:
		return fmt.Errorf("price %v must not be negative", f.Price)
	case math.IsNaN(f.Price) || math.Round(f.Price*100)/100 >= maxPrice:
		return fmt.Errorf("price %v exceeds NUMERIC(10,2)", f.Price)
	}
	return checkVarchar(varchar{"book_id", f.BookID, 13})
}

func validateDate(d model.DateRow) error {
	if d.DateKey <= 0 || d.FullDate.IsZero() {
		return errors.New("date_key is not set")
	}
	return nil
}

func negative(p *int64) bool {
	return p != nil && *p < 0
}

func outOfInt32(p *int64) bool {
	return p != nil && *p > math.MaxInt32
}

// varchar はVARCHAR(max)列に入れる値。
type varchar struct {
	column string
	value  string
	max    int
}

// checkVarchar は文字数がVARCHARの上限を超える列があればエラーを返す。
func checkVarchar(cols ...varchar) error {
	for _, c := range cols {
		if n := utf8.RuneCountInString(c.value); n > c.max {
			return fmt.Errorf("%s exceeds %d characters (got %d)", c.column, c.max, n)
		}
	}
	return nil
}

// nullInt64 はnilをSQLのNULLとして渡す。
func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func listValues(l model.ListRow) []any {
	return []any{
		l.ID, l.ListName, l.ListNameEncoded, l.DisplayName, l.Updated,
		l.ListImage, nullInt64(l.ListImageWidth), nullInt64(l.ListImageHeight),
	}
}

func bookValues(b model.BookRow) []any {
	return []any{
		b.ID, b.Title, b.Publisher, b.Author, b.Contributor, b.ContributorNote,
		b.Description, b.CreatedDate, b.UpdatedDate, b.AgeGroup, b.AmazonProductURL,
		b.PrimaryISBN13, b.PrimaryISBN10, nullInt64(b.BookImageWidth), nullInt64(b.BookImageHeight),
		b.FirstChapterLink, b.BookURI, b.SundayReviewLink,
	}
}

func buyLinkValues(bl model.BuyLinkRow) []any {
	return []any{bl.BookID, bl.WebsiteName, bl.WebsiteURL}
}

func factValues(f model.FactRow) []any {
	return []any{
		f.BestsellersDate, f.PublishedDate, f.PreviousPublishedDate, f.NextPublishedDate,
		f.ListID, f.BookID, f.Rank, f.WeeksOnList, f.Price,
	}
}

func dateValues(d model.DateRow) []any {
	return []any{
		d.DateKey, d.FullDate, d.DayOfMonth, d.DayName, d.DayOfWeek, d.DayOfYear,
		d.WeekOfYear, d.Month, d.MonthName, d.Quarter, d.Year, d.MonthYear,
	}
}
