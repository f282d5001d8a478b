package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/bestsellers/internal/model"
)

// StageRepoはStageLoaderインターフェースを満たすことを検証
func TestStageRepo_ImplementsInterface(t *testing.T) {
	var _ StageLoader = (*StageRepo)(nil)
}

func newTestRepo(t *testing.T, logOut io.Writer) (*StageRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := NewStageRepo(db, slog.New(slog.NewJSONHandler(logOut, nil)))
	repo.now = func() time.Time { return time.Date(2023, 1, 9, 3, 0, 0, 0, time.UTC) }
	return repo, mock
}

func insertPattern(table string) string {
	return regexp.QuoteMeta("INSERT INTO " + table + " (")
}

func int64p(v int64) *int64 { return &v }

func sampleRowSets() *model.RowSets {
	published := time.Date(2023, 1, 8, 0, 0, 0, 0, time.UTC)
	return &model.RowSets{
		Lists: []model.ListRow{{
			ID:              1,
			ListName:        "Combined Print and E-Book Fiction",
			ListNameEncoded: "combined-print-and-e-book-fiction",
			DisplayName:     "Combined Print & E-Book Fiction",
			Updated:         time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
			ListImageWidth:  int64p(128),
		}},
		Books: []model.BookRow{{
			ID:            "9780593321201",
			Title:         "LESSONS IN CHEMISTRY",
			Author:        "Bonnie Garmus",
			PrimaryISBN13: "9780593321201",
			PrimaryISBN10: "038554734X",
			CreatedDate:   time.Date(2023, 1, 4, 22, 10, 29, 0, time.UTC),
			UpdatedDate:   time.Date(2023, 1, 4, 22, 14, 1, 0, time.UTC),
		}},
		BuyLinks: []model.BuyLinkRow{{
			BookID:      "9780593321201",
			WebsiteName: "Amazon",
			WebsiteURL:  "https://www.amazon.com/dp/038554734X",
		}},
		Facts: []model.FactRow{{
			BestsellersDate:       time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
			PublishedDate:         published,
			PreviousPublishedDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			NextPublishedDate:     time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC),
			ListID:                1,
			BookID:                "9780593321201",
			Rank:                  1,
			WeeksOnList:           36,
			Price:                 0,
		}},
		Dates: []model.DateRow{model.NewDateRow(published)},
	}
}

func expectAllInserts(mock sqlmock.Sqlmock, affected int64) {
	mock.ExpectExec(insertPattern("stage.lists")).WillReturnResult(sqlmock.NewResult(0, affected))
	mock.ExpectExec(insertPattern("stage.books")).WillReturnResult(sqlmock.NewResult(0, affected))
	mock.ExpectExec(insertPattern("stage.books_buy_links")).WillReturnResult(sqlmock.NewResult(0, affected))
	mock.ExpectExec(insertPattern("stage.best_sellings_lists_books")).WillReturnResult(sqlmock.NewResult(0, affected))
	mock.ExpectExec(insertPattern("stage.dim_date")).WillReturnResult(sqlmock.NewResult(0, affected))
}

func TestStageRepo_Load_InsertsAllTablesInOrder(t *testing.T) {
	var logBuf bytes.Buffer
	repo, mock := newTestRepo(t, &logBuf)
	rows := sampleRowSets()

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern("stage.lists")).
		WithArgs(
			int64(1), "Combined Print and E-Book Fiction", "combined-print-and-e-book-fiction",
			"Combined Print & E-Book Fiction", time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
			"", int64(128), nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertPattern("stage.books")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertPattern("stage.books_buy_links")).
		WithArgs("9780593321201", "Amazon", "https://www.amazon.com/dp/038554734X").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertPattern("stage.best_sellings_lists_books")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertPattern("stage.dim_date")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Load(context.Background(), "2023-01-08", rows)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	for _, table := range model.LoadTables {
		got := result.Counts[table]
		want := model.TableCount{Attempted: 1, Inserted: 1}
		if got != want {
			t.Errorf("%sの件数が期待と異なります: got %+v, want %+v", table, got, want)
		}
	}
	if len(result.Rejected) != 0 {
		t.Errorf("除外行は0件を期待しましたが %d 件でした", len(result.Rejected))
	}
	if n := strings.Count(logBuf.String(), "ステージングテーブルへ挿入しました"); n != len(model.LoadTables) {
		t.Errorf("テーブルごとのログが %d 行出力されることを期待しましたが %d 行でした", len(model.LoadTables), n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStageRepo_Load_SecondRunReportsDuplicates(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)
	rows := sampleRowSets()

	mock.ExpectBegin()
	expectAllInserts(mock, 1)
	mock.ExpectCommit()
	mock.ExpectBegin()
	expectAllInserts(mock, 0)
	mock.ExpectCommit()

	if _, err := repo.Load(context.Background(), "2023-01-08", rows); err != nil {
		t.Fatalf("1回目のロードで予期しないエラー: %v", err)
	}
	second, err := repo.Load(context.Background(), "2023-01-08", rows)
	if err != nil {
		t.Fatalf("2回目のロードで予期しないエラー: %v", err)
	}

	for _, table := range model.LoadTables {
		got := second.Counts[table]
		if got.Inserted != 0 || got.Skipped != 1 {
			t.Errorf("%s: 2回目は挿入0件・重複1件を期待しましたが %+v でした", table, got)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStageRepo_Load_RollsBackOnUniqueViolation(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern("stage.lists")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertPattern("stage.books")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	result, err := repo.Load(context.Background(), "2023-01-08", sampleRowSets())
	if err == nil {
		t.Fatal("エラーを期待しましたがnilでした")
	}

	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("*model.LoadErrorを期待しましたが %T でした", err)
	}
	if loadErr.Table != model.TableBooks {
		t.Errorf("失敗テーブルが期待と異なります: got %q, want %q", loadErr.Table, model.TableBooks)
	}
	if !loadErr.UniqueViolation {
		t.Error("一意制約違反フラグが立っていません")
	}
	if loadErr.Date != "2023-01-08" {
		t.Errorf("日付が期待と異なります: got %q", loadErr.Date)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		t.Error("原因の*pq.Errorを取り出せません")
	}
	if result.Counts != nil {
		t.Errorf("ロールバック時は件数を返さないことを期待しましたが %v でした", result.Counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStageRepo_Load_OtherDBErrorIsNotUniqueViolation(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern("stage.lists")).WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	_, err := repo.Load(context.Background(), "2023-01-08", sampleRowSets())

	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("*model.LoadErrorを期待しましたが %v でした", err)
	}
	if loadErr.UniqueViolation {
		t.Error("一意制約違反ではないエラーでフラグが立っています")
	}
	if loadErr.Table != model.TableLists {
		t.Errorf("失敗テーブルが期待と異なります: got %q", loadErr.Table)
	}
}

func TestStageRepo_Load_BeginFailure(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := repo.Load(context.Background(), "2023-01-08", sampleRowSets())

	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("*model.LoadErrorを期待しましたが %v でした", err)
	}
	if loadErr.Table != "" {
		t.Errorf("トランザクション開始失敗ではテーブルは空を期待しましたが %q でした", loadErr.Table)
	}
}

func TestStageRepo_Load_CommitFailure(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)

	mock.ExpectBegin()
	expectAllInserts(mock, 1)
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err := repo.Load(context.Background(), "2023-01-08", sampleRowSets())

	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("*model.LoadErrorを期待しましたが %v でした", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStageRepo_Load_QuarantinesInvalidRows(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)
	rows := sampleRowSets()
	bad := rows.Facts[0]
	bad.Rank = 0
	rows.Facts = append(rows.Facts, bad)
	rows.BuyLinks = append(rows.BuyLinks, model.BuyLinkRow{BookID: "9780593321201"})

	mock.ExpectBegin()
	expectAllInserts(mock, 1)
	mock.ExpectCommit()

	result, err := repo.Load(context.Background(), "2023-01-08", rows)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if got := result.Counts[model.TableBestSellers].Attempted; got != 1 {
		t.Errorf("ファクトの挿入対象は1件を期待しましたが %d 件でした", got)
	}
	if got := result.Counts[model.TableBuyLinks].Attempted; got != 1 {
		t.Errorf("購入リンクの挿入対象は1件を期待しましたが %d 件でした", got)
	}
	if len(result.Rejected) != 2 {
		t.Fatalf("除外行は2件を期待しましたが %d 件でした", len(result.Rejected))
	}

	// 除外はテーブルのロード順に並ぶ
	buyLink, fact := result.Rejected[0], result.Rejected[1]
	if buyLink.Table != model.TableBuyLinks || !strings.Contains(buyLink.Error, "website_name") {
		t.Errorf("購入リンクの除外内容が期待と異なります: %+v", buyLink)
	}
	if fact.Table != model.TableBestSellers || !strings.Contains(fact.Error, "rank") {
		t.Errorf("ファクトの除外内容が期待と異なります: %+v", fact)
	}

	var record map[string]any
	if err := json.Unmarshal(fact.Record, &record); err != nil {
		t.Fatalf("除外行のJSONを解釈できません: %v", err)
	}
	if record["book_id"] != "9780593321201" || record["rank"] != float64(0) {
		t.Errorf("除外行のJSONが元の行を表していません: %v", record)
	}
	if !fact.RejectedAt.Equal(time.Date(2023, 1, 9, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("除外時刻が期待と異なります: %v", fact.RejectedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestStageRepo_Load_QuarantinesValuesExceedingColumnLimits は列の型に収まらない値を
// 日付全体のロールバックではなく行単位の除外として扱うことを検証する。
func TestStageRepo_Load_QuarantinesValuesExceedingColumnLimits(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)
	rows := sampleRowSets()
	longTitle := rows.Books[0]
	longTitle.ID = "9780000000001"
	longTitle.PrimaryISBN13 = longTitle.ID
	longTitle.Title = strings.Repeat("x", 600)
	rows.Books = append(rows.Books, longTitle)
	bigRank := rows.Facts[0]
	bigRank.Rank = 1 << 40
	bigPrice := rows.Facts[0]
	bigPrice.Price = 1e9
	rows.Facts = append(rows.Facts, bigRank, bigPrice)

	mock.ExpectBegin()
	expectAllInserts(mock, 1)
	mock.ExpectCommit()

	result, err := repo.Load(context.Background(), "2023-01-08", rows)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if got := result.Counts[model.TableBooks].Attempted; got != 1 {
		t.Errorf("書籍の挿入対象は1件を期待しましたが %d 件でした", got)
	}
	if got := result.Counts[model.TableBestSellers].Attempted; got != 1 {
		t.Errorf("ファクトの挿入対象は1件を期待しましたが %d 件でした", got)
	}
	if len(result.Rejected) != 3 {
		t.Fatalf("除外行は3件を期待しましたが %d 件でした: %+v", len(result.Rejected), result.Rejected)
	}
	wants := []struct {
		table model.TargetTable
		field string
	}{
		{model.TableBooks, "title"},
		{model.TableBestSellers, "rank"},
		{model.TableBestSellers, "price"},
	}
	for i, want := range wants {
		got := result.Rejected[i]
		if got.Table != want.table || !strings.Contains(got.Error, want.field) {
			t.Errorf("除外%dが期待と異なります: got %s %q, want %s %s", i, got.Table, got.Error, want.table, want.field)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStageRepo_Load_EmptyRowSetsCommitsWithoutInserts(t *testing.T) {
	repo, mock := newTestRepo(t, io.Discard)

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := repo.Load(context.Background(), "2023-01-08", &model.RowSets{})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	for _, table := range model.LoadTables {
		if got := result.Counts[table]; got != (model.TableCount{}) {
			t.Errorf("%s: 件数0を期待しましたが %+v でした", table, got)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestValidateFact(t *testing.T) {
	base := sampleRowSets().Facts[0]

	tests := []struct {
		name    string
		mutate  func(f *model.FactRow)
		wantErr bool
	}{
		{"valid", func(f *model.FactRow) {}, false},
		{"zero rank", func(f *model.FactRow) { f.Rank = 0 }, true},
		{"negative weeks", func(f *model.FactRow) { f.WeeksOnList = -1 }, true},
		{"negative price", func(f *model.FactRow) { f.Price = -0.01 }, true},
		{"empty book id", func(f *model.FactRow) { f.BookID = "" }, true},
		{"missing list id", func(f *model.FactRow) { f.ListID = 0 }, true},
		{"missing published date", func(f *model.FactRow) { f.PublishedDate = time.Time{} }, true},
		{"rank above integer range", func(f *model.FactRow) { f.Rank = 1 << 40 }, true},
		{"rank at integer max", func(f *model.FactRow) { f.Rank = math.MaxInt32 }, false},
		{"weeks above integer range", func(f *model.FactRow) { f.WeeksOnList = math.MaxInt32 + 1 }, true},
		{"price exceeds numeric(10,2)", func(f *model.FactRow) { f.Price = 1e9 }, true},
		{"price rounds up to limit", func(f *model.FactRow) { f.Price = 99999999.999 }, true},
		{"largest price", func(f *model.FactRow) { f.Price = 99999999.99 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.mutate(&f)
			err := validateFact(f)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateFact() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBook(t *testing.T) {
	base := sampleRowSets().Books[0]

	tests := []struct {
		name    string
		mutate  func(b *model.BookRow)
		wantErr bool
	}{
		{"valid", func(b *model.BookRow) {}, false},
		{"empty id", func(b *model.BookRow) { b.ID = "" }, true},
		{"id too long", func(b *model.BookRow) { b.ID = "97805933212019" }, true},
		{"isbn10 too long", func(b *model.BookRow) { b.PrimaryISBN10 = "038554734XX" }, true},
		{"empty title", func(b *model.BookRow) { b.Title = "" }, true},
		{"negative image width", func(b *model.BookRow) { b.BookImageWidth = int64p(-1) }, true},
		{"image height above integer range", func(b *model.BookRow) { b.BookImageHeight = int64p(1 << 32) }, true},
		{"title too long", func(b *model.BookRow) { b.Title = strings.Repeat("a", 600) }, true},
		{"title at limit", func(b *model.BookRow) { b.Title = strings.Repeat("a", 512) }, false},
		{"multibyte title within limit", func(b *model.BookRow) { b.Title = strings.Repeat("本", 512) }, false},
		{"publisher too long", func(b *model.BookRow) { b.Publisher = strings.Repeat("p", 256) }, true},
		{"author too long", func(b *model.BookRow) { b.Author = strings.Repeat("a", 513) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base
			tt.mutate(&b)
			err := validateBook(b)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBook() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateList(t *testing.T) {
	base := sampleRowSets().Lists[0]

	tests := []struct {
		name    string
		mutate  func(l *model.ListRow)
		wantErr bool
	}{
		{"valid", func(l *model.ListRow) {}, false},
		{"missing id", func(l *model.ListRow) { l.ID = 0 }, true},
		{"empty list name", func(l *model.ListRow) { l.ListName = "" }, true},
		{"list name too long", func(l *model.ListRow) { l.ListName = strings.Repeat("n", 256) }, true},
		{"display name too long", func(l *model.ListRow) { l.DisplayName = strings.Repeat("d", 256) }, true},
		{"image width above integer range", func(l *model.ListRow) { l.ListImageWidth = int64p(math.MaxInt32 + 1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base
			tt.mutate(&l)
			err := validateList(l)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateList() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBuyLink(t *testing.T) {
	base := sampleRowSets().BuyLinks[0]

	tests := []struct {
		name    string
		mutate  func(bl *model.BuyLinkRow)
		wantErr bool
	}{
		{"valid", func(bl *model.BuyLinkRow) {}, false},
		{"empty website name", func(bl *model.BuyLinkRow) { bl.WebsiteName = "" }, true},
		{"website name too long", func(bl *model.BuyLinkRow) { bl.WebsiteName = strings.Repeat("w", 256) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bl := base
			tt.mutate(&bl)
			err := validateBuyLink(bl)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBuyLink() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
