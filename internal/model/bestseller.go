package model

import (
	"encoding/json"
	"time"
)

// TargetTable はステージングのロード先テーブル（リジェクト記録上の名前）。
type TargetTable string

const (
	TableLists       TargetTable = "lists"
	TableBooks       TargetTable = "books"
	TableBuyLinks    TargetTable = "books_buy_links"
	TableBestSellers TargetTable = "best_sellers_publish"
	TableDateDim     TargetTable = "dim_date"
)

// LoadTables はロード順序どおりに並べた対象テーブル。
// buy_links と fact は books を参照するため books の後に置く。
var LoadTables = []TargetTable{TableLists, TableBooks, TableBuyLinks, TableBestSellers, TableDateDim}

// ListRow は stage.lists の1行。
type ListRow struct {
	ID              int64     `json:"id"`
	ListName        string    `json:"list_name"`
	ListNameEncoded string    `json:"list_name_encoded"`
	DisplayName     string    `json:"display_name"`
	Updated         time.Time `json:"updated"` // スナップショットの bestsellers_date
	ListImage       string    `json:"list_image"`
	ListImageWidth  *int64    `json:"list_image_width"`
	ListImageHeight *int64    `json:"list_image_height"`
}

// BookRow は stage.books の1行。IDは primary_isbn13。
type BookRow struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Publisher        string    `json:"publisher"`
	Author           string    `json:"author"`
	Contributor      string    `json:"contributor"`
	ContributorNote  string    `json:"contributor_note"`
	Description      string    `json:"description"`
	CreatedDate      time.Time `json:"created_date"`
	UpdatedDate      time.Time `json:"updated_date"`
	AgeGroup         string    `json:"age_group"`
	AmazonProductURL string    `json:"amazon_product_url"`
	PrimaryISBN13    string    `json:"primary_isbn13"`
	PrimaryISBN10    string    `json:"primary_isbn10"`
	BookImageWidth   *int64    `json:"book_image_width"`
	BookImageHeight  *int64    `json:"book_image_height"`
	FirstChapterLink string    `json:"first_chapter_link"`
	BookURI          string    `json:"book_uri"`
	SundayReviewLink string    `json:"sunday_review_link"`
}

// BuyLinkRow は stage.books_buy_links の1行。
type BuyLinkRow struct {
	BookID      string `json:"book_id"`
	WebsiteName string `json:"website_name"`
	WebsiteURL  string `json:"website_url"`
}

// FactRow は stage.best_sellings_lists_books の1行。
type FactRow struct {
	BestsellersDate       time.Time `json:"bestsellers_date"`
	PublishedDate         time.Time `json:"published_date"`
	PreviousPublishedDate time.Time `json:"previous_published_date"`
	NextPublishedDate     time.Time `json:"next_published_date"`
	ListID                int64     `json:"list_id"`
	BookID                string    `json:"book_id"`
	Rank                  int64     `json:"rank"`
	WeeksOnList           int64     `json:"weeks_on_list"`
	Price                 float64   `json:"price"`
}

// DateRow は stage.dim_date の1行。published_date から算出する。
type DateRow struct {
	DateKey    int       `json:"date_key"` // YYYYMMDD
	FullDate   time.Time `json:"full_date"`
	DayOfMonth int       `json:"day_of_month"`
	DayName    string    `json:"day_name"`
	DayOfWeek  int       `json:"day_of_week"` // 月曜=1 ... 日曜=7
	DayOfYear  int       `json:"day_of_year"`
	WeekOfYear int       `json:"week_of_year"` // ISO週番号
	Month      int       `json:"month"`
	MonthName  string    `json:"month_name"`
	Quarter    int       `json:"quarter"`
	Year       int       `json:"year"`
	MonthYear  string    `json:"month_year"` // "01-2023"
}

// NewDateRow は日付からDimDate行を算出する。
func NewDateRow(d time.Time) DateRow {
	_, week := d.ISOWeek()
	dow := int(d.Weekday())
	if dow == 0 {
		dow = 7
	}
	return DateRow{
		DateKey:    d.Year()*10000 + int(d.Month())*100 + d.Day(),
		FullDate:   time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
		DayOfMonth: d.Day(),
		DayName:    d.Weekday().String(),
		DayOfWeek:  dow,
		DayOfYear:  d.YearDay(),
		WeekOfYear: week,
		Month:      int(d.Month()),
		MonthName:  d.Month().String(),
		Quarter:    (int(d.Month())-1)/3 + 1,
		Year:       d.Year(),
		MonthYear:  d.Format("01-2006"),
	}
}

// RowSets は1スナップショット分の変換結果。ソースのネスト順を保持する。
type RowSets struct {
	Lists    []ListRow
	Books    []BookRow
	BuyLinks []BuyLinkRow
	Facts    []FactRow
	Dates    []DateRow
}

// Empty は全テーブルの行が0件かどうかを返す。
func (r *RowSets) Empty() bool {
	return len(r.Lists) == 0 && len(r.Books) == 0 && len(r.BuyLinks) == 0 &&
		len(r.Facts) == 0 && len(r.Dates) == 0
}

// RejectedRecord は行構築・行検証に失敗したサブレコード。
// 生成後は変更せず、リジェクトシンクに追記される。
type RejectedRecord struct {
	Table      TargetTable
	Error      string
	Record     json.RawMessage // 失敗したサブレコードの元JSON
	RejectedAt time.Time
}

// TableCount はテーブル単位のロード件数。
type TableCount struct {
	Attempted int
	Inserted  int
	Skipped   int // 既存キーと重複したため挿入しなかった件数
}

// LoadResult は1回のロードの結果。
type LoadResult struct {
	Date     string
	Counts   map[TargetTable]TableCount
	Rejected []RejectedRecord // ロード前検証で隔離した行
}
