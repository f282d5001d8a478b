package transform

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/bestsellers/internal/model"
)

func buildList(list record, dates snapshotDates) (model.ListRow, error) {
	var row model.ListRow
	var err error

	if dates.bestsellersErr != nil {
		return row, dates.bestsellersErr
	}
	row.Updated = dates.bestsellers

	if row.ID, err = list.integer("list_id"); err != nil {
		return row, err
	}
	if row.ListName, err = list.text("list_name"); err != nil {
		return row, err
	}
	if row.ListNameEncoded, err = list.text("list_name_encoded"); err != nil {
		return row, err
	}
	if row.DisplayName, err = list.text("display_name"); err != nil {
		return row, err
	}
	if row.ListImage, err = list.optText("list_image"); err != nil {
		return row, err
	}
	if row.ListImageWidth, err = list.optInteger("list_image_width"); err != nil {
		return row, err
	}
	if row.ListImageHeight, err = list.optInteger("list_image_height"); err != nil {
		return row, err
	}
	return row, nil
}

func buildBook(book record, sanitizer Sanitizer) (model.BookRow, error) {
	var row model.BookRow
	var err error

	if row.ID, err = book.key("primary_isbn13"); err != nil {
		return row, err
	}
	row.PrimaryISBN13 = row.ID

	texts := []struct {
		key string
		dst *string
	}{
		{"title", &row.Title},
		{"publisher", &row.Publisher},
		{"author", &row.Author},
		{"contributor", &row.Contributor},
		{"contributor_note", &row.ContributorNote},
		{"description", &row.Description},
		{"age_group", &row.AgeGroup},
		{"amazon_product_url", &row.AmazonProductURL},
		{"primary_isbn10", &row.PrimaryISBN10},
		{"first_chapter_link", &row.FirstChapterLink},
		{"book_uri", &row.BookURI},
		{"sunday_review_link", &row.SundayReviewLink},
	}
	for _, f := range texts {
		if *f.dst, err = book.text(f.key); err != nil {
			return row, err
		}
	}
	if sanitizer != nil {
		row.Description = sanitizer.Clean(row.Description)
	}

	if row.CreatedDate, err = book.date("created_date", TimestampLayout); err != nil {
		return row, err
	}
	if row.UpdatedDate, err = book.date("updated_date", TimestampLayout); err != nil {
		return row, err
	}
	if row.BookImageWidth, err = book.optInteger("book_image_width"); err != nil {
		return row, err
	}
	if row.BookImageHeight, err = book.optInteger("book_image_height"); err != nil {
		return row, err
	}
	return row, nil
}

func buildBuyLink(bookID string, raw json.RawMessage) (model.BuyLinkRow, error) {
	row := model.BuyLinkRow{BookID: bookID}

	link, err := decodeRecord(raw)
	if err != nil {
		return row, err
	}
	if row.WebsiteName, err = link.key("name"); err != nil {
		return row, err
	}
	if row.WebsiteURL, err = link.text("url"); err != nil {
		return row, err
	}
	return row, nil
}

// buildFact はスナップショットの日付・list_id・書籍の順位情報からファクト行を構築する。
// 書籍行の成否とは独立に試行する。
func buildFact(book record, dates snapshotDates, listID int64, listIDErr error) (model.FactRow, error) {
	var row model.FactRow
	var err error

	if err := dates.all(); err != nil {
		return row, fmt.Errorf("snapshot dates: %w", err)
	}
	if listIDErr != nil {
		return row, listIDErr
	}
	row.BestsellersDate = dates.bestsellers
	row.PublishedDate = dates.published
	row.PreviousPublishedDate = dates.previous
	row.NextPublishedDate = dates.next
	row.ListID = listID

	if row.BookID, err = book.key("primary_isbn13"); err != nil {
		return row, err
	}
	if row.Rank, err = book.integer("rank"); err != nil {
		return row, err
	}
	if row.WeeksOnList, err = book.integer("weeks_on_list"); err != nil {
		return row, err
	}
	if row.Price, err = book.decimal("price"); err != nil {
		return row, err
	}
	return row, nil
}
