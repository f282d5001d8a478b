// Package daterange は処理対象の日付列を生成する。
package daterange

import (
	"fmt"
	"time"

	"github.com/hitoshi/bestsellers/internal/model"
)

// Layout はスナップショット・リスト・ファクトの日付形式。
const Layout = "2006-01-02"

// ParseDate は YYYY-MM-DD 形式の日付をUTCとして解釈する。
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate は日付を YYYY-MM-DD 形式で返す。
func FormatDate(d time.Time) string {
	return d.Format(Layout)
}

// Generate は start から stepDays 日刻みで end 以下の日付を返す。
// start は常に含まれる。start が end より後なら空を返す。
func Generate(start, end time.Time, stepDays int) ([]time.Time, error) {
	if stepDays <= 0 {
		return nil, &model.InvalidArgumentError{
			Name:   "stepDays",
			Reason: fmt.Sprintf("must be positive, got %d", stepDays),
		}
	}

	start = truncateDay(start)
	end = truncateDay(end)

	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, stepDays) {
		dates = append(dates, d)
	}
	return dates, nil
}

// GenerateStrings は文字列の日付範囲から YYYY-MM-DD 形式の日付列を返す。
func GenerateStrings(start, end string, stepDays int) ([]string, error) {
	s, err := ParseDate(start)
	if err != nil {
		return nil, &model.InvalidArgumentError{Name: "start", Reason: err.Error()}
	}
	e, err := ParseDate(end)
	if err != nil {
		return nil, &model.InvalidArgumentError{Name: "end", Reason: err.Error()}
	}

	dates, err := Generate(s, e, stepDays)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, FormatDate(d))
	}
	return out, nil
}

// 暦日単位で刻むため時刻成分を落とす。
func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
