package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/bestsellers/internal/daterange"
	"github.com/hitoshi/bestsellers/internal/model"
)

// RangeValidator はロード後のファクトテーブルの日付範囲を検証する。
// 範囲の内側の欠落は検出しない粗い完全性チェック。
type RangeValidator struct {
	db     Querier
	logger *slog.Logger
}

// NewRangeValidator はRangeValidatorを生成する。
func NewRangeValidator(db Querier, logger *slog.Logger) *RangeValidator {
	return &RangeValidator{db: db, logger: logger}
}

// Validate は stage.best_sellings_lists_books の MIN/MAX(published_date) が
// minDate, maxDate（YYYY-MM-DD）と一致する場合にtrueを返す。
// 不一致やテーブルが空の場合はfalseを返し、ValidationMismatchを警告ログに出力する。
func (v *RangeValidator) Validate(ctx context.Context, minDate, maxDate string) (bool, error) {
	var actualMin, actualMax sql.NullTime
	err := v.db.QueryRowContext(ctx,
		`SELECT MIN(published_date), MAX(published_date)
		 FROM stage.best_sellings_lists_books`,
	).Scan(&actualMin, &actualMax)
	if err != nil {
		return false, fmt.Errorf("failed to query published_date range: %w", err)
	}

	mismatches := []*model.ValidationMismatch{
		compareBound("min", minDate, actualMin),
		compareBound("max", maxDate, actualMax),
	}

	ok := true
	for _, m := range mismatches {
		if m == nil {
			continue
		}
		ok = false
		v.logger.Warn("published_dateの範囲が期待値と一致しません",
			slog.String("bound", m.Bound),
			slog.String("expected", m.Expected),
			slog.String("actual", m.Actual),
			slog.String("error", m.Error()),
		)
	}

	if ok {
		v.logger.Info("published_dateの範囲検証に成功しました",
			slog.String("min", minDate),
			slog.String("max", maxDate),
		)
	}
	return ok, nil
}

// compareBound は一致すればnil、不一致なら差分を返す。
func compareBound(bound, expected string, actual sql.NullTime) *model.ValidationMismatch {
	if actual.Valid && daterange.FormatDate(actual.Time) == expected {
		return nil
	}
	m := &model.ValidationMismatch{Bound: bound, Expected: expected}
	if actual.Valid {
		m.Actual = daterange.FormatDate(actual.Time)
	}
	return m
}
