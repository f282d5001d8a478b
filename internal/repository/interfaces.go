// Package repository はステージングスキーマ（stage.*）への永続化を提供する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/bestsellers/internal/model"
)

// StageLoader は1日付分の行集合をステージングテーブルへロードするインターフェース。
type StageLoader interface {
	// Load は行集合を1トランザクションでロードする。
	// 失敗時はロールバックし *model.LoadError を返す。再試行はしない。
	Load(ctx context.Context, date string, rows *model.RowSets) (model.LoadResult, error)
}

// RangeChecker はファクトテーブルのpublished_date範囲を検証するインターフェース。
type RangeChecker interface {
	// Validate は MIN/MAX(published_date) が期待値と一致する場合にtrueを返す。
	// 不一致やデータなしはfalse、クエリ失敗のみエラーを返す。
	Validate(ctx context.Context, minDate, maxDate string) (bool, error)
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier は単一行クエリを抽象化する。
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
