// Package model はドメインモデルとエラー種別を定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument は呼び出し側の契約違反を表すセンチネルエラー。
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentError は引数の契約違反を表す。
type InvalidArgumentError struct {
	Name   string // 引数名
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Reason)
}

// Is は errors.Is(err, ErrInvalidArgument) を成立させる。
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// ConfigError は設定の欠落・不正を表す。起動時に致命的エラーとして扱う。
type ConfigError struct {
	Missing []string // 未設定の必須キー
	Invalid []string // 値が不正なキー（"KEY: 理由" 形式）
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("required environment variables are not set: %v", e.Missing))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid environment variables: %s", strings.Join(e.Invalid, "; ")))
	}
	return "config: " + strings.Join(parts, ", ")
}

// FetchError はAPI取得の失敗を表す。フェッチフェーズ全体を中断させる。
type FetchError struct {
	Date       string // 対象の published_date（YYYY-MM-DD）
	StatusCode int    // HTTPステータス。通信エラー時は0
	Reason     string // 分類済みの失敗理由
	Cause      error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed", e.Date)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *FetchError) Unwrap() error { return e.Cause }

// TransformRowError は1行分の変換失敗を表す。
// バッチを中断させず、RejectedRecordに変換される。
type TransformRowError struct {
	Table TargetTable
	Field string
	Cause error
}

// Error はerrorインターフェースを実装する。
func (e *TransformRowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Table, e.Cause)
	}
	return fmt.Sprintf("%s.%s: %v", e.Table, e.Field, e.Cause)
}

// Unwrap は原因エラーを返す。
func (e *TransformRowError) Unwrap() error { return e.Cause }

// TransformError はスナップショット全体が読めない場合のエラー。
type TransformError struct {
	Date  string
	Cause error
}

// Error はerrorインターフェースを実装する。
func (e *TransformError) Error() string {
	if e.Date == "" {
		return fmt.Sprintf("transform snapshot: %v", e.Cause)
	}
	return fmt.Sprintf("transform snapshot %s: %v", e.Date, e.Cause)
}

// Unwrap は原因エラーを返す。
func (e *TransformError) Unwrap() error { return e.Cause }

// LoadError はバッチロード中のDBエラーを表す。該当日付のトランザクションはロールバック済み。
type LoadError struct {
	Date            string
	Table           TargetTable // 失敗したテーブル。begin/commit失敗時は空
	UniqueViolation bool
	Cause           error
}

// Error はerrorインターフェースを実装する。
func (e *LoadError) Error() string {
	where := e.Date
	if e.Table != "" {
		where += " " + string(e.Table)
	}
	return fmt.Sprintf("load %s: %v", where, e.Cause)
}

// Unwrap は原因エラーを返す。
func (e *LoadError) Unwrap() error { return e.Cause }

// ValidationMismatch は期待範囲と実データ範囲の不一致を表す。
// 致命的ではなく、ログ出力とメトリクス記録にのみ使用する。
type ValidationMismatch struct {
	Bound    string // "min" または "max"
	Expected string
	Actual   string // 空の場合はテーブルにデータなし
}

// Error はerrorインターフェースを実装する。
func (e *ValidationMismatch) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "<none>"
	}
	return fmt.Sprintf("%s published_date mismatch: expected %s, got %s", e.Bound, e.Expected, actual)
}
