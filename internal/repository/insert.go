package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// maxParams はPostgreSQLの1ステートメントあたりのバインドパラメータ上限。
const maxParams = 65535

// tableSpec は1テーブル分の挿入定義。
type tableSpec struct {
	name     string   // スキーマ修飾済みテーブル名
	columns  []string // 挿入列（値の並び順）
	conflict []string // ON CONFLICT の対象となる自然キー
}

// buildInsertSQL は複数行INSERT文とバインド引数を組み立てる。
// conflictが空でなければ ON CONFLICT (...) DO NOTHING を付与し、既存キーとの重複を無視する。
func buildInsertSQL(table string, columns []string, rows [][]any, conflict []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflict) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(conflict, ", "))
		b.WriteString(") DO NOTHING")
	}
	return b.String(), args
}

// chunkRows は1ステートメントのパラメータ数が上限を超えないように行を分割する。
func chunkRows(rows [][]any, columns int) [][][]any {
	if len(rows) == 0 || columns <= 0 {
		return nil
	}
	size := maxParams / columns
	chunks := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// insertRows は行をチャンク単位で挿入し、実際に挿入された件数を返す。
// ON CONFLICT DO NOTHING で無視された行は件数に含まれない。
func insertRows(ctx context.Context, exec Executor, spec tableSpec, rows [][]any) (int, error) {
	inserted := 0
	for _, chunk := range chunkRows(rows, len(spec.columns)) {
		query, args := buildInsertSQL(spec.name, spec.columns, chunk, spec.conflict)
		result, err := exec.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read affected rows: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}
