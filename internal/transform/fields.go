package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// record はJSONオブジェクト1件。値は元のバイト列のまま保持し、
// リジェクト時にはサブレコードを加工せずに記録できるようにする。
type record map[string]json.RawMessage

var (
	errMissing  = errors.New("missing field")
	errNull     = errors.New("null value")
	errEmpty    = errors.New("empty value")
	errNotArray = errors.New("not an array")
)

// fieldError はフィールド名付きのエラー。
type fieldError struct {
	field string
	err   error
}

func (e *fieldError) Error() string { return e.field + ": " + e.err.Error() }
func (e *fieldError) Unwrap() error { return e.err }

func decodeRecord(raw json.RawMessage) (record, error) {
	if isNull(raw) {
		return nil, errNull
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	return r, nil
}

// array はキーの値を要素ごとのバイト列に分解する。
// キーがない、またはnullの場合は errMissing / errNull を返す。
func (r record) array(key string) ([]json.RawMessage, error) {
	raw, ok := r[key]
	if !ok {
		return nil, &fieldError{key, errMissing}
	}
	if isNull(raw) {
		return nil, &fieldError{key, errNull}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &fieldError{key, errNotArray}
	}
	return items, nil
}

// text は必須の文字列フィールドを返す。nullは空文字として扱う。
func (r record) text(key string) (string, error) {
	raw, ok := r[key]
	if !ok {
		return "", &fieldError{key, errMissing}
	}
	return decodeText(key, raw)
}

// optText は任意の文字列フィールドを返す。キーがない場合も空文字。
func (r record) optText(key string) (string, error) {
	raw, ok := r[key]
	if !ok {
		return "", nil
	}
	return decodeText(key, raw)
}

// key は空でない必須文字列を返す。主キーに使う。
func (r record) key(key string) (string, error) {
	s, err := r.text(key)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &fieldError{key, errEmpty}
	}
	return s, nil
}

func decodeText(key string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &fieldError{key, fmt.Errorf("expected string: %w", err)}
	}
	return s, nil
}

// integer は必須の整数フィールドを返す。数値文字列も受け付ける。
func (r record) integer(key string) (int64, error) {
	raw, ok := r[key]
	if !ok {
		return 0, &fieldError{key, errMissing}
	}
	if isNull(raw) {
		return 0, &fieldError{key, errNull}
	}
	n, err := number(raw)
	if err != nil {
		return 0, &fieldError{key, err}
	}
	i, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0, &fieldError{key, fmt.Errorf("expected integer: %w", err)}
	}
	return i, nil
}

// optInteger は任意の整数フィールドを返す。キーがない、またはnullの場合はnil。
func (r record) optInteger(key string) (*int64, error) {
	raw, ok := r[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	i, err := r.integer(key)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// decimal は必須の数値フィールドを返す。"12.99" のような数値文字列も受け付ける。
func (r record) decimal(key string) (float64, error) {
	raw, ok := r[key]
	if !ok {
		return 0, &fieldError{key, errMissing}
	}
	if isNull(raw) {
		return 0, &fieldError{key, errNull}
	}
	n, err := number(raw)
	if err != nil {
		return 0, &fieldError{key, err}
	}
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return 0, &fieldError{key, fmt.Errorf("expected number: %w", err)}
	}
	return f, nil
}

// date は必須の日付フィールドをlayoutで解釈する。
func (r record) date(key, layout string) (time.Time, error) {
	s, err := r.text(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, &fieldError{key, err}
	}
	return t, nil
}

// number はJSONの数値または数値文字列を文字列表現で返す。
func number(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return "", errEmpty
		}
		return s, nil
	default:
		return "", fmt.Errorf("expected number, got %s", kind(v))
	}
}

func kind(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
