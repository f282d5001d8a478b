package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hitoshi/bestsellers/internal/daterange"
)

// RawStore は取得した生のレスポンスを日付単位で保存する。
type RawStore interface {
	Save(date string, body []byte) error
	Load(date string) ([]byte, error)
}

// FileStore は {dir}/{date}.json にレスポンスを保存するRawStore実装。
type FileStore struct {
	dir string
}

// NewFileStore はFileStoreの新しいインスタンスを生成する。
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path は日付に対応する保存先パスを返す。
func (s *FileStore) Path(date string) string {
	return filepath.Join(s.dir, date+".json")
}

// Save はbodyを一時ファイルに書き出してからリネームし、既存ファイルを原子的に置き換える。
func (s *FileStore) Save(date string, body []byte) error {
	if _, err := daterange.ParseDate(date); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create raw data dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+date+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write raw snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close raw snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(date)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace raw snapshot: %w", err)
	}
	return nil
}

// Load は保存済みのレスポンスを読み込む。
// 未取得の日付は fs.ErrNotExist をラップしたエラーを返す。
func (s *FileStore) Load(date string) ([]byte, error) {
	if _, err := daterange.ParseDate(date); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.Path(date))
	if err != nil {
		return nil, fmt.Errorf("read raw snapshot %s: %w", date, err)
	}
	return body, nil
}
