package fetch

import (
	"bytes"
	"log/slog"
	"sync"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu        sync.Mutex
	successes []string
	failures  map[string]string // date -> reason
	statuses  []int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{failures: make(map[string]string)}
}

func (m *mockMetrics) RecordFetchSuccess(date string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, date)
}

func (m *mockMetrics) RecordFetchFailure(date string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[date] = reason
}

func (m *mockMetrics) RecordHTTPStatus(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusCode)
}

func (m *mockMetrics) RecordFetchLatency(time.Duration)        {}
func (m *mockMetrics) RecordRowsLoaded(string, int, int)       {}
func (m *mockMetrics) RecordRejected(string, int)              {}
func (m *mockMetrics) RecordValidation(bool)                   {}
func (m *mockMetrics) RecordStep(string, error, time.Duration) {}
