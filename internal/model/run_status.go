package model

import "time"

// RunStatus はスケジュール実行の直近の状態。
type RunStatus struct {
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	LastStart  time.Time `json:"last_start,omitzero"`
	LastFinish time.Time `json:"last_finish,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	NextRun    time.Time `json:"next_run,omitzero"`
}
