// Package audit records terminal message outcomes and forced presence
// transitions as an append-only JSONL trail. A message that reaches Failed
// or Expired leaves the queue but must never vanish without a trace.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Outcome    string `json:"outcome"`
	MessageID  string `json:"message_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Log is an owned audit sink. The zero value is unusable; use Open.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
}

// Open creates (or appends to) <home>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// FailCount returns the number of "failed" outcomes recorded since Open.
func (l *Log) FailCount() int64 {
	return l.failCount.Load()
}

// Record writes one audit entry. Errors are swallowed: auditing must never
// take down the queue path it observes.
func (l *Log) Record(outcome, messageID, kind string, priority, retryCount int, reason string) {
	if outcome == "failed" {
		l.failCount.Add(1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Outcome:    outcome,
		MessageID:  messageID,
		Kind:       kind,
		Priority:   priority,
		RetryCount: retryCount,
		Reason:     reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
