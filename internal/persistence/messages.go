package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageRecord is the persisted form of a queued message, one row per id.
type MessageRecord struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Direction  string    `json:"direction"`
	Kind       string    `json:"kind"`
	Priority   int       `json:"priority"`
	Payload    string    `json:"payload"` // JSON-encoded tagged payload
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UpsertMessage writes (or rewrites) the row for rec.ID.
func (s *Store) UpsertMessage(ctx context.Context, rec MessageRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, topic, direction, kind, priority, payload, status, retry_count, enqueued_at, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				topic = excluded.topic,
				priority = excluded.priority,
				payload = excluded.payload,
				status = excluded.status,
				retry_count = excluded.retry_count,
				expires_at = excluded.expires_at,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.ID, rec.Topic, rec.Direction, rec.Kind, rec.Priority, rec.Payload,
			rec.Status, rec.RetryCount, rec.EnqueuedAt.UTC(), rec.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", rec.ID, err)
		}
		return nil
	})
}

// DeleteMessage removes the row for id. Deleting a missing row is not an
// error: acknowledgement and expiry may race with eviction.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
		return nil
	})
}

// LoadMessages returns all persisted rows in deterministic queue order.
// Rows that fail to scan are counted and skipped, not fatal: a corrupt
// record must not block rehydration of the rest.
func (s *Store) LoadMessages(ctx context.Context) (records []MessageRecord, skipped int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, direction, kind, priority, payload, status, retry_count, enqueued_at, expires_at
		FROM messages
		ORDER BY priority DESC, enqueued_at ASC, id ASC;
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec MessageRecord
		if scanErr := rows.Scan(&rec.ID, &rec.Topic, &rec.Direction, &rec.Kind, &rec.Priority,
			&rec.Payload, &rec.Status, &rec.RetryCount, &rec.EnqueuedAt, &rec.ExpiresAt); scanErr != nil {
			skipped++
			continue
		}
		if !json.Valid([]byte(rec.Payload)) {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return records, skipped, fmt.Errorf("iterate messages: %w", err)
	}
	return records, skipped, nil
}

// MessageCount returns the number of persisted message rows.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ErrKeyNotFound is returned by KVGet for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KVSet stores a small opaque value (the presence snapshot) under key.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, val, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET val = excluded.val, updated_at = CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVGet reads the value stored under key.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT val FROM kv WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}
