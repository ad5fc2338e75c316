package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
	"vectorflow/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// maxClaimRounds bounds how often ReceiveRequests re-scans after losing
// claims to other consumers or dead-lettering candidates.
const maxClaimRounds = 3

// SQLiteQueue persists messages in SQLite. Claims are conditional updates, so
// concurrent consumers in one or many processes never lease the same message.
type SQLiteQueue struct {
	db   *sqlitedb.DB
	opts options
}

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteQueue, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(context.Background(), schemaSQL, schemaVersion, "delete the queue database to recreate it"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteQueue{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.db.Close()
}

// Path returns the database location.
func (q *SQLiteQueue) Path() string {
	return q.db.Path()
}

func (q *SQLiteQueue) now() time.Time {
	return q.opts.now().UTC()
}

// HasRequests reports whether any message is currently visible.
func (q *SQLiteQueue) HasRequests(ctx context.Context) (bool, error) {
	var exists int
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		return q.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM messages WHERE visible_at <= ?)", q.now().UnixNano(),
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("queue has requests: %w", err)
	}
	return exists == 1, nil
}

// SubmitRequest enqueues msg and returns its message id. The message is
// visible immediately.
func (q *SQLiteQueue) SubmitRequest(ctx context.Context, msg pipeline.WorkItemMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	id := uuid.NewString()
	now := q.now()
	if _, err := q.db.ExecWithRetry(ctx,
		"INSERT INTO messages (id, payload, enqueued_at, visible_at, dequeue_count) VALUES (?, ?, ?, ?, 0)",
		id, string(payload), sqlitedb.FormatTime(now), now.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

type candidate struct {
	id           string
	payload      string
	enqueuedAt   string
	dequeueCount int
}

// ReceiveRequests leases up to count visible messages. Messages whose next
// lease would exceed the maximum dequeue count are moved to the dead-letter
// table and reported to the registered sinks instead of being returned.
func (q *SQLiteQueue) ReceiveRequests(ctx context.Context, count int) ([]pipeline.DequeuedMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	now := q.now()
	var (
		leased   []pipeline.DequeuedMessage
		poisoned []DeadLetter
		scanErr  error
	)
	for round := 0; round < maxClaimRounds && len(leased) < count; round++ {
		candidates, err := q.visibleCandidates(ctx, now, count-len(leased))
		if err != nil {
			scanErr = err
			break
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			if c.dequeueCount+1 > q.opts.maxDequeueCount {
				letter, ok, err := q.deadLetter(ctx, c, now, poisonReason(c.id, c.dequeueCount+1, q.opts.maxDequeueCount))
				if err != nil {
					scanErr = err
					continue
				}
				if ok {
					poisoned = append(poisoned, letter)
				}
				continue
			}
			msg, ok, err := q.claim(ctx, c, now)
			if err != nil {
				var letter DeadLetter
				var decodeErr *payloadError
				if errors.As(err, &decodeErr) {
					letter, ok, err = q.deadLetter(ctx, c, now, undecodable(decodeErr))
					if err == nil && ok {
						poisoned = append(poisoned, letter)
					}
				}
				if err != nil {
					scanErr = err
				}
				continue
			}
			if ok {
				leased = append(leased, msg)
			}
		}
	}
	reportDeadLetters(ctx, q.opts, poisoned)
	if scanErr != nil && len(leased) == 0 {
		return nil, fmt.Errorf("receive messages: %w", scanErr)
	}
	return leased, nil
}

func (q *SQLiteQueue) visibleCandidates(ctx context.Context, now time.Time, limit int) ([]candidate, error) {
	var out []candidate
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := q.db.QueryContext(ctx,
			`SELECT id, payload, enqueued_at, dequeue_count FROM messages
			 WHERE visible_at <= ? ORDER BY visible_at, rowid LIMIT ?`,
			now.UnixNano(), limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.payload, &c.enqueuedAt, &c.dequeueCount); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

type payloadError struct {
	err error
}

func (e *payloadError) Error() string { return "undecodable payload: " + e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

func (q *SQLiteQueue) claim(ctx context.Context, c candidate, now time.Time) (pipeline.DequeuedMessage, bool, error) {
	var msg pipeline.WorkItemMessage
	if err := json.Unmarshal([]byte(c.payload), &msg); err != nil {
		return pipeline.DequeuedMessage{}, false, &payloadError{err: err}
	}
	receipt := uuid.NewString()
	leasedUntil := now.Add(q.opts.visibility)
	res, err := q.db.ExecWithRetry(ctx,
		`UPDATE messages
		 SET dequeue_count = dequeue_count + 1, pop_receipt = ?, visible_at = ?, leased_at = ?
		 WHERE id = ? AND visible_at <= ? AND dequeue_count = ?`,
		receipt, leasedUntil.UnixNano(), sqlitedb.FormatTime(now),
		c.id, now.UnixNano(), c.dequeueCount,
	)
	if err != nil {
		return pipeline.DequeuedMessage{}, false, fmt.Errorf("claim message %s: %w", c.id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pipeline.DequeuedMessage{}, false, fmt.Errorf("claim message %s: %w", c.id, err)
	}
	if affected != 1 {
		return pipeline.DequeuedMessage{}, false, nil
	}
	return pipeline.DequeuedMessage{
		Message:      msg,
		MessageID:    c.id,
		PopReceipt:   receipt,
		DequeueCount: c.dequeueCount + 1,
		LeasedUntil:  leasedUntil,
	}, true, nil
}

func (q *SQLiteQueue) deadLetter(ctx context.Context, c candidate, now time.Time, cause error) (DeadLetter, bool, error) {
	claimed := false
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		claimed = false
		res, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE id = ? AND visible_at <= ? AND dequeue_count = ?",
			c.id, now.UnixNano(), c.dequeueCount,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, payload, enqueued_at, dead_lettered_at, dequeue_count, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.id, c.payload, c.enqueuedAt, sqlitedb.FormatTime(now), c.dequeueCount, cause.Error(),
		); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return DeadLetter{}, false, fmt.Errorf("dead-letter message %s: %w", c.id, err)
	}
	if !claimed {
		return DeadLetter{}, false, nil
	}
	letter := DeadLetter{
		MessageID:      c.id,
		DequeueCount:   c.dequeueCount,
		DeadLetteredAt: now,
		Reason:         cause.Error(),
		Err:            cause,
	}
	_ = json.Unmarshal([]byte(c.payload), &letter.Message)
	if enqueued, err := sqlitedb.ParseTime(c.enqueuedAt); err == nil {
		letter.EnqueuedAt = enqueued
	}
	return letter, true, nil
}

// DeleteRequest removes a message leased with popReceipt.
func (q *SQLiteQueue) DeleteRequest(ctx context.Context, messageID, popReceipt string) error {
	res, err := q.db.ExecWithRetry(ctx,
		"DELETE FROM messages WHERE id = ? AND pop_receipt = ?",
		messageID, popReceipt,
	)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if affected != 1 {
		return &services.LeaseExpiredError{MessageID: messageID, Operation: "delete"}
	}
	return nil
}

// ExtendLease moves the visibility of a leased message to now+visibility and
// returns the replacement pop receipt. A zero visibility releases the message
// for immediate redelivery.
func (q *SQLiteQueue) ExtendLease(ctx context.Context, messageID, popReceipt string, visibility time.Duration) (string, error) {
	if visibility < 0 {
		visibility = 0
	}
	receipt := uuid.NewString()
	next := q.now().Add(visibility)
	res, err := q.db.ExecWithRetry(ctx,
		"UPDATE messages SET pop_receipt = ?, visible_at = ? WHERE id = ? AND pop_receipt = ?",
		receipt, next.UnixNano(), messageID, popReceipt,
	)
	if err != nil {
		return "", fmt.Errorf("extend lease %s: %w", messageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("extend lease %s: %w", messageID, err)
	}
	if affected != 1 {
		return "", &services.LeaseExpiredError{MessageID: messageID, Operation: "extend"}
	}
	return receipt, nil
}

// Stats returns visible, leased and dead-lettered counts.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := q.now().UnixNano()
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		return q.db.QueryRowContext(ctx,
			`SELECT
			   (SELECT COUNT(1) FROM messages WHERE visible_at <= ?),
			   (SELECT COUNT(1) FROM messages WHERE visible_at > ?),
			   (SELECT COUNT(1) FROM dead_letters)`,
			now, now,
		).Scan(&stats.Visible, &stats.Leased, &stats.DeadLettered)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// PendingWorkItems returns the work item ids carried by live messages,
// visible or leased.
func (q *SQLiteQueue) PendingWorkItems(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		clear(ids)
		rows, err := q.db.QueryContext(ctx, "SELECT payload FROM messages")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}
			var msg pipeline.WorkItemMessage
			if json.Unmarshal([]byte(payload), &msg) == nil && msg.WorkItemID != "" {
				ids[msg.WorkItemID] = struct{}{}
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list pending work items: %w", err)
	}
	return ids, nil
}

// DeadLetters lists the most recent dead letters, newest first.
func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var letters []DeadLetter
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		letters = letters[:0]
		rows, err := q.db.QueryContext(ctx,
			`SELECT id, payload, enqueued_at, dead_lettered_at, dequeue_count, reason
			 FROM dead_letters ORDER BY dead_lettered_at DESC, rowid DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				letter                 DeadLetter
				payload, enqueued, dlq string
			)
			if err := rows.Scan(&letter.MessageID, &payload, &enqueued, &dlq, &letter.DequeueCount, &letter.Reason); err != nil {
				return err
			}
			_ = json.Unmarshal([]byte(payload), &letter.Message)
			if ts, err := sqlitedb.ParseTime(enqueued); err == nil {
				letter.EnqueuedAt = ts
			}
			if ts, err := sqlitedb.ParseTime(dlq); err == nil {
				letter.DeadLetteredAt = ts
			}
			letters = append(letters, letter)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

func undecodable(err *payloadError) error {
	return services.Wrap(services.ErrPoisonMessage, "queue", "decode", "undecodable payload", err.err)
}

func poisonReason(messageID string, dequeueCount, maxDequeueCount int) error {
	return &services.PoisonMessageError{
		MessageID:       messageID,
		DequeueCount:    dequeueCount,
		MaxDequeueCount: maxDequeueCount,
	}
}
