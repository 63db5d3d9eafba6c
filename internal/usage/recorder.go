// Package usage records per-request token accounting.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one completed chat exchange. Message content is never stored.
type Entry struct {
	RequestID        string
	UID              string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// Recorder persists usage entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// NopRecorder discards every entry. Used when the ledger is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }

// execer is the subset of *pgxpool.Pool the recorder needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder writes entries to the usage_events table.
type PostgresRecorder struct {
	db      execer
	timeout time.Duration
	now     func() time.Time
	newID   func() uuid.UUID
}

func NewPostgresRecorder(db *pgxpool.Pool, timeout time.Duration) *PostgresRecorder {
	return newPostgresRecorder(db, timeout)
}

func newPostgresRecorder(db execer, timeout time.Duration) *PostgresRecorder {
	return &PostgresRecorder{db: db, timeout: timeout, now: time.Now, newID: uuid.New}
}

func (r *PostgresRecorder) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_events (id, request_id, uid, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		r.newID(),
		e.RequestID,
		e.UID,
		e.Model,
		e.PromptTokens,
		e.CompletionTokens,
		e.TotalTokens,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}
