// Package writer persists parsed conversations idempotently. The write
// path is read-then-write on (project_id, session_id) for conversations
// and insert-or-ignore on (conversation_id, message_id) for messages, so
// re-processing a transcript never duplicates rows.
package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

// Retry defaults per the writer contract.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// messageBatchSize caps rows per multi-row INSERT, keeping the
// placeholder count well under PostgreSQL's 65535 parameter limit.
const messageBatchSize = 500

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Stats are the writer's cumulative counters.
type Stats struct {
	ConversationsWritten int64 `json:"conversations_written"`
	ConversationsUpdated int64 `json:"conversations_updated"`
	MessagesWritten      int64 `json:"messages_written"`
	WriteErrors          int64 `json:"write_errors"`
}

// WriteMetrics reports per-stage elapsed time for one Write call.
type WriteMetrics struct {
	Created          bool    `json:"created"`
	MessagesWritten  int64   `json:"messages_written"`
	LookupMs         float64 `json:"lookup_ms"`
	ConversationMs   float64 `json:"conversation_ms"`
	MessagesMs       float64 `json:"messages_ms"`
	TotalMs          float64 `json:"total_ms"`
}

// Writer persists conversations to PostgreSQL.
type Writer struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a Writer over an open connection pool.
func New(db *sql.DB, cfg Config) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Writer{
		db:          db,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
}

// Write upserts the conversation and bulk-upserts its messages, returning
// the persisted conversation id. Calling Write twice with identical input
// yields the same id and no duplicate messages.
func (w *Writer) Write(ctx context.Context, conv *models.ConversationData) (string, *WriteMetrics, error) {
	start := time.Now()
	metrics := &WriteMetrics{}

	// Stage 1: look up an existing row by the conversation identity key.
	lookupStart := time.Now()
	var existingID string
	err := w.retry(ctx, "lookup", func() error {
		row := w.db.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE project_id = $1 AND session_id = $2`,
			conv.ProjectID, conv.SessionID)
		if scanErr := row.Scan(&existingID); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				existingID = ""
				return nil
			}
			return scanErr
		}
		return nil
	})
	metrics.LookupMs = msSince(lookupStart)
	if err != nil {
		w.recordError()
		return "", nil, err
	}

	// Stage 2: update the existing row or insert a fresh one.
	convStart := time.Now()
	var convID string
	if existingID != "" {
		convID = existingID
		err = w.retry(ctx, "upsert_conversation", func() error {
			_, execErr := w.db.ExecContext(ctx,
				`UPDATE conversations SET title = $2, message_count = $3, updated_at = now() WHERE id = $1`,
				convID, conv.Title, conv.MessageCount)
			return execErr
		})
	} else {
		convID = conv.ID
		if convID == "" {
			convID = uuid.New().String()
		}
		err = w.retry(ctx, "upsert_conversation", func() error {
			return w.db.QueryRowContext(ctx,
				`INSERT INTO conversations (id, project_id, session_id, title, message_count)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (project_id, session_id) DO UPDATE
				   SET title = EXCLUDED.title, message_count = EXCLUDED.message_count, updated_at = now()
				 RETURNING id`,
				convID, conv.ProjectID, conv.SessionID, conv.Title, conv.MessageCount,
			).Scan(&convID)
		})
		metrics.Created = true
	}
	metrics.ConversationMs = msSince(convStart)
	if err != nil {
		w.recordError()
		return "", nil, err
	}

	// Stage 3: bulk message upsert, leaving existing rows untouched.
	msgStart := time.Now()
	var written int64
	for offset := 0; offset < len(conv.Messages); offset += messageBatchSize {
		end := offset + messageBatchSize
		if end > len(conv.Messages) {
			end = len(conv.Messages)
		}
		batch := conv.Messages[offset:end]

		query, args, buildErr := buildMessageInsert(convID, batch)
		if buildErr != nil {
			w.recordError()
			return "", nil, &UnexpectedDatabaseError{Err: buildErr}
		}

		var batchWritten int64
		err = w.retry(ctx, "upsert_messages", func() error {
			res, execErr := w.db.ExecContext(ctx, query, args...)
			if execErr != nil {
				return execErr
			}
			batchWritten, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			w.recordError()
			return "", nil, err
		}
		written += batchWritten
	}
	metrics.MessagesMs = msSince(msgStart)
	metrics.MessagesWritten = written
	metrics.TotalMs = msSince(start)

	w.mu.Lock()
	if metrics.Created {
		w.stats.ConversationsWritten++
	} else {
		w.stats.ConversationsUpdated++
	}
	w.stats.MessagesWritten += written
	w.mu.Unlock()

	return convID, metrics, nil
}

// Ping checks backend connectivity for health reporting.
func (w *Writer) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ResetStats zeroes all counters.
func (w *Writer) ResetStats() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats = Stats{}
}

func (w *Writer) recordError() {
	w.mu.Lock()
	w.stats.WriteErrors++
	w.mu.Unlock()
}

// retry runs fn with exponential backoff (base delay doubling per
// attempt) up to the configured attempt budget. Context cancellation
// aborts immediately. Exhaustion maps to DatabaseError for the stage.
func (w *Writer) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.maxAttempts-1)), ctx)
	if err := backoff.Retry(fn, policy); err != nil {
		return &DatabaseError{Op: op, Err: err}
	}
	return nil
}

// buildMessageInsert renders a multi-row INSERT ... ON CONFLICT DO
// NOTHING for one batch of messages.
func buildMessageInsert(convID string, batch []models.ParsedMessage) (string, []any, error) {
	var (
		rows = make([]string, 0, len(batch))
		args = make([]any, 0, len(batch)*7)
	)
	for i, m := range batch {
		base := i * 7
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))

		var toolJSON any
		if len(m.ToolUsage) > 0 {
			data, err := json.Marshal(m.ToolUsage)
			if err != nil {
				return "", nil, fmt.Errorf("marshal tool usage for message %s: %w", m.MessageID, err)
			}
			toolJSON = string(data)
		}
		args = append(args, convID, m.MessageID, m.ParentID, m.Timestamp, string(m.Role), m.Content, toolJSON)
	}

	query := `INSERT INTO messages (conversation_id, message_id, parent_id, "timestamp", role, content, tool_usage) VALUES ` +
		strings.Join(rows, ", ") +
		` ON CONFLICT (conversation_id, message_id) DO NOTHING`
	return query, args, nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
