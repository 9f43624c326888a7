package writer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

func TestBuildMessageInsert(t *testing.T) {
	parent := "m0"
	batch := []models.ParsedMessage{
		{
			MessageID: "m1",
			Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			Role:      models.RoleUser,
			Content:   "hi",
		},
		{
			MessageID: "m2",
			ParentID:  &parent,
			Timestamp: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
			Role:      models.RoleAssistant,
			Content:   "hello",
			ToolUsage: []models.ToolUsage{{ToolName: "Read", Status: models.ToolStatusPending}},
		},
	}

	query, args, err := buildMessageInsert("conv-1", batch)
	require.NoError(t, err)

	assert.Contains(t, query, "ON CONFLICT (conversation_id, message_id) DO NOTHING")
	assert.Equal(t, 14, strings.Count(query, "$"), "expected seven placeholders per message")
	require.Len(t, args, 14)
	assert.Equal(t, "conv-1", args[0])
	assert.Equal(t, "m1", args[1])
	assert.Nil(t, args[2])
	assert.Equal(t, "conv-1", args[7])
	assert.Equal(t, &parent, args[9])

	toolJSON, ok := args[13].(string)
	require.True(t, ok)
	assert.Contains(t, toolJSON, `"tool_name":"Read"`)
}

func TestNew_AppliesDefaults(t *testing.T) {
	w := New(nil, Config{})
	assert.Equal(t, DefaultMaxAttempts, w.maxAttempts)
	assert.Equal(t, DefaultBaseDelay, w.baseDelay)
}

// --- Integration tests (require a reachable PostgreSQL) ---

// testDB connects to TEST_DATABASE_URL and provisions the schema in a
// throwaway namespace. Tests are skipped when the variable is unset so
// the suite passes without a database.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database-backed test")
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	schema := fmt.Sprintf("writer_test_%d", time.Now().UnixNano())
	_, err = db.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "SET search_path TO "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.Exec("DROP SCHEMA " + schema + " CASCADE")
	})

	for _, ddl := range []string{
		`CREATE TABLE conversations (
			id uuid PRIMARY KEY,
			project_id text NOT NULL,
			session_id text NOT NULL,
			title text,
			message_count integer NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (project_id, session_id)
		)`,
		`CREATE TABLE messages (
			id bigserial PRIMARY KEY,
			conversation_id uuid NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
			message_id text NOT NULL,
			parent_id text,
			"timestamp" timestamptz NOT NULL,
			role text NOT NULL,
			content text NOT NULL,
			tool_usage jsonb,
			UNIQUE (conversation_id, message_id)
		)`,
	} {
		_, err = db.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}
	return db
}

func testConversation() *models.ConversationData {
	return &models.ConversationData{
		ProjectID: "proj-1",
		SessionID: "sess-1",
		FilePath:  "/tmp/proj-1/sess-1.jsonl",
		Messages: []models.ParsedMessage{
			{
				MessageID: "m1",
				Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
				Role:      models.RoleUser,
				Content:   "hi",
			},
			{
				MessageID: "m2",
				Timestamp: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
				Role:      models.RoleAssistant,
				Content:   "hello",
				ToolUsage: []models.ToolUsage{{
					ToolName:   "Read",
					ToolInput:  map[string]any{"file_path": "/tmp/a"},
					ToolOutput: "OK",
					Status:     models.ToolStatusSuccess,
				}},
			},
		},
		MessageCount: 2,
	}
}

func TestWriter_WriteThenRewrite_Idempotent(t *testing.T) {
	db := testDB(t)
	w := New(db, Config{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond})
	ctx := context.Background()

	id1, metrics1, err := w.Write(ctx, testConversation())
	require.NoError(t, err)
	assert.True(t, metrics1.Created)
	assert.Equal(t, int64(2), metrics1.MessagesWritten)

	// Second write with identical input: same id, no new messages.
	id2, metrics2, err := w.Write(ctx, testConversation())
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.False(t, metrics2.Created)
	assert.Equal(t, int64(0), metrics2.MessagesWritten)

	var msgCount int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM messages`).Scan(&msgCount))
	assert.Equal(t, 2, msgCount)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.ConversationsWritten)
	assert.Equal(t, int64(1), stats.ConversationsUpdated)
	assert.Equal(t, int64(2), stats.MessagesWritten)
	assert.Equal(t, int64(0), stats.WriteErrors)
}

func TestWriter_AppendOnlyMessages(t *testing.T) {
	db := testDB(t)
	w := New(db, Config{})
	ctx := context.Background()

	conv := testConversation()
	id1, _, err := w.Write(ctx, conv)
	require.NoError(t, err)

	// New transcript read with one additional message.
	grown := testConversation()
	grown.Messages = append(grown.Messages, models.ParsedMessage{
		MessageID: "m3",
		Timestamp: time.Date(2024, 1, 15, 10, 32, 0, 0, time.UTC),
		Role:      models.RoleUser,
		Content:   "thanks",
	})
	grown.MessageCount = 3

	id2, metrics, err := w.Write(ctx, grown)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, int64(1), metrics.MessagesWritten)

	var count, msgCount int
	require.NoError(t, db.QueryRow(`SELECT message_count FROM conversations WHERE id = $1`, id1).Scan(&count))
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM messages WHERE conversation_id = $1`, id1).Scan(&msgCount))
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, msgCount)
}

func TestWriter_DistinctSessionsGetDistinctConversations(t *testing.T) {
	db := testDB(t)
	w := New(db, Config{})
	ctx := context.Background()

	a := testConversation()
	b := testConversation()
	b.SessionID = "sess-2"
	for i := range b.Messages {
		b.Messages[i].MessageID = "other-" + b.Messages[i].MessageID
	}

	idA, _, err := w.Write(ctx, a)
	require.NoError(t, err)
	idB, _, err := w.Write(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestWriter_RetryExhaustionReturnsDatabaseError(t *testing.T) {
	db := testDB(t)
	w := New(db, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	// Cancelled context forces every attempt to fail fast.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := w.Write(ctx, testConversation())
	require.Error(t, err)
	assert.Equal(t, int64(1), w.Stats().WriteErrors)
}
