package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// defaultPageSize caps list responses.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConversationSummary is one row of GET /api/conversations.
type ConversationSummary struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	SessionID    string    `json:"session_id"`
	Title        *string   `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MessageDetail is one message of GET /api/conversations/:id.
type MessageDetail struct {
	MessageID string          `json:"message_id"`
	ParentID  *string         `json:"parent_id"`
	Timestamp time.Time       `json:"timestamp"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolUsage json.RawMessage `json:"tool_usage,omitempty"`
}

// ConversationDetail is returned by GET /api/conversations/:id.
type ConversationDetail struct {
	ConversationSummary
	Messages []MessageDetail `json:"messages"`
}

// listConversationsHandler handles GET /api/conversations.
//
// Query parameters: project_id (optional filter), limit, offset.
// Rows are ordered by most recent activity.
func (s *Server) listConversationsHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	limit := parsePositiveInt(c.Query("limit"), defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := parsePositiveInt(c.Query("offset"), 0)

	query := `SELECT id, project_id, session_id, title, message_count, created_at, updated_at
		FROM conversations`
	args := []any{}
	if projectID := c.Query("project_id"); projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	rows, err := s.db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	defer rows.Close()

	conversations := []ConversationSummary{}
	for rows.Next() {
		var conv ConversationSummary
		if err := rows.Scan(&conv.ID, &conv.ProjectID, &conv.SessionID, &conv.Title,
			&conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"limit":         limit,
		"offset":        offset,
	})
}

// getConversationHandler handles GET /api/conversations/:id, returning
// the conversation and its messages in timestamp order.
func (s *Server) getConversationHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	id := c.Param("id")
	var detail ConversationDetail
	err := s.db.QueryRowContext(c.Request.Context(),
		`SELECT id, project_id, session_id, title, message_count, created_at, updated_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&detail.ID, &detail.ProjectID, &detail.SessionID, &detail.Title,
			&detail.MessageCount, &detail.CreatedAt, &detail.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	rows, err := s.db.QueryContext(c.Request.Context(),
		`SELECT message_id, parent_id, "timestamp", role, content, tool_usage
		 FROM messages WHERE conversation_id = $1 ORDER BY "timestamp", id`, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	defer rows.Close()

	detail.Messages = []MessageDetail{}
	for rows.Next() {
		var (
			msg       MessageDetail
			toolUsage sql.NullString
		)
		if err := rows.Scan(&msg.MessageID, &msg.ParentID, &msg.Timestamp,
			&msg.Role, &msg.Content, &toolUsage); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if toolUsage.Valid {
			msg.ToolUsage = json.RawMessage(toolUsage.String)
		}
		detail.Messages = append(detail.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, detail)
}

func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
