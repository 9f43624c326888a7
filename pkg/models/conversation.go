// Package models defines the record schema shared by the ingestion
// pipeline: parsed conversations and messages, filesystem events, and
// performance samples.
package models

import (
	"time"
)

// MessageRole is the author of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid reports whether the role is one of the supported variants.
func (r MessageRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolUsage records one tool invocation extracted from an assistant
// message. Created as pending when a tool_use block is seen; transitions
// to success/error when the matching tool_result arrives in the same
// message. Unmatched invocations stay pending with a nil output.
type ToolUsage struct {
	ToolName   string     `json:"tool_name"`
	ToolInput  any        `json:"tool_input"`
	ToolOutput any        `json:"tool_output,omitempty"`
	Status     ToolStatus `json:"status,omitempty"`
}

// ParsedMessage is one normalized transcript line.
// (ConversationID, MessageID) is the idempotency key for persistence.
type ParsedMessage struct {
	ConversationID string      `json:"conversation_id"`
	SessionID      string      `json:"session_id"`
	MessageID      string      `json:"message_id"`
	ParentID       *string     `json:"parent_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	ToolUsage      []ToolUsage `json:"tool_usage,omitempty"`
}

// ConversationData is one fully parsed transcript file.
// (ProjectID, SessionID) identifies the conversation; the persistence
// writer assigns ID on first persist and CreatedAt/UpdatedAt on write.
type ConversationData struct {
	ID           string          `json:"id,omitempty"`
	ProjectID    string          `json:"project_id"`
	SessionID    string          `json:"session_id"`
	FilePath     string          `json:"file_path"`
	Title        *string         `json:"title,omitempty"`
	MessageCount int             `json:"message_count"`
	Messages     []ParsedMessage `json:"messages"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}
