// Package events delivers real-time pipeline updates to WebSocket
// clients. Every outbound frame is an Envelope; clients steer what they
// receive with subscribe/unsubscribe messages carrying subscription keys.
package events

// Envelope types for server → client messages.
const (
	EventTypeConnectionEstablished = "connection_established"
	EventTypeConversationUpdate    = "conversation_update"
	EventTypeNewConversation       = "new_conversation"
	EventTypeFileMonitoring        = "file_monitoring_update"
	EventTypeProjectStatus         = "project_status_update"
	EventTypePong                  = "pong"
)

// Well-known subscription keys.
const (
	// SubAllConversations is the firehose: subscribers receive every
	// broadcast regardless of its filter.
	SubAllConversations = "all_conversations"

	SubProjectUpdates = "project_updates"
	SubFileEvents     = "file_events"
)

// ProjectChannel returns the subscription key scoped to one project.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// ConversationChannel returns the subscription key scoped to one
// conversation. Format: "conversation:{conversation_id}"
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// FileEventsChannel returns the subscription key for per-project file
// activity. Format: "file_events:{project_id}"
func FileEventsChannel(projectID string) string {
	return "file_events:" + projectID
}

// Envelope is the wire format for every server → client message. The
// registry stamps Timestamp (RFC 3339, UTC) when the message is sent or
// broadcast, overwriting whatever the producer set.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// ClientMessage is the JSON structure for client → server messages.
type ClientMessage struct {
	Type         string `json:"type"`                   // "ping", "subscribe", "unsubscribe"
	Subscription string `json:"subscription,omitempty"` // subscription key for subscribe/unsubscribe
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	ActiveConnections    int              `json:"active_connections"`
	Subscriptions        map[string]int   `json:"subscriptions"`
	MessagesSent         int64            `json:"messages_sent"`
	SessionMessageCounts map[string]int64 `json:"session_message_counts"`
}
