package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/osbornesec/ccobservatory/pkg/auth"
)

// broadcastParallelism bounds concurrent writes during a broadcast so a
// large connection count cannot spawn an unbounded goroutine burst.
const broadcastParallelism = 32

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// defaultSubscriptions are applied to every new session. Clients narrow
// or widen them with subscribe/unsubscribe messages.
var defaultSubscriptions = []string{SubAllConversations, SubFileEvents}

// session is one registered WebSocket client.
//
// subscriptions is guarded by the manager's indexMu together with the
// reverse index, so the two views can never disagree. writeMu serializes
// writes to the underlying connection: coder/websocket permits only one
// concurrent writer, and the per-session mutex also preserves the order
// in which a single producer's messages reach the peer.
type session struct {
	id            string
	user          *auth.UserInfo
	conn          *websocket.Conn
	subscriptions map[string]bool

	// messageCount is this session's monotonic delivery counter,
	// guarded by the manager's sentMu alongside the registry total.
	messageCount int64

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// ConnectionManager is the connection registry and broadcaster. It owns
// the session table and a reverse index from subscription key to session
// ids, which makes filtered broadcasts a set lookup instead of a scan.
type ConnectionManager struct {
	// Active sessions: session_id → *session
	sessions map[string]*session
	mu       sync.RWMutex

	// Reverse index: subscription key → set of session_ids.
	// Also guards every session's subscriptions map.
	index   map[string]map[string]bool
	indexMu sync.RWMutex

	writeTimeout time.Duration

	sentMu       sync.Mutex
	messagesSent int64
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &ConnectionManager{
		sessions:     make(map[string]*session),
		index:        make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// Accept registers an authenticated connection, applies the default
// subscriptions, and sends the connection_established envelope. It
// returns the session id used by Disconnect and reported in Broadcast
// failure lists.
func (m *ConnectionManager) Accept(parentCtx context.Context, conn *websocket.Conn, user *auth.UserInfo) string {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &session{
		id:            uuid.New().String(),
		user:          user,
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.indexMu.Lock()
	for _, key := range defaultSubscriptions {
		m.addSubscriptionLocked(s, key)
	}
	subs := subscriptionList(s.subscriptions)
	m.indexMu.Unlock()

	m.sendEnvelope(s, &Envelope{
		Type: EventTypeConnectionEstablished,
		Data: map[string]any{
			"client_id":     s.id,
			"subscriptions": subs,
			"server_time":   time.Now().UTC().Format(time.RFC3339),
			"user_id":       user.UserID,
		},
	})

	slog.Info("WebSocket client connected",
		"session_id", s.id, "user_id", user.UserID)
	return s.id
}

// HandleSession runs the read loop for a registered session. It blocks
// until the peer disconnects or the context is cancelled, then removes
// the session from the registry. Malformed JSON is ignored; recognized
// message types are ping, subscribe and unsubscribe; anything else gets
// an error reply.
func (m *ConnectionManager) HandleSession(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	defer m.Disconnect(sessionID)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Ignoring malformed WebSocket message",
				"session_id", s.id, "error", err)
			continue
		}

		m.handleClientMessage(s, &msg)
	}
}

// Disconnect removes a session from the registry and the reverse index,
// cancels its context and closes the socket. Safe to call more than
// once and for unknown ids. Both locks are held for the removal so no
// reader can observe an indexed id without a session behind it.
func (m *ConnectionManager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)

	m.indexMu.Lock()
	for key := range s.subscriptions {
		m.removeSubscriptionLocked(s, key)
	}
	m.indexMu.Unlock()
	m.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("WebSocket client disconnected", "session_id", s.id)
}

// Send stamps and delivers one envelope to one session. Unknown ids are
// a no-op error-free send.
func (m *ConnectionManager) Send(sessionID string, env *Envelope) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.sendRaw(s, data)
}

// Broadcast stamps the envelope, serializes it once and delivers it to
// every session the filter addresses. An empty filter or the firehose
// key addresses every session; any other filter addresses the union of
// its subscribers and the firehose subscribers. The returned slice holds
// the session ids whose delivery failed (never nil errors for an empty
// registry — just an empty slice).
func (m *ConnectionManager) Broadcast(env *Envelope, filter string) []string {
	targets := m.route(filter)
	if len(targets) == 0 {
		return nil
	}

	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(env)
	if err != nil {
		// The payload is unsendable, so every addressed session failed.
		slog.Error("Failed to marshal broadcast envelope",
			"type", env.Type, "error", err)
		failed := make([]string, 0, len(targets))
		for _, s := range targets {
			failed = append(failed, s.id)
		}
		return failed
	}

	var (
		failedMu sync.Mutex
		failed   []string
		wg       sync.WaitGroup
		sem      = make(chan struct{}, broadcastParallelism)
	)
	for _, s := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *session) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.sendRaw(s, data); err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"session_id", s.id, "error", err)
				failedMu.Lock()
				failed = append(failed, s.id)
				failedMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return failed
}

// route resolves a filter to the addressed session pointers.
func (m *ConnectionManager) route(filter string) []*session {
	if filter == "" || filter == SubAllConversations {
		m.mu.RLock()
		defer m.mu.RUnlock()
		all := make([]*session, 0, len(m.sessions))
		for _, s := range m.sessions {
			all = append(all, s)
		}
		return all
	}

	m.indexMu.RLock()
	ids := make(map[string]bool, len(m.index[filter])+len(m.index[SubAllConversations]))
	for id := range m.index[filter] {
		ids[id] = true
	}
	for id := range m.index[SubAllConversations] {
		ids[id] = true
	}
	m.indexMu.RUnlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]*session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	return targets
}

// ActiveConnections returns the number of registered sessions.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SubscriberCount returns the number of sessions holding a subscription.
func (m *ConnectionManager) SubscriberCount(key string) int {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return len(m.index[key])
}

// ConnectionStats returns a snapshot of the registry for the metrics
// endpoint.
func (m *ConnectionManager) ConnectionStats() Stats {
	m.indexMu.RLock()
	subs := make(map[string]int, len(m.index))
	for key, set := range m.index {
		subs[key] = len(set)
	}
	m.indexMu.RUnlock()

	m.mu.RLock()
	active := len(m.sessions)
	m.sentMu.Lock()
	perSession := make(map[string]int64, len(m.sessions))
	for id, s := range m.sessions {
		perSession[id] = s.messageCount
	}
	sent := m.messagesSent
	m.sentMu.Unlock()
	m.mu.RUnlock()

	return Stats{
		ActiveConnections:    active,
		Subscriptions:        subs,
		MessagesSent:         sent,
		SessionMessageCounts: perSession,
	}
}

func (m *ConnectionManager) handleClientMessage(s *session, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendEnvelope(s, &Envelope{Type: EventTypePong, Data: map[string]any{}})

	case "subscribe":
		if msg.Subscription == "" {
			return
		}
		m.indexMu.Lock()
		m.addSubscriptionLocked(s, msg.Subscription)
		m.indexMu.Unlock()

	case "unsubscribe":
		if msg.Subscription == "" {
			return
		}
		m.indexMu.Lock()
		m.removeSubscriptionLocked(s, msg.Subscription)
		m.indexMu.Unlock()

	default:
		// Not an envelope: the error reply is a bare object so clients
		// that key on "type" don't mistake it for an event.
		data, err := json.Marshal(map[string]string{"error": "unsupported message type"})
		if err != nil {
			return
		}
		if err := m.sendRaw(s, data); err != nil {
			slog.Warn("Failed to send error reply",
				"session_id", s.id, "error", err)
		}
	}
}

// addSubscriptionLocked records a subscription in both the session's set
// and the reverse index. Caller holds indexMu.
func (m *ConnectionManager) addSubscriptionLocked(s *session, key string) {
	if _, ok := m.index[key]; !ok {
		m.index[key] = make(map[string]bool)
	}
	m.index[key][s.id] = true
	s.subscriptions[key] = true
}

// removeSubscriptionLocked drops a subscription from both views, pruning
// empty index entries. Caller holds indexMu.
func (m *ConnectionManager) removeSubscriptionLocked(s *session, key string) {
	if set, ok := m.index[key]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(m.index, key)
		}
	}
	delete(s.subscriptions, key)
}

// sendEnvelope stamps, marshals and sends one envelope to one session.
func (m *ConnectionManager) sendEnvelope(s *session, env *Envelope) {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"session_id", s.id, "error", err)
		return
	}
	if err := m.sendRaw(s, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"session_id", s.id, "error", err)
	}
}

// sendRaw writes raw bytes to a session with the write timeout. The
// per-session mutex keeps concurrent broadcasts from interleaving frames
// and preserves a single producer's ordering.
func (m *ConnectionManager) sendRaw(s *session, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}

	m.sentMu.Lock()
	m.messagesSent++
	s.messageCount++
	m.sentMu.Unlock()
	return nil
}

func subscriptionList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
