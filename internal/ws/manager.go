package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/internal/logger"
)

// DefaultSendAttempts is how many times a single outbound delivery is tried
// before the peer is presumed dead. A first failure is usually transient
// backpressure, so the connection is not dropped on it.
const DefaultSendAttempts = 6

// ErrDeliveryFailed is returned by Send when every attempt failed and the
// session has been force-disconnected.
var ErrDeliveryFailed = errors.New("ws: delivery failed, session closed")

// Conn is the subset of *websocket.Conn the manager needs. A fake satisfies
// it in tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is the per-connection state. Fields after the handshake are written
// once during authorization and read by the fan-out loops.
type Session struct {
	ID string

	conn Conn

	// Populated by the handshake.
	EntityIDs  []int64
	Privileged bool
	// Filter is an allow-list of event kinds. nil means all kinds.
	Filter map[events.Kind]bool

	mu        sync.Mutex
	subs      []*bus.Subscription
	closed    bool
	closeCode int

	// writeMu serializes writes to conn. The inbound echo loop and the
	// fan-out goroutines share the session, and the connection allows only
	// one concurrent writer.
	writeMu sync.Mutex
}

// AddSubscription attaches a channel subscription torn down on disconnect.
func (s *Session) AddSubscription(sub *bus.Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Wants reports whether the session's filter admits an event kind.
func (s *Session) Wants(kind events.Kind) bool {
	return s.Filter == nil || s.Filter[kind]
}

// CloseCode returns the close code the session was torn down with, or 0
// while it is still live.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Manager tracks all live sessions and owns outbound delivery.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sendAttempts int
}

// NewManager creates a connection manager.
func NewManager() *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		sendAttempts: DefaultSendAttempts,
	}
}

// Connect registers a new session for the (already accepted) connection.
func (m *Manager) Connect(conn Conn) *Session {
	s := &Session{ID: uuid.NewString(), conn: conn}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logger.Debugf("ws: session %s connected (%d active)", s.ID, m.Count())
	return s
}

// Disconnect tears a session down: every subscription is closed, the session
// leaves the active set, and the socket is closed with the given code.
// Calling it again on the same session is a no-op.
func (m *Manager) Disconnect(s *Session, code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeCode = code
	subs := s.subs
	s.subs = nil
	// Authorization state dies with the session.
	s.EntityIDs = nil
	s.Privileged = false
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()

	logger.Debugf("ws: session %s closed (%d): %s", s.ID, code, reason)
}

// Send delivers one message with bounded retry. When all attempts fail the
// session is force-disconnected with the delivery-failure code and
// ErrDeliveryFailed is returned.
func (m *Manager) Send(s *Session, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrDeliveryFailed
	}

	var err error
	s.writeMu.Lock()
	for i := 0; i < m.sendAttempts; i++ {
		if err = s.conn.WriteMessage(websocket.TextMessage, data); err == nil {
			s.writeMu.Unlock()
			return nil
		}
	}
	s.writeMu.Unlock()

	logger.Warnf("ws: session %s dropped after %d failed sends: %v", s.ID, m.sendAttempts, err)
	m.Disconnect(s, CloseDeliveryFailure, "delivery failure")
	return ErrDeliveryFailed
}

// SendJSON marshals v and delivers it via Send.
func (m *Manager) SendJSON(s *Session, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Send(s, data)
}

// Sessions snapshots the active set (stats endpoints, tests).
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast delivers data to every live session. The active set is
// snapshotted first so disconnects triggered by failed sends cannot mutate
// the set mid-iteration.
func (m *Manager) Broadcast(data []byte) {
	for _, s := range m.Sessions() {
		_ = m.Send(s, data)
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
