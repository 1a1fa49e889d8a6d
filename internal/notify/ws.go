package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no websocket session")

const writeWait = 5 * time.Second

// WSSession is one connected rider or driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the live session of each participant. A newer connection
// for the same participant replaces the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(participantID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[participantID]
	r.sessions[participantID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(participantID string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[participantID]; ok && cur == s {
		delete(r.sessions, participantID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

// Serve blocks reading (and discarding) client frames until the connection
// drops, then unregisters the session.
func (r *WSRegistry) Serve(participantID string, conn *websocket.Conn) {
	s := r.Add(participantID, conn)
	defer r.Remove(participantID, s)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Send(participantID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[participantID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
