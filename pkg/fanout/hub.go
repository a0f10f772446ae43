package fanout

import (
	"encoding/json"
	"errors"
	"sync"

	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

// Hub fans persisted thread updates out to connected console sessions and
// holds the webchat guest socket registry. Updates reach the hub only
// after their batch committed, so everything a session sees is durable.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	guests   map[string]*guestConn
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		guests:   make(map[string]*guestConn),
	}
}

// Broadcast delivers one update to every session subscribed to its thread.
// Sessions whose outbound buffer is full are torn down rather than allowed
// to stall the rest; they reconnect and replay the gap by sequence.
func (h *Hub) Broadcast(u models.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		logger.Error("fanout_marshal_failed", "thread", u.Thread, "error", err)
		return
	}
	h.mu.RLock()
	var stalled []*Session
	for s := range h.sessions {
		if !s.wants(u.Thread) {
			continue
		}
		if !s.offer(u.Thread, u.Seq, data) {
			stalled = append(stalled, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range stalled {
		logger.Warn("fanout_session_stalled", "addr", s.addr)
		s.Close()
	}
	metrics.FanoutUpdates.Add(float64(len(h.sessionsSnapshot())))
}

func (h *Hub) sessionsSnapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.FanoutSessions.Set(float64(n))
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.FanoutSessions.Set(float64(n))
}

// replay loads the persisted updates a reconnecting session missed.
func (h *Hub) replay(threadID string, sinceSeq uint64) ([][]byte, uint64, error) {
	ups, err := store.ListUpdates(threadID, sinceSeq, 0)
	if err != nil {
		return nil, sinceSeq, err
	}
	out := make([][]byte, 0, len(ups))
	last := sinceSeq
	for _, u := range ups {
		b, err := json.Marshal(u)
		if err != nil {
			continue
		}
		out = append(out, b)
		last = u.Seq
	}
	return out, last, nil
}

// Sessions returns the number of connected console sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ErrGuestOffline is returned by PushGuest when no live webchat socket is
// registered for the session.
var ErrGuestOffline = errors.New("webchat session not connected")

// PushGuest writes a payload to one connected webchat guest session. The
// dispatcher uses this as the webchat delivery path.
func (h *Hub) PushGuest(sessionID string, payload []byte) error {
	h.mu.RLock()
	g, ok := h.guests[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrGuestOffline
	}
	return g.write(payload)
}

func (h *Hub) registerGuest(sessionID string, g *guestConn) {
	h.mu.Lock()
	if prev, ok := h.guests[sessionID]; ok {
		prev.close()
	}
	h.guests[sessionID] = g
	h.mu.Unlock()
}

func (h *Hub) unregisterGuest(sessionID string, g *guestConn) {
	h.mu.Lock()
	if h.guests[sessionID] == g {
		delete(h.guests, sessionID)
	}
	h.mu.Unlock()
}
