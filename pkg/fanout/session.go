package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"guesthub/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// origin policy is enforced by the CORS middleware upstream
		return true
	},
}

// Session is one connected console websocket. A session starts with no
// subscriptions; the client subscribes per thread (or to everything) and
// names the last update sequence it saw so the gap is replayed first.
// Replay and live delivery may overlap on the same sequence; clients drop
// repeats by seq.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	addr string
	send chan []byte

	mu      sync.Mutex
	all     bool
	threads map[string]bool
	lastSeq map[string]uint64
	closed  bool
}

type consoleCommand struct {
	Type     string `json:"type"`
	Thread   string `json:"thread,omitempty"`
	SinceSeq uint64 `json:"since_seq,omitempty"`
}

type consoleFrame struct {
	Type   string `json:"type"`
	Thread string `json:"thread,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServeConsole upgrades the request and runs the session until the client
// disconnects.
func (h *Hub) ServeConsole(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := &Session{
		hub:     h,
		conn:    conn,
		addr:    r.RemoteAddr,
		send:    make(chan []byte, sendBuffer),
		threads: make(map[string]bool),
		lastSeq: make(map[string]uint64),
	}
	h.register(s)
	logger.Info("console_session_connected", "remote", s.addr)
	go s.writePump()
	s.readPump()
}

func (s *Session) wants(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all || s.threads[threadID]
}

// offer enqueues a live update; returns false when the buffer is full.
func (s *Session) offer(threadID string, seq uint64, data []byte) bool {
	s.mu.Lock()
	if s.closed || (seq > 0 && seq <= s.lastSeq[threadID]) {
		s.mu.Unlock()
		return true
	}
	if seq > 0 {
		s.lastSeq[threadID] = seq
	}
	s.mu.Unlock()
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) subscribe(cmd consoleCommand) {
	if cmd.Thread == "" {
		s.mu.Lock()
		s.all = true
		s.mu.Unlock()
		s.frame(consoleFrame{Type: "subscribed"})
		return
	}
	frames, last, err := s.hub.replay(cmd.Thread, cmd.SinceSeq)
	if err != nil {
		logger.Error("ws_replay_failed", "thread", cmd.Thread, "error", err)
		s.frame(consoleFrame{Type: "error", Thread: cmd.Thread, Error: "replay failed"})
		return
	}
	s.mu.Lock()
	s.threads[cmd.Thread] = true
	if last > s.lastSeq[cmd.Thread] {
		s.lastSeq[cmd.Thread] = last
	}
	s.mu.Unlock()
	for _, f := range frames {
		select {
		case s.send <- f:
		default:
			s.Close()
			return
		}
	}
	s.frame(consoleFrame{Type: "subscribed", Thread: cmd.Thread})
}

func (s *Session) frame(f consoleFrame) {
	b, _ := json.Marshal(f)
	select {
	case s.send <- b:
	default:
	}
}

func (s *Session) readPump() {
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("console_session_read_error", "remote", s.addr, "error", err)
			}
			return
		}
		var cmd consoleCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.frame(consoleFrame{Type: "error", Error: "invalid command"})
			continue
		}
		switch cmd.Type {
		case "subscribe":
			s.subscribe(cmd)
		case "unsubscribe":
			s.mu.Lock()
			delete(s.threads, cmd.Thread)
			s.mu.Unlock()
		default:
			s.frame(consoleFrame{Type: "error", Error: "unknown command " + cmd.Type})
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears the session down; safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.unregister(s)
	_ = s.conn.Close()
	logger.Info("console_session_closed", "remote", s.addr)
}

// guestConn is one webchat browser socket.
type guestConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (g *guestConn) write(payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *guestConn) close() { _ = g.conn.Close() }

// GuestInboundFunc receives messages typed by a connected webchat guest.
type GuestInboundFunc func(sessionID string, payload []byte) error

type guestFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ServeGuest runs the webchat guest socket: it assigns or resumes a
// session id, forwards typed messages to inbound, and receives staff
// replies via Hub.PushGuest.
func (h *Hub) ServeGuest(w http.ResponseWriter, r *http.Request, inbound GuestInboundFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	g := &guestConn{conn: conn}
	h.registerGuest(sessionID, g)
	defer func() {
		h.unregisterGuest(sessionID, g)
		g.close()
	}()

	hello, _ := json.Marshal(guestFrame{Type: "connected", SessionID: sessionID})
	if err := g.write(hello); err != nil {
		return
	}
	logger.Info("webchat_session_connected", "session", sessionID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if inbound == nil {
			continue
		}
		if err := inbound(sessionID, raw); err != nil {
			nack, _ := json.Marshal(guestFrame{Type: "error", Text: "message not accepted, please retry"})
			_ = g.write(nack)
		}
	}
}
