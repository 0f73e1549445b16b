package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBatchSize and DefaultBatchInterval set the P1-P3 flush policy:
	// whichever is hit first triggers a write.
	DefaultBatchSize     = 100
	DefaultBatchInterval = 100 * time.Millisecond

	// DefaultHeartbeatTimeout evicts sessions that have gone quiet.
	DefaultHeartbeatTimeout = 5 * time.Minute

	writeWait = 10 * time.Second
)

// Outbound is the transport half of a session. The production
// implementation wraps a gorilla WebSocket connection; tests substitute an
// in-memory recorder.
type Outbound interface {
	WriteMessage(data []byte) error
	Close() error
}

// batchFrame is the wire shape of one flush: an ordered list of
// notifications.
type batchFrame struct {
	Notifications []Notification `json:"notifications"`
}

// Session is one connected client endpoint.
type Session struct {
	ID     string
	UserID string

	mu          sync.Mutex
	out         Outbound
	filters     map[Kind]bool // nil = all kinds
	pending     []Notification
	lastBeat    time.Time
	closed      bool
}

func (s *Session) matches(k Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filters == nil {
		return true
	}
	return s.filters[k]
}

// flushLocked writes the pending batch. Callers hold s.mu.
func (s *Session) flushLocked(logger *slog.Logger) {
	if len(s.pending) == 0 || s.closed {
		return
	}
	frame, err := json.Marshal(batchFrame{Notifications: s.pending})
	s.pending = s.pending[:0]
	if err != nil {
		logger.Error("marshal batch", "error", err)
		return
	}
	if err := s.out.WriteMessage(frame); err != nil {
		logger.Warn("session write failed", "session", s.ID, "error", err)
		s.closed = true
	}
}

// Gateway owns the session table and routes broker output to sessions.
type Gateway struct {
	logger           *slog.Logger
	batchSize        int
	batchInterval    time.Duration
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session          // session id -> session
	byUser   map[string]map[string]*Session // user id -> session id -> session
}

// NewGateway creates an empty gateway.
func NewGateway(logger *slog.Logger) *Gateway {
	return &Gateway{
		logger:           logger.With("component", "notify-gateway"),
		batchSize:        DefaultBatchSize,
		batchInterval:    DefaultBatchInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		sessions:         make(map[string]*Session),
		byUser:           make(map[string]map[string]*Session),
	}
}

// Register adds a session for userID. filters of nil subscribes to every
// kind. Returns the session id used for Touch/Deregister.
func (g *Gateway) Register(userID string, out Outbound, filters []Kind) string {
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		out:      out,
		lastBeat: time.Now(),
	}
	if filters != nil {
		s.filters = make(map[Kind]bool, len(filters))
		for _, k := range filters {
			s.filters[k] = true
		}
	}

	g.mu.Lock()
	g.sessions[s.ID] = s
	userSessions, ok := g.byUser[userID]
	if !ok {
		userSessions = make(map[string]*Session)
		g.byUser[userID] = userSessions
	}
	userSessions[s.ID] = s
	total := len(g.sessions)
	g.mu.Unlock()

	g.logger.Info("session registered", "session", s.ID, "user", userID, "total", total)
	return s.ID
}

// Deregister removes and closes a session. Safe to call twice.
func (g *Gateway) Deregister(sessionID string) {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if ok {
		delete(g.sessions, sessionID)
		if userSessions, ok := g.byUser[s.UserID]; ok {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(g.byUser, s.UserID)
			}
		}
	}
	g.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.out.Close()
		g.logger.Info("session deregistered", "session", sessionID)
	}
}

// Touch records a heartbeat for sessionID.
func (g *Gateway) Touch(sessionID string) {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()
	}
}

// Deliver routes one notification to every matching session of its user
// (or of every user, when UserID is empty). P0 flushes immediately; lower
// bands accumulate until the batch size or interval flushes them. Deliver
// implements Sink.
func (g *Gateway) Deliver(n Notification) {
	g.mu.RLock()
	var targets []*Session
	if n.UserID == "" {
		targets = make([]*Session, 0, len(g.sessions))
		for _, s := range g.sessions {
			targets = append(targets, s)
		}
	} else {
		for _, s := range g.byUser[n.UserID] {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	urgent := classify(n.Kind) == P0
	for _, s := range targets {
		if !s.matches(n.Kind) {
			continue
		}
		s.mu.Lock()
		s.pending = append(s.pending, n)
		if urgent || len(s.pending) >= g.batchSize {
			s.flushLocked(g.logger)
		}
		s.mu.Unlock()
	}
}

// Run flushes pending batches on the batch interval and evicts sessions
// whose heartbeat age exceeds the timeout. Blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	flush := time.NewTicker(g.batchInterval)
	heartbeat := time.NewTicker(g.heartbeatTimeout / 4)
	defer flush.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			g.flushAll()
		case <-heartbeat.C:
			g.evictStale()
		}
	}
}

func (g *Gateway) flushAll() {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.flushLocked(g.logger)
		s.mu.Unlock()
	}
}

func (g *Gateway) evictStale() {
	cutoff := time.Now().Add(-g.heartbeatTimeout)

	g.mu.RLock()
	var stale []string
	for id, s := range g.sessions {
		s.mu.Lock()
		if s.lastBeat.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	g.mu.RUnlock()

	for _, id := range stale {
		g.logger.Info("evicting stale session", "session", id)
		g.Deregister(id)
	}
}

// SessionCount reports the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// WSOutbound adapts a gorilla WebSocket connection to Outbound.
type WSOutbound struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSOutbound wraps conn.
func NewWSOutbound(conn *websocket.Conn) *WSOutbound {
	return &WSOutbound{conn: conn}
}

func (w *WSOutbound) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSOutbound) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteMessage(websocket.CloseMessage, []byte{})
	return w.conn.Close()
}
