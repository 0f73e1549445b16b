package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange-core/matchcore/internal/config"
	"github.com/exchange-core/matchcore/internal/marketdata"
	"github.com/exchange-core/matchcore/internal/notify"
	"github.com/exchange-core/matchcore/internal/router"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/pkg/types"
)

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 512 * 1024
)

// Server terminates client WebSocket connections and dispatches their
// messages to the snapshot manager, order router, and market data layer.
type Server struct {
	cfg      config.ServerConfig
	router   *router.Router
	snaps    *snapshot.Manager
	mdata    *marketdata.Generator
	gateway  *notify.Gateway
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires the client-facing endpoint.
func NewServer(cfg config.ServerConfig, rt *router.Router, snaps *snapshot.Manager, mdata *marketdata.Generator, gw *notify.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  rt,
		snaps:   snaps,
		mdata:   mdata,
		gateway: gw,
		logger:  logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := &clientConn{server: s, conn: conn, out: notify.NewWSOutbound(conn)}
	c.run()
}

// clientConn is one connected client: its transport, login state, and the
// cancel handle of any parked peek.
type clientConn struct {
	server *Server
	conn   *websocket.Conn
	out    *notify.WSOutbound

	mu         sync.Mutex
	user       string
	sessionID  string
	peekCancel context.CancelFunc
}

func (c *clientConn) run() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Warn("bad client message", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *clientConn) teardown() {
	c.mu.Lock()
	user, sessionID := c.user, c.sessionID
	cancel := c.peekCancel
	c.peekCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sessionID != "" {
		c.server.gateway.Deregister(sessionID)
	}
	if user != "" {
		c.server.snaps.Detach(user)
	}
	c.conn.Close()
}

func (c *clientConn) touch() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		c.server.gateway.Touch(sessionID)
	}
}

func (c *clientConn) dispatch(msg *clientMessage) {
	switch msg.Aid {
	case aidLogin:
		c.handleLogin(msg)
	case aidPeek:
		c.handlePeek()
	case aidInsertOrder:
		c.handleInsert(msg)
	case aidCancelOrder:
		c.handleCancel(msg)
	case aidSubscribeQuote:
		c.handleSubscribeQuote(msg)
	case aidSetChart:
		c.handleSetChart(msg)
	default:
		c.server.logger.Warn("unknown aid", "aid", msg.Aid)
	}
}

// handleLogin binds the connection to a user. Credential verification is
// the edge auth layer's job (out of scope here); the server accepts the
// claimed identity and attaches its streams.
func (c *clientConn) handleLogin(msg *clientMessage) {
	if msg.UserName == "" {
		return
	}
	c.mu.Lock()
	if c.user != "" {
		c.mu.Unlock()
		return // already logged in; re-login on a live conn is ignored
	}
	c.user = msg.UserName
	c.mu.Unlock()

	c.server.snaps.Attach(msg.UserName)
	sessionID := c.server.gateway.Register(msg.UserName, c.out, nil)
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// handlePeek parks the long poll: it answers — with a non-empty rtn_data —
// only once the user's queue has patches. A new peek supersedes a parked
// one.
func (c *clientConn) handlePeek() {
	c.mu.Lock()
	user := c.user
	if c.peekCancel != nil {
		c.peekCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.peekCancel = cancel
	c.mu.Unlock()

	if user == "" {
		cancel()
		return
	}

	go func() {
		defer cancel()
		batch, err := c.server.snaps.Peek(ctx, user)
		if err != nil {
			return // cancelled by disconnect or a superseding peek
		}
		frame, err := json.Marshal(rtnData{Aid: aidRtnData, Data: batch})
		if err != nil {
			c.server.logger.Error("marshal rtn_data", "error", err)
			return
		}
		if err := c.out.WriteMessage(frame); err != nil {
			c.server.logger.Warn("write rtn_data", "error", err)
		}
	}()
}

func (c *clientConn) handleInsert(msg *clientMessage) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()
	if user == "" {
		return
	}

	intent, err := msg.toIntent(user)
	if err != nil {
		c.pushRejection(user, "validation", err.Error())
		return
	}
	if _, err := c.server.router.Submit(intent); err != nil {
		var rej *router.Rejection
		if errors.As(err, &rej) {
			c.pushRejection(user, rej.Code, rej.Reason)
		} else {
			c.pushRejection(user, "internal", err.Error())
		}
	}
}

func (c *clientConn) handleCancel(msg *clientMessage) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()
	if user == "" {
		return
	}

	accountID := types.AccountID(msg.AccountID)
	if accountID == "" {
		accountID = types.AccountID(user)
	}
	if err := c.server.router.Cancel(types.OrderID(msg.CancelOrderID), accountID); err != nil {
		var rej *router.Rejection
		if errors.As(err, &rej) {
			c.pushRejection(user, rej.Code, rej.Reason)
		}
	}
}

func (c *clientConn) handleSubscribeQuote(msg *clientMessage) {
	for _, ins := range strings.Split(msg.InsList, ",") {
		ins = strings.TrimSpace(ins)
		if ins != "" {
			c.server.mdata.Subscribe(types.InstrumentID(ins))
		}
	}
}

func (c *clientConn) handleSetChart(msg *clientMessage) {
	if msg.InstrumentID != "" {
		c.server.mdata.Subscribe(types.InstrumentID(msg.InstrumentID))
	}
}

// pushRejection surfaces a command failure through the user's own snapshot
// stream as a notify entry: stable code, readable reason.
func (c *clientConn) pushRejection(user, code, reason string) {
	id := "rej-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	c.server.snaps.Push(user, snapshot.Patch{
		"notify": map[string]any{
			id: map[string]any{
				"level":   "ERROR",
				"code":    code,
				"content": reason,
			},
		},
	})
}
