// Package gateway exposes the engine manager over a WebSocket API: request
// frames answered with correlated responses, plus broadcast notifications
// for every engine event.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/manager"
)

const (
	// writeTimeout bounds one frame write so a stalled client cannot block
	// its writer goroutine forever.
	writeTimeout = 10 * time.Second

	// pingInterval is the keep-alive cadence.
	pingInterval = 30 * time.Second

	// sendBuffer is the per-connection outbound queue. A client that falls
	// further behind than this is disconnected.
	sendBuffer = 256

	// closeUnauthorized is sent when token validation fails.
	closeUnauthorized websocket.StatusCode = 4001
)

// TokenValidator checks an auth token. A nil validator means every
// connection is authenticated on arrival.
type TokenValidator func(token string) bool

// Options configures the gateway server.
type Options struct {
	WSPath    string // default "/ws"
	Validator TokenValidator
}

// Server is the WebSocket gateway.
type Server struct {
	mgr       *manager.Manager
	bus       *events.Bus
	log       *slog.Logger
	validator TokenValidator
	wsPath    string

	echo *echo.Echo
	http *http.Server

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

// wsConn is one client connection. All writes go through the send channel
// and its single writer goroutine; the read loop never writes.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	authed bool
}

func (c *wsConn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *wsConn) authenticate() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// NewServer builds the gateway over mgr, broadcasting every bus event to
// authenticated connections.
func NewServer(mgr *manager.Manager, bus *events.Bus, opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	s := &Server{
		mgr:       mgr,
		bus:       bus,
		log:       slog.Default(),
		validator: opts.Validator,
		wsPath:    opts.WSPath,
		conns:     make(map[string]*wsConn),
	}

	e := echo.New()
	e.GET(opts.WSPath, s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	s.echo = e

	bus.Subscribe(s.broadcast)
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	s.log.Info("Gateway listening", "addr", addr, "path", s.wsPath)
	return s.http.ListenAndServe()
}

// Shutdown closes every connection with a going-away code and stops the
// HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"engines": s.mgr.Engines(),
	})
}

// wsHandler upgrades the connection and runs it until it closes.
func (s *Server) wsHandler(c echo.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	s.mu.Unlock()

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.handleConnection(c.Request().Context(), conn, c.QueryParam("token"))
	return nil
}

// handleConnection owns one client: registration, auth, the writer and ping
// goroutines, and the read loop. Blocks until the socket closes.
func (s *Server) handleConnection(parentCtx context.Context, conn *websocket.Conn, queryToken string) {
	ctx, cancel := context.WithCancel(parentCtx)
	wc := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.conns[wc.id] = wc
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, wc.id)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go s.writer(wc)
	go s.pinger(wc)

	// Auto-auth without a validator; otherwise the query token may settle
	// it, or the first frame must be an auth request.
	if s.validator == nil || (queryToken != "" && s.validator(queryToken)) {
		wc.authenticate()
	} else if queryToken != "" {
		_ = conn.Close(closeUnauthorized, "invalid token")
		return
	}

	s.log.Debug("Client connected", "connection", wc.id, "authenticated", wc.authenticated())

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("Client disconnected", "connection", wc.id, "error", err)
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			s.respondError(wc, "", codeParseError, "malformed frame: "+err.Error())
			continue
		}

		if !wc.authenticated() {
			if req.Type != "auth" {
				_ = conn.Close(closeUnauthorized, "authentication required")
				return
			}
			if !s.validator(req.Token) {
				_ = conn.Close(closeUnauthorized, "invalid token")
				return
			}
			wc.authenticate()
			s.respond(wc, req.RequestID, map[string]any{"authenticated": true})
			continue
		}
		if req.Type == "auth" {
			s.respond(wc, req.RequestID, map[string]any{"authenticated": true})
			continue
		}

		// Requests may block for minutes (message.send); each runs on its
		// own goroutine so cancels keep flowing on the read loop.
		go s.dispatch(wc, req)
	}
}

// writer is the single goroutine writing to one socket.
func (s *Server) writer(wc *wsConn) {
	for {
		select {
		case <-wc.ctx.Done():
			return
		case data := <-wc.send:
			ctx, cancel := context.WithTimeout(wc.ctx, writeTimeout)
			err := wc.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				wc.cancel()
				return
			}
		}
	}
}

func (s *Server) pinger(wc *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wc.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wc.ctx, writeTimeout)
			err := wc.conn.Ping(ctx)
			cancel()
			if err != nil {
				wc.cancel()
				return
			}
		}
	}
}

// broadcast serialises one event and enqueues it for every authenticated
// connection. The frame is marshalled once, not per client.
func (s *Server) broadcast(ev events.Event) {
	frame := notification{Type: string(ev.Topic), Payload: ev.Payload}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("Failed to marshal notification", "topic", ev.Topic, "error", err)
		return
	}

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.authenticated() {
			continue
		}
		select {
		case c.send <- data:
		default:
			// The client is not draining its queue; drop it.
			s.log.Warn("Disconnecting slow client", "connection", c.id)
			c.cancel()
		}
	}
}

func (s *Server) enqueue(wc *wsConn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("Failed to marshal frame", "error", err)
		return
	}
	select {
	case wc.send <- data:
	case <-wc.ctx.Done():
	}
}

func (s *Server) respond(wc *wsConn, requestID string, payload any) {
	s.enqueue(wc, response{Type: "response", RequestID: requestID, Payload: payload})
}

func (s *Server) respondError(wc *wsConn, requestID, code, message string) {
	s.enqueue(wc, response{
		Type:      "response",
		RequestID: requestID,
		Error:     &respError{Code: code, Message: message},
	})
}
