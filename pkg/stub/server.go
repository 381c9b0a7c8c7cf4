package stub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
)

const writeWait = 5 * time.Second

// Server exposes registered handlers over WebSocket and, optionally, raw
// socket endpoints.
type Server struct {
	logger   *zap.Logger
	hub      *Hub
	upgrader websocket.Upgrader
	router   *gin.Engine

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	notify   NotificationFunc

	httpSrv   *http.Server
	addr      net.Addr
	streamLns []net.Listener
	stopped   bool
	wg        sync.WaitGroup
}

// NewServer constructs a server. Metrics are served from gatherer, or the
// default Prometheus registry when nil.
func NewServer(logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:   logger.With(zap.String("component", "stub")),
		handlers: make(map[string]HandlerFunc),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.hub = NewHub(s.logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", s.handleSocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.Clients()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.router = router
	return s
}

// Register installs a handler for a request type.
func (s *Server) Register(kind string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// HandleNotifications installs the handler for frames without a correlation id.
func (s *Server) HandleNotifications(fn NotificationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Hub returns the broadcast hub for unsolicited events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Stop or ctx cancellation.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server stopped")
	}
	s.httpSrv = httpSrv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("stub backend listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the HTTP listen address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop closes every listener, disconnects clients and waits for the serve
// loops.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	lns := s.streamLns
	s.streamLns = nil
	httpSrv := s.httpSrv
	s.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	s.hub.closeAll()
	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := s.hub.register()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		s.hub.unregister(client)
		ws.Close()
	}()
	s.logger.Debug("client connected", zap.String("remote", c.Request.RemoteAddr))

	go s.writeLoop(ws, client)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client read ended", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, client, data)
	}
}

func (s *Server) writeLoop(ws *websocket.Conn, client *hubClient) {
	for {
		select {
		case <-client.done:
			ws.Close()
			return
		case payload := <-client.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("client write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, client *hubClient, data []byte) {
	var env duplex.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		if !json.Valid(data) {
			s.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)))
			return
		}
		if fn := s.notificationHandler(); fn != nil {
			fn(ctx, json.RawMessage(data))
		}
		return
	}

	var req request
	_ = json.Unmarshal(env.Payload, &req)
	handler := s.lookupHandler(req.Type)
	go func() {
		var result any
		var rpcErr *Error
		if handler == nil {
			rpcErr = Errorf("INVALID_REQUEST", "unknown request type", map[string]any{"type": req.Type})
		} else {
			result, rpcErr = handler(ctx, env.Payload)
		}
		s.reply(client, env.ID, result, rpcErr)
	}()
}

func (s *Server) reply(client *hubClient, id string, result any, rpcErr *Error) {
	var payload any = result
	if rpcErr != nil {
		payload = errorPayload{Type: "ERROR", Error: rpcErr}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(errorPayload{Type: "ERROR", Error: Errorf("INTERNAL", err.Error(), nil)})
	}
	frame, err := json.Marshal(duplex.Envelope{ID: id, Payload: raw})
	if err != nil {
		s.logger.Error("response marshal failed", zap.String("id", id), zap.Error(err))
		return
	}
	if !client.enqueue(frame) {
		s.logger.Debug("client gone before response", zap.String("id", id))
	}
}

func (s *Server) lookupHandler(kind string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[kind]
}

func (s *Server) notificationHandler() NotificationFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}
