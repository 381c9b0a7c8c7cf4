package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// WebSocket dials the backend over a WebSocket connection.
type WebSocket struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings when positive. The read deadline
	// is extended on every pong.
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Dial starts connecting in the background and returns immediately.
func (w *WebSocket) Dial(signals duplex.Signals) duplex.Transport {
	ctx, cancel := context.WithCancel(context.Background())
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		url:          w.URL,
		header:       w.Header,
		handshake:    orDefault(w.HandshakeTimeout, defaultHandshakeTimeout),
		writeTimeout: orDefault(w.WriteTimeout, defaultWriteTimeout),
		pingInterval: w.PingInterval,
		logger:       logger.With(zap.String("transport", "websocket"), zap.String("url", w.URL)),
		signals:      signals,
		cancel:       cancel,
	}
	go c.run(ctx)
	return c
}

type wsConn struct {
	url          string
	header       http.Header
	handshake    time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
	signals      duplex.Signals
	cancel       context.CancelFunc

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool

	writeMu sync.Mutex
}

func (c *wsConn) run(ctx context.Context) {
	defer c.signals.Closed()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshake,
	}
	ws, resp, err := dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if !c.isClosing() {
			c.signals.Failed(fmt.Errorf("dial %s: %w", c.url, err))
		}
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()
	defer ws.Close()

	c.logger.Debug("websocket connected")
	c.signals.Opened()

	if c.pingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		c.startKeepalive(ws, stop)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !c.isClosing() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.signals.Failed(fmt.Errorf("read: %w", err))
			}
			return
		}
		c.signals.Received(data)
	}
}

func (c *wsConn) startKeepalive(ws *websocket.Conn, stop <-chan struct{}) {
	wait := 2 * c.pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
					c.logger.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

// Send writes frame as a single text message.
func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	ws := c.ws
	closing := c.closing
	c.mu.Unlock()
	if ws == nil || closing {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a normal closure and tears the socket down. Safe to call more
// than once.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug("close handshake failed", zap.Error(err))
	}
	return ws.Close()
}

func (c *wsConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
