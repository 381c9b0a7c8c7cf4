package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
)

const defaultDialTimeout = 2 * time.Second

// Stream dials a unix or tcp socket and exchanges length-prefixed frames.
type Stream struct {
	Network     string
	Address     string
	DialTimeout time.Duration
	// DialContext overrides the net.Dialer, mainly for tests.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
	Logger      *zap.Logger
}

// Dial starts connecting in the background and returns immediately.
func (s *Stream) Dial(signals duplex.Signals) duplex.Transport {
	ctx, cancel := context.WithCancel(context.Background())
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := s.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: orDefault(s.DialTimeout, defaultDialTimeout)}
		dial = d.DialContext
	}
	c := &streamConn{
		network: s.Network,
		address: s.Address,
		dial:    dial,
		logger:  logger.With(zap.String("transport", s.Network), zap.String("address", s.Address)),
		signals: signals,
		cancel:  cancel,
	}
	go c.run(ctx)
	return c
}

type streamConn struct {
	network string
	address string
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	logger  *zap.Logger
	signals duplex.Signals
	cancel  context.CancelFunc

	mu      sync.Mutex
	conn    net.Conn
	closing bool

	writeMu sync.Mutex
}

func (c *streamConn) run(ctx context.Context) {
	defer c.signals.Closed()

	conn, err := c.dial(ctx, c.network, c.address)
	if err != nil {
		if !c.isClosing() {
			c.signals.Failed(fmt.Errorf("dial %s %s: %w", c.network, c.address, err))
		}
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	c.logger.Debug("stream connected")
	c.signals.Opened()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !c.isClosing() && !errors.Is(err, io.EOF) {
				c.signals.Failed(fmt.Errorf("read: %w", err))
			}
			return
		}
		c.signals.Received(frame)
	}
}

// Send writes frame with its length prefix.
func (c *streamConn) Send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()
	if conn == nil || closing {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, frame)
}

// Close shuts the socket. Safe to call more than once.
func (c *streamConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *streamConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}
