package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a correlated request when the caller passes none.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutstanding caps concurrent correlated requests.
	DefaultMaxOutstanding = 1024
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client owns one connection to the backend and correlates requests over it.
// Construct one per backend at startup and pass it to whatever needs it.
type Client struct {
	dialer         Dialer
	logger         *zap.Logger
	metrics        *Metrics
	defaultTimeout time.Duration
	maxOutstanding int

	mu      sync.Mutex
	state   State
	conn    Transport
	gen     uint64
	pending map[string]*Call
	subs    map[Subscriber]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches collectors created by NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDefaultTimeout overrides DefaultTimeout for requests issued without one.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithMaxOutstanding caps concurrent correlated requests. Zero disables the cap.
func WithMaxOutstanding(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxOutstanding = n
		}
	}
}

// New creates a disconnected client that opens connections through dialer.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:         dialer,
		logger:         zap.NewNop(),
		defaultTimeout: DefaultTimeout,
		maxOutstanding: DefaultMaxOutstanding,
		pending:        make(map[string]*Call),
		subs:           make(map[Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "duplex"))
	c.metrics.setState(StateDisconnected)
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// Outstanding reports the number of requests awaiting settlement.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect starts a connection attempt unless one is already connecting or
// open. The outcome is reported to subscribers as open, error and close events.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting || c.state == StateOpen {
		return
	}
	c.gen++
	c.setStateLocked(StateConnecting)
	c.conn = c.dialer.Dial(&connSignals{client: c, gen: c.gen})
	c.logger.Debug("connecting", zap.Uint64("generation", c.gen))
}

// Close tears down the current connection. Outstanding requests fail with
// ErrConnectionLost and subscribers receive a close event before Close
// returns. Signals still arriving from the old transport are ignored.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	lost := c.dropConnectionLocked()
	subs := c.subscribersLocked()
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.failLost(lost)
	c.notify(subs, Event{Kind: EventClose, At: time.Now()})
	return err
}

// Send writes payload as a bare frame with no correlation and no reply.
func (c *Client) Send(payload any) error {
	frame, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Go issues a correlated request and returns immediately. Every failure,
// including not being connected, is reported through the returned Call.
// A timeout of zero or less selects the client default.
func (c *Client) Go(payload any, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	call := newCall(timeout)
	body, err := json.Marshal(payload)
	if err != nil {
		call.finish(nil, fmt.Errorf("encode request payload: %w", err))
		return call
	}

	c.mu.Lock()
	conn := c.conn
	if c.state != StateOpen || conn == nil {
		c.mu.Unlock()
		c.metrics.request(outcomeNotConnected)
		call.finish(nil, ErrNotConnected)
		return call
	}
	if c.maxOutstanding > 0 && len(c.pending) >= c.maxOutstanding {
		c.mu.Unlock()
		c.metrics.request(outcomeOverloaded)
		call.finish(nil, fmt.Errorf("%w: limit %d", ErrTooManyRequests, c.maxOutstanding))
		return call
	}
	id := c.nextTokenLocked()
	frame, err := encodeEnvelope(id, body)
	if err != nil {
		c.mu.Unlock()
		call.finish(nil, fmt.Errorf("encode envelope: %w", err))
		return call
	}
	call.ID = id
	c.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.metrics.setOutstanding(len(c.pending))
	c.mu.Unlock()

	if err := conn.Send(frame); err != nil {
		if c.remove(id) != nil {
			c.metrics.request(outcomeNotConnected)
			call.finish(nil, fmt.Errorf("send request %s: %w (%v)", id, ErrNotConnected, err))
		}
	}
	return call
}

// SendRequest issues a correlated request and waits for it to settle or for
// ctx to end. An ended ctx abandons the wait only; the request itself still
// terminates by response, timeout or connection loss.
func (c *Client) SendRequest(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.Go(payload, timeout).Wait(ctx)
}

// Request issues a correlated request and decodes the response payload into T.
func Request[T any](ctx context.Context, c *Client, payload any, timeout time.Duration) (T, error) {
	var out T
	raw, err := c.SendRequest(ctx, payload, timeout)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// AddSubscriber registers s for unsolicited frames and lifecycle events. It
// reports false when s is already registered or cannot be registered.
func (c *Client) AddSubscriber(s Subscriber) bool {
	if s == nil {
		return false
	}
	if !reflect.ValueOf(s).Comparable() {
		c.logger.Error("subscriber is not comparable", zap.String("type", fmt.Sprintf("%T", s)))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s]; ok {
		c.logger.Warn("subscriber already registered", zap.String("type", fmt.Sprintf("%T", s)))
		return false
	}
	c.subs[s] = struct{}{}
	return true
}

// RemoveSubscriber unregisters s. It reports false when s was not registered.
func (c *Client) RemoveSubscriber(s Subscriber) bool {
	if s == nil || !reflect.ValueOf(s).Comparable() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s]; !ok {
		c.logger.Warn("subscriber not registered", zap.String("type", fmt.Sprintf("%T", s)))
		return false
	}
	delete(c.subs, s)
	return true
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.metrics.setState(s)
}

func (c *Client) nextTokenLocked() string {
	for {
		id := NewToken()
		if _, taken := c.pending[id]; !taken {
			return id
		}
	}
}

func (c *Client) subscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}

// dropConnectionLocked moves to Closed, retires the current generation and
// detaches every outstanding request.
func (c *Client) dropConnectionLocked() []*Call {
	c.gen++
	c.setStateLocked(StateClosed)
	c.conn = nil
	lost := make([]*Call, 0, len(c.pending))
	for id, call := range c.pending {
		delete(c.pending, id)
		lost = append(lost, call)
	}
	c.metrics.setOutstanding(0)
	return lost
}

func (c *Client) failLost(lost []*Call) {
	if len(lost) == 0 {
		return
	}
	c.logger.Warn("failing outstanding requests", zap.Int("count", len(lost)))
	c.metrics.addRequests(outcomeConnectionLost, len(lost))
	for _, call := range lost {
		call.finish(nil, fmt.Errorf("request %s: %w", call.ID, ErrConnectionLost))
	}
}

// remove detaches an outstanding request. Only the caller that receives a
// non-nil Call may settle it.
func (c *Client) remove(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.metrics.setOutstanding(len(c.pending))
	return call
}

func (c *Client) expire(id string) {
	call := c.remove(id)
	if call == nil {
		return
	}
	c.metrics.request(outcomeTimeout)
	c.logger.Debug("request timed out", zap.String("id", id), zap.Duration("timeout", call.timeout))
	call.finish(nil, fmt.Errorf("request %s timed out after %s: %w", id, call.timeout, ErrTimeout))
}

func (c *Client) current(gen uint64) ([]Subscriber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil, false
	}
	return c.subscribersLocked(), true
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateOpen)
	subs := c.subscribersLocked()
	c.mu.Unlock()

	c.logger.Info("connection open")
	c.notify(subs, Event{Kind: EventOpen, At: time.Now()})
}

func (c *Client) handleFrame(gen uint64, raw []byte) {
	if _, ok := c.current(gen); !ok {
		return
	}
	frame, err := decodeFrame(raw)
	if err != nil {
		c.metrics.frame(frameMalformed)
		c.logger.Warn("dropping inbound frame", zap.Error(err))
		if subs, ok := c.current(gen); ok {
			c.notify(subs, Event{Kind: EventError, Err: err, At: time.Now()})
		}
		return
	}
	if frame.id != "" {
		if call := c.remove(frame.id); call != nil {
			c.metrics.frame(frameResponse)
			c.metrics.request(outcomeResolved)
			c.metrics.observeRoundTrip(time.Since(call.started))
			call.finish(frame.payload, nil)
			return
		}
		c.metrics.frame(frameUnmatched)
		c.logger.Warn("frame carries unknown correlation id; delivering as event", zap.String("id", frame.id))
	} else {
		c.metrics.frame(frameEvent)
	}
	if subs, ok := c.current(gen); ok {
		c.notify(subs, Event{Kind: EventMessage, Data: json.RawMessage(raw), At: time.Now()})
	}
}

func (c *Client) handleError(gen uint64, err error) {
	subs, ok := c.current(gen)
	if !ok {
		return
	}
	c.logger.Warn("transport error", zap.Error(err))
	c.notify(subs, Event{Kind: EventError, Err: err, At: time.Now()})
}

func (c *Client) handleClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	lost := c.dropConnectionLocked()
	subs := c.subscribersLocked()
	c.mu.Unlock()

	c.logger.Info("connection closed")
	c.failLost(lost)
	c.notify(subs, Event{Kind: EventClose, At: time.Now()})
}

// notify delivers ev to a snapshot of subscribers. A panicking subscriber is
// logged and does not prevent delivery to the others.
func (c *Client) notify(subs []Subscriber, ev Event) {
	for _, s := range subs {
		c.deliver(s, ev)
	}
}

func (c *Client) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber panicked",
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	s.Notify(ev)
}

// connSignals binds transport signals to the connection generation that
// created them.
type connSignals struct {
	client *Client
	gen    uint64
}

func (s *connSignals) Opened()           { s.client.handleOpen(s.gen) }
func (s *connSignals) Received(b []byte) { s.client.handleFrame(s.gen, b) }
func (s *connSignals) Failed(err error)  { s.client.handleError(s.gen, err) }
func (s *connSignals) Closed()           { s.client.handleClose(s.gen) }
