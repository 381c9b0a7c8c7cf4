package duplex

import (
	"context"
	"encoding/json"
	"time"
)

// Call is an outstanding correlated request. It settles exactly once.
type Call struct {
	// ID is the correlation token sent on the wire. Empty when the request
	// failed before a token was issued.
	ID string

	timeout time.Duration
	started time.Time
	timer   *time.Timer

	result json.RawMessage
	err    error
	done   chan struct{}
}

func newCall(timeout time.Duration) *Call {
	return &Call{
		timeout: timeout,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response payload or the failure. It is only meaningful
// after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

// Wait blocks until the call settles or ctx ends. Abandoning the wait does
// not cancel the request.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) finish(result json.RawMessage, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.result = result
	c.err = err
	close(c.done)
}
