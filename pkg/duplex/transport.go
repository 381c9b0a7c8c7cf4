package duplex

// Signals receives the lifecycle of a single transport. A transport invokes
// these from one goroutine, one at a time, in the order the underlying
// connection produced them.
type Signals interface {
	Opened()
	Received(frame []byte)
	Failed(err error)
	Closed()
}

// Transport is a full-duplex, message-oriented connection.
type Transport interface {
	// Send writes one frame. It does not guarantee delivery.
	Send(frame []byte) error
	// Close tears the connection down. Closed may still be signaled afterwards.
	Close() error
}

// Dialer starts a connection attempt. Dial must return without invoking any
// of the supplied signals; the outcome is reported asynchronously.
type Dialer interface {
	Dial(signals Signals) Transport
}
