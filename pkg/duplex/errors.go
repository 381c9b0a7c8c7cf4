package duplex

import "errors"

var (
	// ErrNotConnected indicates a send or request while the connection is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout indicates no matching response arrived within the request bound.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionLost indicates the connection closed while a request was outstanding.
	ErrConnectionLost = errors.New("connection lost")
	// ErrMalformedFrame indicates inbound data that could not be decoded as JSON.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTooManyRequests indicates the outstanding request cap was reached.
	ErrTooManyRequests = errors.New("too many outstanding requests")
)
