package transport

import "errors"

// ErrNotOpen is returned by Send before the connection opens or after it closes.
var ErrNotOpen = errors.New("transport not open")
