// Package stub is a stand-in for the evolution backend: it answers correlated
// requests over WebSocket and pushes unsolicited events to every connected
// client. It backs the evostub binary and end-to-end tests.
package stub

import (
	"context"
	"encoding/json"
)

// HandlerFunc processes a request payload and returns a result or structured error.
type HandlerFunc func(context.Context, json.RawMessage) (any, *Error)

// NotificationFunc processes a frame that carries no correlation id.
type NotificationFunc func(context.Context, json.RawMessage)

// Error follows the backend contract for structured failures. It is sent as
// the response payload with type ERROR.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

type errorPayload struct {
	Type string `json:"type"`
	*Error
}

type request struct {
	Type string `json:"type"`
}
