package duplex

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of a correlated request and its response.
type Envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var nullPayload = json.RawMessage("null")

func encodeEnvelope(id string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = nullPayload
	}
	return json.Marshal(Envelope{ID: id, Payload: payload})
}

type inbound struct {
	id      string
	payload json.RawMessage
}

// decodeFrame classifies a raw frame. Only JSON objects with a non-empty
// string id are candidates for correlation; any other valid JSON is an
// unsolicited event.
func decodeFrame(raw []byte) (inbound, error) {
	if !json.Valid(raw) {
		return inbound{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return inbound{}, nil
	}
	rawID, ok := fields["id"]
	if !ok {
		return inbound{}, nil
	}
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
		return inbound{}, nil
	}
	payload, ok := fields["payload"]
	if !ok {
		payload = nullPayload
	}
	return inbound{id: id, payload: payload}, nil
}
