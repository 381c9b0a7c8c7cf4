package duplex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("correlated response", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"id":"01J","payload":{"ok":true}}`))
		require.NoError(t, err)
		assert.Equal(t, "01J", frame.id)
		assert.JSONEq(t, `{"ok":true}`, string(frame.payload))
	})

	t.Run("missing payload decodes as null", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"id":"01J"}`))
		require.NoError(t, err)
		assert.Equal(t, "null", string(frame.payload))
	})

	t.Run("non-string id is an event", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"id":42,"type":"PROGRESS"}`))
		require.NoError(t, err)
		assert.Empty(t, frame.id)
	})

	t.Run("non-object is an event", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`"hello"`))
		require.NoError(t, err)
		assert.Empty(t, frame.id)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := decodeFrame([]byte(`{"id":"x"`))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestEncodeEnvelope(t *testing.T) {
	raw, err := encodeEnvelope("tok", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tok","payload":null}`, string(raw))

	raw, err = encodeEnvelope("tok", json.RawMessage(`{"type":"PING"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tok","payload":{"type":"PING"}}`, string(raw))
}

func TestNewTokenIsMonotonic(t *testing.T) {
	prev := NewToken()
	for i := 0; i < 1000; i++ {
		next := NewToken()
		require.Greater(t, next, prev)
		prev = next
	}
}
