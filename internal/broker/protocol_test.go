package broker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"request","id":7,"pluginPath":"/p/foo.plugin","reason":"needs io","signature":{"authority":"acme","public":"AAAA"}}`))
	require.NoError(t, err)

	req, ok := msg.(Request)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint64(7), req.MessageID())
	assert.Equal(t, "/p/foo.plugin", req.PluginPath)
	assert.Equal(t, "needs io", req.Reason)
	require.NotNil(t, req.Signature)
	assert.Equal(t, "acme", req.Signature.Authority)
}

func TestDecodeResponses(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"success","id":3}`))
	require.NoError(t, err)
	assert.Equal(t, Response{ID: 3, Granted: true}, msg)

	msg, err = Decode([]byte(`{"type":"failure","id":4}`))
	require.NoError(t, err)
	assert.Equal(t, Response{ID: 4}, msg)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{"type":`, ErrMalformedMessage},
		{"array", `[1,2]`, ErrMalformedMessage},
		{"missing id", `{"type":"check","pluginPath":"x"}`, ErrMalformedMessage},
		{"zero id", `{"type":"check","id":0,"pluginPath":"x"}`, ErrMalformedMessage},
		{"fractional id", `{"type":"check","id":1.5,"pluginPath":"x"}`, ErrMalformedMessage},
		{"string id", `{"type":"check","id":"1","pluginPath":"x"}`, ErrMalformedMessage},
		{"request without path", `{"type":"request","id":1}`, ErrMalformedMessage},
		{"check with empty path", `{"type":"check","id":1,"pluginPath":""}`, ErrMalformedMessage},
		{"unknown type", `{"type":"grant","id":1}`, ErrUnknownMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.True(t, errors.Is(err, tt.want), "Decode() error = %v, want %v", err, tt.want)
		})
	}
}

func TestDecodeID(t *testing.T) {
	id, ok := DecodeID([]byte(`{"type":"grant","id":9}`))
	assert.True(t, ok)
	assert.Equal(t, uint64(9), id)

	_, ok = DecodeID([]byte(`{"type":"grant"}`))
	assert.False(t, ok)
}

func TestEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(Check{ID: 2, PluginPath: "/p/a.plugin"}.envelope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"check","id":2,"pluginPath":"/p/a.plugin"}`, string(data))

	data, err = json.Marshal(Response{ID: 2}.envelope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"failure","id":2}`, string(data))
}
