package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKinds(t *testing.T) {
	var req Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"sessionId":"sess_1"}}`), &req))
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsNotification())
	assert.False(t, req.IsResponse())

	var notif Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"subscribe","params":{"topic":"sess_1"}}`), &notif))
	assert.True(t, notif.IsNotification())
	assert.False(t, notif.IsRequest())

	var resp Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`), &resp))
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsRequest())

	var errResp Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":404,"message":"not found"}}`), &errResp))
	assert.True(t, errResp.IsResponse())
	assert.Equal(t, NotFound, errResp.Error.Code)
}

func TestParseParams(t *testing.T) {
	notif, err := NewNotification(MethodSubscribe, SubscribeParams{Topic: "sess_42"})
	require.NoError(t, err)
	assert.Equal(t, Version, notif.JSONRPC)

	frame, err := json.Marshal(notif)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	var params SubscribeParams
	require.NoError(t, msg.ParseParams(&params))
	assert.Equal(t, "sess_42", params.Topic)
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(7, MethodNotFound, "no such method", nil)
	frame, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"code":-32601`)
	assert.NotContains(t, string(frame), `"result"`)
}
