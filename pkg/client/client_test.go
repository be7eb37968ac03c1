package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeServer records inbound frames and lets tests script responses.
type fakeServer struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []jsonrpc.Message
	ready  chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, ready: make(chan struct{})}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)
		for {
			var msg jsonrpc.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, msg)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeServer) send(t *testing.T, v any) {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NoError(t, fs.conn.WriteJSON(v))
}

// waitFrames blocks until the server has received at least n frames.
func (fs *fakeServer) waitFrames(t *testing.T, n int) []jsonrpc.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		if len(fs.frames) >= n {
			frames := append([]jsonrpc.Message(nil), fs.frames...)
			fs.mu.Unlock()
			return frames
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server received %d frames, want at least %d", len(fs.frames), n)
	return nil
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	c := New(Options{URL: url, Token: "test-token", CallTimeout: 2 * time.Second, Logger: log})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_AuthIsFirstFrame(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))

	frames := fs.waitFrames(t, 1)
	assert.Equal(t, jsonrpc.MethodAuth, frames[0].Method)

	var params jsonrpc.AuthParams
	require.NoError(t, json.Unmarshal(frames[0].Params, &params))
	assert.Equal(t, "test-token", params.Token)
}

func TestClient_CallRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))
	fs.waitFrames(t, 1) // auth

	done := make(chan error, 1)
	var result struct {
		Status string `json:"status"`
	}
	go func() {
		done <- c.Call(context.Background(), jsonrpc.MethodHealthCheck, nil, &result)
	}()

	frames := fs.waitFrames(t, 2)
	req := frames[1]
	assert.Equal(t, jsonrpc.MethodHealthCheck, req.Method)
	require.NotNil(t, req.ID)

	fs.send(t, map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      req.ID,
		"result":  map[string]string{"status": "ok"},
	})

	require.NoError(t, <-done)
	assert.Equal(t, "ok", result.Status)
}

func TestClient_CallServerError(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))
	fs.waitFrames(t, 1)

	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), jsonrpc.MethodSessionGet, map[string]string{"sessionId": "sess_x"}, nil)
	}()

	frames := fs.waitFrames(t, 2)
	fs.send(t, map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      frames[1].ID,
		"error":   map[string]any{"code": jsonrpc.NotFound, "message": "session not found"},
	})

	err := <-done
	require.Error(t, err)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.NotFound, rpcErr.Code)
}

func TestClient_CallTimesOut(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))
	fs.waitFrames(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, jsonrpc.MethodHealthCheck, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubscribeAndReceiveEvents(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))
	fs.waitFrames(t, 1)

	received := make(chan string, 1)
	require.NoError(t, c.Subscribe("sess_1", func(topic string, event json.RawMessage) {
		received <- topic + ":" + string(event)
	}))

	frames := fs.waitFrames(t, 2)
	assert.Equal(t, jsonrpc.MethodSubscribe, frames[1].Method)

	notif, err := jsonrpc.NewNotification(jsonrpc.MethodStreamEvent, jsonrpc.StreamEventParams{
		Topic: "sess_1",
		Event: json.RawMessage(`{"type":"text_delta"}`),
	})
	require.NoError(t, err)
	fs.send(t, notif)

	select {
	case got := <-received:
		assert.Equal(t, `sess_1:{"type":"text_delta"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event handler not invoked")
	}
}

func TestClient_ReliableEnvelopeAckedAndDeduplicated(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())
	require.NoError(t, c.Connect(context.Background()))
	fs.waitFrames(t, 1)

	var mu sync.Mutex
	deliveries := 0
	c.OnAnyEvent(func(string, json.RawMessage) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})

	inner, err := jsonrpc.NewNotification(jsonrpc.MethodStreamEvent, jsonrpc.StreamEventParams{
		Topic: "agent_1",
		Event: json.RawMessage(`{"type":"message_stop"}`),
	})
	require.NoError(t, err)
	payload, err := json.Marshal(inner)
	require.NoError(t, err)
	env := jsonrpc.Envelope{MsgID: "msg-1", Payload: payload}

	fs.send(t, env)
	fs.send(t, env) // resend before the ack lands

	// Both deliveries are acked, the payload is processed once.
	frames := fs.waitFrames(t, 3)
	acks := 0
	for _, f := range frames {
		if f.Method == jsonrpc.MethodControlAck {
			var params jsonrpc.AckParams
			require.NoError(t, json.Unmarshal(f.Params, &params))
			assert.Equal(t, "msg-1", params.MsgID)
			acks++
		}
	}
	assert.Equal(t, 2, acks)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries)
}

func TestClient_CallWhenDisconnected(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws")
	err := c.Call(context.Background(), jsonrpc.MethodHealthCheck, nil, nil)
	assert.Error(t, err)
}

func TestClient_OnAnyEventRemoval(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws")

	calls := 0
	remove := c.OnAnyEvent(func(string, json.RawMessage) {
		calls++
	})

	c.dispatchEvent("sess_1", json.RawMessage(`{}`))
	remove()
	c.dispatchEvent("sess_1", json.RawMessage(`{}`))

	assert.Equal(t, 1, calls, "removed handler must not fire")
}
