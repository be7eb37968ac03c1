package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/image"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// newBareClient builds a client without a network connection. Tests that only
// exercise queueing and reliable-delivery state never touch the conn.
func newBareClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	return NewClient("client-1", nil, hub, true, newTestLogger(t))
}

func TestDispatcher_RoutesByMethod(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc("math.double", func(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
		var params struct {
			N int `json:"n"`
		}
		if err := msg.ParseParams(&params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
		}
		return map[string]int{"n": params.N * 2}, nil
	})

	require.True(t, d.HasHandler("math.double"))

	msg := &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      float64(1),
		Method:  "math.double",
		Params:  json.RawMessage(`{"n": 21}`),
	}
	result, rpcErr := d.Dispatch(context.Background(), msg)
	require.Nil(t, rpcErr)
	assert.Equal(t, map[string]int{"n": 42}, result)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := NewDispatcher()
	_, rpcErr := d.Dispatch(context.Background(), &jsonrpc.Message{Method: "no.such"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcErr.Code)
}

func TestHub_PublishEventFansOutToSubscribers(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))

	subscribed := newBareClient(t, hub)
	other := NewClient("client-2", nil, hub, true, newTestLogger(t))

	hub.clients[subscribed] = true
	hub.clients[other] = true
	hub.Subscribe(subscribed, "sess_1")
	hub.Subscribe(other, "sess_2")

	ev := events.New("text_delta", events.SourceAgent, events.CategoryStream, events.IntentNotification, map[string]string{"text": "hi"}).
		WithContext(&events.Context{AgentID: "agent_1", SessionID: "sess_1"})
	hub.PublishEvent(ev)

	select {
	case frame := <-subscribed.send:
		notif := unwrapStreamFrame(t, frame)
		assert.Equal(t, jsonrpc.MethodStreamEvent, notif.Method)

		var params jsonrpc.StreamEventParams
		require.NoError(t, json.Unmarshal(notif.Params, &params))
		assert.Equal(t, "sess_1", params.Topic)
		assert.Contains(t, string(params.Event), "text_delta")
	default:
		t.Fatal("subscriber received no frame")
	}

	assert.Empty(t, other.send, "unrelated topic must not receive the event")
}

// unwrapStreamFrame strips the reliable-delivery envelope, if present, and
// decodes the inner notification.
func unwrapStreamFrame(t *testing.T, frame []byte) *jsonrpc.Notification {
	t.Helper()
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err == nil && env.MsgID != "" && len(env.Payload) > 0 {
		frame = env.Payload
	}
	var notif jsonrpc.Notification
	require.NoError(t, json.Unmarshal(frame, &notif))
	return &notif
}

func TestHub_PublishPlainFramesWhenReliableDisabled(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)
	hub.clients[client] = true
	hub.Subscribe(client, "sess_1")

	authFrame, err := json.Marshal(&jsonrpc.Notification{
		JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodAuth,
		Params: json.RawMessage(`{"token":"","reliable":false}`),
	})
	require.NoError(t, err)
	client.handleFrame(context.Background(), authFrame)
	require.False(t, client.reliable)

	ev := events.New("text_delta", events.SourceAgent, events.CategoryStream, events.IntentNotification, nil).
		WithContext(&events.Context{SessionID: "sess_1"})
	hub.PublishEvent(ev)

	frame := <-client.send
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err == nil {
		assert.Empty(t, env.MsgID, "opted-out client must receive bare frames")
	}
	var notif jsonrpc.Notification
	require.NoError(t, json.Unmarshal(frame, &notif))
	assert.Equal(t, jsonrpc.MethodStreamEvent, notif.Method)

	client.pendingMu.Lock()
	assert.Empty(t, client.pending, "no ack tracking for opted-out client")
	client.pendingMu.Unlock()
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)
	hub.clients[client] = true

	hub.Subscribe(client, "sess_1")
	hub.Unsubscribe(client, "sess_1")

	ev := events.New("text_delta", events.SourceAgent, events.CategoryStream, events.IntentNotification, nil).
		WithContext(&events.Context{SessionID: "sess_1"})
	hub.PublishEvent(ev)

	assert.Empty(t, client.send)
}

func TestHub_PublishPreservesOrderPerClient(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)
	hub.clients[client] = true
	hub.Subscribe(client, "sess_1")

	for i := 0; i < 5; i++ {
		ev := events.New("text_delta", events.SourceAgent, events.CategoryStream, events.IntentNotification, map[string]int{"seq": i}).
			WithContext(&events.Context{SessionID: "sess_1"})
		hub.PublishEvent(ev)
	}

	for i := 0; i < 5; i++ {
		frame := <-client.send
		assert.Contains(t, string(frame), `"seq":`+strconv.Itoa(i))
	}
}

func TestClient_MarkSeenDeduplicates(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)

	assert.False(t, client.markSeen("msg-1"))
	assert.True(t, client.markSeen("msg-1"), "resend must be reported as seen")
	assert.False(t, client.markSeen("msg-2"))
}

func TestClient_MarkSeenBounded(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)

	for i := 0; i < seenMsgLimit+10; i++ {
		client.markSeen("msg-" + strconv.Itoa(i))
	}
	assert.LessOrEqual(t, len(client.seen), seenMsgLimit)
	assert.LessOrEqual(t, len(client.seenOrder), seenMsgLimit)
}

func TestClient_ResolveAckCompletesPending(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)

	acked := make(chan struct{})
	client.pendingMu.Lock()
	client.pending["msg-1"] = acked
	client.pendingMu.Unlock()

	client.resolveAck("msg-1")

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("ack did not complete the pending send")
	}

	// A stray ack for an unknown ID is a no-op.
	client.resolveAck("msg-unknown")
}

func TestClient_ReliableEnvelopeAckedAndDispatchedOnce(t *testing.T) {
	calls := 0
	d := NewDispatcher()
	d.RegisterFunc("ping", func(context.Context, *jsonrpc.Message) (any, *jsonrpc.Error) {
		calls++
		return map[string]bool{"ok": true}, nil
	})
	hub := NewHub(d, nil, newTestLogger(t))
	client := newBareClient(t, hub)

	inner, err := json.Marshal(&jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "ping"})
	require.NoError(t, err)
	frame, err := json.Marshal(jsonrpc.Envelope{MsgID: "msg-7", Payload: inner})
	require.NoError(t, err)

	client.handleFrame(context.Background(), frame)
	client.handleFrame(context.Background(), frame)

	assert.Equal(t, 1, calls, "resend must not re-execute the payload")

	// Both deliveries are acked.
	for i := 0; i < 2; i++ {
		ackFrame := <-client.send
		var notif jsonrpc.Notification
		require.NoError(t, json.Unmarshal(ackFrame, &notif))
		assert.Equal(t, jsonrpc.MethodControlAck, notif.Method)

		var params jsonrpc.AckParams
		require.NoError(t, json.Unmarshal(notif.Params, &params))
		assert.Equal(t, "msg-7", params.MsgID)
	}
}

func TestClient_UnauthenticatedRequestRejected(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := NewClient("client-1", nil, hub, false, newTestLogger(t))

	frame, err := json.Marshal(&jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodHealthCheck})
	require.NoError(t, err)
	client.handleFrame(context.Background(), frame)

	respFrame := <-client.send
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(respFrame, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.Unauthorized, resp.Error.Code)
}

func TestClient_AuthFlipsAuthenticated(t *testing.T) {
	authErr := errors.New("bad token")
	auth := func(token string) error {
		if token != "secret" {
			return authErr
		}
		return nil
	}
	hub := NewHub(NewDispatcher(), auth, newTestLogger(t))
	client := NewClient("client-1", nil, hub, false, newTestLogger(t))

	bad, err := json.Marshal(&jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodAuth,
		Params: json.RawMessage(`{"token":"wrong"}`),
	})
	require.NoError(t, err)
	client.handleFrame(context.Background(), bad)
	assert.False(t, client.authed)
	<-client.send // error response

	good, err := json.Marshal(&jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: 2, Method: jsonrpc.MethodAuth,
		Params: json.RawMessage(`{"token":"secret"}`),
	})
	require.NoError(t, err)
	client.handleFrame(context.Background(), good)
	assert.True(t, client.authed)
}

func TestClient_SubscribeViaFrame(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)
	hub.clients[client] = true

	frame, err := json.Marshal(&jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodSubscribe,
		Params: json.RawMessage(`{"topic":"agent_1"}`),
	})
	require.NoError(t, err)
	client.handleFrame(context.Background(), frame)

	assert.True(t, client.subscriptions["agent_1"])
	<-client.send // subscribe response

	ev := events.New("conversation_thinking", events.SourceAgent, events.CategoryState, events.IntentNotification, nil).
		WithContext(&events.Context{AgentID: "agent_1"})
	hub.PublishEvent(ev)
	assert.Len(t, client.send, 1)
}

func TestRPCError_CodeMapping(t *testing.T) {
	assert.Equal(t, jsonrpc.NotFound, rpcError(store.ErrNotFound).Code)
	assert.Equal(t, jsonrpc.NotFound, rpcError(container.ErrAgentNotFound).Code)
	assert.Equal(t, jsonrpc.Timeout, rpcError(context.DeadlineExceeded).Code)

	// Busy and conflict are well-formed requests the server refuses; clients
	// must be able to tell them from malformed traffic.
	for _, err := range []error{
		agent.ErrAgentBusy,
		store.ErrConflict,
		fmt.Errorf("image img_1: %w", image.ErrImageInUse),
	} {
		rpcErr := rpcError(err)
		assert.Equal(t, jsonrpc.Conflict, rpcErr.Code, err.Error())
		assert.NotEqual(t, jsonrpc.InvalidRequest, rpcErr.Code)
	}

	assert.Equal(t, jsonrpc.ServerError, rpcError(errors.New("boom")).Code)
}

func TestClient_ParseErrorResponse(t *testing.T) {
	hub := NewHub(NewDispatcher(), nil, newTestLogger(t))
	client := newBareClient(t, hub)

	client.handleFrame(context.Background(), []byte("{not json"))

	respFrame := <-client.send
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(respFrame, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ParseError, resp.Error.Code)
}
