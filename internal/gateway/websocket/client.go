package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Reliable delivery retry policy
	ackRetryLimit   = 3
	ackRetryInitial = time.Second
	ackRetryMax     = 10 * time.Second

	// seenMsgLimit bounds the reliable-delivery dedup set per client.
	seenMsgLimit = 4096
)

// Client represents a single WebSocket connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool

	// authed flips after a successful auth frame; pre-auth traffic other
	// than auth itself is rejected.
	authed bool

	// reliable controls whether stream events to this client are wrapped in
	// ack-tracked envelopes. On unless the auth frame opts out.
	reliable bool

	// Reliable delivery state: outbound frames awaiting acks and the IDs of
	// inbound envelopes already processed (so a resend is re-acked, not
	// re-executed).
	pendingMu sync.Mutex
	pending   map[string]chan struct{}
	seen      map[string]bool
	seenOrder []string

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection. preauthed marks
// connections that carried a valid token in their headers.
func NewClient(id string, conn *websocket.Conn, hub *Hub, preauthed bool, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		authed:        preauthed,
		reliable:      true,
		pending:       make(map[string]chan struct{}),
		seen:          make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(ctx, frame)
	}
}

// handleFrame unwraps reliable envelopes and processes the inner message.
func (c *Client) handleFrame(ctx context.Context, frame []byte) {
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err == nil && env.MsgID != "" && len(env.Payload) > 0 {
		c.ack(env.MsgID)
		if c.markSeen(env.MsgID) {
			// Resend of an envelope already processed: ack only.
			return
		}
		frame = env.Payload
	}

	var msg jsonrpc.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.sendResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON", nil))
		return
	}
	c.handleMessage(ctx, &msg)
}

func (c *Client) handleMessage(ctx context.Context, msg *jsonrpc.Message) {
	// The auth notification must be the first frame of a fresh connection;
	// everything else is rejected until it succeeds.
	if msg.Method == jsonrpc.MethodAuth {
		c.handleAuth(msg)
		return
	}
	if !c.authed {
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Unauthorized, "authentication required", nil))
		return
	}

	switch msg.Method {
	case jsonrpc.MethodControlAck:
		var params jsonrpc.AckParams
		if err := msg.ParseParams(&params); err == nil {
			c.resolveAck(params.MsgID)
		}
		return

	case jsonrpc.MethodSubscribe:
		c.handleSubscribe(msg, true)
		return

	case jsonrpc.MethodUnsubscribe:
		c.handleSubscribe(msg, false)
		return
	}

	if !msg.IsRequest() && !msg.IsNotification() {
		return
	}

	result, rpcErr := c.hub.dispatcher.Dispatch(ctx, msg)
	if !msg.IsRequest() {
		return
	}
	if rpcErr != nil {
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return
	}
	resp, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		c.logger.Error("Failed to marshal result", zap.Error(err), zap.String("method", msg.Method))
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.InternalError, "marshal result", nil))
		return
	}
	c.sendResponse(resp)
}

func (c *Client) handleAuth(msg *jsonrpc.Message) {
	var params jsonrpc.AuthParams
	if err := msg.ParseParams(&params); err != nil {
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.InvalidParams, "invalid auth params", nil))
		return
	}
	if err := c.hub.authenticate(params.Token); err != nil {
		c.logger.Warn("Authentication failed", zap.Error(err))
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Unauthorized, "invalid token", nil))
		return
	}
	c.authed = true
	if params.Reliable != nil {
		c.reliable = *params.Reliable
	}
	if msg.IsRequest() {
		resp, _ := jsonrpc.NewResponse(msg.ID, map[string]any{"ok": true})
		c.sendResponse(resp)
	}
}

func (c *Client) handleSubscribe(msg *jsonrpc.Message, subscribe bool) {
	var params jsonrpc.SubscribeParams
	if err := msg.ParseParams(&params); err != nil || params.Topic == "" {
		c.sendResponse(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.InvalidParams, "topic is required", nil))
		return
	}
	if subscribe {
		c.hub.Subscribe(c, params.Topic)
	} else {
		c.hub.Unsubscribe(c, params.Topic)
	}
	if msg.IsRequest() {
		resp, _ := jsonrpc.NewResponse(msg.ID, map[string]any{"ok": true, "topic": params.Topic})
		c.sendResponse(resp)
	}
}

// ack acknowledges a reliable inbound envelope.
func (c *Client) ack(msgID string) {
	notif, err := jsonrpc.NewNotification(jsonrpc.MethodControlAck, jsonrpc.AckParams{MsgID: msgID})
	if err != nil {
		return
	}
	frame, err := json.Marshal(notif)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// markSeen records a reliable msgID, reporting whether it was already
// processed. The set is bounded FIFO.
func (c *Client) markSeen(msgID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.seen[msgID] {
		return true
	}
	c.seen[msgID] = true
	c.seenOrder = append(c.seenOrder, msgID)
	if len(c.seenOrder) > seenMsgLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

// resolveAck completes a pending reliable send.
func (c *Client) resolveAck(msgID string) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msgID]
	delete(c.pending, msgID)
	c.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

// SendReliable wraps a frame in an envelope and resends it with exponential
// backoff until the peer acks or retries are exhausted.
func (c *Client) SendReliable(msgID string, payload []byte) {
	env := jsonrpc.Envelope{MsgID: msgID, Payload: payload}
	frame, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}

	acked := make(chan struct{})
	c.pendingMu.Lock()
	c.pending[msgID] = acked
	c.pendingMu.Unlock()

	// The first attempt goes out synchronously so successive reliable sends
	// keep their order on the send channel; the goroutine only retries.
	c.enqueue(frame)

	go func() {
		backoff := ackRetryInitial
		for attempt := 1; attempt < ackRetryLimit; attempt++ {
			select {
			case <-acked:
				return
			case <-time.After(backoff):
			}
			c.enqueue(frame)
			backoff *= 2
			if backoff > ackRetryMax {
				backoff = ackRetryMax
			}
		}
		select {
		case <-acked:
			return
		case <-time.After(backoff):
		}
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
		c.logger.Warn("Reliable send exhausted retries", zap.String("msg_id", msgID))
	}()
}

func (c *Client) sendResponse(resp *jsonrpc.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// enqueue queues one frame for the write pump, dropping when the client
// cannot keep up.
func (c *Client) enqueue(frame []byte) {
	defer func() {
		// Send on a closed channel races with unregister; dropping the
		// frame for a departed client is correct.
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Client send buffer full, dropping frame")
	}
}

// WritePump pumps queued frames onto the connection, one frame per message
// so the peer can parse each as standalone JSON.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
