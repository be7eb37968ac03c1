// Package client provides the WebSocket client for connecting to a remote
// AgentX server: JSON-RPC calls, topic subscriptions and reliable event
// delivery over a single auto-reconnecting connection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

const (
	defaultCallTimeout  = 30 * time.Second
	reconnectInitial    = time.Second
	reconnectMax        = 10 * time.Second
	seenEnvelopeLimit   = 4096
	handshakeAckTimeout = 10 * time.Second
)

// EventHandler receives a stream.event payload for a subscribed topic.
type EventHandler func(topic string, event json.RawMessage)

// Options configures a Client.
type Options struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Token authenticates the connection. It is sent as the first frame
	// after every (re)connect.
	Token string

	// CallTimeout bounds each Call when the caller's context has no
	// deadline. Zero means 30 seconds.
	CallTimeout time.Duration

	Logger *logger.Logger
}

// Client is a JSON-RPC over WebSocket client. It reconnects automatically
// and replays auth and subscriptions after each reconnect.
type Client struct {
	url         string
	token       string
	callTimeout time.Duration
	logger      *logger.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Message

	// Topic subscriptions survive reconnects.
	subMu    sync.RWMutex
	topics   map[string]bool
	handlers map[string][]EventHandler
	anyFns   map[uint64]EventHandler
	nextAny  uint64

	// Inbound reliable-delivery dedup state.
	seenMu    sync.Mutex
	seen      map[string]bool
	seenOrder []string
}

// New creates a client. Call Connect before issuing requests.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		url:         opts.URL,
		token:       opts.Token,
		callTimeout: timeout,
		logger:      log.WithFields(zap.String("component", "agentx_client")),
		pending:     make(map[string]chan *jsonrpc.Message),
		topics:      make(map[string]bool),
		handlers:    make(map[string][]EventHandler),
		anyFns:      make(map[uint64]EventHandler),
		seen:        make(map[string]bool),
	}
}

// Connect dials the server, authenticates, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return nil
	}
	if c.closed {
		c.connMu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.connMu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	// Auth must be the first frame of a fresh connection.
	if err := c.writeJSON(mustNotification(jsonrpc.MethodAuth, jsonrpc.AuthParams{Token: c.token})); err != nil {
		_ = conn.Close()
		c.markDisconnected()
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.resubscribe()

	c.logger.Info("connected", zap.String("url", c.url))
	go c.readLoop(conn)
	return nil
}

// markDisconnected clears the connection state without triggering a
// reconnect; used when a fresh dial fails partway through its handshake.
func (c *Client) markDisconnected() {
	c.connMu.Lock()
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()
}

// Close shuts the client down permanently. Pending calls fail and no
// reconnect is attempted.
func (c *Client) Close() error {
	c.connMu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	c.failPending(fmt.Errorf("client closed"))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Call issues a request and decodes the result into result (which may be
// nil). A jsonrpc error from the server is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	respChan := make(chan *jsonrpc.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeJSON(notif)
}

// Subscribe registers a handler for a topic's stream events. The
// subscription is replayed after every reconnect.
func (c *Client) Subscribe(topic string, handler EventHandler) error {
	c.subMu.Lock()
	first := !c.topics[topic]
	c.topics[topic] = true
	if handler != nil {
		c.handlers[topic] = append(c.handlers[topic], handler)
	}
	c.subMu.Unlock()

	if first && c.IsConnected() {
		return c.Notify(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Topic: topic})
	}
	return nil
}

// Unsubscribe drops a topic and its handlers.
func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	subscribed := c.topics[topic]
	delete(c.topics, topic)
	delete(c.handlers, topic)
	c.subMu.Unlock()

	if subscribed && c.IsConnected() {
		return c.Notify(jsonrpc.MethodUnsubscribe, jsonrpc.SubscribeParams{Topic: topic})
	}
	return nil
}

// OnAnyEvent registers a handler for every stream event regardless of topic.
// The returned func removes the handler.
func (c *Client) OnAnyEvent(handler EventHandler) func() {
	c.subMu.Lock()
	id := c.nextAny
	c.nextAny++
	c.anyFns[id] = handler
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.anyFns, id)
		c.subMu.Unlock()
	}
}

func (c *Client) resubscribe() {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.subMu.RUnlock()

	for _, topic := range topics {
		if err := c.Notify(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Topic: topic}); err != nil {
			c.logger.Warn("failed to resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read error", zap.Error(err))
			}
			c.handleDisconnect(conn)
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame unwraps reliable envelopes, acks them, and routes the inner
// message. A resent envelope is re-acked without reprocessing.
func (c *Client) handleFrame(frame []byte) {
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err == nil && env.MsgID != "" && len(env.Payload) > 0 {
		if err := c.Notify(jsonrpc.MethodControlAck, jsonrpc.AckParams{MsgID: env.MsgID}); err != nil {
			c.logger.Warn("failed to ack", zap.String("msg_id", env.MsgID), zap.Error(err))
		}
		if c.markSeen(env.MsgID) {
			return
		}
		frame = env.Payload
	}

	var msg jsonrpc.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}
	c.handleMessage(&msg)
}

func (c *Client) handleMessage(msg *jsonrpc.Message) {
	switch {
	case msg.IsResponse():
		id, ok := msg.ID.(string)
		if !ok {
			return
		}
		c.pendingMu.Lock()
		ch, found := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if found {
			ch <- msg
		}

	case msg.Method == jsonrpc.MethodStreamEvent:
		var params jsonrpc.StreamEventParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("invalid stream.event params", zap.Error(err))
			return
		}
		c.dispatchEvent(params.Topic, params.Event)

	case msg.Method == jsonrpc.MethodControlAck:
		// Acks for our own reliable sends would land here; the client only
		// sends fire-and-forget frames, so a stray ack is ignored.
	}
}

func (c *Client) dispatchEvent(topic string, event json.RawMessage) {
	c.subMu.RLock()
	handlers := make([]EventHandler, 0, len(c.handlers[topic])+len(c.anyFns))
	handlers = append(handlers, c.handlers[topic]...)
	for _, handler := range c.anyFns {
		handlers = append(handlers, handler)
	}
	c.subMu.RUnlock()

	for _, handler := range handlers {
		handler(topic, event)
	}
}

func (c *Client) markSeen(msgID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seen[msgID] {
		return true
	}
	c.seen[msgID] = true
	c.seenOrder = append(c.seenOrder, msgID)
	if len(c.seenOrder) > seenEnvelopeLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

// handleDisconnect fails in-flight calls and starts the reconnect loop.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closed := c.closed
	c.connMu.Unlock()

	c.failPending(fmt.Errorf("connection lost"))
	if closed {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	backoff := reconnectInitial
	for {
		c.connMu.RLock()
		closed := c.closed
		c.connMu.RUnlock()
		if closed {
			return
		}

		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeAckTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.logger.Info("reconnected", zap.String("url", c.url))
			return
		}
		c.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("next_retry", backoff))

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &jsonrpc.Message{
			JSONRPC: jsonrpc.Version,
			ID:      id,
			Error:   &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()},
		}
		delete(c.pending, id)
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func mustNotification(method string, params any) *jsonrpc.Notification {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		panic(err)
	}
	return notif
}
