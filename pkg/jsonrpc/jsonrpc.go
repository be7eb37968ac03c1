// Package jsonrpc provides the JSON-RPC 2.0 message types and method names
// for the AgentX wire protocol.
package jsonrpc

import "encoding/json"

// Version is the fixed jsonrpc header value.
const Version = "2.0"

// Request represents a JSON-RPC request expecting a matching response.
// Either side of the connection may issue requests.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification represents a fire-and-forget message (no id, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes plus the application range.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	ServerError  = -32000
	Unauthorized = 401
	Forbidden    = 403
	NotFound     = 404
	Timeout      = 408
	Conflict     = 409
)

// Platform method names. Every platform operation maps 1:1 to a method.
const (
	MethodContainerCreate = "container.create"
	MethodContainerGet    = "container.get"
	MethodContainerList   = "container.list"
	MethodContainerDelete = "container.delete"

	MethodImageCreate   = "image.create"
	MethodImageGet      = "image.get"
	MethodImageList     = "image.list"
	MethodImageDelete   = "image.delete"
	MethodImageRun      = "image.run"
	MethodImageStop     = "image.stop"
	MethodImageUpdate   = "image.update"
	MethodImageMessages = "image.messages"

	MethodAgentGet        = "agent.get"
	MethodAgentList       = "agent.list"
	MethodAgentDestroy    = "agent.destroy"
	MethodAgentDestroyAll = "agent.destroyAll"
	MethodAgentInterrupt  = "agent.interrupt"

	MethodMessageSend = "message.send"

	MethodDefinitionRegister   = "definition.register"
	MethodDefinitionUnregister = "definition.unregister"
	MethodDefinitionList       = "definition.list"

	MethodSessionGet      = "session.get"
	MethodSessionList     = "session.list"
	MethodSessionMessages = "session.messages"
	MethodSessionFork     = "session.fork"
	MethodSessionTurns    = "session.turns"

	MethodHealthCheck = "health.check"
)

// Reserved notification methods.
const (
	MethodStreamEvent = "stream.event"
	MethodControlAck  = "control.ack"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodAuth        = "auth"
)

// Envelope wraps a reliable message: the payload is retained and resent
// until the peer acknowledges msgId via control.ack.
type Envelope struct {
	MsgID   string          `json:"msgId"`
	Payload json.RawMessage `json:"payload"`
}

// AckParams is the control.ack payload.
type AckParams struct {
	MsgID string `json:"msgId"`
}

// AuthParams is the auth notification payload, the first frame of every
// browser connection. Reliable opts the connection out of envelope delivery
// for stream events when explicitly false.
type AuthParams struct {
	Token    string `json:"token"`
	Reliable *bool  `json:"reliable,omitempty"`
}

// SubscribeParams is the subscribe/unsubscribe payload.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// StreamEventParams is the stream.event payload.
type StreamEventParams struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// NewRequest builds a request, marshaling params.
func NewRequest(id any, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response, marshaling the result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Message is the decoded union of the three inbound frame kinds.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the frame carries no id.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsRequest reports whether the frame expects a response.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsResponse reports whether the frame answers an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

// ParseParams decodes the params into v.
func (m *Message) ParseParams(v any) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}
