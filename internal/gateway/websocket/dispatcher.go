// Package websocket implements the JSON-RPC over WebSocket gateway: the hub
// tracks connections and topic subscriptions, clients pump frames, and the
// dispatcher routes platform methods to their handlers.
package websocket

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentx/agentx/internal/telemetry"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

// Handler processes one RPC request and returns the result or an error.
type Handler interface {
	Handle(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error)

func (f HandlerFunc) Handle(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	return f(ctx, msg)
}

// Dispatcher routes requests to handlers by method name.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a method.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.handlers[method] = handler
}

// RegisterFunc binds a handler function to a method.
func (d *Dispatcher) RegisterFunc(method string, handler HandlerFunc) {
	d.handlers[method] = handler
}

// Dispatch routes one request. Unknown methods fail with MethodNotFound.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	handler, ok := d.handlers[msg.Method]
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "unknown method: " + msg.Method}
	}

	ctx, span := telemetry.Tracer("gateway").Start(ctx, "rpc."+msg.Method)
	defer span.End()

	result, rpcErr := handler.Handle(ctx, msg)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErr.Code))
	}
	return result, rpcErr
}

// HasHandler reports whether a method is registered.
func (d *Dispatcher) HasHandler(method string) bool {
	_, ok := d.handlers[method]
	return ok
}
