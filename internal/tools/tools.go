// Package tools defines the tool surface an agent exposes to its driver.
// Tools come from MCP servers configured on the agent's Definition or Image,
// or from in-process functions registered for tests and built-ins.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Definition describes one callable tool in the shape drivers advertise to
// the vendor: name, description, and a JSON Schema for the input.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Executor lists tools and executes calls. Implementations must be safe for
// concurrent use; drivers call Execute from their streaming goroutines.
type Executor interface {
	List(ctx context.Context) ([]Definition, error)
	Execute(ctx context.Context, name string, args json.RawMessage) (result string, isError bool, err error)
	Close() error
}

// Func is an in-process tool implementation.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// StaticExecutor serves tools from registered functions.
type StaticExecutor struct {
	mu    sync.RWMutex
	defs  []Definition
	funcs map[string]Func
}

var _ Executor = (*StaticExecutor)(nil)

// NewStaticExecutor creates an empty in-process tool registry.
func NewStaticExecutor() *StaticExecutor {
	return &StaticExecutor{funcs: make(map[string]Func)}
}

// Register adds a tool. Re-registering a name replaces the implementation.
func (e *StaticExecutor) Register(def Definition, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.funcs[def.Name]; !exists {
		e.defs = append(e.defs, def)
	} else {
		for i := range e.defs {
			if e.defs[i].Name == def.Name {
				e.defs[i] = def
				break
			}
		}
	}
	e.funcs[def.Name] = fn
}

func (e *StaticExecutor) List(_ context.Context) ([]Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, len(e.defs))
	copy(out, e.defs)
	return out, nil
}

func (e *StaticExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	e.mu.RLock()
	fn, ok := e.funcs[name]
	e.mu.RUnlock()
	if !ok {
		return "", true, fmt.Errorf("unknown tool: %s", name)
	}
	result, err := fn(ctx, args)
	if err != nil {
		// Tool failures are data for the model, not pipeline errors.
		return err.Error(), true, nil
	}
	return result, false, nil
}

func (e *StaticExecutor) Close() error { return nil }
