package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/store/httpclient"
	"github.com/agentx/agentx/pkg/client"
)

// Remote is the client-side runtime: the repository is an HTTP client and
// drivers are RPC stubs that forward receive calls to the server, where the
// real vendor drivers run.
type Remote struct {
	Store  store.Store
	RPC    *client.Client
	Logger *logger.Logger

	mu      sync.Mutex
	drivers map[string]*RPCDriver
}

// NewRemote connects to an AgentX server. serverURL is the WebSocket
// endpoint (ws://host:port/ws); the repository talks HTTP to the same host.
func NewRemote(ctx context.Context, serverURL, token string, log *logger.Logger) (*Remote, error) {
	rpc := client.New(client.Options{URL: serverURL, Token: token, Logger: log})
	if err := rpc.Connect(ctx); err != nil {
		return nil, err
	}

	st := httpclient.New(httpBaseURL(serverURL), httpclient.Options{
		Headers: func(context.Context) (map[string]string, error) {
			if token == "" {
				return nil, nil
			}
			return map[string]string{"Authorization": "Bearer " + token}, nil
		},
	})

	return &Remote{
		Store:   st,
		RPC:     rpc,
		Logger:  log,
		drivers: make(map[string]*RPCDriver),
	}, nil
}

// Close disposes the session drivers and tears down the RPC connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	drivers := r.drivers
	r.drivers = make(map[string]*RPCDriver)
	r.mu.Unlock()
	for _, d := range drivers {
		_ = d.Dispose()
	}

	err := r.RPC.Close()
	if cerr := r.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Driver returns the RPC stub driver bound to a session, creating it on
// first use. One stub per session keeps the client-side single-flight
// guarantee across callers.
func (r *Remote) Driver(sessionID string) *RPCDriver {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drivers == nil {
		r.drivers = make(map[string]*RPCDriver)
	}
	if d, ok := r.drivers[sessionID]; ok {
		return d
	}
	d := &RPCDriver{
		sessionID: sessionID,
		remote:    r,
		exch:      driver.NewExchange(),
		logger:    r.Logger.WithSessionID(sessionID),
	}
	r.drivers[sessionID] = d
	return d
}

// Send drives one turn of a session through its RPC driver stub and waits
// for the terminal event. A concurrent send on the same session fails with
// ErrDriverBusy.
func (r *Remote) Send(ctx context.Context, sessionID string, content store.Content) error {
	d := r.Driver(sessionID)
	stream, err := d.Receive(ctx, driver.Request{
		SessionID: sessionID,
		Messages:  []*store.Message{store.NewMessage(sessionID, store.RoleUser, content)},
	})
	if err != nil {
		return err
	}
	for ev := range stream {
		if ev.Type == events.TypeError {
			return errors.New(ev.Message)
		}
	}
	return nil
}

// httpBaseURL derives the HTTP origin from a WebSocket endpoint.
func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

// RPCDriver forwards receive calls to the server over JSON-RPC and replays
// the session's stream events as the local event stream. It lets a thin
// client reuse the local agent surface against a remote runtime.
type RPCDriver struct {
	sessionID string
	remote    *Remote
	exch      *driver.Exchange
	logger    *logger.Logger

	// The session topic subscription lasts for the driver's lifetime; each
	// receive swaps its own sink in and out.
	subOnce sync.Once
	subErr  error

	mu      sync.Mutex
	sink    chan driver.Event
	agentID string
}

var _ driver.Driver = (*RPCDriver)(nil)

func (d *RPCDriver) Name() string        { return "rpc" }
func (d *RPCDriver) SessionID() string   { return d.sessionID }
func (d *RPCDriver) State() driver.State { return d.exch.CurrentState() }

func (d *RPCDriver) Initialize(_ context.Context) error { return nil }

func (d *RPCDriver) ensureSubscribed() error {
	d.subOnce.Do(func() {
		d.subErr = d.remote.RPC.Subscribe(d.sessionID, func(_ string, raw json.RawMessage) {
			ev, ok := decodeStreamEvent(raw)
			if !ok {
				return
			}
			d.mu.Lock()
			sink := d.sink
			d.mu.Unlock()
			if sink == nil {
				return
			}
			select {
			case sink <- ev:
			default:
				d.logger.Warn("stream buffer full, dropping event", zap.String("type", ev.Type))
			}
		})
	})
	return d.subErr
}

func (d *RPCDriver) setSink(sink chan driver.Event) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// Receive forwards the last user message via message.send and streams the
// session's events back until a terminal event arrives.
func (d *RPCDriver) Receive(ctx context.Context, req driver.Request) (<-chan driver.Event, error) {
	runCtx, done, err := d.exch.Begin(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Messages) == 0 {
		done()
		return nil, fmt.Errorf("receive requires at least one message")
	}
	last := req.Messages[len(req.Messages)-1]

	if err := d.ensureSubscribed(); err != nil {
		done()
		return nil, err
	}

	out := make(chan driver.Event, 64)
	stream := make(chan driver.Event, 256)
	d.setSink(stream)

	go func() {
		defer close(out)
		defer done()
		defer d.setSink(nil)

		sendErr := make(chan error, 1)
		go func() {
			sendErr <- d.remote.RPC.SendMessage(runCtx, d.sessionID, last.Content)
		}()

		for {
			select {
			case <-runCtx.Done():
				out <- driver.Event{Type: events.TypeInterrupted}
				return
			case err := <-sendErr:
				if err != nil {
					out <- driver.Event{Type: events.TypeError, Message: err.Error()}
					return
				}
				sendErr = nil
			case ev := <-stream:
				select {
				case out <- ev:
				case <-runCtx.Done():
					out <- driver.Event{Type: events.TypeInterrupted}
					return
				}
				if isTerminal(ev.Type) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Interrupt resolves the session's live agent and forwards the interrupt.
func (d *RPCDriver) Interrupt(ctx context.Context) error {
	agentID, err := d.resolveAgent(ctx)
	if err != nil {
		return err
	}
	return d.remote.RPC.InterruptAgent(ctx, agentID)
}

func (d *RPCDriver) Dispose() error {
	d.exch.Dispose()
	d.setSink(nil)
	_ = d.remote.RPC.Unsubscribe(d.sessionID)
	return nil
}

func (d *RPCDriver) resolveAgent(ctx context.Context) (string, error) {
	d.mu.Lock()
	cached := d.agentID
	d.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	agents, err := d.remote.RPC.ListAgents(ctx, "")
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if a.SessionID == d.sessionID {
			d.mu.Lock()
			d.agentID = a.AgentID
			d.mu.Unlock()
			return a.AgentID, nil
		}
	}
	return "", fmt.Errorf("no live agent for session %s", d.sessionID)
}

// decodeStreamEvent extracts a driver event from a stream.event payload.
// Non-stream events (messages, state, turns) are skipped.
func decodeStreamEvent(raw json.RawMessage) (driver.Event, bool) {
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return driver.Event{}, false
	}
	if ev.Category != events.CategoryStream {
		return driver.Event{}, false
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return driver.Event{}, false
	}
	var dev driver.Event
	if err := json.Unmarshal(data, &dev); err != nil {
		return driver.Event{}, false
	}
	if dev.Type == "" {
		dev.Type = ev.Type
	}
	return dev, true
}

func isTerminal(eventType string) bool {
	switch eventType {
	case events.TypeMessageStop, events.TypeInterrupted, events.TypeError:
		return true
	}
	return false
}
