package driver

import (
	"context"
	"strings"
	"time"

	"github.com/agentx/agentx/internal/events"
)

// EchoDriver repeats the user's last message back as the assistant response.
// It exercises the full event pipeline without network I/O and is the default
// driver for tests and the "echo" provider.
type EchoDriver struct {
	sessionID string
	exch      *Exchange

	// ChunkSize splits the echoed text into this many bytes per text_delta.
	// Zero emits one delta per word.
	ChunkSize int

	// Delay is inserted between deltas so interruption paths are testable.
	Delay time.Duration
}

var _ Driver = (*EchoDriver)(nil)

// NewEchoDriver creates an echo driver for the given session.
func NewEchoDriver(sessionID string) *EchoDriver {
	return &EchoDriver{sessionID: sessionID, exch: NewExchange()}
}

func (d *EchoDriver) Name() string      { return "echo" }
func (d *EchoDriver) SessionID() string { return d.sessionID }
func (d *EchoDriver) State() State      { return d.exch.CurrentState() }

func (d *EchoDriver) Initialize(_ context.Context) error {
	if d.exch.CurrentState() == StateDisposed {
		return ErrDriverDisposed
	}
	return nil
}

func (d *EchoDriver) Receive(ctx context.Context, req Request) (<-chan Event, error) {
	runCtx, done, err := d.exch.Begin(ctx)
	if err != nil {
		return nil, err
	}

	text := ""
	if n := len(req.Messages); n > 0 {
		text = req.Messages[n-1].Content.Text()
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer done()
		d.run(runCtx, text, out)
	}()
	return out, nil
}

func (d *EchoDriver) run(ctx context.Context, text string, out chan<- Event) {
	usage := Usage{
		InputTokens:  int64(len(strings.Fields(text)) + 1),
		OutputTokens: int64(len(strings.Fields(text)) + 1),
	}

	sequence := []Event{
		{Type: events.TypeMessageStart},
		{Type: events.TypeTextBlockStart, BlockIndex: 0},
	}
	for _, chunk := range d.split(text) {
		sequence = append(sequence, Event{Type: events.TypeTextDelta, BlockIndex: 0, Text: chunk})
	}
	sequence = append(sequence,
		Event{Type: events.TypeTextBlockStop, BlockIndex: 0},
		Event{Type: events.TypeMessageDelta, StopReason: StopEndTurn, Usage: usage},
		Event{Type: events.TypeMessageStop},
	)

	for _, ev := range sequence {
		if d.Delay > 0 && ev.Type == events.TypeTextDelta {
			select {
			case <-time.After(d.Delay):
			case <-ctx.Done():
				out <- Event{Type: events.TypeInterrupted}
				return
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			out <- Event{Type: events.TypeInterrupted}
			return
		}
	}
}

// split chunks the echoed text. Words keep their trailing separator so the
// concatenation of all deltas reproduces the input exactly.
func (d *EchoDriver) split(text string) []string {
	if text == "" {
		return nil
	}
	if d.ChunkSize > 0 {
		var chunks []string
		for len(text) > d.ChunkSize {
			chunks = append(chunks, text[:d.ChunkSize])
			text = text[d.ChunkSize:]
		}
		return append(chunks, text)
	}

	var chunks []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			chunks = append(chunks, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

func (d *EchoDriver) Interrupt(_ context.Context) error {
	d.exch.Interrupt()
	return nil
}

func (d *EchoDriver) Dispose() error {
	d.exch.Dispose()
	return nil
}
