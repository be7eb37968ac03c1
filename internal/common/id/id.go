// Package id generates the prefixed identifiers used across the runtime.
// Every entity ID is an opaque string with a type prefix (def_, img_, ctr_,
// sess_, agent_, msg_, turn_) followed by a UUID without dashes.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	PrefixDefinition = "def_"
	PrefixImage      = "img_"
	PrefixContainer  = "ctr_"
	PrefixSession    = "sess_"
	PrefixAgent      = "agent_"
	PrefixMessage    = "msg_"
	PrefixTurn       = "turn_"
)

func generate(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewDefinition returns a new definition ID.
func NewDefinition() string { return generate(PrefixDefinition) }

// NewImage returns a new image ID.
func NewImage() string { return generate(PrefixImage) }

// NewContainer returns a new container ID.
func NewContainer() string { return generate(PrefixContainer) }

// NewSession returns a new session ID.
func NewSession() string { return generate(PrefixSession) }

// NewAgent returns a new agent ID.
func NewAgent() string { return generate(PrefixAgent) }

// NewMessage returns a new message ID.
func NewMessage() string { return generate(PrefixMessage) }

// NewTurn returns a new turn ID.
func NewTurn() string { return generate(PrefixTurn) }

// Is reports whether s carries the given prefix.
func Is(s, prefix string) bool { return strings.HasPrefix(s, prefix) }
