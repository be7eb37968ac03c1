package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on uniqueness violations, e.g. registering a
	// Definition with a duplicate name.
	ErrConflict = errors.New("conflict")
)

// ListMessagesOptions tunes a session message listing. Reads are always
// ordered by CreatedAt ascending, tie-broken by insertion order; Before and
// After are message-ID cursors into that order.
type ListMessagesOptions struct {
	Limit  int
	Before string
	After  string
}

// DefinitionRepository stores agent blueprints keyed by unique name.
type DefinitionRepository interface {
	Upsert(ctx context.Context, def *Definition) error
	FindByName(ctx context.Context, name string) (*Definition, error)
	List(ctx context.Context) ([]*Definition, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	Count(ctx context.Context) (int64, error)
}

// ImageRepository stores meta and snapshot images.
type ImageRepository interface {
	Upsert(ctx context.Context, img *Image) error
	FindByID(ctx context.Context, imageID string) (*Image, error)
	ListByDefinition(ctx context.Context, definitionName string) ([]*Image, error)
	List(ctx context.Context) ([]*Image, error)
	Exists(ctx context.Context, imageID string) (bool, error)
	Delete(ctx context.Context, imageID string) error
	Count(ctx context.Context) (int64, error)
}

// ContainerRepository stores container records.
type ContainerRepository interface {
	Upsert(ctx context.Context, ctr *Container) error
	FindByID(ctx context.Context, containerID string) (*Container, error)
	List(ctx context.Context) ([]*Container, error)
	Exists(ctx context.Context, containerID string) (bool, error)
	Delete(ctx context.Context, containerID string) error
	Count(ctx context.Context) (int64, error)
}

// SessionRepository stores session records.
type SessionRepository interface {
	Upsert(ctx context.Context, sess *Session) error
	FindByID(ctx context.Context, sessionID string) (*Session, error)
	ListByImage(ctx context.Context, imageID string) ([]*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
	Count(ctx context.Context) (int64, error)
}

// MessageRepository stores the append-only message logs. Append persists a
// batch atomically: the messages of one user action all commit or none do.
type MessageRepository interface {
	Append(ctx context.Context, msgs ...*Message) error
	FindByID(ctx context.Context, messageID string) (*Message, error)
	ListBySession(ctx context.Context, sessionID string, opts ListMessagesOptions) ([]*Message, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	Delete(ctx context.Context, messageID string) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// TurnRepository stores completed turn records.
type TurnRepository interface {
	Upsert(ctx context.Context, turn *Turn) error
	FindByID(ctx context.Context, turnID string) (*Turn, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Turn, error)
}

// Store aggregates the five core repositories plus turns. A local runtime
// binds it to SQLite or PostgreSQL, a remote runtime to an HTTP client; the
// runtime core never depends on backend specifics.
type Store interface {
	Definitions() DefinitionRepository
	Images() ImageRepository
	Containers() ContainerRepository
	Sessions() SessionRepository
	Messages() MessageRepository
	Turns() TurnRepository
	Close() error
}
