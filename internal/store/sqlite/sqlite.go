// Package sqlite implements the store repositories on SQL databases.
// Despite the name it serves both backends the db pool can open: SQLite for
// local runtimes and PostgreSQL for durable multi-node deployments; the
// dialect package papers over the syntax differences.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/db"
	"github.com/agentx/agentx/internal/db/dialect"
	"github.com/agentx/agentx/internal/store"
)

// Store implements store.Store on a db.Pool.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps a pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: pool.Writer().DriverName(),
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ts := dialect.TimestampType(s.driver)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS definitions (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		mcp_servers TEXT NOT NULL DEFAULT '[]',
		created_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		definition_name TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		mcp_servers TEXT NOT NULL DEFAULT '[]',
		session_id TEXT NOT NULL DEFAULT '',
		custom_data TEXT NOT NULL DEFAULT '{}',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_definition ON images(definition_name);

	CREATE TABLE IF NOT EXISTS containers (
		id TEXT PRIMARY KEY,
		created_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_image ON sessions(image_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_container ON sessions(container_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		created_at %[1]s NOT NULL,
		seq BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'completed',
		started_at %[1]s NOT NULL,
		completed_at %[1]s NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);
	`, ts)

	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) Definitions() store.DefinitionRepository { return &definitionRepo{s} }
func (s *Store) Images() store.ImageRepository           { return &imageRepo{s} }
func (s *Store) Containers() store.ContainerRepository   { return &containerRepo{s} }
func (s *Store) Sessions() store.SessionRepository       { return &sessionRepo{s} }
func (s *Store) Messages() store.MessageRepository       { return &messageRepo{s} }
func (s *Store) Turns() store.TurnRepository             { return &turnRepo{s} }

func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }
func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(data)
}

// --- definitions ---

type definitionRepo struct{ s *Store }

type definitionRow struct {
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	SystemPrompt string    `db:"system_prompt"`
	MCPServers   string    `db:"mcp_servers"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row *definitionRow) toModel() (*Definition, error) {
	def := &store.Definition{
		Name:         row.Name,
		Description:  row.Description,
		SystemPrompt: row.SystemPrompt,
		CreatedAt:    row.CreatedAt,
	}
	if row.MCPServers != "" && row.MCPServers != "[]" {
		if err := json.Unmarshal([]byte(row.MCPServers), &def.MCPServers); err != nil {
			return nil, fmt.Errorf("decode mcp servers for %s: %w", row.Name, err)
		}
	}
	return def, nil
}

// Definition aliases keep the row converters terse.
type Definition = store.Definition

func (r *definitionRepo) Upsert(ctx context.Context, def *store.Definition) error {
	q := r.s.writer().Rebind(`
		INSERT INTO definitions (name, description, system_prompt, mcp_servers, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			mcp_servers = excluded.mcp_servers`)
	_, err := r.s.writer().ExecContext(ctx, q,
		def.Name, def.Description, def.SystemPrompt,
		marshalJSON(def.MCPServers, "[]"), def.CreatedAt.UTC())
	return err
}

func (r *definitionRepo) FindByName(ctx context.Context, name string) (*store.Definition, error) {
	var row definitionRow
	q := r.s.reader().Rebind(`SELECT * FROM definitions WHERE name = ?`)
	if err := r.s.reader().GetContext(ctx, &row, q, name); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *definitionRepo) List(ctx context.Context) ([]*store.Definition, error) {
	var rows []definitionRow
	if err := r.s.reader().SelectContext(ctx, &rows, `SELECT * FROM definitions ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*store.Definition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (r *definitionRepo) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	q := r.s.reader().Rebind(`SELECT COUNT(1) FROM definitions WHERE name = ?`)
	if err := r.s.reader().GetContext(ctx, &n, q, name); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *definitionRepo) Delete(ctx context.Context, name string) error {
	q := r.s.writer().Rebind(`DELETE FROM definitions WHERE name = ?`)
	res, err := r.s.writer().ExecContext(ctx, q, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *definitionRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.reader().GetContext(ctx, &n, `SELECT COUNT(1) FROM definitions`)
	return n, err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- images ---

type imageRepo struct{ s *Store }

type imageRow struct {
	ID             string    `db:"id"`
	DefinitionName string    `db:"definition_name"`
	ContainerID    string    `db:"container_id"`
	Name           string    `db:"name"`
	SystemPrompt   string    `db:"system_prompt"`
	MCPServers     string    `db:"mcp_servers"`
	SessionID      string    `db:"session_id"`
	CustomData     string    `db:"custom_data"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (row *imageRow) toModel() (*store.Image, error) {
	img := &store.Image{
		ImageID:        row.ID,
		DefinitionName: row.DefinitionName,
		ContainerID:    row.ContainerID,
		Name:           row.Name,
		SystemPrompt:   row.SystemPrompt,
		SessionID:      row.SessionID,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.MCPServers != "" && row.MCPServers != "[]" {
		if err := json.Unmarshal([]byte(row.MCPServers), &img.MCPServers); err != nil {
			return nil, fmt.Errorf("decode mcp servers for %s: %w", row.ID, err)
		}
	}
	if row.CustomData != "" && row.CustomData != "{}" {
		if err := json.Unmarshal([]byte(row.CustomData), &img.CustomData); err != nil {
			return nil, fmt.Errorf("decode custom data for %s: %w", row.ID, err)
		}
	}
	return img, nil
}

func (r *imageRepo) Upsert(ctx context.Context, img *store.Image) error {
	q := r.s.writer().Rebind(`
		INSERT INTO images (id, definition_name, container_id, name, system_prompt,
			mcp_servers, session_id, custom_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_name = excluded.definition_name,
			container_id = excluded.container_id,
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			mcp_servers = excluded.mcp_servers,
			session_id = excluded.session_id,
			custom_data = excluded.custom_data,
			updated_at = excluded.updated_at`)
	_, err := r.s.writer().ExecContext(ctx, q,
		img.ImageID, img.DefinitionName, img.ContainerID, img.Name, img.SystemPrompt,
		marshalJSON(img.MCPServers, "[]"), img.SessionID,
		marshalJSON(img.CustomData, "{}"), img.CreatedAt.UTC(), img.UpdatedAt.UTC())
	return err
}

func (r *imageRepo) FindByID(ctx context.Context, imageID string) (*store.Image, error) {
	var row imageRow
	q := r.s.reader().Rebind(`SELECT * FROM images WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &row, q, imageID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *imageRepo) ListByDefinition(ctx context.Context, definitionName string) ([]*store.Image, error) {
	var rows []imageRow
	q := r.s.reader().Rebind(`SELECT * FROM images WHERE definition_name = ? ORDER BY created_at, id`)
	if err := r.s.reader().SelectContext(ctx, &rows, q, definitionName); err != nil {
		return nil, err
	}
	return imageRowsToModels(rows)
}

func (r *imageRepo) List(ctx context.Context) ([]*store.Image, error) {
	var rows []imageRow
	if err := r.s.reader().SelectContext(ctx, &rows, `SELECT * FROM images ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	return imageRowsToModels(rows)
}

func imageRowsToModels(rows []imageRow) ([]*store.Image, error) {
	out := make([]*store.Image, 0, len(rows))
	for i := range rows {
		img, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

func (r *imageRepo) Exists(ctx context.Context, imageID string) (bool, error) {
	var n int
	q := r.s.reader().Rebind(`SELECT COUNT(1) FROM images WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &n, q, imageID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *imageRepo) Delete(ctx context.Context, imageID string) error {
	q := r.s.writer().Rebind(`DELETE FROM images WHERE id = ?`)
	res, err := r.s.writer().ExecContext(ctx, q, imageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *imageRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.reader().GetContext(ctx, &n, `SELECT COUNT(1) FROM images`)
	return n, err
}

// --- containers ---

type containerRepo struct{ s *Store }

func (r *containerRepo) Upsert(ctx context.Context, ctr *store.Container) error {
	q := r.s.writer().Rebind(`
		INSERT INTO containers (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`)
	_, err := r.s.writer().ExecContext(ctx, q, ctr.ContainerID, ctr.CreatedAt.UTC())
	return err
}

func (r *containerRepo) FindByID(ctx context.Context, containerID string) (*store.Container, error) {
	var ctr store.Container
	q := r.s.reader().Rebind(`SELECT * FROM containers WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &ctr, q, containerID); err != nil {
		return nil, notFound(err)
	}
	return &ctr, nil
}

func (r *containerRepo) List(ctx context.Context) ([]*store.Container, error) {
	var out []*store.Container
	err := r.s.reader().SelectContext(ctx, &out, `SELECT * FROM containers ORDER BY created_at, id`)
	return out, err
}

func (r *containerRepo) Exists(ctx context.Context, containerID string) (bool, error) {
	var n int
	q := r.s.reader().Rebind(`SELECT COUNT(1) FROM containers WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &n, q, containerID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *containerRepo) Delete(ctx context.Context, containerID string) error {
	q := r.s.writer().Rebind(`DELETE FROM containers WHERE id = ?`)
	res, err := r.s.writer().ExecContext(ctx, q, containerID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *containerRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.reader().GetContext(ctx, &n, `SELECT COUNT(1) FROM containers`)
	return n, err
}

// --- sessions ---

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Upsert(ctx context.Context, sess *store.Session) error {
	q := r.s.writer().Rebind(`
		INSERT INTO sessions (id, image_id, container_id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			image_id = excluded.image_id,
			container_id = excluded.container_id,
			user_id = excluded.user_id,
			title = excluded.title,
			updated_at = excluded.updated_at`)
	_, err := r.s.writer().ExecContext(ctx, q,
		sess.SessionID, sess.ImageID, sess.ContainerID, sess.UserID, sess.Title,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	return err
}

func (r *sessionRepo) FindByID(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	q := r.s.reader().Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &sess, q, sessionID); err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (r *sessionRepo) ListByImage(ctx context.Context, imageID string) ([]*store.Session, error) {
	var out []*store.Session
	q := r.s.reader().Rebind(`SELECT * FROM sessions WHERE image_id = ? ORDER BY created_at, id`)
	err := r.s.reader().SelectContext(ctx, &out, q, imageID)
	return out, err
}

func (r *sessionRepo) List(ctx context.Context) ([]*store.Session, error) {
	var out []*store.Session
	err := r.s.reader().SelectContext(ctx, &out, `SELECT * FROM sessions ORDER BY created_at, id`)
	return out, err
}

func (r *sessionRepo) Exists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	q := r.s.reader().Rebind(`SELECT COUNT(1) FROM sessions WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &n, q, sessionID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sessionRepo) Delete(ctx context.Context, sessionID string) error {
	q := r.s.writer().Rebind(`DELETE FROM sessions WHERE id = ?`)
	res, err := r.s.writer().ExecContext(ctx, q, sessionID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *sessionRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.reader().GetContext(ctx, &n, `SELECT COUNT(1) FROM sessions`)
	return n, err
}

// --- messages ---

type messageRepo struct{ s *Store }

type messageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	Seq       int64     `db:"seq"`
}

func (row *messageRow) toModel() (*store.Message, error) {
	msg := &store.Message{
		MessageID: row.ID,
		SessionID: row.SessionID,
		Role:      store.Role(row.Role),
		CreatedAt: row.CreatedAt,
		Seq:       row.Seq,
	}
	if row.Content != "" {
		if err := json.Unmarshal([]byte(row.Content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content for %s: %w", row.ID, err)
		}
	}
	return msg, nil
}

// Append inserts the batch in one transaction. The messages of a user action
// either all commit or none do. Seq is assigned from the table maximum inside
// the same transaction; the single-writer pool serializes competing appends.
func (r *messageRepo) Append(ctx context.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := tx.Rebind(`
		INSERT INTO messages (id, session_id, role, content, created_at, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(m.seq), 0) + 1 FROM messages m))`)
	for _, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("encode content for %s: %w", msg.MessageID, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			msg.MessageID, msg.SessionID, string(msg.Role), string(content), msg.CreatedAt.UTC()); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate key") {
				return store.ErrConflict
			}
			return fmt.Errorf("insert message %s: %w", msg.MessageID, err)
		}
	}
	return tx.Commit()
}

// Message alias mirrors the Definition alias above.
type Message = store.Message

func (r *messageRepo) FindByID(ctx context.Context, messageID string) (*store.Message, error) {
	var row messageRow
	q := r.s.reader().Rebind(`SELECT * FROM messages WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &row, q, messageID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string, opts store.ListMessagesOptions) ([]*store.Message, error) {
	query := `SELECT * FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if opts.Before != "" {
		query += ` AND seq < (SELECT seq FROM messages WHERE id = ?)`
		args = append(args, opts.Before)
	}
	if opts.After != "" {
		query += ` AND seq > (SELECT seq FROM messages WHERE id = ?)`
		args = append(args, opts.After)
	}
	query += ` ORDER BY created_at, seq`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []messageRow
	if err := r.s.reader().SelectContext(ctx, &rows, r.s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*store.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *messageRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	q := r.s.reader().Rebind(`SELECT COUNT(1) FROM messages WHERE session_id = ?`)
	err := r.s.reader().GetContext(ctx, &n, q, sessionID)
	return n, err
}

func (r *messageRepo) Delete(ctx context.Context, messageID string) error {
	q := r.s.writer().Rebind(`DELETE FROM messages WHERE id = ?`)
	res, err := r.s.writer().ExecContext(ctx, q, messageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *messageRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	q := r.s.writer().Rebind(`DELETE FROM messages WHERE session_id = ?`)
	_, err := r.s.writer().ExecContext(ctx, q, sessionID)
	return err
}

// --- turns ---

type turnRepo struct{ s *Store }

func (r *turnRepo) Upsert(ctx context.Context, turn *store.Turn) error {
	q := r.s.writer().Rebind(`
		INSERT INTO turns (id, session_id, agent_id, status, started_at, completed_at,
			duration_ms, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd`)
	_, err := r.s.writer().ExecContext(ctx, q,
		turn.TurnID, turn.SessionID, turn.AgentID, turn.Status,
		turn.StartedAt.UTC(), turn.CompletedAt.UTC(),
		turn.DurationMs, turn.InputTokens, turn.OutputTokens, turn.CostUSD)
	return err
}

func (r *turnRepo) FindByID(ctx context.Context, turnID string) (*store.Turn, error) {
	var turn store.Turn
	q := r.s.reader().Rebind(`SELECT * FROM turns WHERE id = ?`)
	if err := r.s.reader().GetContext(ctx, &turn, q, turnID); err != nil {
		return nil, notFound(err)
	}
	return &turn, nil
}

func (r *turnRepo) ListBySession(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	var out []*store.Turn
	q := r.s.reader().Rebind(`SELECT * FROM turns WHERE session_id = ? ORDER BY started_at, id`)
	err := r.s.reader().SelectContext(ctx, &out, q, sessionID)
	return out, err
}
