// Package httpclient binds the store contract to a remote httpapi server.
// A remote runtime plugs this in where a local runtime uses the SQL store.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentx/agentx/internal/store"
)

// HeaderProvider supplies request headers. It runs per request so callers can
// refresh tokens; returning an error fails the request.
type HeaderProvider func(ctx context.Context) (map[string]string, error)

// Store implements store.Store over the httpapi routes.
type Store struct {
	baseURL string
	http    *http.Client
	headers HeaderProvider
}

var _ store.Store = (*Store)(nil)

// Options configures the remote store client.
type Options struct {
	// HTTPClient overrides the default client (30 s timeout).
	HTTPClient *http.Client

	// Headers supplies per-request headers, typically Authorization.
	Headers HeaderProvider
}

// New creates a remote store talking to baseURL (scheme://host[:port]).
func New(baseURL string, opts Options) *Store {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    httpClient,
		headers: opts.Headers,
	}
}

// Close is a no-op; the HTTP client holds no resources worth tearing down.
func (s *Store) Close() error { return nil }

func (s *Store) Definitions() store.DefinitionRepository { return &remoteDefinitions{s} }
func (s *Store) Images() store.ImageRepository           { return &remoteImages{s} }
func (s *Store) Containers() store.ContainerRepository   { return &remoteContainers{s} }
func (s *Store) Sessions() store.SessionRepository       { return &remoteSessions{s} }
func (s *Store) Messages() store.MessageRepository       { return &remoteMessages{s} }
func (s *Store) Turns() store.TurnRepository             { return &remoteTurns{s} }

// do issues one request and decodes the JSON response into out (when non-nil).
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.headers != nil {
		headers, err := s.headers(ctx)
		if err != nil {
			return fmt.Errorf("resolve headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return store.ErrConflict
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}

// --- definitions ---

type remoteDefinitions struct{ s *Store }

func (r *remoteDefinitions) Upsert(ctx context.Context, def *store.Definition) error {
	return r.s.do(ctx, http.MethodPut, "/definitions/"+url.PathEscape(def.Name), def, nil)
}

func (r *remoteDefinitions) FindByName(ctx context.Context, name string) (*store.Definition, error) {
	var def store.Definition
	if err := r.s.do(ctx, http.MethodGet, "/definitions/"+url.PathEscape(name), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *remoteDefinitions) List(ctx context.Context) ([]*store.Definition, error) {
	var defs []*store.Definition
	if err := r.s.do(ctx, http.MethodGet, "/definitions", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *remoteDefinitions) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.FindByName(ctx, name)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *remoteDefinitions) Delete(ctx context.Context, name string) error {
	return r.s.do(ctx, http.MethodDelete, "/definitions/"+url.PathEscape(name), nil, nil)
}

func (r *remoteDefinitions) Count(ctx context.Context) (int64, error) {
	defs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(defs)), nil
}

// --- images ---

type remoteImages struct{ s *Store }

func (r *remoteImages) Upsert(ctx context.Context, img *store.Image) error {
	return r.s.do(ctx, http.MethodPut, "/images/"+url.PathEscape(img.ImageID), img, nil)
}

func (r *remoteImages) FindByID(ctx context.Context, imageID string) (*store.Image, error) {
	var img store.Image
	if err := r.s.do(ctx, http.MethodGet, "/images/"+url.PathEscape(imageID), nil, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *remoteImages) ListByDefinition(ctx context.Context, definitionName string) ([]*store.Image, error) {
	var imgs []*store.Image
	path := "/images?definitionName=" + url.QueryEscape(definitionName)
	if err := r.s.do(ctx, http.MethodGet, path, nil, &imgs); err != nil {
		return nil, err
	}
	return imgs, nil
}

func (r *remoteImages) List(ctx context.Context) ([]*store.Image, error) {
	var imgs []*store.Image
	if err := r.s.do(ctx, http.MethodGet, "/images", nil, &imgs); err != nil {
		return nil, err
	}
	return imgs, nil
}

func (r *remoteImages) Exists(ctx context.Context, imageID string) (bool, error) {
	_, err := r.FindByID(ctx, imageID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *remoteImages) Delete(ctx context.Context, imageID string) error {
	return r.s.do(ctx, http.MethodDelete, "/images/"+url.PathEscape(imageID), nil, nil)
}

func (r *remoteImages) Count(ctx context.Context) (int64, error) {
	imgs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(imgs)), nil
}

// --- containers ---

type remoteContainers struct{ s *Store }

func (r *remoteContainers) Upsert(ctx context.Context, ctr *store.Container) error {
	return r.s.do(ctx, http.MethodPut, "/containers/"+url.PathEscape(ctr.ContainerID), ctr, nil)
}

func (r *remoteContainers) FindByID(ctx context.Context, containerID string) (*store.Container, error) {
	var ctr store.Container
	if err := r.s.do(ctx, http.MethodGet, "/containers/"+url.PathEscape(containerID), nil, &ctr); err != nil {
		return nil, err
	}
	return &ctr, nil
}

func (r *remoteContainers) List(ctx context.Context) ([]*store.Container, error) {
	var ctrs []*store.Container
	if err := r.s.do(ctx, http.MethodGet, "/containers", nil, &ctrs); err != nil {
		return nil, err
	}
	return ctrs, nil
}

func (r *remoteContainers) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := r.FindByID(ctx, containerID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *remoteContainers) Delete(ctx context.Context, containerID string) error {
	return r.s.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(containerID), nil, nil)
}

func (r *remoteContainers) Count(ctx context.Context) (int64, error) {
	ctrs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(ctrs)), nil
}

// --- sessions ---

type remoteSessions struct{ s *Store }

func (r *remoteSessions) Upsert(ctx context.Context, sess *store.Session) error {
	return r.s.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(sess.SessionID), sess, nil)
}

func (r *remoteSessions) FindByID(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	if err := r.s.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *remoteSessions) ListByImage(ctx context.Context, imageID string) ([]*store.Session, error) {
	var sessions []*store.Session
	path := "/sessions?imageId=" + url.QueryEscape(imageID)
	if err := r.s.do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *remoteSessions) List(ctx context.Context) ([]*store.Session, error) {
	var sessions []*store.Session
	if err := r.s.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *remoteSessions) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := r.FindByID(ctx, sessionID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *remoteSessions) Delete(ctx context.Context, sessionID string) error {
	return r.s.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (r *remoteSessions) Count(ctx context.Context) (int64, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(sessions)), nil
}

// --- messages ---

type remoteMessages struct{ s *Store }

func (r *remoteMessages) Append(ctx context.Context, msgs ...*store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.s.do(ctx, http.MethodPost, "/messages", msgs, nil)
}

func (r *remoteMessages) FindByID(ctx context.Context, messageID string) (*store.Message, error) {
	var msg store.Message
	if err := r.s.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *remoteMessages) ListBySession(ctx context.Context, sessionID string, opts store.ListMessagesOptions) ([]*store.Message, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != "" {
		query.Set("before", opts.Before)
	}
	if opts.After != "" {
		query.Set("after", opts.After)
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var msgs []*store.Message
	if err := r.s.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *remoteMessages) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	msgs, err := r.ListBySession(ctx, sessionID, store.ListMessagesOptions{})
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

func (r *remoteMessages) Delete(ctx context.Context, messageID string) error {
	return r.s.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

func (r *remoteMessages) DeleteBySession(ctx context.Context, sessionID string) error {
	msgs, err := r.ListBySession(ctx, sessionID, store.ListMessagesOptions{})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := r.Delete(ctx, msg.MessageID); err != nil && err != store.ErrNotFound {
			return err
		}
	}
	return nil
}

// --- turns ---

type remoteTurns struct{ s *Store }

func (r *remoteTurns) Upsert(ctx context.Context, turn *store.Turn) error {
	return r.s.do(ctx, http.MethodPut, "/turns/"+url.PathEscape(turn.TurnID), turn, nil)
}

func (r *remoteTurns) FindByID(ctx context.Context, turnID string) (*store.Turn, error) {
	var turn store.Turn
	if err := r.s.do(ctx, http.MethodGet, "/turns/"+url.PathEscape(turnID), nil, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

func (r *remoteTurns) ListBySession(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	var turns []*store.Turn
	path := "/sessions/" + url.PathEscape(sessionID) + "/turns"
	if err := r.s.do(ctx, http.MethodGet, path, nil, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}
