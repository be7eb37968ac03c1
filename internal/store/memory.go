package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runtimes.
// Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	images      map[string]*Image
	containers  map[string]*Container
	sessions    map[string]*Session
	messages    map[string]*Message
	turns       map[string]*Turn
	nextSeq     int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*Definition),
		images:      make(map[string]*Image),
		containers:  make(map[string]*Container),
		sessions:    make(map[string]*Session),
		messages:    make(map[string]*Message),
		turns:       make(map[string]*Turn),
	}
}

func (s *MemoryStore) Definitions() DefinitionRepository { return (*memDefinitions)(s) }
func (s *MemoryStore) Images() ImageRepository           { return (*memImages)(s) }
func (s *MemoryStore) Containers() ContainerRepository   { return (*memContainers)(s) }
func (s *MemoryStore) Sessions() SessionRepository       { return (*memSessions)(s) }
func (s *MemoryStore) Messages() MessageRepository       { return (*memMessages)(s) }
func (s *MemoryStore) Turns() TurnRepository             { return (*memTurns)(s) }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- definitions ---

type memDefinitions MemoryStore

func (r *memDefinitions) Upsert(_ context.Context, def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *def
	r.definitions[def.Name] = &cp
	return nil
}

func (r *memDefinitions) FindByName(_ context.Context, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (r *memDefinitions) List(_ context.Context) ([]*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memDefinitions) Exists(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[name]
	return ok, nil
}

func (r *memDefinitions) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[name]; !ok {
		return ErrNotFound
	}
	delete(r.definitions, name)
	return nil
}

func (r *memDefinitions) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.definitions)), nil
}

// --- images ---

type memImages MemoryStore

func (r *memImages) Upsert(_ context.Context, img *Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *img
	r.images[img.ImageID] = &cp
	return nil
}

func (r *memImages) FindByID(_ context.Context, imageID string) (*Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[imageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (r *memImages) ListByDefinition(_ context.Context, definitionName string) ([]*Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Image
	for _, img := range r.images {
		if img.DefinitionName == definitionName {
			cp := *img
			out = append(out, &cp)
		}
	}
	sortImages(out)
	return out, nil
}

func (r *memImages) List(_ context.Context) ([]*Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Image, 0, len(r.images))
	for _, img := range r.images {
		cp := *img
		out = append(out, &cp)
	}
	sortImages(out)
	return out, nil
}

func sortImages(imgs []*Image) {
	sort.Slice(imgs, func(i, j int) bool {
		if !imgs[i].CreatedAt.Equal(imgs[j].CreatedAt) {
			return imgs[i].CreatedAt.Before(imgs[j].CreatedAt)
		}
		return imgs[i].ImageID < imgs[j].ImageID
	})
}

func (r *memImages) Exists(_ context.Context, imageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.images[imageID]
	return ok, nil
}

func (r *memImages) Delete(_ context.Context, imageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[imageID]; !ok {
		return ErrNotFound
	}
	delete(r.images, imageID)
	return nil
}

func (r *memImages) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.images)), nil
}

// --- containers ---

type memContainers MemoryStore

func (r *memContainers) Upsert(_ context.Context, ctr *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ctr
	r.containers[ctr.ContainerID] = &cp
	return nil
}

func (r *memContainers) FindByID(_ context.Context, containerID string) (*Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctr, ok := r.containers[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ctr
	return &cp, nil
}

func (r *memContainers) List(_ context.Context) ([]*Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Container, 0, len(r.containers))
	for _, ctr := range r.containers {
		cp := *ctr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ContainerID < out[j].ContainerID
	})
	return out, nil
}

func (r *memContainers) Exists(_ context.Context, containerID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.containers[containerID]
	return ok, nil
}

func (r *memContainers) Delete(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		return ErrNotFound
	}
	delete(r.containers, containerID)
	return nil
}

func (r *memContainers) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.containers)), nil
}

// --- sessions ---

type memSessions MemoryStore

func (r *memSessions) Upsert(_ context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sess
	r.sessions[sess.SessionID] = &cp
	return nil
}

func (r *memSessions) FindByID(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *memSessions) ListByImage(_ context.Context, imageID string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, sess := range r.sessions {
		if sess.ImageID == imageID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *memSessions) List(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
}

func (r *memSessions) Exists(_ context.Context, sessionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok, nil
}

func (r *memSessions) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *memSessions) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.sessions)), nil
}

// --- messages ---

type memMessages MemoryStore

func (r *memMessages) Append(_ context.Context, msgs ...*Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Reject the whole batch before mutating anything so the append stays
	// all-or-nothing.
	for _, msg := range msgs {
		if _, ok := r.messages[msg.MessageID]; ok {
			return ErrConflict
		}
	}
	for _, msg := range msgs {
		r.nextSeq++
		cp := *msg
		cp.Seq = r.nextSeq
		msg.Seq = r.nextSeq
		r.messages[msg.MessageID] = &cp
	}
	return nil
}

func (r *memMessages) FindByID(_ context.Context, messageID string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *memMessages) ListBySession(_ context.Context, sessionID string, opts ListMessagesOptions) ([]*Message, error) {
	r.mu.RLock()
	var all []*Message
	for _, msg := range r.messages {
		if msg.SessionID == sessionID {
			cp := *msg
			all = append(all, &cp)
		}
	}
	var beforeSeq, afterSeq int64 = -1, -1
	if opts.Before != "" {
		if m, ok := r.messages[opts.Before]; ok {
			beforeSeq = m.Seq
		}
	}
	if opts.After != "" {
		if m, ok := r.messages[opts.After]; ok {
			afterSeq = m.Seq
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].Seq < all[j].Seq
	})

	out := all[:0]
	for _, msg := range all {
		if beforeSeq >= 0 && msg.Seq >= beforeSeq {
			continue
		}
		if afterSeq >= 0 && msg.Seq <= afterSeq {
			continue
		}
		out = append(out, msg)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *memMessages) CountBySession(_ context.Context, sessionID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, msg := range r.messages {
		if msg.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (r *memMessages) Delete(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(r.messages, messageID)
	return nil
}

func (r *memMessages) DeleteBySession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for mid, msg := range r.messages {
		if msg.SessionID == sessionID {
			delete(r.messages, mid)
		}
	}
	return nil
}

// --- turns ---

type memTurns MemoryStore

func (r *memTurns) Upsert(_ context.Context, turn *Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *turn
	r.turns[turn.TurnID] = &cp
	return nil
}

func (r *memTurns) FindByID(_ context.Context, turnID string) (*Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turn, ok := r.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *turn
	return &cp, nil
}

func (r *memTurns) ListBySession(_ context.Context, sessionID string) ([]*Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Turn
	for _, turn := range r.turns {
		if turn.SessionID == sessionID {
			cp := *turn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
