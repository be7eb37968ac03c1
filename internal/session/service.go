// Package session implements the session surface: reading history, sending
// into a session (resuming its agent when needed), forking a conversation
// prefix into a new snapshot-backed session, and collecting agent events to
// keep session metadata fresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/store"
)

// maxTitleLen bounds auto-derived session titles.
const maxTitleLen = 64

// ErrMessageNotInSession is returned when a fork point does not belong to
// the forked session.
var ErrMessageNotInSession = errors.New("message not in session")

// Service exposes session operations over the store and the live containers.
type Service struct {
	store   store.Store
	bus     bus.Bus
	manager *container.Manager
	logger  *logger.Logger
}

// NewService builds a session service.
func NewService(st store.Store, b bus.Bus, manager *container.Manager, log *logger.Logger) *Service {
	return &Service{store: st, bus: b, manager: manager, logger: log}
}

// Get returns a session record.
func (s *Service) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.store.Sessions().FindByID(ctx, sessionID)
}

// List returns sessions, optionally filtered by image.
func (s *Service) List(ctx context.Context, imageID string) ([]*store.Session, error) {
	if imageID != "" {
		return s.store.Sessions().ListByImage(ctx, imageID)
	}
	return s.store.Sessions().List(ctx)
}

// GetMessages returns the session's ordered message log.
func (s *Service) GetMessages(ctx context.Context, sessionID string, opts store.ListMessagesOptions) ([]*store.Message, error) {
	if _, err := s.store.Sessions().FindByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.Messages().ListBySession(ctx, sessionID, opts)
}

// ListTurns returns the session's turn records.
func (s *Service) ListTurns(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	return s.store.Turns().ListBySession(ctx, sessionID)
}

// Resume returns the live agent bound to the session, re-materializing it
// from the session's image when none is running.
func (s *Service) Resume(ctx context.Context, sessionID string) (*agent.Agent, error) {
	for _, ctr := range s.manager.List() {
		if a, ok := ctr.FindBySession(sessionID); ok {
			return a, nil
		}
	}

	sess, err := s.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	img, err := s.store.Images().FindByID(ctx, sess.ImageID)
	if err != nil {
		return nil, fmt.Errorf("session image: %w", err)
	}
	ctr, err := s.manager.Create(ctx, img.ContainerID)
	if err != nil {
		return nil, err
	}
	a, err := ctr.Resume(ctx, img, sessionID)
	if err != nil {
		return nil, err
	}
	s.Collect(a)
	return a, nil
}

// Send resumes the session's agent if needed and receives one user message.
func (s *Service) Send(ctx context.Context, sessionID string, content store.Content) error {
	a, err := s.Resume(ctx, sessionID)
	if err != nil {
		return err
	}
	return a.Receive(ctx, content)
}

// Fork copies the session's message prefix up to and including atMessageID
// (empty forks the whole log) into a fresh session backed by a new snapshot
// image. The original session is untouched.
func (s *Service) Fork(ctx context.Context, sessionID, atMessageID string) (*store.Session, error) {
	src, err := s.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	srcImage, err := s.store.Images().FindByID(ctx, src.ImageID)
	if err != nil {
		return nil, fmt.Errorf("source image: %w", err)
	}
	msgs, err := s.store.Messages().ListBySession(ctx, sessionID, store.ListMessagesOptions{})
	if err != nil {
		return nil, err
	}

	prefix := msgs
	if atMessageID != "" {
		cut := -1
		for i, m := range msgs {
			if m.MessageID == atMessageID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil, fmt.Errorf("fork point %s: %w", atMessageID, ErrMessageNotInSession)
		}
		prefix = msgs[:cut+1]
	}

	now := time.Now().UTC()
	forked := &store.Session{
		SessionID:   id.NewSession(),
		ImageID:     "", // set below once the snapshot exists
		ContainerID: src.ContainerID,
		UserID:      src.UserID,
		Title:       src.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	snapshot := &store.Image{
		ImageID:        id.NewImage(),
		DefinitionName: srcImage.DefinitionName,
		ContainerID:    srcImage.ContainerID,
		Name:           srcImage.Name,
		SystemPrompt:   srcImage.SystemPrompt,
		MCPServers:     srcImage.MCPServers,
		SessionID:      forked.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Images().Upsert(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("fork snapshot: %w", err)
	}
	forked.ImageID = snapshot.ImageID
	if err := s.store.Sessions().Upsert(ctx, forked); err != nil {
		return nil, fmt.Errorf("fork session: %w", err)
	}

	if len(prefix) > 0 {
		copies := make([]*store.Message, len(prefix))
		for i, m := range prefix {
			copies[i] = &store.Message{
				MessageID: id.NewMessage(),
				SessionID: forked.SessionID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			}
		}
		if err := s.store.Messages().Append(ctx, copies...); err != nil {
			return nil, fmt.Errorf("fork messages: %w", err)
		}
	}

	s.logger.Info("session forked",
		zap.String("source", sessionID),
		zap.String("forked", forked.SessionID),
		zap.Int("prefix", len(prefix)))
	return forked, nil
}

// Delete removes a session and its messages.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if err := s.store.Messages().DeleteBySession(ctx, sessionID); err != nil {
		return err
	}
	return s.store.Sessions().Delete(ctx, sessionID)
}

// Collect subscribes the session to its agent's message events so session
// metadata stays fresh: the first user message titles the session and every
// persisted message bumps updatedAt. Message persistence itself is the
// agent's responsibility.
func (s *Service) Collect(a *agent.Agent) bus.Subscription {
	sessionID := a.SessionID()
	return s.bus.On([]string{
		events.TypeUserMessage,
		events.TypeAssistantMessage,
		events.TypeErrorMessage,
	}, func(e *events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sess, err := s.store.Sessions().FindByID(ctx, sessionID)
		if err != nil {
			return
		}
		if sess.Title == "" && e.Type == events.TypeUserMessage {
			if msg, ok := e.Data.(*store.Message); ok {
				sess.Title = deriveTitle(msg.Content.Text())
			}
		}
		sess.UpdatedAt = time.Now().UTC()
		if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
			s.logger.Warn("refresh session metadata", zap.Error(err),
				zap.String("session_id", sessionID))
		}
	}, &bus.SubscribeOptions{
		Filter: func(e *events.Event) bool {
			return e.Context != nil && e.Context.SessionID == sessionID
		},
	})
}

// deriveTitle trims a user utterance into a session title.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxTitleLen-1]) + "…"
}
