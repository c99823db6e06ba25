package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/topic"
	"github.com/Strob0t/agentrelay/internal/port/cache"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// TopicService manages topic lifecycle. Lookups go through the cache when
// one is configured.
type TopicService struct {
	store    database.Store
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewTopicService creates a TopicService. c may be nil.
func NewTopicService(store database.Store, c cache.Cache, cacheTTL time.Duration) *TopicService {
	return &TopicService{store: store, cache: c, cacheTTL: cacheTTL}
}

// Create opens a new pending topic.
func (s *TopicService) Create(ctx context.Context, req topic.CreateRequest) (*topic.Topic, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t := &topic.Topic{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Title:     req.Title,
		Status:    topic.StatusPending,
	}
	if err := s.store.CreateTopic(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a live topic.
func (s *TopicService) Get(ctx context.Context, id string) (*topic.Topic, error) {
	key := cache.TopicKey(tenant.FromContext(ctx), id)
	if s.cache != nil {
		var t topic.Topic
		ok, err := cache.GetJSON(ctx, s.cache, key, &t)
		if err != nil {
			slog.Warn("topic cache get failed", "topic_id", id, "error", err)
		}
		if ok {
			return &t, nil
		}
	}

	t, err := s.store.GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, key, t)
	return t, nil
}

// Exists reports whether a live topic with id exists in the caller's organization.
func (s *TopicService) Exists(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return fmt.Errorf("topic %s: %w", id, err)
	}
	return nil
}

// Delete soft-deletes the topic together with its queue, tasks and messages.
func (s *TopicService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTopic(ctx, id); err != nil {
		return err
	}
	s.forget(ctx, id)
	slog.InfoContext(ctx, "topic deleted", "topic_id", id)
	return nil
}

// UpdateStatus sets the status if the topic has not changed since expectedUpdatedAt.
func (s *TopicService) UpdateStatus(ctx context.Context, id string, status topic.Status, expectedUpdatedAt time.Time) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown topic status %q", domain.ErrValidation, status)
	}
	ok, err := s.store.UpdateTopicStatus(ctx, id, status, expectedUpdatedAt)
	if err != nil {
		return false, err
	}
	if ok {
		s.forget(ctx, id)
	}
	return ok, nil
}

// UpdateStatusBySandboxID sets the status of the live topic bound to sandboxID.
func (s *TopicService) UpdateStatusBySandboxID(ctx context.Context, sandboxID string, status topic.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown topic status %q", domain.ErrValidation, status)
	}
	return s.store.UpdateTopicStatusBySandboxID(ctx, sandboxID, status)
}

// Bind records the task and sandbox now running the topic. A topic changed
// since t was read is re-read once and the bind retried.
func (s *TopicService) Bind(ctx context.Context, t *topic.Topic, taskID, sandboxID string) (bool, error) {
	ok, err := s.store.BindTopicTask(ctx, t.ID, taskID, sandboxID, topic.StatusRunning, t.UpdatedAt)
	if err != nil || ok {
		s.forget(ctx, t.ID)
		return ok, err
	}

	fresh, err := s.store.GetTopic(ctx, t.ID)
	if err != nil {
		return false, err
	}
	ok, err = s.store.BindTopicTask(ctx, t.ID, taskID, sandboxID, topic.StatusRunning, fresh.UpdatedAt)
	s.forget(ctx, t.ID)
	return ok, err
}

func (s *TopicService) remember(ctx context.Context, key string, t *topic.Topic) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, key, t, s.cacheTTL); err != nil {
		slog.Warn("topic cache set failed", "topic_id", t.ID, "error", err)
	}
}

func (s *TopicService) forget(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.TopicKey(tenant.FromContext(ctx), id)); err != nil {
		slog.Warn("topic cache delete failed", "topic_id", id, "error", err)
	}
}
