package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postmesh/postmesh/internal/messaging"
)

// ErrEventNotPublished is returned by Delete when the post.deleted event
// could not be published. The post has been restored and the request can be
// retried.
var ErrEventNotPublished = errors.New("post event not published")

// Emitter publishes events. *eventbus.Bus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, topic string, payload any) error
}

// Service holds the post operations behind the HTTP API.
type Service struct {
	store  *Store
	cache  *Cache
	events Emitter
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. cache may be nil.
func NewService(store *Store, cache *Cache, events Emitter, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		events: events,
		logger: logger.With("component", "post"),
		now:    time.Now,
	}
}

// Create stores a new post for userID and emits post.created. A failed emit
// is logged; the post is kept and search catches up on the next change.
func (s *Service) Create(ctx context.Context, userID, content string, mediaIDs []string) (Post, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Post{}, fmt.Errorf("post id: %w", err)
	}
	if mediaIDs == nil {
		mediaIDs = []string{}
	}

	p := Post{
		ID:        id.String(),
		UserID:    userID,
		Content:   content,
		MediaIDs:  mediaIDs,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Put(p); err != nil {
		return Post{}, err
	}
	s.invalidate(ctx, "")

	err = s.events.Emit(ctx, messaging.TopicPostCreated, messaging.PostCreatedEvent{
		PostID:    p.ID,
		UserID:    p.UserID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	})
	if err != nil {
		s.logger.Error("post created but event not published", "post_id", p.ID, "error", err)
	}

	s.logger.Info("post created", "post_id", p.ID, "user_id", userID)
	return p, nil
}

// Get returns a post, from the cache when possible.
func (s *Service) Get(ctx context.Context, id string) (Post, error) {
	if s.cache != nil {
		p, found, err := s.cache.GetPost(ctx, id)
		if err != nil {
			s.logger.Warn("post cache read failed", "post_id", id, "error", err)
		} else if found {
			return p, nil
		}
	}

	p, err := s.store.Get(id)
	if err != nil {
		return Post{}, err
	}
	if s.cache != nil {
		if err := s.cache.SetPost(ctx, p); err != nil {
			s.logger.Warn("post cache write failed", "post_id", id, "error", err)
		}
	}
	return p, nil
}

// List returns one page of posts, newest first.
func (s *Service) List(ctx context.Context, page, limit int) (Page, error) {
	if s.cache != nil {
		pg, found, err := s.cache.GetPage(ctx, page, limit)
		if err != nil {
			s.logger.Warn("post page cache read failed", "page", page, "error", err)
		} else if found {
			return pg, nil
		}
	}

	posts, total, err := s.store.List(page, limit)
	if err != nil {
		return Page{}, err
	}
	pg := Page{
		Posts:      posts,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
		Total:      total,
	}
	if s.cache != nil {
		if err := s.cache.SetPage(ctx, limit, pg); err != nil {
			s.logger.Warn("post page cache write failed", "page", page, "error", err)
		}
	}
	return pg, nil
}

// Delete removes the post if it belongs to userID and emits post.deleted so
// media and search drop their copies. When the event cannot be published
// the post is put back and ErrEventNotPublished is returned.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	p, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return ErrForbidden
	}
	if _, err := s.store.Delete(id); err != nil {
		return err
	}

	err = s.events.Emit(ctx, messaging.TopicPostDeleted, messaging.PostDeletedEvent{
		PostID:   p.ID,
		UserID:   p.UserID,
		MediaIDs: p.MediaIDs,
	})
	if err != nil {
		if rerr := s.store.Put(p); rerr != nil {
			s.logger.Error("restore after failed emit", "post_id", id, "error", rerr)
			return errors.Join(fmt.Errorf("%w: %w", ErrEventNotPublished, err), rerr)
		}
		s.logger.Warn("post restored, delete event not published", "post_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrEventNotPublished, err)
	}

	s.invalidate(ctx, id)
	s.logger.Info("post deleted", "post_id", id, "user_id", userID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Warn("post cache invalidation failed", "post_id", id, "error", err)
	}
}
