// Package media implements the media service. It keeps media metadata and
// drops the media of deleted posts when post.deleted arrives.
package media

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/postmesh/postmesh/internal/messaging"
)

// Media is the metadata of one uploaded file.
type Media struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PostID       string    `json:"postId,omitempty"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
}

const tableMedia = "media"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableMedia: {
			Name: tableMedia,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"post": {
					Name:         "post",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "PostID"},
				},
				"user": {
					Name:    "user",
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
	},
}

// Service stores media metadata.
type Service struct {
	db     *memdb.MemDB
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an empty Service.
func NewService(logger *slog.Logger) (*Service, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("media store: %w", err)
	}
	return &Service{
		db:     db,
		logger: logger.With("component", "media"),
		now:    time.Now,
	}, nil
}

// Add records a new media item for m.UserID and returns it with its ID set.
func (s *Service) Add(m Media) (Media, error) {
	if m.UserID == "" {
		return Media{}, errors.New("media without owner")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Media{}, fmt.Errorf("media id: %w", err)
	}
	m.ID = id.String()
	m.CreatedAt = s.now().UTC()

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableMedia, &m); err != nil {
		return Media{}, fmt.Errorf("insert media: %w", err)
	}
	txn.Commit()

	s.logger.Info("media added", "media_id", m.ID, "user_id", m.UserID, "post_id", m.PostID)
	return m, nil
}

// ListByUser returns the media of userID, oldest first.
func (s *Service) ListByUser(userID string) ([]Media, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableMedia, "user", userID)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	out := []Media{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*Media))
	}
	slices.SortFunc(out, func(a, b Media) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Get returns the media item with id.
func (s *Service) Get(id string) (Media, bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableMedia, "id", id)
	if err != nil {
		return Media{}, false, fmt.Errorf("get media %s: %w", id, err)
	}
	if raw == nil {
		return Media{}, false, nil
	}
	return *raw.(*Media), true, nil
}

// HandlePostDeleted removes the media attached to the deleted post, both the
// items linked by post ID and the ones listed in the event. Media that is
// already gone is skipped, so a redelivered event changes nothing.
func (s *Service) HandlePostDeleted(_ context.Context, evt messaging.PostDeletedEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	removed := 0
	n, err := txn.DeleteAll(tableMedia, "post", evt.PostID)
	if err != nil {
		return fmt.Errorf("delete media of post %s: %w", evt.PostID, err)
	}
	removed += n

	for _, id := range evt.MediaIDs {
		raw, err := txn.First(tableMedia, "id", id)
		if err != nil {
			return fmt.Errorf("lookup media %s: %w", id, err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(tableMedia, raw); err != nil {
			return fmt.Errorf("delete media %s: %w", id, err)
		}
		removed++
	}
	txn.Commit()

	s.logger.Info("processed post deletion", "post_id", evt.PostID, "media_removed", removed)
	return nil
}
