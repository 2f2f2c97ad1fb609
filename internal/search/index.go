// Package search implements the search service: a post index kept up to
// date from post.created and post.deleted events.
package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/postmesh/postmesh/internal/messaging"
)

// MaxResults caps the number of hits returned by Search.
const MaxResults = 10

// Entry is an indexed post.
type Entry struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`

	folded string
}

const (
	tableEntries    = "entries"
	tableTombstones = "tombstones"
)

// tombstone marks a deleted post so a post.created that arrives after its
// post.deleted is not indexed.
type tombstone struct {
	PostID    string
	DeletedAt time.Time
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableEntries: {
			Name: tableEntries,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "PostID"},
				},
			},
		},
		tableTombstones: {
			Name: tableTombstones,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "PostID"},
				},
			},
		},
	},
}

// Index holds the searchable posts.
type Index struct {
	db     *memdb.MemDB
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewIndex creates an empty Index. cache may be nil.
func NewIndex(cache *Cache, logger *slog.Logger) (*Index, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return &Index{db: db, cache: cache, logger: logger.With("component", "search"), now: time.Now}, nil
}

// HandlePostCreated indexes the post. An existing entry with the same post
// ID is replaced, so redelivery is harmless. Posts already deleted are
// skipped: the two topics are consumed from separate queues and a delete
// may overtake its create.
func (ix *Index) HandlePostCreated(ctx context.Context, evt messaging.PostCreatedEvent) error {
	e := &Entry{
		PostID:    evt.PostID,
		UserID:    evt.UserID,
		Content:   evt.Content,
		CreatedAt: evt.CreatedAt,
		folded:    strings.ToLower(evt.Content),
	}

	txn := ix.db.Txn(true)
	defer txn.Abort()

	dead, err := txn.First(tableTombstones, "id", evt.PostID)
	if err != nil {
		return fmt.Errorf("index post %s: %w", evt.PostID, err)
	}
	if dead != nil {
		ix.logger.Info("skipping deleted post", "post_id", evt.PostID)
		return nil
	}

	if err := txn.Insert(tableEntries, e); err != nil {
		return fmt.Errorf("index post %s: %w", evt.PostID, err)
	}
	txn.Commit()

	ix.invalidate(ctx)
	ix.logger.Info("post indexed", "post_id", evt.PostID)
	return nil
}

// HandlePostDeleted drops the post from the index and remembers the
// deletion. Unknown posts are ignored.
func (ix *Index) HandlePostDeleted(ctx context.Context, evt messaging.PostDeletedEvent) error {
	txn := ix.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(tableEntries, "id", evt.PostID)
	if err != nil {
		return fmt.Errorf("unindex post %s: %w", evt.PostID, err)
	}
	if err := txn.Insert(tableTombstones, &tombstone{PostID: evt.PostID, DeletedAt: ix.now()}); err != nil {
		return fmt.Errorf("unindex post %s: %w", evt.PostID, err)
	}
	txn.Commit()

	if n > 0 {
		ix.invalidate(ctx)
	}
	ix.logger.Info("post unindexed", "post_id", evt.PostID, "found", n > 0)
	return nil
}

// Search returns up to MaxResults posts whose content contains query,
// ignoring case, newest first.
func (ix *Index) Search(ctx context.Context, query string) ([]Entry, error) {
	needle := strings.ToLower(strings.TrimSpace(query))

	if ix.cache != nil {
		hits, found, err := ix.cache.Get(ctx, needle)
		if err != nil {
			ix.logger.Warn("search cache read failed", "error", err)
		} else if found {
			return hits, nil
		}
	}

	txn := ix.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntries, "id")
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := []Entry{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*Entry)
		if strings.Contains(e.folded, needle) {
			hits = append(hits, *e)
		}
	}
	slices.SortFunc(hits, func(a, b Entry) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.PostID, a.PostID))
	})
	if len(hits) > MaxResults {
		hits = hits[:MaxResults]
	}

	if ix.cache != nil {
		if err := ix.cache.Set(ctx, needle, hits); err != nil {
			ix.logger.Warn("search cache write failed", "error", err)
		}
	}
	return hits, nil
}

// Len returns the number of indexed posts.
func (ix *Index) Len() int {
	txn := ix.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntries, "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

func (ix *Index) invalidate(ctx context.Context) {
	if ix.cache == nil {
		return
	}
	if err := ix.cache.Flush(ctx); err != nil {
		ix.logger.Warn("search cache invalidation failed", "error", err)
	}
}
