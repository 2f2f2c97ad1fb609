// Package post implements the post service: post storage, the HTTP API and
// the post.created / post.deleted events other services consume.
package post

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-memdb"
)

var (
	// ErrNotFound is returned for unknown post IDs.
	ErrNotFound = errors.New("post not found")
	// ErrForbidden is returned when a user acts on someone else's post.
	ErrForbidden = errors.New("post belongs to another user")
)

// Post is a stored post.
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	MediaIDs  []string  `json:"mediaIds"`
	CreatedAt time.Time `json:"createdAt"`
}

const tablePosts = "posts"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tablePosts: {
			Name: tablePosts,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"user": {
					Name:    "user",
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
	},
}

// Store keeps posts in memory.
type Store struct {
	db *memdb.MemDB
}

// NewStore creates an empty Store.
func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("post store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put inserts or replaces p.
func (s *Store) Put(p Post) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tablePosts, &p); err != nil {
		return fmt.Errorf("insert post %s: %w", p.ID, err)
	}
	txn.Commit()
	return nil
}

// Get returns the post with id.
func (s *Store) Get(id string) (Post, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tablePosts, "id", id)
	if err != nil {
		return Post{}, fmt.Errorf("get post %s: %w", id, err)
	}
	if raw == nil {
		return Post{}, ErrNotFound
	}
	return *raw.(*Post), nil
}

// List returns one page of posts, newest first, and the total count.
// page starts at 1.
func (s *Store) List(page, limit int) ([]Post, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tablePosts, "id")
	if err != nil {
		return nil, 0, fmt.Errorf("list posts: %w", err)
	}

	var all []Post
	for raw := it.Next(); raw != nil; raw = it.Next() {
		all = append(all, *raw.(*Post))
	}
	slices.SortFunc(all, func(a, b Post) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})

	start := (page - 1) * limit
	if start >= len(all) {
		return []Post{}, len(all), nil
	}
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

// Delete removes the post with id and returns it.
func (s *Store) Delete(id string) (Post, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tablePosts, "id", id)
	if err != nil {
		return Post{}, fmt.Errorf("delete post %s: %w", id, err)
	}
	if raw == nil {
		return Post{}, ErrNotFound
	}
	if err := txn.Delete(tablePosts, raw); err != nil {
		return Post{}, fmt.Errorf("delete post %s: %w", id, err)
	}
	txn.Commit()
	return *raw.(*Post), nil
}
