package post

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmesh/postmesh/internal/messaging"
)

type emitted struct {
	topic   string
	payload any
}

// fakeEmitter records events and fails while err is set.
type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []emitted
}

func (e *fakeEmitter) Emit(_ context.Context, topic string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, emitted{topic: topic, payload: payload})
	return nil
}

func (e *fakeEmitter) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *fakeEmitter) emitted() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fakeEmitter, *miniredis.Miniredis) {
	t.Helper()
	store, err := NewStore()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	events := &fakeEmitter{}
	return NewService(store, NewCache(rdb, time.Hour), events, testLogger()), events, mr
}

func TestService_CreateEmitsPostCreated(t *testing.T) {
	svc, events, _ := newTestService(t)

	p, err := svc.Create(context.Background(), "user-1", "hello world", []string{"m1"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, []string{"m1"}, p.MediaIDs)

	got := events.emitted()
	require.Len(t, got, 1)
	assert.Equal(t, messaging.TopicPostCreated, got[0].topic)
	assert.Equal(t, messaging.PostCreatedEvent{
		PostID:    p.ID,
		UserID:    "user-1",
		Content:   "hello world",
		CreatedAt: p.CreatedAt,
	}, got[0].payload)
}

func TestService_CreateKeepsPostWhenEmitFails(t *testing.T) {
	svc, events, _ := newTestService(t)
	events.setErr(errors.New("broker down"))

	p, err := svc.Create(context.Background(), "user-1", "still here", nil)
	require.NoError(t, err)

	stored, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "still here", stored.Content)
}

func TestService_GetCachesPost(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "user-1", "cached", nil)
	require.NoError(t, err)

	_, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists("post:"+p.ID))
	assert.Equal(t, time.Hour, mr.TTL("post:"+p.ID))
}

func TestService_GetUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ListPagesNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := svc.Create(ctx, "user-1", string(rune('a'+i)), nil)
		require.NoError(t, err)
	}

	pg, err := svc.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, pg.Total)
	assert.Equal(t, 3, pg.TotalPages)
	require.Len(t, pg.Posts, 2)
	assert.Equal(t, "e", pg.Posts[0].Content)
	assert.Equal(t, "d", pg.Posts[1].Content)

	pg, err = svc.List(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, pg.Posts, 1)
	assert.Equal(t, "a", pg.Posts[0].Content)

	pg, err = svc.List(ctx, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, pg.Posts)
}

func TestService_CreateInvalidatesPages(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "user-1", "first", nil)
	require.NoError(t, err)
	_, err = svc.List(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, mr.Exists("posts:1:10"))

	_, err = svc.Create(ctx, "user-1", "second", nil)
	require.NoError(t, err)
	assert.False(t, mr.Exists("posts:1:10"))

	pg, err := svc.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, pg.Total)
}

func TestService_DeleteEmitsPostDeleted(t *testing.T) {
	svc, events, mr := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "user-1", "bye", []string{"m1", "m2"})
	require.NoError(t, err)
	_, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "user-1", p.ID))

	got := events.emitted()
	require.Len(t, got, 2)
	assert.Equal(t, messaging.TopicPostDeleted, got[1].topic)
	assert.Equal(t, messaging.PostDeletedEvent{
		PostID:   p.ID,
		UserID:   "user-1",
		MediaIDs: []string{"m1", "m2"},
	}, got[1].payload)

	assert.False(t, mr.Exists("post:"+p.ID))
	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DeleteOthersPost(t *testing.T) {
	svc, events, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "owner", "mine", nil)
	require.NoError(t, err)

	err = svc.Delete(ctx, "intruder", p.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Len(t, events.emitted(), 1)

	_, err = svc.Get(ctx, p.ID)
	assert.NoError(t, err)
}

func TestService_DeleteRestoresPostWhenEmitFails(t *testing.T) {
	svc, events, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "user-1", "keep me", []string{"m1"})
	require.NoError(t, err)

	events.setErr(errors.New("broker down"))
	err = svc.Delete(ctx, "user-1", p.ID)
	require.ErrorIs(t, err, ErrEventNotPublished)

	restored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, restored.ID)
	assert.Equal(t, p.MediaIDs, restored.MediaIDs)

	events.setErr(nil)
	require.NoError(t, svc.Delete(ctx, "user-1", p.ID))
}

func TestService_WorksWhenCacheIsDown(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()
	mr.Close()

	p, err := svc.Create(ctx, "user-1", "no redis", nil)
	require.NoError(t, err)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "no redis", got.Content)
}
