package post

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmesh/postmesh/internal/httpapi"
)

func newTestMux(t *testing.T) (http.Handler, *Service, *fakeEmitter) {
	t.Helper()
	svc, events, _ := newTestService(t)
	mux := http.NewServeMux()
	NewHandler(svc).Routes(mux)
	return mux, svc, events
}

func do(h http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req = req.WithContext(httpapi.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := do(mux, http.MethodPost, "/api/posts/create-post", "user-1", `{"content":"hi","mediaIds":["m1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Success bool `json:"success"`
		Post    Post `json:"post"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.Equal(t, "user-1", created.Post.UserID)

	rec = do(mux, http.MethodGet, "/api/posts/"+created.Post.ID, "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hi", got.Content)
}

func TestHandler_CreateValidation(t *testing.T) {
	mux, _, events := newTestMux(t)

	for _, body := range []string{`{}`, `{"content":""}`, `{"content":"x","extra":1}`, `not json`} {
		rec := do(mux, http.MethodPost, "/api/posts/create-post", "user-1", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, events.emitted())
}

func TestHandler_ListQueryValidation(t *testing.T) {
	mux, _, _ := newTestMux(t)

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusOK},
		{"?page=2&limit=5", http.StatusOK},
		{"?page=0", http.StatusBadRequest},
		{"?limit=500", http.StatusBadRequest},
		{"?page=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(mux, http.MethodGet, "/api/posts/all-posts"+tt.query, "user-1", "")
		assert.Equal(t, tt.want, rec.Code, tt.query)
	}
}

func TestHandler_GetUnknown(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := do(mux, http.MethodGet, "/api/posts/nope", "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Delete(t *testing.T) {
	mux, svc, events := newTestMux(t)
	p, err := svc.Create(context.Background(), "owner", "x", nil)
	require.NoError(t, err)

	rec := do(mux, http.MethodDelete, "/api/posts/"+p.ID, "someone-else", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	events.setErr(errors.New("broker down"))
	rec = do(mux, http.MethodDelete, "/api/posts/"+p.ID, "owner", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	events.setErr(nil)
	rec = do(mux, http.MethodDelete, "/api/posts/"+p.ID, "owner", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(mux, http.MethodGet, "/api/posts/"+p.ID, "owner", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
