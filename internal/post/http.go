package post

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/postmesh/postmesh/internal/httpapi"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type createRequest struct {
	Content  string   `json:"content" validate:"required,min=1,max=5000"`
	MediaIDs []string `json:"mediaIds" validate:"omitempty,max=10,dive,required"`
}

// Handler serves the post HTTP API.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the post routes on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/posts/create-post", h.create)
	mux.HandleFunc("GET /api/posts/all-posts", h.list)
	mux.HandleFunc("GET /api/posts/{id}", h.get)
	mux.HandleFunc("DELETE /api/posts/{id}", h.delete)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpapi.UserID(r.Context())

	var req createRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.svc.Create(r.Context(), userID, req.Content, req.MediaIDs)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error creating post")
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Post created successfully",
		"post":    p,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		httpapi.WriteError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit", defaultPageLimit)
	if !ok || limit < 1 || limit > maxPageLimit {
		httpapi.WriteError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	pg, err := h.svc.List(r.Context(), page, limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error fetching posts")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pg)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "Post not found")
		return
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error fetching post")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpapi.UserID(r.Context())

	err := h.svc.Delete(r.Context(), userID, r.PathValue("id"))
	switch {
	case err == nil:
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Post deleted successfully",
		})
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		httpapi.WriteError(w, http.StatusNotFound, "Post not found")
	case errors.Is(err, ErrEventNotPublished):
		w.Header().Set("Retry-After", "5")
		httpapi.WriteError(w, http.StatusServiceUnavailable, "Post could not be deleted, try again later")
	default:
		httpapi.WriteError(w, http.StatusInternalServerError, "Error deleting post")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
