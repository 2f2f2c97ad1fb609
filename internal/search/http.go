package search

import (
	"net/http"
	"strings"

	"github.com/postmesh/postmesh/internal/httpapi"
)

// Handler serves the search HTTP API.
type Handler struct {
	index *Index
}

// NewHandler creates a Handler.
func NewHandler(index *Index) *Handler {
	return &Handler{index: index}
}

// Routes registers the search routes on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/search/posts", h.posts)
}

func (h *Handler) posts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "query parameter is required")
		return
	}

	hits, err := h.index.Search(r.Context(), query)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error while searching post")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, hits)
}
