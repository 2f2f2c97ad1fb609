package media

import (
	"net/http"

	"github.com/postmesh/postmesh/internal/httpapi"
)

type uploadRequest struct {
	OriginalName string `json:"originalName" validate:"required,max=255"`
	MimeType     string `json:"mimeType" validate:"required,contains=/"`
	URL          string `json:"url" validate:"required,url"`
	PostID       string `json:"postId" validate:"omitempty,max=64"`
}

// Handler serves the media HTTP API.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the media routes on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/media/upload", h.upload)
	mux.HandleFunc("GET /api/media/get", h.list)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpapi.UserID(r.Context())

	var req uploadRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.svc.Add(Media{
		UserID:       userID,
		PostID:       req.PostID,
		OriginalName: req.OriginalName,
		MimeType:     req.MimeType,
		URL:          req.URL,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error uploading media")
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"mediaId": m.ID,
		"url":     m.URL,
		"message": "Media upload is successfully",
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpapi.UserID(r.Context())

	items, err := h.svc.ListByUser(userID)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "Error fetching medias")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "medias": items})
}
