package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bubbles/internal/repository"
	"github.com/bubbles/internal/upload"
)

type UploadHandler struct {
	store   *upload.Store
	msgRepo *repository.MessageRepository
}

func NewUploadHandler(store *upload.Store, msgRepo *repository.MessageRepository) *UploadHandler {
	return &UploadHandler{store: store, msgRepo: msgRepo}
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	h.store.Upload(w, r)
}

func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.store.Serve(w, r, chi.URLParam(r, "filename"))
}

// DeleteOrphans removes uploaded files that no message references, so a
// client can clean up after an aborted send. Files attached to any
// message are skipped; those are only deleted through message edit and
// delete.
func (h *UploadHandler) DeleteOrphans(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}

	inUse, err := h.msgRepo.ImagesInUse(r.Context(), req.URLs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check images")
		return
	}
	orphans := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if !inUse[u] {
			orphans = append(orphans, u)
		}
	}
	if len(orphans) > 0 {
		h.store.Delete(orphans)
	}
	w.WriteHeader(http.StatusNoContent)
}
