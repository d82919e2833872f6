package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.List())
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.store.Get(id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// CreateJob handles POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Requirements string `json:"requirements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.controller.Create(r.Context(), body.Name, body.Requirements)
	if err != nil {
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, job)
}

// StartJob handles POST /api/jobs/{id}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "job id is required")
		return
	}

	var body struct {
		Stages []string `json:"stages"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.controller.Start(r.Context(), id, body.Stages); err != nil {
		h.logger.Error("failed to start job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"id":     id,
	})
}

// CancelJob handles POST /api/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "job id is required")
		return
	}

	if err := h.controller.Cancel(r.Context(), id); err != nil {
		h.logger.Error("failed to cancel job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancelled",
		"id":     id,
	})
}

// DownloadArtifacts handles GET /api/jobs/{id}/download
func (h *Handler) DownloadArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "job id is required")
		return
	}

	bundle, err := h.controller.Download(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	if _, err := w.Write(bundle); err != nil {
		h.logger.Error("failed to write artifact bundle",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// UploadRequirements handles POST /api/upload-requirements
func (h *Handler) UploadRequirements(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	requirements, err := h.controller.UploadRequirements(r.Context(), header.Filename, contents)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"requirements": requirements,
	})
}
