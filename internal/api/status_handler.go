package api

import "net/http"

// GetHealth handles GET /api/health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus handles GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.controller.Status(r.Context(), h.upstreamURL)
	h.respondJSON(w, http.StatusOK, status)
}

// ListStages handles GET /api/stages
func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.controller.ListStages(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string][]string{"stages": stages})
}
