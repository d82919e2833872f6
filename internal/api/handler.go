package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kirychukyurii/appgen-sync/internal/controller"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/store"
)

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	store       *store.Store
	controller  *controller.Controller
	upstreamURL string
	basePath    string
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler serving the synchronized view
func NewHandler(st *store.Store, ctrl *controller.Controller, upstreamURL, basePath string, logger *slog.Logger) *Handler {
	return &Handler{
		store:       st,
		controller:  ctrl,
		upstreamURL: upstreamURL,
		basePath:    basePath,
		logger:      logger,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	routesHandler := h.createRoutes()

	// If base path is configured, mount routes on that path
	if h.basePath != "" {
		r.Mount(h.basePath, routesHandler)
	} else {
		r.Mount("/", routesHandler)
	}

	return r
}

func (h *Handler) createRoutes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.GetHealth)
		r.Get("/status", h.GetStatus)
		r.Get("/stages", h.ListStages)
		r.Post("/upload-requirements", h.UploadRequirements)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/{id}", h.GetJob)
			r.Post("/{id}/start", h.StartJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Get("/{id}/download", h.DownloadArtifacts)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}

// errorResponse represents an error response
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

// respondError writes an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}

// respondDomainError maps the error taxonomy onto HTTP status codes
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		notFound   *model.NotFoundError
		conflict   *model.ConflictError
		transient  *model.TransientError
	)
	switch {
	case errors.As(err, &validation):
		h.respondError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		h.respondError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		h.respondError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &transient):
		h.respondError(w, http.StatusBadGateway, transient.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
