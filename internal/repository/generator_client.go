// Package repository implements the client for the Application Generator
// API: the request/response surface the sync engine pulls authoritative
// job state from.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/config"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/util"
)

// GeneratorClient defines the request/response operations against the
// generator API. The push channel is handled separately.
type GeneratorClient interface {
	// Health probes the upstream health endpoint
	Health(ctx context.Context) error

	// ListStages returns the pipeline stages available for a run
	ListStages(ctx context.Context) ([]string, error)

	// CreateJob registers a new job and returns the server-assigned id
	CreateJob(ctx context.Context, name, requirements string) (string, error)

	// ListJobs returns summaries of all jobs known to the server
	ListJobs(ctx context.Context) ([]model.Job, error)

	// GetJob returns the full authoritative state of one job
	GetJob(ctx context.Context, id string) (model.Job, error)

	// StartJob asks the server to run the job, optionally with a custom
	// stage pipeline
	StartJob(ctx context.Context, id string, stages []string) error

	// CancelJob asks the server to cancel a running job
	CancelJob(ctx context.Context, id string) error

	// DownloadArtifacts fetches the artifact bundle as an opaque archive
	DownloadArtifacts(ctx context.Context, id string) ([]byte, error)

	// UploadRequirements uploads a requirements file and returns its text
	UploadRequirements(ctx context.Context, filename string, contents []byte) (string, error)
}

type generatorClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewGeneratorClient creates a client for the generator API. Every request
// is bounded by the configured request timeout so a slow server surfaces
// as a transient error, not a hang.
func NewGeneratorClient(cfg config.UpstreamConfig, logger *slog.Logger) (GeneratorClient, error) {
	transport := http.DefaultTransport
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &generatorClient{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		logger: logger,
	}, nil
}

// jobPayload mirrors the wire representation of a job
type jobPayload struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Requirements         string           `json:"requirements"`
	Status               string           `json:"status"`
	CompletionPercentage float64          `json:"completion_percentage"`
	CurrentNode          string           `json:"current_node"`
	Errors               []string         `json:"errors"`
	Artifacts            *model.Artifacts `json:"artifacts"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	Generation           int              `json:"generation"`
}

func (p *jobPayload) toModel() model.Job {
	return model.Job{
		ID:                   p.ID,
		Name:                 p.Name,
		Requirements:         p.Requirements,
		Status:               model.JobStatus(p.Status),
		CompletionPercentage: p.CompletionPercentage,
		CurrentStage:         p.CurrentNode,
		Errors:               p.Errors,
		Artifacts:            p.Artifacts,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
		Generation:           p.Generation,
	}
}

func (c *generatorClient) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/api/health", &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return &model.TransientError{
			Op:  "health",
			Err: fmt.Errorf("upstream reported status %q", out.Status),
		}
	}
	return nil
}

func (c *generatorClient) ListStages(ctx context.Context) ([]string, error) {
	var out struct {
		Nodes []string `json:"nodes"`
	}
	if err := c.getJSON(ctx, "/api/nodes", &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *generatorClient) CreateJob(ctx context.Context, name, requirements string) (string, error) {
	body := map[string]string{
		"name":         name,
		"requirements": requirements,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/api/jobs", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &model.TransientError{
			Op:  "create job",
			Err: fmt.Errorf("server returned no job id"),
		}
	}
	return out.ID, nil
}

func (c *generatorClient) ListJobs(ctx context.Context) ([]model.Job, error) {
	var out struct {
		Jobs []jobPayload `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/api/jobs", &out); err != nil {
		return nil, err
	}

	jobs := make([]model.Job, 0, len(out.Jobs))
	for i := range out.Jobs {
		jobs = append(jobs, out.Jobs[i].toModel())
	}
	return jobs, nil
}

func (c *generatorClient) GetJob(ctx context.Context, id string) (model.Job, error) {
	var out jobPayload
	if err := c.getJSON(ctx, "/api/jobs/"+id, &out); err != nil {
		return model.Job{}, err
	}
	return out.toModel(), nil
}

func (c *generatorClient) StartJob(ctx context.Context, id string, stages []string) error {
	var body any
	if len(stages) > 0 {
		body = map[string]any{"nodes": stages}
	}
	return c.postJSON(ctx, "/api/jobs/"+id+"/start", body, nil)
}

func (c *generatorClient) CancelJob(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/jobs/"+id+"/cancel", nil, nil)
}

func (c *generatorClient) DownloadArtifacts(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+id+"/download", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &model.TransientError{Op: "download artifacts", Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, id, "download"); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.TransientError{Op: "read artifact bundle", Err: err}
	}
	return data, nil
}

func (c *generatorClient) UploadRequirements(ctx context.Context, filename string, contents []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := part.Write(contents); err != nil {
		return "", fmt.Errorf("failed to write multipart form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload-requirements", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &model.TransientError{Op: "upload requirements", Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "", "upload requirements"); err != nil {
		return "", err
	}

	var out struct {
		Requirements string `json:"requirements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &model.TransientError{Op: "decode upload response", Err: err}
	}
	return out.Requirements, nil
}

func (c *generatorClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.doJSON(req, path, out)
}

func (c *generatorClient) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, path, out)
}

func (c *generatorClient) doJSON(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &model.TransientError{Op: req.Method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, pathJobID(path), req.Method+" "+path); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &model.TransientError{Op: "decode " + path, Err: err}
	}
	return nil
}

// checkStatus maps upstream HTTP status codes onto the error taxonomy
func (c *generatorClient) checkStatus(resp *http.Response, jobID, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &model.NotFoundError{ID: jobID}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict:
		return &model.ConflictError{ID: jobID, Action: op, Status: ""}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &model.TransientError{
			Op:  op,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}
}

// pathJobID extracts the job id segment from an /api/jobs path, if any
func pathJobID(path string) string {
	const prefix = "/api/jobs/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}
