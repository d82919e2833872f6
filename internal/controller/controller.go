// Package controller coordinates job lifecycle commands and the lifetimes
// of the pull and push channels around watched jobs.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/cache"
	"github.com/kirychukyurii/appgen-sync/internal/channel"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/repository"
	"github.com/kirychukyurii/appgen-sync/internal/store"
)

// watcher is the slice of the push channel the controller drives
type watcher interface {
	Watch(ctx context.Context, id string) error
	Unwatch()
	Health() model.ChannelHealth
}

// WatcherFactory builds a push channel watcher for one job
type WatcherFactory func() (watcher, error)

// NewWatcherFactory adapts channel.NewWatcher into a WatcherFactory
func NewWatcherFactory(fn func() (*channel.Watcher, error)) WatcherFactory {
	return func() (watcher, error) {
		return fn()
	}
}

// Controller issues create/start/cancel commands against the generator
// API and keeps the sync channels running for jobs that are in flight.
type Controller struct {
	client     repository.GeneratorClient
	store      *store.Store
	pull       *channel.Puller
	newWatcher WatcherFactory
	artifacts  cache.Cache
	cacheTTL   time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	watchers    map[string]watcher
	inFlight    map[string]bool
	refetching  map[string]bool
	unsubscribe func()
}

// New creates a controller and subscribes it to store changes so a
// terminal-signal turns into exactly one authoritative refetch
func New(client repository.GeneratorClient, st *store.Store, pull *channel.Puller, newWatcher WatcherFactory, artifacts cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *Controller {
	c := &Controller{
		client:     client,
		store:      st,
		pull:       pull,
		newWatcher: newWatcher,
		artifacts:  artifacts,
		cacheTTL:   cacheTTL,
		logger:     logger,
		watchers:   make(map[string]watcher),
		inFlight:   make(map[string]bool),
		refetching: make(map[string]bool),
	}
	c.unsubscribe = st.Subscribe(c.onChange)
	return c
}

// Create validates the input, registers the job upstream and inserts the
// created snapshot into the store
func (c *Controller) Create(ctx context.Context, name, requirements string) (model.Job, error) {
	if strings.TrimSpace(name) == "" {
		return model.Job{}, &model.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(requirements) == "" {
		return model.Job{}, &model.ValidationError{Field: "requirements", Reason: "must not be empty"}
	}

	id, err := c.client.CreateJob(ctx, name, requirements)
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	now := time.Now()
	job := model.Job{
		ID:           id,
		Name:         name,
		Requirements: requirements,
		Status:       model.StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.Apply(model.Update{
		Kind:       model.UpdateFull,
		JobID:      id,
		Snapshot:   &job,
		ReceivedAt: now,
	}); err != nil {
		return model.Job{}, fmt.Errorf("failed to record created job: %w", err)
	}

	c.logger.Info("job created",
		slog.String("job_id", id),
		slog.String("name", name),
	)
	return job, nil
}

// Start asks the server to run the job and brings both channels up for it.
// Permitted from created and from any terminal status (a restart).
func (c *Controller) Start(ctx context.Context, id string, stages []string) error {
	job, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status != model.StatusCreated && !job.Status.Terminal() {
		return &model.ConflictError{ID: id, Status: job.Status, Action: "start"}
	}

	if err := c.client.StartJob(ctx, id, stages); err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	c.mu.Lock()
	c.inFlight[id] = true
	c.mu.Unlock()

	// the polling loop must outlive this request
	c.pull.Start(context.Background())
	if err := c.ensureWatch(ctx, id); err != nil {
		// the pull channel still converges on its own; the push channel
		// can be re-established by a later Start or Watch
		c.logger.Warn("push channel unavailable, relying on pull only",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("job started",
		slog.String("job_id", id),
		slog.Int("stages", len(stages)),
	)
	return nil
}

// Cancel asks the server to cancel the job; permitted only while running
func (c *Controller) Cancel(ctx context.Context, id string) error {
	job, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status != model.StatusRunning {
		return &model.ConflictError{ID: id, Status: job.Status, Action: "cancel"}
	}

	if err := c.client.CancelJob(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	c.logger.Info("job cancel requested",
		slog.String("job_id", id),
	)
	return nil
}

// Download returns the artifact bundle for a finished job, caching it per
// (id, generation) so repeated downloads skip the upstream round trip
func (c *Controller) Download(ctx context.Context, id string) ([]byte, error) {
	job, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Downloadable() {
		return nil, &model.ConflictError{ID: id, Status: job.Status, Action: "download"}
	}

	cacheKey := fmt.Sprintf("artifacts:%s:%d", id, job.Generation)
	if cached, ok := c.artifacts.Get(cacheKey); ok {
		if bundle, ok := cached.([]byte); ok {
			return bundle, nil
		}
	}

	bundle, err := c.client.DownloadArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	c.artifacts.Set(cacheKey, bundle, c.cacheTTL)
	return bundle, nil
}

// UploadRequirements passes a requirements file upstream and returns its
// text for use in a subsequent Create
func (c *Controller) UploadRequirements(ctx context.Context, filename string, contents []byte) (string, error) {
	if len(contents) == 0 {
		return "", &model.ValidationError{Field: "file", Reason: "must not be empty"}
	}
	return c.client.UploadRequirements(ctx, filename, contents)
}

// ListStages returns the pipeline stages offered by the server
func (c *Controller) ListStages(ctx context.Context) ([]string, error) {
	return c.client.ListStages(ctx)
}

// Watch brings up the push channel for a job without starting it, for
// consumers attaching to an already-running job
func (c *Controller) Watch(ctx context.Context, id string) error {
	if _, err := c.store.Get(id); err != nil {
		return err
	}
	c.pull.Start(context.Background())
	return c.ensureWatch(ctx, id)
}

// Unwatch tears down the push channel for a job
func (c *Controller) Unwatch(id string) {
	c.mu.Lock()
	w, ok := c.watchers[id]
	delete(c.watchers, id)
	c.mu.Unlock()

	if ok {
		w.Unwatch()
	}
}

// Status reports the aggregate health of the engine
func (c *Controller) Status(ctx context.Context, upstreamURL string) model.SyncStatus {
	healthy := c.client.Health(ctx) == nil

	c.mu.Lock()
	channels := make([]model.ChannelHealth, 0, len(c.watchers))
	for _, w := range c.watchers {
		channels = append(channels, w.Health())
	}
	inFlight := len(c.inFlight)
	c.mu.Unlock()

	return model.SyncStatus{
		UpstreamURL:     upstreamURL,
		UpstreamHealthy: healthy,
		JobsKnown:       c.store.Len(),
		JobsInFlight:    inFlight,
		PullActive:      c.pull.Active(),
		LastPull:        c.pull.LastPull(),
		Channels:        channels,
	}
}

// Close tears down the subscription and both channels
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.mu.Lock()
	watchers := make([]watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.watchers = make(map[string]watcher)
	c.mu.Unlock()

	for _, w := range watchers {
		w.Unwatch()
	}
	c.pull.Stop()
}

// ensureWatch creates the per-job watcher on first use; Watch on an open
// watcher is a no-op
func (c *Controller) ensureWatch(ctx context.Context, id string) error {
	c.mu.Lock()
	w, ok := c.watchers[id]
	if !ok {
		var err error
		w, err = c.newWatcher()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.watchers[id] = w
	}
	c.mu.Unlock()

	return w.Watch(ctx, id)
}

// onChange reacts to published snapshots: a pending refetch triggers one
// out-of-band authoritative pull, and a terminal status removes the job
// from the in-flight set
func (c *Controller) onChange(job model.Job) {
	if job.RefetchPending {
		c.mu.Lock()
		already := c.refetching[job.ID]
		if !already {
			c.refetching[job.ID] = true
		}
		c.mu.Unlock()

		if !already {
			go func(id string) {
				defer func() {
					c.mu.Lock()
					delete(c.refetching, id)
					c.mu.Unlock()
				}()
				if err := c.pull.FetchJob(context.Background(), id); err != nil {
					// the next scheduled pull still clears the flag
					c.logger.Warn("terminal refetch failed, next tick retries",
						slog.String("job_id", id),
						slog.String("error", err.Error()),
					)
				}
			}(job.ID)
		}
		return
	}

	if job.Status.Terminal() {
		c.mu.Lock()
		delete(c.inFlight, job.ID)
		c.mu.Unlock()
	}
}
