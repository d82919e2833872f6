// Package store holds the single authoritative in-memory table of jobs.
// All mutation funnels through Apply; reads return snapshots.
package store

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/reconcile"
)

// Subscriber is invoked with a snapshot copy on every published change
type Subscriber func(job model.Job)

// Store is the authoritative local job table. Both sync channels route
// their updates through Apply, which serializes merges so they are applied
// one at a time in arrival order.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*model.Job
	order  []string // job ids in order of first observation
	subs   map[string]Subscriber
	pubMu  sync.Mutex // serializes notifications in commit order
	logger *slog.Logger
}

// New creates an empty store
func New(logger *slog.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*model.Job),
		order:  make([]string, 0),
		subs:   make(map[string]Subscriber),
		logger: logger,
	}
}

// List returns snapshots of all known jobs in first-observation order
func (s *Store) List() []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

// Get returns a snapshot of the job with the given id
func (s *Store) Get(id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, &model.NotFoundError{ID: id}
	}
	return job.Clone(), nil
}

// Len returns the number of known jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Apply routes an update through the reconciler and publishes the merged
// snapshot to subscribers when it differs from the previous one. A
// rejected update is logged and returned; the stored snapshot is left
// untouched. Subscribers run outside the state lock, but pubMu is taken
// before the state lock is released so two racing applies cannot deliver
// their snapshots in inverted order.
func (s *Store) Apply(u model.Update) error {
	s.mu.Lock()
	current := s.jobs[u.JobID]

	merged, err := reconcile.Merge(current, u)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("update discarded",
			slog.String("job_id", u.JobID),
			slog.String("kind", string(u.Kind)),
			slog.String("error", err.Error()),
		)
		return err
	}

	changed := current == nil || !current.Equal(&merged)
	if current == nil {
		s.order = append(s.order, u.JobID)
	}
	s.jobs[u.JobID] = &merged

	if !changed {
		s.mu.Unlock()
		return nil
	}

	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.pubMu.Lock()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(merged.Clone())
	}
	s.pubMu.Unlock()
	return nil
}

// Subscribe registers a listener invoked on every published change and
// returns its deregistration handle
func (s *Store) Subscribe(fn Subscriber) (cancel func()) {
	id := uuid.NewString()

	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
