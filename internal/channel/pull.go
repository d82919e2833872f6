// Package channel implements the two update channels feeding the job
// store: a periodic pull of authoritative snapshots and a per-job push
// connection delivering partial patches.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/concurrent"
	"github.com/kirychukyurii/appgen-sync/internal/config"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/repository"
	"github.com/kirychukyurii/appgen-sync/internal/store"
)

// Puller periodically fetches the full job list and feeds full-replace
// snapshots into the store. Transient errors never stop the scheduler;
// the next tick is the retry.
type Puller struct {
	client      repository.GeneratorClient
	store       *store.Store
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	timeout     time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Bool
	lastPull atomic.Int64 // unix nanos of the last complete sync
}

// NewPuller creates a pull channel bound to the store
func NewPuller(cfg config.SyncConfig, requestTimeout time.Duration, client repository.GeneratorClient, st *store.Store, logger *slog.Logger) *Puller {
	return &Puller{
		client:      client,
		store:       st,
		logger:      logger,
		interval:    cfg.PullInterval,
		concurrency: cfg.PullConcurrency,
		timeout:     requestTimeout,
	}
}

// Start begins the polling loop. Calling Start while already running is a
// no-op, so the lifecycle controller can ensure the channel is active.
func (p *Puller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.logger.Info("starting pull channel",
		slog.Duration("interval", p.interval),
	)

	p.wg.Add(1)
	go p.run(ctx, p.stopCh)
}

// Stop halts the polling loop; only an explicit Stop ends polling
func (p *Puller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("pull channel stopped")
}

// Active reports whether the polling loop is running
func (p *Puller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastPull returns the time of the last sync that refreshed every job
func (p *Puller) LastPull() time.Time {
	nanos := p.lastPull.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (p *Puller) run(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// initial sync without waiting for the first tick
	p.tick(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick launches one sync cycle unless the previous one is still
// outstanding, which prevents request pile-up against a slow server
func (p *Puller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("previous fetch still outstanding, skipping tick")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.sync(ctx)
	}()
}

// sync lists jobs upstream and applies each job's full state to the store
func (p *Puller) sync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	summaries, err := p.client.ListJobs(ctx)
	if err != nil {
		// last good snapshots stay in place; the next tick retries
		p.logger.Warn("job list fetch failed",
			slog.String("error", err.Error()),
		)
		return
	}

	// the list endpoint returns summaries; fetch the complete state of
	// each job so the store only ever sees authoritative full snapshots
	results := concurrent.ParallelMapWithLimit(ctx, summaries, func(ctx context.Context, summary model.Job) (model.Job, error) {
		return p.client.GetJob(ctx, summary.ID)
	}, p.concurrency)

	failed := 0
	for _, result := range results {
		if result.Error != nil {
			failed++
			p.logger.Warn("job fetch failed",
				slog.String("job_id", summaries[result.Index].ID),
				slog.String("error", result.Error.Error()),
			)
			continue
		}
		p.apply(result.Value)
	}

	// a cycle that could not refresh every job is not a complete sync;
	// the stamp would mislead the status endpoint during an outage
	if failed > 0 {
		return
	}
	p.lastPull.Store(time.Now().UnixNano())
}

// FetchJob performs one authoritative pull of a single job outside the
// normal interval, used after a terminal-signal on the push channel
func (p *Puller) FetchJob(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	job, err := p.client.GetJob(ctx, id)
	if err != nil {
		p.logger.Warn("out-of-band job fetch failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.apply(job)
	return nil
}

func (p *Puller) apply(job model.Job) {
	// rejections are logged by the store; a discarded snapshot must not
	// abort the rest of the sync cycle
	_ = p.store.Apply(model.Update{
		Kind:       model.UpdateFull,
		JobID:      job.ID,
		Snapshot:   &job,
		ReceivedAt: time.Now(),
	})
}
