package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/cache"
	"github.com/kirychukyurii/appgen-sync/internal/channel"
	"github.com/kirychukyurii/appgen-sync/internal/config"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// stubClient implements repository.GeneratorClient against an in-memory
// job table playing the role of the server
type stubClient struct {
	mu        sync.Mutex
	jobs      map[string]model.Job
	nextID    int
	started   []string
	cancelled []string
	downloads atomic.Int32
}

func newStubClient() *stubClient {
	return &stubClient{jobs: make(map[string]model.Job)}
}

func (s *stubClient) setJob(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *stubClient) Health(ctx context.Context) error { return nil }

func (s *stubClient) ListStages(ctx context.Context) ([]string, error) {
	return []string{"planning", "codegen", "validation"}, nil
}

func (s *stubClient) CreateJob(ctx context.Context, name, requirements string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("job-%d", s.nextID)
	s.jobs[id] = model.Job{
		ID:           id,
		Name:         name,
		Requirements: requirements,
		Status:       model.StatusCreated,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	return id, nil
}

func (s *stubClient) ListJobs(ctx context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *stubClient) GetJob(ctx context.Context, id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, &model.NotFoundError{ID: id}
	}
	return job, nil
}

func (s *stubClient) StartJob(ctx context.Context, id string, stages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return nil
}

func (s *stubClient) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *stubClient) DownloadArtifacts(ctx context.Context, id string) ([]byte, error) {
	s.downloads.Add(1)
	return []byte("zip-bundle-" + id), nil
}

func (s *stubClient) UploadRequirements(ctx context.Context, filename string, contents []byte) (string, error) {
	return string(contents), nil
}

// fakeWatcher records Watch/Unwatch calls without opening a connection
type fakeWatcher struct {
	mu      sync.Mutex
	watched string
	open    bool
}

func (f *fakeWatcher) Watch(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = id
	f.open = true
	return nil
}

func (f *fakeWatcher) Unwatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

func (f *fakeWatcher) Health() model.ChannelHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := model.ChannelClosed
	if f.open {
		state = model.ChannelOpen
	}
	return model.ChannelHealth{JobID: f.watched, State: state}
}

func newTestController(t *testing.T, client *stubClient) (*Controller, *store.Store, *fakeWatcher) {
	t.Helper()

	st := store.New(testLogger())
	puller := channel.NewPuller(config.SyncConfig{
		PullInterval:    time.Hour, // ticks never fire during a test
		PullConcurrency: 2,
	}, 2*time.Second, client, st, testLogger())

	fw := &fakeWatcher{}
	factory := func() (watcher, error) { return fw, nil }

	ctrl := New(client, st, puller, factory, cache.New(time.Minute), time.Minute, testLogger())
	t.Cleanup(ctrl.Close)
	return ctrl, st, fw
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func applyPartial(t *testing.T, st *store.Store, id string, patch model.StatusPatch) {
	t.Helper()
	if err := st.Apply(model.Update{
		Kind:       model.UpdatePartial,
		JobID:      id,
		Patch:      &patch,
		ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("partial apply failed: %v", err)
	}
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }
func floatPtr(f float64) *float64                  { return &f }

func TestCreateValidation(t *testing.T) {
	ctrl, _, _ := newTestController(t, newStubClient())

	var validation *model.ValidationError
	if _, err := ctrl.Create(context.Background(), "", "reqs"); !errors.As(err, &validation) {
		t.Fatalf("empty name: expected ValidationError, got %v", err)
	}
	if _, err := ctrl.Create(context.Background(), "App", "  "); !errors.As(err, &validation) {
		t.Fatalf("blank requirements: expected ValidationError, got %v", err)
	}
}

func TestCreateInsertsIntoStore(t *testing.T) {
	ctrl, st, _ := newTestController(t, newStubClient())

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if job.Status != model.StatusCreated || job.CompletionPercentage != 0 {
		t.Fatalf("unexpected created job: %+v", job)
	}

	stored, err := st.Get(job.ID)
	if err != nil {
		t.Fatalf("created job not in store: %v", err)
	}
	if stored.Name != "App" || stored.Requirements != "Build a todo app" {
		t.Fatalf("stored job lost fields: %+v", stored)
	}
}

// Scenario: create, start, partial progress to 65, completion signal,
// authoritative refetch delivers the final state with artifacts
func TestLifecycleToCompletion(t *testing.T) {
	client := newStubClient()
	ctrl, st, fw := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := ctrl.Start(context.Background(), job.ID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if fw.Health().JobID != job.ID {
		t.Fatalf("push channel not watching %s", job.ID)
	}

	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})
	applyPartial(t, st, job.ID, model.StatusPatch{CompletionPercentage: floatPtr(30)})
	applyPartial(t, st, job.ID, model.StatusPatch{CompletionPercentage: floatPtr(65)})

	current, _ := st.Get(job.ID)
	if current.CompletionPercentage != 65 {
		t.Fatalf("percentage = %.1f, want 65", current.CompletionPercentage)
	}

	// the server finishes; the terminal-signal triggers one refetch
	client.setJob(model.Job{
		ID:                   job.ID,
		Name:                 "App",
		Requirements:         "Build a todo app",
		Status:               model.StatusCompleted,
		CompletionPercentage: 100,
		Generation:           0,
		Artifacts: &model.Artifacts{
			ArchitectureSummary: "single page app",
			CodeFiles:           map[string]string{"main.go": "package main"},
		},
		CreatedAt: current.CreatedAt,
		UpdatedAt: time.Now(),
	})
	if err := st.Apply(model.Update{Kind: model.UpdateTerminalSignal, JobID: job.ID}); err != nil {
		t.Fatalf("terminal signal rejected: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := st.Get(job.ID)
		return err == nil && j.Status == model.StatusCompleted && !j.RefetchPending
	})

	final, _ := st.Get(job.ID)
	if final.CompletionPercentage != 100 {
		t.Fatalf("percentage = %.1f, want 100", final.CompletionPercentage)
	}
	if final.Artifacts == nil || final.Artifacts.CodeFiles["main.go"] == "" {
		t.Fatalf("artifacts missing after refetch: %+v", final)
	}
}

// Scenario: a stale lower percentage after the 65% update is discarded
func TestStalePartialDiscarded(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})
	applyPartial(t, st, job.ID, model.StatusPatch{CompletionPercentage: floatPtr(65)})

	err = st.Apply(model.Update{
		Kind:       model.UpdatePartial,
		JobID:      job.ID,
		Patch:      &model.StatusPatch{CompletionPercentage: floatPtr(10)},
		ReceivedAt: time.Now(),
	})
	var violation *model.ProtocolViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}

	current, _ := st.Get(job.ID)
	if current.CompletionPercentage != 65 {
		t.Fatalf("percentage = %.1f, want 65", current.CompletionPercentage)
	}
}

// Scenario: cancel before the job is running is a conflict
func TestCancelCreatedJobRejected(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var conflict *model.ConflictError
	if err := ctrl.Cancel(context.Background(), job.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(client.cancelled) != 0 {
		t.Fatal("cancel command sent despite conflict")
	}

	stored, _ := st.Get(job.ID)
	if stored.Status != model.StatusCreated {
		t.Fatalf("job mutated by rejected cancel: %+v", stored)
	}
}

// Scenario: restart after failure begins a new generation
func TestRestartAfterFailure(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})
	applyPartial(t, st, job.ID, model.StatusPatch{CompletionPercentage: floatPtr(80)})
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusFailed)})

	if err := ctrl.Start(context.Background(), job.ID, []string{"codegen"}); err != nil {
		t.Fatalf("restart rejected: %v", err)
	}

	failed, _ := st.Get(job.ID)
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})

	restarted, _ := st.Get(job.ID)
	if restarted.Generation != failed.Generation+1 {
		t.Fatalf("generation = %d, want %d", restarted.Generation, failed.Generation+1)
	}
	if restarted.CompletionPercentage != 0 {
		t.Fatalf("percentage = %.1f, want 0 after restart", restarted.CompletionPercentage)
	}
	if restarted.Artifacts != nil {
		t.Fatal("artifacts not cleared on restart")
	}
}

func TestStartRunningJobRejected(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})

	var conflict *model.ConflictError
	if err := ctrl.Start(context.Background(), job.ID, nil); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestStartUnknownJob(t *testing.T) {
	ctrl, _, _ := newTestController(t, newStubClient())

	var notFound *model.NotFoundError
	if err := ctrl.Start(context.Background(), "missing", nil); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDownloadGatedOnStatus(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var conflict *model.ConflictError
	if _, err := ctrl.Download(context.Background(), job.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for created job, got %v", err)
	}

	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusCompleted)})

	bundle, err := ctrl.Download(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if len(bundle) == 0 {
		t.Fatal("empty bundle")
	}

	// a second download is served from the cache
	if _, err := ctrl.Download(context.Background(), job.ID); err != nil {
		t.Fatalf("cached download failed: %v", err)
	}
	if client.downloads.Load() != 1 {
		t.Fatalf("upstream downloads = %d, want 1", client.downloads.Load())
	}
}

func TestTerminalStatusLeavesInFlight(t *testing.T) {
	client := newStubClient()
	ctrl, st, _ := newTestController(t, client)

	job, err := ctrl.Create(context.Background(), "App", "Build a todo app")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ctrl.Start(context.Background(), job.ID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	status := ctrl.Status(context.Background(), "http://upstream")
	if status.JobsInFlight != 1 {
		t.Fatalf("in flight = %d, want 1", status.JobsInFlight)
	}

	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusRunning)})
	applyPartial(t, st, job.ID, model.StatusPatch{Status: statusPtr(model.StatusCancelled)})

	waitFor(t, 2*time.Second, func() bool {
		return ctrl.Status(context.Background(), "http://upstream").JobsInFlight == 0
	})
}
