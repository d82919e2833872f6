package store

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fullUpdate(id string, status model.JobStatus, pct float64) model.Update {
	job := model.Job{
		ID:                   id,
		Name:                 "job " + id,
		Status:               status,
		CompletionPercentage: pct,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	return model.Update{
		Kind:       model.UpdateFull,
		JobID:      id,
		Snapshot:   &job,
		ReceivedAt: time.Now(),
	}
}

func TestListInsertionOrder(t *testing.T) {
	s := New(testLogger())

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Apply(fullUpdate(id, model.StatusCreated, 0)); err != nil {
			t.Fatalf("apply %s failed: %v", id, err)
		}
	}
	// re-observing an id must not change its position
	if err := s.Apply(fullUpdate("a", model.StatusRunning, 10)); err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}

	jobs := s.List()
	got := make([]string, 0, len(jobs))
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestGetUnknownJob(t *testing.T) {
	s := New(testLogger())

	_, err := s.Get("missing")
	var notFound *model.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSubscribePublishesChanges(t *testing.T) {
	s := New(testLogger())

	var seen []model.Job
	cancel := s.Subscribe(func(job model.Job) {
		seen = append(seen, job)
	})
	defer cancel()

	if err := s.Apply(fullUpdate("j1", model.StatusCreated, 0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := s.Apply(fullUpdate("j1", model.StatusRunning, 25)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	if seen[1].Status != model.StatusRunning {
		t.Fatalf("last notification status = %s, want running", seen[1].Status)
	}
}

func TestIdenticalSnapshotNotRepublished(t *testing.T) {
	s := New(testLogger())

	job := model.Job{
		ID:        "j1",
		Name:      "job j1",
		Status:    model.StatusRunning,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	update := model.Update{
		Kind:     model.UpdateFull,
		JobID:    "j1",
		Snapshot: &job,
	}
	if err := s.Apply(update); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	notified := 0
	cancel := s.Subscribe(func(model.Job) { notified++ })
	defer cancel()

	// the same authoritative snapshot again must not notify
	if err := s.Apply(update); err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if notified != 0 {
		t.Fatalf("got %d notifications for identical snapshot, want 0", notified)
	}
}

func TestConcurrentAppliesNotifyInCommitOrder(t *testing.T) {
	s := New(testLogger())
	if err := s.Apply(fullUpdate("j1", model.StatusRunning, 0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var mu sync.Mutex
	var seen []float64
	cancel := s.Subscribe(func(job model.Job) {
		mu.Lock()
		seen = append(seen, job.CompletionPercentage)
		mu.Unlock()
	})
	defer cancel()

	// regressions are rejected, so every accepted apply raises the stored
	// percentage; a subscriber must therefore never observe it go down
	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(pct float64) {
			defer wg.Done()
			_ = s.Apply(model.Update{
				Kind:       model.UpdatePartial,
				JobID:      "j1",
				Patch:      &model.StatusPatch{CompletionPercentage: &pct},
				ReceivedAt: time.Now(),
			})
		}(float64(i))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no notifications delivered")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("notifications out of commit order: %v", seen)
		}
	}
	if last := seen[len(seen)-1]; last != 40 {
		t.Fatalf("last notification = %.0f, want the final snapshot 40", last)
	}
}

func TestRejectedUpdateKeepsSnapshot(t *testing.T) {
	s := New(testLogger())

	if err := s.Apply(fullUpdate("j1", model.StatusRunning, 65)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	pct := 10.0
	err := s.Apply(model.Update{
		Kind:       model.UpdatePartial,
		JobID:      "j1",
		Patch:      &model.StatusPatch{CompletionPercentage: &pct},
		ReceivedAt: time.Now(),
	})
	var violation *model.ProtocolViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}

	job, err := s.Get("j1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.CompletionPercentage != 65 {
		t.Fatalf("percentage = %.1f, want 65 untouched", job.CompletionPercentage)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New(testLogger())

	notified := 0
	cancel := s.Subscribe(func(model.Job) { notified++ })

	if err := s.Apply(fullUpdate("j1", model.StatusCreated, 0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	cancel()
	if err := s.Apply(fullUpdate("j1", model.StatusRunning, 10)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if notified != 1 {
		t.Fatalf("got %d notifications, want 1", notified)
	}
}
