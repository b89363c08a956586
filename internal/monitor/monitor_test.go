package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanichwdry/videoexpressai/internal/engine"
	"github.com/nanichwdry/videoexpressai/internal/job"
	"github.com/nanichwdry/videoexpressai/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startedJob(t *testing.T, s *store.Store) string {
	t.Helper()
	ctx := context.Background()
	j, err := s.CreateJob(ctx, job.TypeVideo, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := job.ProgressStarted
	if _, err := s.UpdateJob(ctx, j.ID, store.JobUpdate{Status: job.StatusRunning, Progress: &p, Heartbeat: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return j.ID
}

func TestSweepUsesStrictCutoff(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), store.Options{Now: c.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	stale := startedJob(t, s)
	c.Advance(time.Second)
	edge := startedJob(t, s)
	queued, err := s.CreateJob(ctx, job.TypeTTS, nil)
	if err != nil {
		t.Fatalf("create queued: %v", err)
	}

	m := New(s, Options{Timeout: 600 * time.Second, Now: c.Now})
	// stale heartbeat is 601s old, edge is exactly 600s old.
	c.Advance(600 * time.Second)
	ids, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Fatalf("expected only %s to time out, got %v", stale, ids)
	}

	got, _, _ := s.GetJob(ctx, stale)
	if got.Status != job.StatusFailed || got.ErrorCode != job.CodeWorkerTimeout || got.ErrorMessage != job.MessageWorkerTimeout {
		t.Fatalf("unexpected timed out job %+v", got)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at must be set")
	}
	if st, _, _ := s.GetStatus(ctx, edge); st != job.StatusRunning {
		t.Fatalf("job at the exact cutoff must stay RUNNING, got %s", st)
	}
	if st, _, _ := s.GetStatus(ctx, queued.ID); st != job.StatusQueued {
		t.Fatalf("QUEUED jobs are never reclaimed, got %s", st)
	}

	c.Advance(time.Millisecond)
	ids, err = m.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != edge {
		t.Fatalf("expected %s after the cutoff passes, got %v", edge, ids)
	}
}

func TestSweepSkipsCanceledAndRecentJobs(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), store.Options{Now: c.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	canceled := startedJob(t, s)
	if _, _, err := s.CancelJob(ctx, canceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	beating := startedJob(t, s)

	c.Advance(time.Hour)
	p := 50
	if _, err := s.UpdateJob(ctx, beating, store.JobUpdate{Progress: &p, Heartbeat: true}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	ids, err := New(s, Options{Now: c.Now}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected nothing to time out, got %v", ids)
	}
	if st, _, _ := s.GetStatus(ctx, canceled); st != job.StatusCanceled {
		t.Fatalf("canceled job must stay canceled, got %s", st)
	}
}

// countingFailer closes done on call doneAt and panics on call panicAt.
type countingFailer struct {
	mu      sync.Mutex
	calls   int
	doneAt  int
	panicAt int
	done    chan struct{}
}

func (f *countingFailer) FailStaleJobs(context.Context, time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == f.doneAt {
		close(f.done)
	}
	if f.calls == f.panicAt {
		panic("sweep blew up")
	}
	return nil, nil
}

func runUntilDone(t *testing.T, m *Monitor, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not sweep")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	t.Parallel()
	f := &countingFailer{doneAt: 2, done: make(chan struct{})}
	runUntilDone(t, New(f, Options{Interval: time.Millisecond}), f.done)
}

func TestRunSweepsAtStartup(t *testing.T) {
	t.Parallel()
	f := &countingFailer{doneAt: 1, done: make(chan struct{})}
	runUntilDone(t, New(f, Options{Interval: time.Hour}), f.done)
}

func TestRunSurvivesPanickingSweep(t *testing.T) {
	t.Parallel()
	f := &countingFailer{doneAt: 3, panicAt: 1, done: make(chan struct{})}
	runUntilDone(t, New(f, Options{Interval: time.Millisecond}), f.done)
}

type fakePurger struct {
	mu    sync.Mutex
	calls []time.Duration
	done  chan struct{}
}

func (p *fakePurger) PurgeExpired(_ context.Context, olderThan time.Duration, execute bool) (engine.PurgeReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, olderThan)
	if len(p.calls) == 1 {
		close(p.done)
	}
	return engine.PurgeReport{DryRun: !execute, Deleted: 1}, nil
}

func TestJanitorPurgesWithRetention(t *testing.T) {
	t.Parallel()
	p := &fakePurger{done: make(chan struct{})}
	j := NewJanitor(p, time.Millisecond, 72*time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- j.Run(ctx) }()

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not run")
	}
	cancel()
	<-errCh

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls[0] != 72*time.Hour {
		t.Fatalf("unexpected retention %v", p.calls[0])
	}
}

func TestJanitorDisabledWithoutRetention(t *testing.T) {
	t.Parallel()
	p := &fakePurger{done: make(chan struct{})}
	if err := NewJanitor(p, time.Millisecond, 0, nil).Run(context.Background()); err != nil {
		t.Fatalf("disabled janitor returned %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatal("disabled janitor must not purge")
	}
}
