package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanichwdry/videoexpressai/internal/job"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"), Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func createJob(t *testing.T, s *Store, ctx context.Context) job.Job {
	t.Helper()
	j, err := s.CreateJob(ctx, job.TypeVideo, json.RawMessage(`{"prompt":"sunset"}`))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func mustGetJob(t *testing.T, s *Store, ctx context.Context, id string) job.Job {
	t.Helper()
	j, found, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	if !found {
		t.Fatalf("job %s not found", id)
	}
	return j
}

func mustUpdate(t *testing.T, s *Store, ctx context.Context, id string, u JobUpdate) bool {
	t.Helper()
	applied, err := s.UpdateJob(ctx, id, u)
	if err != nil {
		t.Fatalf("update job %s: %v", id, err)
	}
	return applied
}

func intPtr(v int) *int { return &v }

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)

	created := createJob(t, s, ctx)
	got := mustGetJob(t, s, ctx, created.ID)
	if got.Status != job.StatusQueued || got.Progress != 0 {
		t.Fatalf("expected fresh QUEUED job, got %+v", got)
	}
	if got.Type != job.TypeVideo {
		t.Fatalf("unexpected type %s", got.Type)
	}
	if string(got.Params) != `{"prompt":"sunset"}` {
		t.Fatalf("params not preserved: %s", got.Params)
	}
	if !got.CreatedAt.Equal(clock.Now()) || !got.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected timestamps %v %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.LastHeartbeatAt != nil {
		t.Fatalf("lifecycle timestamps must be unset, got %+v", got)
	}
	if len(got.OutputURLs) != 0 || got.ExternalID != "" {
		t.Fatalf("unexpected outputs or external id: %+v", got)
	}

	if _, found, err := s.GetJob(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing job, found=%v err=%v", found, err)
	}
}

func TestCreateJobDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	j, err := s.CreateJob(ctx, " tts ", nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.Type != job.TypeTTS || string(j.Params) != `{}` {
		t.Fatalf("expected normalized type and empty params, got %s %s", j.Type, j.Params)
	}
	if _, err := s.CreateJob(ctx, "", nil); err == nil {
		t.Fatal("expected empty type to be rejected")
	}
	if _, err := s.CreateJob(ctx, job.TypeVideo, json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected invalid params to be rejected")
	}
}

func TestUpdateJobFollowsStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)
	j := createJob(t, s, ctx)

	if mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusSucceeded}) {
		t.Fatal("QUEUED -> SUCCEEDED must be rejected")
	}
	if !mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning, Progress: intPtr(job.ProgressStarted), Heartbeat: true}) {
		t.Fatal("QUEUED -> RUNNING should apply")
	}
	running := mustGetJob(t, s, ctx, j.ID)
	if running.StartedAt == nil || !running.StartedAt.Equal(clock.Now()) {
		t.Fatalf("started_at not set: %v", running.StartedAt)
	}
	if running.LastHeartbeatAt == nil {
		t.Fatal("heartbeat not recorded")
	}

	clock.Advance(time.Minute)
	if mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning}) {
		t.Fatal("RUNNING -> RUNNING must be rejected")
	}
	if got := mustGetJob(t, s, ctx, j.ID); !got.StartedAt.Equal(*running.StartedAt) {
		t.Fatalf("started_at must be set once, got %v", got.StartedAt)
	}

	if !mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusFailed, ErrorCode: job.CodeExecution, ErrorMessage: "boom"}) {
		t.Fatal("RUNNING -> FAILED should apply")
	}
	failed := mustGetJob(t, s, ctx, j.ID)
	if failed.FinishedAt == nil || failed.ErrorCode != job.CodeExecution || failed.ErrorMessage != "boom" {
		t.Fatalf("unexpected failed job %+v", failed)
	}

	clock.Advance(time.Minute)
	for _, u := range []JobUpdate{
		{Status: job.StatusSucceeded},
		{Status: job.StatusCanceled, ErrorCode: job.CodeUserCanceled},
		{Progress: intPtr(80)},
		{Heartbeat: true},
	} {
		if mustUpdate(t, s, ctx, j.ID, u) {
			t.Fatalf("update %+v must not apply to terminal job", u)
		}
	}
	final := mustGetJob(t, s, ctx, j.ID)
	if final.Status != job.StatusFailed || !final.FinishedAt.Equal(*failed.FinishedAt) || !final.UpdatedAt.Equal(failed.UpdatedAt) {
		t.Fatalf("terminal job changed: %+v", final)
	}
}

func TestUpdateJobRejectsInconsistentFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)

	cases := []JobUpdate{
		{Status: "PAUSED"},
		{Status: job.StatusRunning, OutputURLs: []string{"https://x/out.mp4"}},
		{Status: job.StatusRunning, ErrorCode: job.CodeInternal},
		{Status: job.StatusFailed},
		{ErrorCode: job.CodeInternal},
	}
	for _, u := range cases {
		if _, err := s.UpdateJob(ctx, j.ID, u); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("expected ErrInvalidUpdate for %+v, got %v", u, err)
		}
	}
	if _, err := s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{Status: job.StatusCanceled, ErrorCode: job.CodeUserCanceled}); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected terminal write to reject CANCELED, got %v", err)
	}
	if _, err := s.UpdateJob(ctx, "missing", JobUpdate{Heartbeat: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning, Progress: intPtr(5)})

	for _, p := range []int{40, 20, 60, 10} {
		mustUpdate(t, s, ctx, j.ID, JobUpdate{Progress: intPtr(p), Heartbeat: true})
	}
	if got := mustGetJob(t, s, ctx, j.ID).Progress; got != 60 {
		t.Fatalf("expected progress 60, got %d", got)
	}
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Progress: intPtr(250)})
	if got := mustGetJob(t, s, ctx, j.ID).Progress; got != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", got)
	}
}

func TestExternalIDIsSetOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})

	mustUpdate(t, s, ctx, j.ID, JobUpdate{ExternalID: "ext-1"})
	mustUpdate(t, s, ctx, j.ID, JobUpdate{ExternalID: "ext-2"})
	if got := mustGetJob(t, s, ctx, j.ID).ExternalID; got != "ext-1" {
		t.Fatalf("external id must be immutable, got %s", got)
	}
}

func TestFromGuardNarrowsUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)

	if mustUpdate(t, s, ctx, j.ID, JobUpdate{Progress: intPtr(30), From: []string{job.StatusRunning}}) {
		t.Fatal("update guarded on RUNNING must not apply to QUEUED job")
	}
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})
	if !mustUpdate(t, s, ctx, j.ID, JobUpdate{Progress: intPtr(30), From: []string{job.StatusRunning}}) {
		t.Fatal("update guarded on RUNNING should apply")
	}
}

func TestCancelJobIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)
	j := createJob(t, s, ctx)

	status, changed, err := s.CancelJob(ctx, j.ID)
	if err != nil || status != job.StatusCanceled || !changed {
		t.Fatalf("first cancel: status=%s changed=%v err=%v", status, changed, err)
	}
	first := mustGetJob(t, s, ctx, j.ID)
	if first.ErrorCode != job.CodeUserCanceled || first.ErrorMessage != job.MessageUserCanceled || first.FinishedAt == nil {
		t.Fatalf("unexpected canceled job %+v", first)
	}

	clock.Advance(time.Second)
	status, changed, err = s.CancelJob(ctx, j.ID)
	if err != nil || status != job.StatusCanceled || changed {
		t.Fatalf("second cancel: status=%s changed=%v err=%v", status, changed, err)
	}
	if second := mustGetJob(t, s, ctx, j.ID); !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("second cancel must not write")
	}

	if _, _, err := s.CancelJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelSucceededJobReportsSucceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)
	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})
	applied, err := s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{
		Status:     job.StatusSucceeded,
		Progress:   intPtr(100),
		OutputURLs: []string{"https://x/out.mp4"},
	})
	if err != nil || !applied {
		t.Fatalf("success write: applied=%v err=%v", applied, err)
	}
	before := mustGetJob(t, s, ctx, j.ID)

	clock.Advance(time.Second)
	status, changed, err := s.CancelJob(ctx, j.ID)
	if err != nil || status != job.StatusSucceeded || changed {
		t.Fatalf("cancel on succeeded: status=%s changed=%v err=%v", status, changed, err)
	}
	after := mustGetJob(t, s, ctx, j.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.ErrorCode != "" {
		t.Fatalf("succeeded job must be untouched, got %+v", after)
	}
	if len(after.OutputURLs) != 1 || after.OutputURLs[0] != "https://x/out.mp4" || after.Progress != 100 {
		t.Fatalf("unexpected outputs %+v", after)
	}
}

func TestTerminalWriteIsDiscardedAfterCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})

	if _, _, err := s.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	applied, err := s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{
		Status:     job.StatusSucceeded,
		OutputURLs: []string{"https://x/out.mp4"},
	})
	if err != nil {
		t.Fatalf("terminal write: %v", err)
	}
	if applied {
		t.Fatal("success write must not apply to canceled job")
	}
	got := mustGetJob(t, s, ctx, j.ID)
	if got.Status != job.StatusCanceled || len(got.OutputURLs) != 0 {
		t.Fatalf("canceled job changed: %+v", got)
	}
}

func TestConcurrentCancelAndSuccessAgree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	for i := 0; i < 20; i++ {
		j := createJob(t, s, ctx)
		mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})

		var wg sync.WaitGroup
		var successApplied, cancelChanged bool
		var successErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			successApplied, successErr = s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{
				Status:     job.StatusSucceeded,
				OutputURLs: []string{"https://x/out.mp4"},
			})
		}()
		go func() {
			defer wg.Done()
			_, cancelChanged, cancelErr = s.CancelJob(ctx, j.ID)
		}()
		wg.Wait()
		if successErr != nil || cancelErr != nil {
			t.Fatalf("race errors: success=%v cancel=%v", successErr, cancelErr)
		}
		if successApplied == cancelChanged {
			t.Fatalf("exactly one terminal write must win: success=%v cancel=%v", successApplied, cancelChanged)
		}
		got := mustGetJob(t, s, ctx, j.ID)
		if successApplied && got.Status != job.StatusSucceeded {
			t.Fatalf("expected SUCCEEDED, got %s", got.Status)
		}
		if cancelChanged && (got.Status != job.StatusCanceled || len(got.OutputURLs) != 0) {
			t.Fatalf("expected clean CANCELED, got %+v", got)
		}
	}
}

func TestFailStaleJobsUsesStrictCutoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)
	timeout := 600 * time.Second

	stale := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, stale.ID, JobUpdate{Status: job.StatusRunning, Heartbeat: true})
	t0 := clock.Now()

	noHeartbeat := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, noHeartbeat.ID, JobUpdate{Status: job.StatusRunning})
	queued := createJob(t, s, ctx)

	clock.Advance(timeout)
	ids, err := s.FailStaleJobs(ctx, clock.Now().Add(-timeout))
	if err != nil {
		t.Fatalf("sweep at exact timeout: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("heartbeat exactly at cutoff must survive, reclaimed %v", ids)
	}

	clock.Advance(time.Second)
	ids, err = s.FailStaleJobs(ctx, clock.Now().Add(-timeout))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expected only %s reclaimed, got %v", stale.ID, ids)
	}
	got := mustGetJob(t, s, ctx, stale.ID)
	if got.Status != job.StatusFailed || got.ErrorCode != job.CodeWorkerTimeout || got.ErrorMessage != job.MessageWorkerTimeout {
		t.Fatalf("unexpected reclaimed job %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(t0.Add(601*time.Second)) {
		t.Fatalf("unexpected finished_at %v", got.FinishedAt)
	}
	if st := mustGetJob(t, s, ctx, noHeartbeat.ID).Status; st != job.StatusRunning {
		t.Fatalf("job without heartbeat must be left alone, got %s", st)
	}
	if st := mustGetJob(t, s, ctx, queued.ID).Status; st != job.StatusQueued {
		t.Fatalf("queued job must be left alone, got %s", st)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createJob(t, s, ctx).ID)
		clock.Advance(time.Second)
	}
	jobs, err := s.ListJobs(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, want := range []string{ids[4], ids[3], ids[2]} {
		if jobs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, jobs[i].ID)
		}
	}
	all, err := s.ListJobs(ctx, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("default limit list: %d jobs, err=%v", len(all), err)
	}

	mustUpdate(t, s, ctx, ids[1], JobUpdate{Status: job.StatusRunning})
	running, err := s.ListJobsByStatus(ctx, job.StatusRunning)
	if err != nil || len(running) != 1 || running[0].ID != ids[1] {
		t.Fatalf("unexpected running list %v err=%v", running, err)
	}
}

func TestListExpiredJobsOnlyTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := openTestStore(t)

	old := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, old.ID, JobUpdate{Status: job.StatusCanceled, ErrorCode: job.CodeUserCanceled})
	oldRunning := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, oldRunning.ID, JobUpdate{Status: job.StatusRunning})

	clock.Advance(8 * 24 * time.Hour)
	fresh := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, fresh.ID, JobUpdate{Status: job.StatusCanceled, ErrorCode: job.CodeUserCanceled})

	expired, err := s.ListExpiredJobs(ctx, clock.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only %s, got %v", old.ID, expired)
	}
}

func TestDeleteJobReturnsOutputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})
	if _, err := s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{
		Status:     job.StatusSucceeded,
		OutputURLs: []string{"file:///tmp/a.mp4", "s3://bucket/b.mp4"},
	}); err != nil {
		t.Fatalf("success write: %v", err)
	}

	urls, err := s.DeleteJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(urls) != 2 || urls[0] != "file:///tmp/a.mp4" {
		t.Fatalf("unexpected urls %v", urls)
	}
	if _, found, _ := s.GetJob(ctx, j.ID); found {
		t.Fatal("job should be gone")
	}
	if _, err := s.DeleteJob(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListOutputURLsAcrossJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	for _, outputs := range [][]string{
		{"file:///out/a.mp4"},
		{"s3://bucket/b.mp4", "file:///out/c.mp4"},
	} {
		j := createJob(t, s, ctx)
		mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning})
		if _, err := s.WriteTerminalIfNotCanceled(ctx, j.ID, JobUpdate{Status: job.StatusSucceeded, OutputURLs: outputs}); err != nil {
			t.Fatalf("success write: %v", err)
		}
	}
	createJob(t, s, ctx)

	urls, err := s.ListOutputURLs(ctx)
	if err != nil {
		t.Fatalf("list output urls: %v", err)
	}
	got := map[string]bool{}
	for _, u := range urls {
		got[u] = true
	}
	if len(urls) != 3 || !got["file:///out/a.mp4"] || !got["s3://bucket/b.mp4"] || !got["file:///out/c.mp4"] {
		t.Fatalf("unexpected urls %v", urls)
	}
}

func TestWithRetryExhaustsToUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	errBusy := errors.New("database is locked")
	s.transient = func(err error) bool { return errors.Is(err, errBusy) }
	s.retryDelay = time.Millisecond

	calls := 0
	err := s.withRetry(ctx, "ping", func() error {
		calls++
		return errBusy
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	calls = 0
	err = s.withRetry(ctx, "ping", func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected recovery on third attempt, calls=%d err=%v", calls, err)
	}

	permanent := errors.New("constraint failed")
	calls = 0
	if err := s.withRetry(ctx, "ping", func() error { calls++; return permanent }); !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("non-transient errors must not retry, calls=%d err=%v", calls, err)
	}
}

func TestLockedDatabaseReportsUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	holder, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	j, err := holder.CreateJob(ctx, job.TypeVideo, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	contender, err := Open(path, Options{BusyTimeout: 20 * time.Millisecond, RetryAttempts: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("open contender: %v", err)
	}
	defer contender.Close()

	tx, err := holder.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET progress = progress WHERE job_id = ?`, j.ID); err != nil {
		t.Fatalf("take write lock: %v", err)
	}

	_, err = contender.UpdateJob(ctx, j.ID, JobUpdate{Status: job.StatusRunning})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable under lock, got %v", err)
	}
	tx.Rollback()

	applied, err := contender.UpdateJob(ctx, j.ID, JobUpdate{Status: job.StatusRunning})
	if err != nil || !applied {
		t.Fatalf("update after unlock: applied=%v err=%v", applied, err)
	}
}

func TestModerncDriver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"), Options{Driver: DriverModernc})
	if err != nil {
		t.Fatalf("open modernc store: %v", err)
	}
	defer s.Close()
	if s.Driver() != DriverModernc {
		t.Fatalf("unexpected driver %s", s.Driver())
	}

	j := createJob(t, s, ctx)
	mustUpdate(t, s, ctx, j.ID, JobUpdate{Status: job.StatusRunning, Progress: intPtr(5), Heartbeat: true})
	status, changed, err := s.CancelJob(ctx, j.ID)
	if err != nil || !changed || status != job.StatusCanceled {
		t.Fatalf("cancel on modernc: status=%s changed=%v err=%v", status, changed, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "jobs.db"), Options{Driver: "postgres"}); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}
