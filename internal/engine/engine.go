// Package engine drives jobs from QUEUED to a terminal state. Each job runs
// in its own goroutine and coordinates with cancellation and the heartbeat
// monitor only through the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanichwdry/videoexpressai/internal/artifacts"
	"github.com/nanichwdry/videoexpressai/internal/job"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/store"
	"github.com/nanichwdry/videoexpressai/internal/worker"
)

var (
	ErrNotFound       = store.ErrNotFound
	ErrInvalidRequest = errors.New("invalid request")

	// errStopped ends a job run without a further write.
	errStopped = errors.New("job run stopped")
)

// Store is the persistence the engine needs.
type Store interface {
	CreateJob(ctx context.Context, jobType string, params json.RawMessage) (job.Job, error)
	GetJob(ctx context.Context, jobID string) (job.Job, bool, error)
	GetStatus(ctx context.Context, jobID string) (string, bool, error)
	ListJobs(ctx context.Context, limit int) ([]job.Job, error)
	ListJobsByStatus(ctx context.Context, status string) ([]job.Job, error)
	ListExpiredJobs(ctx context.Context, before time.Time) ([]job.Job, error)
	UpdateJob(ctx context.Context, jobID string, u store.JobUpdate) (bool, error)
	WriteTerminalIfNotCanceled(ctx context.Context, jobID string, u store.JobUpdate) (bool, error)
	CancelJob(ctx context.Context, jobID string) (string, bool, error)
	DeleteJob(ctx context.Context, jobID string) ([]string, error)
	ListOutputURLs(ctx context.Context) ([]string, error)
}

type Stitcher interface {
	Stitch(ctx context.Context, jobID string, req job.StitchRequest) (string, error)
}

type Validator interface {
	Applies(url string) bool
	Validate(ctx context.Context, url string) (bool, error)
}

type Artifacts interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
	Clean(ctx context.Context, locator string) (bool, error)
}

type Options struct {
	Store              Store
	Workers            *worker.Router
	Stitcher           Stitcher
	Validator          Validator
	Artifacts          Artifacts
	PollInterval       time.Duration
	PollRetries        int
	PollRetryDelay     time.Duration
	ColdStartThreshold time.Duration
	Logger             *logrus.Logger
	Now                func() time.Time
}

type Service struct {
	store              Store
	workers            *worker.Router
	stitcher           Stitcher
	validator          Validator
	artifacts          Artifacts
	pollInterval       time.Duration
	pollRetries        int
	pollRetryDelay     time.Duration
	coldStartThreshold time.Duration
	log                *logrus.Entry
	now                func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollRetries <= 0 {
		opts.PollRetries = 3
	}
	if opts.PollRetryDelay <= 0 {
		opts.PollRetryDelay = time.Second
	}
	if opts.ColdStartThreshold <= 0 {
		opts.ColdStartThreshold = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		store:              opts.Store,
		workers:            opts.Workers,
		stitcher:           opts.Stitcher,
		validator:          opts.Validator,
		artifacts:          opts.Artifacts,
		pollInterval:       opts.PollInterval,
		pollRetries:        opts.PollRetries,
		pollRetryDelay:     opts.PollRetryDelay,
		coldStartThreshold: opts.ColdStartThreshold,
		log:                logging.Component(opts.Logger, "engine"),
		now:                opts.Now,
		baseCtx:            baseCtx,
		stop:               stop,
	}, nil
}

// WorkersConfigured reports whether any remote worker endpoint is set.
func (s *Service) WorkersConfigured() bool {
	return s.workers.Configured()
}

// Shutdown stops every job goroutine and waits for them, or for ctx.
// Interrupted jobs keep their persisted state and are picked up by Recover
// or the heartbeat monitor.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched job goroutine has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) CreateJob(ctx context.Context, req job.CreateJobRequest) (job.Job, error) {
	jobType := job.NormalizeType(req.Type)
	if jobType == "" {
		return job.Job{}, fmt.Errorf("%w: type required", ErrInvalidRequest)
	}
	if jobType == job.TypeExport {
		return job.Job{}, fmt.Errorf("%w: export jobs are created through the timeline stitch endpoint", ErrInvalidRequest)
	}
	if trimmed := strings.TrimSpace(string(req.Params)); trimmed != "" && trimmed != "null" && !strings.HasPrefix(trimmed, "{") {
		return job.Job{}, fmt.Errorf("%w: params must be a json object", ErrInvalidRequest)
	}
	j, err := s.store.CreateJob(ctx, jobType, req.Params)
	if err != nil {
		return job.Job{}, err
	}
	logging.Audit(s.log, "info", "engine.job_created", "", map[string]any{"job_id": j.ID, "type": j.Type})
	s.dispatch(j)
	return j, nil
}

func (s *Service) CreateStitchJob(ctx context.Context, req job.StitchRequest) (job.Job, error) {
	if len(req.Clips) == 0 {
		return job.Job{}, fmt.Errorf("%w: at least one clip is required", ErrInvalidRequest)
	}
	for i, c := range req.Clips {
		if strings.TrimSpace(c.URL) == "" {
			return job.Job{}, fmt.Errorf("%w: clip %d has no url", ErrInvalidRequest, i)
		}
	}
	if req.Captions == nil {
		req.Captions = []job.Caption{}
	}
	params, err := json.Marshal(req)
	if err != nil {
		return job.Job{}, err
	}
	j, err := s.store.CreateJob(ctx, job.TypeExport, params)
	if err != nil {
		return job.Job{}, err
	}
	logging.Audit(s.log, "info", "engine.job_created", "", map[string]any{"job_id": j.ID, "type": j.Type, "clips": len(req.Clips)})
	s.dispatch(j)
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (job.JobView, error) {
	j, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.JobView{}, err
	}
	if !found {
		return job.JobView{}, ErrNotFound
	}
	return job.View(j, s.statusHint(j)), nil
}

// statusHint flags a RUNNING job whose worker has not reported any
// progress for longer than the cold-start threshold.
func (s *Service) statusHint(j job.Job) string {
	if j.Status != job.StatusRunning || j.Progress > job.ProgressSubmitted {
		return ""
	}
	if s.now().Sub(j.CreatedAt) > s.coldStartThreshold {
		return job.HintWarmingGPU
	}
	return ""
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]job.JobSummary, error) {
	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]job.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, job.Summarize(j))
	}
	return out, nil
}

// CancelJob is idempotent: a job already in a terminal state is reported
// as-is without a write.
func (s *Service) CancelJob(ctx context.Context, jobID string) (job.CancelJobResponse, error) {
	status, changed, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return job.CancelJobResponse{}, err
	}
	resp := job.CancelJobResponse{JobID: jobID, Status: status}
	if changed {
		resp.Message = "Job canceled successfully"
		logging.Audit(s.log, "info", "engine.job_canceled", "", map[string]any{"job_id": jobID})
	} else {
		resp.Message = "Job already in terminal state"
	}
	return resp, nil
}

// DeleteJob removes the record, then its artifacts. Artifact failures are
// logged and only reduce the cleaned count.
func (s *Service) DeleteJob(ctx context.Context, jobID string) (job.DeleteJobResponse, error) {
	urls, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return job.DeleteJobResponse{}, err
	}
	cleaned := s.cleanArtifacts(ctx, jobID, urls)
	logging.Audit(s.log, "info", "engine.job_deleted", "", map[string]any{
		"job_id":            jobID,
		"artifacts":         len(urls),
		"artifacts_cleaned": cleaned,
	})
	return job.DeleteJobResponse{JobID: jobID, Deleted: true, ArtifactsCleaned: cleaned}, nil
}

func (s *Service) cleanArtifacts(ctx context.Context, jobID string, urls []string) int {
	if s.artifacts == nil {
		return 0
	}
	cleaned := 0
	for _, u := range urls {
		ok, err := s.artifacts.Clean(ctx, u)
		if err != nil {
			level := "error"
			if errors.Is(err, artifacts.ErrNotCleanable) {
				level = "info"
			}
			logging.Audit(s.log, level, "engine.artifact_cleanup", "", map[string]any{
				"job_id": jobID,
				"url":    u,
				"error":  err.Error(),
			})
			continue
		}
		if ok {
			cleaned++
		}
	}
	return cleaned
}

// Recover resumes work left behind by a previous process. QUEUED jobs start
// from the beginning; RUNNING jobs with an external id resume polling.
// RUNNING jobs that never recorded an external id are left to the heartbeat
// monitor so a job is never submitted twice.
func (s *Service) Recover(ctx context.Context) (int, error) {
	queued, err := s.store.ListJobsByStatus(ctx, job.StatusQueued)
	if err != nil {
		return 0, err
	}
	running, err := s.store.ListJobsByStatus(ctx, job.StatusRunning)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, j := range queued {
		s.dispatch(j)
		resumed++
	}
	for _, j := range running {
		if j.ExternalID == "" || j.Type == job.TypeExport {
			logging.Audit(s.log, "warn", "engine.recover_skipped", "", map[string]any{
				"job_id": j.ID,
				"reason": "no external id",
			})
			continue
		}
		s.dispatch(j)
		resumed++
	}
	logging.Audit(s.log, "info", "engine.recover", "", map[string]any{
		"queued":  len(queued),
		"running": len(running),
		"resumed": resumed,
	})
	return resumed, nil
}

func (s *Service) dispatch(j job.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.baseCtx, j)
	}()
}

type PurgeReport struct {
	Cutoff           time.Time        `json:"cutoff"`
	DryRun           bool             `json:"dry_run"`
	Jobs             []job.JobSummary `json:"jobs"`
	Deleted          int              `json:"deleted"`
	ArtifactsCleaned int              `json:"artifacts_cleaned"`
}

// PurgeExpired finds terminal jobs created more than olderThan ago. Unless
// execute is set it only reports them.
func (s *Service) PurgeExpired(ctx context.Context, olderThan time.Duration, execute bool) (PurgeReport, error) {
	if olderThan <= 0 {
		return PurgeReport{}, fmt.Errorf("%w: retention must be positive", ErrInvalidRequest)
	}
	cutoff := s.now().UTC().Add(-olderThan)
	expired, err := s.store.ListExpiredJobs(ctx, cutoff)
	if err != nil {
		return PurgeReport{}, err
	}
	report := PurgeReport{Cutoff: cutoff, DryRun: !execute, Jobs: make([]job.JobSummary, 0, len(expired))}
	for _, j := range expired {
		report.Jobs = append(report.Jobs, job.Summarize(j))
	}
	if !execute {
		return report, nil
	}
	for _, j := range expired {
		resp, err := s.DeleteJob(ctx, j.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		report.Deleted++
		report.ArtifactsCleaned += resp.ArtifactsCleaned
	}
	logging.Audit(s.log, "info", "engine.purge", "", map[string]any{
		"cutoff":            cutoff.Format(time.RFC3339),
		"deleted":           report.Deleted,
		"artifacts_cleaned": report.ArtifactsCleaned,
	})
	return report, nil
}
