package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanichwdry/videoexpressai/internal/job"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/store"
	"github.com/nanichwdry/videoexpressai/internal/worker"
)

const (
	remoteCancelTimeout = 10 * time.Second
	pickupAttempts      = 5
)

func (s *Service) run(ctx context.Context, j job.Job) {
	log := s.log.WithFields(logrus.Fields{"job_id": j.ID, "type": j.Type})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Error("job run panicked")
			s.finish(ctx, log, j.ID, job.Fail(job.CodeInternal, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	var err error
	switch {
	case j.Type == job.TypeExport:
		err = s.runStitch(ctx, log, j)
	case j.Status == job.StatusRunning && j.ExternalID != "":
		err = s.resume(ctx, log, j)
	default:
		err = s.runRemote(ctx, log, j)
	}
	s.finish(ctx, log, j.ID, err)
}

// finish turns the outcome of a run into at most one guarded terminal write.
func (s *Service) finish(ctx context.Context, log *logrus.Entry, jobID string, err error) {
	switch {
	case err == nil, errors.Is(err, errStopped):
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.WithError(err).Info("job run interrupted")
		return
	case errors.Is(err, store.ErrNotFound):
		log.Info("job deleted during run")
		return
	case errors.Is(err, store.ErrStoreUnavailable):
		logging.Audit(log, "error", "engine.store_unavailable", "", map[string]any{"error": err.Error()})
		return
	}

	var f *job.Failure
	if !errors.As(err, &f) {
		f = job.Fail(job.CodeInternal, err.Error())
	}
	applied, werr := s.store.WriteTerminalIfNotCanceled(ctx, jobID, store.JobUpdate{
		Status:       job.StatusFailed,
		ErrorCode:    f.Code,
		ErrorMessage: f.Message,
		Heartbeat:    true,
	})
	if werr != nil {
		log.WithError(werr).WithField("error_code", f.Code).Error("failed to record job failure")
		return
	}
	if !applied {
		logging.Audit(log, "info", "engine.result_discarded", "", map[string]any{"error_code": f.Code})
		return
	}
	logging.Audit(log, "warn", "engine.job_failed", "", map[string]any{
		"error_code":    f.Code,
		"error_message": f.Message,
	})
}

// pickup moves a job from QUEUED to RUNNING. A busy store is retried here:
// a job left QUEUED has no heartbeat, so the monitor would never reclaim it.
func (s *Service) pickup(ctx context.Context, log *logrus.Entry, jobID string, progress int, message string) (bool, error) {
	for attempt := 1; ; attempt++ {
		applied, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:        job.StatusRunning,
			Progress:      intPtr(progress),
			StatusMessage: strPtr(message),
			Heartbeat:     true,
		})
		if err == nil || !errors.Is(err, store.ErrStoreUnavailable) || attempt == pickupAttempts {
			return applied, err
		}
		log.WithError(err).WithField("attempt", attempt).Warn("job pickup deferred")
		if err := sleepContext(ctx, s.pollInterval); err != nil {
			return false, err
		}
	}
}

func (s *Service) runRemote(ctx context.Context, log *logrus.Entry, j job.Job) error {
	applied, err := s.pickup(ctx, log, j.ID, job.ProgressStarted, "Submitting to worker")
	if err != nil {
		return err
	}
	if !applied {
		// Canceled while queued.
		return errStopped
	}
	logging.Audit(log, "info", "engine.job_started", "", nil)

	w, err := s.workers.For(j.Type)
	if err != nil {
		return job.Fail(job.CodeConfig, "RunPod not configured")
	}

	externalID, err := s.submit(ctx, log, j, w)
	if err != nil {
		return err
	}
	logging.Audit(log, "info", "engine.submitted", "", map[string]any{"external_id": externalID})

	applied, err = s.store.UpdateJob(ctx, j.ID, store.JobUpdate{
		ExternalID:    externalID,
		Progress:      intPtr(job.ProgressSubmitted),
		StatusMessage: strPtr("Waiting for worker"),
		Heartbeat:     true,
		From:          []string{job.StatusRunning},
	})
	if err != nil {
		return err
	}
	if !applied {
		s.cancelRemote(log, w, externalID)
		return errStopped
	}
	return s.pollUntilDone(ctx, log, j.ID, w, externalID, job.ProgressSubmitted)
}

func (s *Service) resume(ctx context.Context, log *logrus.Entry, j job.Job) error {
	w, err := s.workers.For(j.Type)
	if err != nil {
		return job.Fail(job.CodeConfig, "RunPod not configured")
	}
	logging.Audit(log, "info", "engine.job_resumed", "", map[string]any{
		"external_id": j.ExternalID,
		"progress":    j.Progress,
	})
	return s.pollUntilDone(ctx, log, j.ID, w, j.ExternalID, j.Progress)
}

// submit sends the job once. While the endpoint's circuit is open nothing
// reaches the wire, so the call is deferred instead of failing the job; the
// heartbeat monitor reclaims it if the circuit never closes.
func (s *Service) submit(ctx context.Context, log *logrus.Entry, j job.Job, w worker.Worker) (string, error) {
	deferred := false
	for {
		externalID, err := w.Submit(ctx, j.Type, j.Params)
		if err == nil {
			return externalID, nil
		}
		if !errors.Is(err, worker.ErrCircuitOpen) {
			return "", classifySubmitError(ctx, err)
		}
		if !deferred {
			logging.Audit(log, "warn", "engine.submit_deferred", "", map[string]any{"error": err.Error()})
			deferred = true
		}
		if err := sleepContext(ctx, s.pollInterval); err != nil {
			return "", err
		}
		status, found, err := s.store.GetStatus(ctx, j.ID)
		switch {
		case errors.Is(err, store.ErrStoreUnavailable):
			continue
		case err != nil:
			return "", err
		case !found:
			return "", store.ErrNotFound
		case status != job.StatusRunning:
			return "", errStopped
		}
	}
}

func classifySubmitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, worker.ErrInvalidResponse) {
		return job.Fail(job.CodeInvalidResponse, err.Error())
	}
	return job.Fail(job.CodeSubmit, err.Error())
}

// pollUntilDone polls the worker on a fixed interval until the job reaches a
// terminal state. The stored status is re-read before every poll so a
// cancellation stops the loop without any further write.
func (s *Service) pollUntilDone(ctx context.Context, log *logrus.Entry, jobID string, w worker.Worker, externalID string, progress int) error {
	first := true
	for {
		if !first {
			if err := sleepContext(ctx, s.pollInterval); err != nil {
				return err
			}
		}
		first = false

		status, found, err := s.store.GetStatus(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				log.WithError(err).Warn("status check skipped")
				continue
			}
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		if status == job.StatusCanceled {
			logging.Audit(log, "info", "engine.cancel_observed", "", map[string]any{"external_id": externalID})
			s.cancelRemote(log, w, externalID)
			return errStopped
		}
		if status != job.StatusRunning {
			return errStopped
		}

		var res worker.PollResult
		err = worker.RetryWithBackoff(ctx, s.pollRetryDelay, func() error {
			r, err := w.Poll(ctx, externalID)
			if err != nil {
				return err
			}
			res = r
			return nil
		}, s.pollRetries)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, worker.ErrCircuitOpen) {
				// No request reached the worker. Skip the cycle without a
				// heartbeat so a circuit that stays open ends at the monitor.
				log.WithError(err).Warn("poll skipped")
				continue
			}
			if errors.Is(err, worker.ErrInvalidResponse) {
				return job.Fail(job.CodeInvalidResponse, err.Error())
			}
			return job.Fail(job.CodeInternal, fmt.Sprintf("status polling failed: %v", err))
		}

		reported := job.ProgressSubmitted
		if res.Progress != nil {
			reported = *res.Progress
		}
		next := job.ClampProgress(progress, reported)
		applied, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{
			Progress:  intPtr(next),
			Heartbeat: true,
			From:      []string{job.StatusRunning},
		})
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				log.WithError(err).Warn("progress write skipped")
				continue
			}
			return err
		}
		if !applied {
			// The job left RUNNING between the check and the write; the next
			// iteration sees why.
			continue
		}
		progress = next
		log.WithFields(logrus.Fields{"progress": progress, "remote_status": res.RawStatus}).Debug("poll")

		switch res.State {
		case worker.StateCompleted:
			return s.complete(ctx, log, jobID, res)
		case worker.StateFailed:
			return job.Fail(job.CodeExecution, res.FailureMessage())
		}
	}
}

// complete validates the worker output and records success, unless the job
// was canceled at any point before the write.
func (s *Service) complete(ctx context.Context, log *logrus.Entry, jobID string, res worker.PollResult) error {
	if err := s.checkNotCanceled(ctx, log, jobID); err != nil {
		return err
	}

	outputs := []string{}
	if url := worker.ExtractOutputURL(res.Output); url != "" {
		if s.validator != nil && s.validator.Applies(url) {
			ok, err := s.validator.Validate(ctx, url)
			if cerr := s.checkNotCanceled(ctx, log, jobID); cerr != nil {
				return cerr
			}
			switch {
			case err != nil:
				logging.Audit(log, "warn", "engine.validation_skipped", "", map[string]any{"url": url, "error": err.Error()})
			case !ok:
				return job.Fail(job.CodeInvalidVideo, "Output video failed validation")
			}
		}
		outputs = append(outputs, url)
	}

	return s.succeed(ctx, log, jobID, outputs)
}

func (s *Service) succeed(ctx context.Context, log *logrus.Entry, jobID string, outputs []string) error {
	applied, err := s.store.WriteTerminalIfNotCanceled(ctx, jobID, store.JobUpdate{
		Status:        job.StatusSucceeded,
		Progress:      intPtr(100),
		OutputURLs:    outputs,
		StatusMessage: strPtr("Completed"),
		Heartbeat:     true,
	})
	if err != nil {
		return err
	}
	if !applied {
		logging.Audit(log, "info", "engine.result_discarded", "", map[string]any{"outputs": len(outputs)})
		return errStopped
	}
	logging.Audit(log, "info", "engine.job_succeeded", "", map[string]any{"outputs": outputs})
	return nil
}

func (s *Service) checkNotCanceled(ctx context.Context, log *logrus.Entry, jobID string) error {
	status, found, err := s.store.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	if status == job.StatusCanceled {
		logging.Audit(log, "info", "engine.result_discarded", "", map[string]any{"reason": "canceled"})
		return errStopped
	}
	return nil
}

// cancelRemote asks the worker to drop the job. Failures are only logged.
func (s *Service) cancelRemote(log *logrus.Entry, w worker.Worker, externalID string) {
	c, ok := w.(worker.Canceler)
	if !ok || externalID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCancelTimeout)
	defer cancel()
	if err := c.Cancel(ctx, externalID); err != nil {
		log.WithError(err).WithField("external_id", externalID).Warn("remote cancel failed")
	}
}

// runStitch renders an EXPORT job locally and publishes the result.
func (s *Service) runStitch(ctx context.Context, log *logrus.Entry, j job.Job) error {
	if j.Status != job.StatusQueued {
		// A stitch cannot be resumed halfway.
		return errStopped
	}
	applied, err := s.pickup(ctx, log, j.ID, job.ProgressSubmitted, "Stitching clips")
	if err != nil {
		return err
	}
	if !applied {
		return errStopped
	}
	logging.Audit(log, "info", "engine.job_started", "", nil)

	if s.stitcher == nil || s.artifacts == nil {
		return job.Fail(job.CodeFFmpeg, "FFmpeg stitching not available")
	}
	var req job.StitchRequest
	if err := json.Unmarshal(j.Params, &req); err != nil {
		return job.Fail(job.CodeInternal, fmt.Sprintf("decode stitch params: %v", err))
	}
	if err := s.checkNotCanceled(ctx, log, j.ID); err != nil {
		return err
	}

	localPath, err := s.stitcher.Stitch(ctx, j.ID, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return job.Fail(job.CodeFFmpeg, err.Error())
	}

	if _, err := s.store.UpdateJob(ctx, j.ID, store.JobUpdate{
		Progress:      intPtr(80),
		StatusMessage: strPtr("Uploading result"),
		Heartbeat:     true,
		From:          []string{job.StatusRunning},
	}); err != nil {
		removeQuietly(log, localPath)
		return err
	}
	if err := s.checkNotCanceled(ctx, log, j.ID); err != nil {
		removeQuietly(log, localPath)
		return err
	}

	url, err := s.artifacts.Upload(ctx, localPath, filepath.Base(localPath))
	if err != nil {
		return job.Fail(job.CodeFFmpeg, fmt.Sprintf("upload stitched video: %v", err))
	}
	if !strings.HasPrefix(url, "file://") {
		removeQuietly(log, localPath)
	}
	return s.succeed(ctx, log, j.ID, []string{url})
}

func removeQuietly(log *logrus.Entry, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", path).Warn("remove local output")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
