// Package monitor reclaims jobs whose worker went silent and purges expired
// job records on a schedule.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nanichwdry/videoexpressai/internal/engine"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/store"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 600 * time.Second
)

type StaleFailer interface {
	FailStaleJobs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Monitor fails RUNNING jobs whose last heartbeat is older than Timeout.
type Monitor struct {
	store    StaleFailer
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *logrus.Logger
}

func New(s StaleFailer, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		store:    s,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		now:      opts.Now,
		log:      logging.Component(opts.Logger, "heartbeat_monitor"),
	}
}

// Sweep runs one pass and returns the ids it failed.
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	cutoff := m.now().Add(-m.timeout)
	ids, err := m.store.FailStaleJobs(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		logging.Audit(m.log, "warn", "monitor.job_timed_out", "", map[string]any{
			"job_id":          id,
			"timeout_seconds": int(m.timeout.Seconds()),
		})
	}
	return ids, nil
}

// Run sweeps once right away, then on every tick until ctx is done. A failed
// or panicking sweep is logged and the next tick tries again.
func (m *Monitor) Run(ctx context.Context) error {
	logging.Audit(m.log, "info", "monitor.start", "", map[string]any{
		"interval_seconds": int(m.interval.Seconds()),
		"timeout_seconds":  int(m.timeout.Seconds()),
	})
	m.sweepOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	runID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			logging.Audit(m.log, "error", "monitor.sweep", runID, map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	ids, err := m.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		level := "error"
		if errors.Is(err, store.ErrStoreUnavailable) {
			level = "warn"
		}
		logging.Audit(m.log, level, "monitor.sweep", runID, map[string]any{"error": err.Error()})
		return
	}
	logging.Audit(m.log, "debug", "monitor.sweep", runID, map[string]any{"failed": len(ids)})
}

type Purger interface {
	PurgeExpired(ctx context.Context, olderThan time.Duration, execute bool) (engine.PurgeReport, error)
}

// Janitor deletes terminal jobs older than the retention period.
type Janitor struct {
	purger    Purger
	interval  time.Duration
	retention time.Duration
	log       *logrus.Entry
}

func NewJanitor(p Purger, interval, retention time.Duration, logger *logrus.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		purger:    p,
		interval:  interval,
		retention: retention,
		log:       logging.Component(logger, "janitor"),
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	if j.retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.purgeOnce(ctx)
		}
	}
}

func (j *Janitor) purgeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Audit(j.log, "error", "janitor.purge", "", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	report, err := j.purger.PurgeExpired(ctx, j.retention, true)
	if err != nil {
		if ctx.Err() == nil {
			logging.Audit(j.log, "error", "janitor.purge", "", map[string]any{"error": err.Error()})
		}
		return
	}
	if report.Deleted > 0 {
		logging.Audit(j.log, "info", "janitor.purge", "", map[string]any{
			"deleted":           report.Deleted,
			"artifacts_cleaned": report.ArtifactsCleaned,
		})
	}
}
