package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/nanichwdry/videoexpressai/internal/job"
)

const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"

	defaultListLimit = 50
	maxListLimit     = 1000
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidUpdate    = errors.New("invalid job update")
)

type Options struct {
	// Driver is DriverMattn (default) or DriverModernc.
	Driver        string
	BusyTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxOpenConns  int
	Now           func() time.Time
}

type Store struct {
	db            *sql.DB
	driver        string
	retryAttempts int
	retryDelay    time.Duration
	now           func() time.Time
	transient     func(error) bool
}

// JobUpdate is a partial merge applied by UpdateJob. Zero values leave the
// column untouched. From, when set, narrows the statuses the row may
// currently be in for the update to apply.
type JobUpdate struct {
	Status        string
	Progress      *int
	ExternalID    string
	OutputURLs    []string
	StatusMessage *string
	ErrorCode     string
	ErrorMessage  string
	Heartbeat     bool
	From          []string
}

func Open(path string, opts Options) (*Store, error) {
	opts = withDefaults(opts)
	dsn, err := buildDSN(opts.Driver, path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)

	s := &Store{
		db:            db,
		driver:        opts.Driver,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		now:           opts.Now,
		transient:     isTransient,
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func withDefaults(opts Options) Options {
	if strings.TrimSpace(opts.Driver) == "" {
		opts.Driver = DriverMattn
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

func buildDSN(driver, path string, busyTimeout time.Duration) (string, error) {
	ms := busyTimeout.Milliseconds()
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	switch driver {
	case DriverMattn:
		return fmt.Sprintf("%s%s_journal_mode=WAL&_busy_timeout=%d&_synchronous=FULL&_txlock=immediate", path, sep, ms), nil
	case DriverModernc:
		return fmt.Sprintf("%s%s_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(FULL)&_txlock=immediate", path, sep, ms), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// isTransient reports SQLITE_BUSY and SQLITE_LOCKED from either driver.
func isTransient(err error) bool {
	if transient, ok := isMattnTransient(err); ok {
		return transient
	}
	var moderncErr *sqlite.Error
	if errors.As(err, &moderncErr) {
		primary := moderncErr.Code() & 0xff
		return primary == 5 || primary == 6
	}
	return false
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		err = fn()
		if err == nil || !s.transient(err) {
			return err
		}
		if attempt == s.retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrStoreUnavailable, op, s.retryAttempts, err)
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('QUEUED','RUNNING','SUCCEEDED','FAILED','CANCELED')),
		progress INTEGER NOT NULL DEFAULT 0,
		params TEXT NOT NULL DEFAULT '{}',
		output_urls TEXT,
		external_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_heartbeat_at INTEGER,
		started_at INTEGER,
		finished_at INTEGER,
		status_message TEXT,
		error_code TEXT,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if err := s.ensureJobColumns(ctx); err != nil {
		return err
	}
	return s.ensureJobIndexes(ctx)
}

// ensureJobColumns upgrades databases created before heartbeat and
// structured error tracking existed.
func (s *Store) ensureJobColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(jobs)")
	if err != nil {
		return err
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	type columnDef struct {
		name string
		ddl  string
	}
	need := []columnDef{
		{name: "external_id", ddl: "ALTER TABLE jobs ADD COLUMN external_id TEXT"},
		{name: "last_heartbeat_at", ddl: "ALTER TABLE jobs ADD COLUMN last_heartbeat_at INTEGER"},
		{name: "started_at", ddl: "ALTER TABLE jobs ADD COLUMN started_at INTEGER"},
		{name: "finished_at", ddl: "ALTER TABLE jobs ADD COLUMN finished_at INTEGER"},
		{name: "status_message", ddl: "ALTER TABLE jobs ADD COLUMN status_message TEXT"},
		{name: "error_code", ddl: "ALTER TABLE jobs ADD COLUMN error_code TEXT"},
		{name: "error_message", ddl: "ALTER TABLE jobs ADD COLUMN error_message TEXT"},
	}
	for _, col := range need {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureJobIndexes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_jobs_running_heartbeat ON jobs(last_heartbeat_at) WHERE status = 'RUNNING'")
	return err
}

const jobColumns = `job_id, type, status, progress, params, output_urls, external_id,
	created_at, updated_at, started_at, finished_at, last_heartbeat_at,
	status_message, error_code, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var j job.Job
	var params string
	var outputURLs, externalID, statusMessage, errorCode, errorMessage sql.NullString
	var createdAt, updatedAt int64
	var startedAt, finishedAt, heartbeatAt sql.NullInt64
	if err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Progress,
		&params,
		&outputURLs,
		&externalID,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
		&heartbeatAt,
		&statusMessage,
		&errorCode,
		&errorMessage,
	); err != nil {
		return job.Job{}, err
	}
	if strings.TrimSpace(params) != "" {
		j.Params = json.RawMessage(params)
	}
	if outputURLs.Valid && strings.TrimSpace(outputURLs.String) != "" {
		if err := json.Unmarshal([]byte(outputURLs.String), &j.OutputURLs); err != nil {
			return job.Job{}, fmt.Errorf("decode output_urls for %s: %w", j.ID, err)
		}
	}
	j.ExternalID = externalID.String
	j.StatusMessage = statusMessage.String
	j.ErrorCode = errorCode.String
	j.ErrorMessage = errorMessage.String
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.StartedAt = fromNullMillis(startedAt)
	j.FinishedAt = fromNullMillis(finishedAt)
	j.LastHeartbeatAt = fromNullMillis(heartbeatAt)
	return j, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func (s *Store) CreateJob(ctx context.Context, jobType string, params json.RawMessage) (job.Job, error) {
	jobType = job.NormalizeType(jobType)
	if jobType == "" {
		return job.Job{}, errors.New("type required")
	}
	if len(strings.TrimSpace(string(params))) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return job.Job{}, errors.New("params must be valid json")
	}

	now := s.now().UTC()
	j := job.Job{
		ID:        job.NewJobID(),
		Type:      jobType,
		Status:    job.StatusQueued,
		Params:    params,
		CreatedAt: fromMillis(now.UnixMilli()),
		UpdatedAt: fromMillis(now.UnixMilli()),
	}
	err := s.withRetry(ctx, "create job", func() error {
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO jobs (job_id, type, status, progress, params, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?, ?)`,
			j.ID,
			j.Type,
			j.Status,
			string(params),
			now.UnixMilli(),
			now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (job.Job, bool, error) {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return job.Job{}, false, nil
	}
	var out job.Job
	found := false
	err := s.withRetry(ctx, "get job", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				found = false
				return nil
			}
			return err
		}
		out, found = j, true
		return nil
	})
	if err != nil {
		return job.Job{}, false, err
	}
	return out, found, nil
}

func (s *Store) GetStatus(ctx context.Context, jobID string) (string, bool, error) {
	var status string
	found := false
	err := s.withRetry(ctx, "get status", func() error {
		var err error
		status, found, err = s.statusOf(ctx, s.db, jobID)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return status, found, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) statusOf(ctx context.Context, q queryRower, jobID string) (string, bool, error) {
	var status string
	if err := q.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

// ListJobs returns at most limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.queryJobs(ctx, "list jobs",
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ListJobsByStatus returns every job in status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status string) ([]job.Job, error) {
	return s.queryJobs(ctx, "list jobs by status",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC`, status)
}

// ListExpiredJobs returns terminal jobs created before the given instant.
func (s *Store) ListExpiredJobs(ctx context.Context, before time.Time) ([]job.Job, error) {
	return s.queryJobs(ctx, "list expired jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?, ?) AND created_at < ?
		 ORDER BY created_at ASC, rowid ASC`,
		job.StatusSucceeded, job.StatusFailed, job.StatusCanceled, before.UnixMilli())
}

// ListOutputURLs returns every output locator recorded on any job.
func (s *Store) ListOutputURLs(ctx context.Context) ([]string, error) {
	var urls []string
	err := s.withRetry(ctx, "list output urls", func() error {
		urls = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT job_id, output_urls FROM jobs WHERE output_urls IS NOT NULL AND output_urls != ''`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			var jobURLs []string
			if err := json.Unmarshal([]byte(raw), &jobURLs); err != nil {
				return fmt.Errorf("decode output_urls for %s: %w", id, err)
			}
			urls = append(urls, jobURLs...)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]job.Job, error) {
	var result []job.Job
	err := s.withRetry(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = make([]job.Job, 0, 32)
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			result = append(result, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateJob applies u if the job's current status permits it. It returns
// false without error when the row exists but the guard rejected the write.
func (s *Store) UpdateJob(ctx context.Context, jobID string, u JobUpdate) (bool, error) {
	if err := validateUpdate(u); err != nil {
		return false, err
	}
	allowed := allowedFrom(u)

	now := s.now().UnixMilli()
	sets := []string{"updated_at = ?"}
	args := []any{now}
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, u.Status)
		if u.Status == job.StatusRunning {
			sets = append(sets, "started_at = COALESCE(started_at, ?)")
			args = append(args, now)
		}
		if job.IsTerminal(u.Status) {
			sets = append(sets, "finished_at = COALESCE(finished_at, ?)")
			args = append(args, now)
		}
	}
	if u.Progress != nil {
		sets = append(sets, "progress = MAX(progress, ?)")
		args = append(args, clampPercent(*u.Progress))
	}
	if strings.TrimSpace(u.ExternalID) != "" {
		sets = append(sets, "external_id = COALESCE(external_id, ?)")
		args = append(args, strings.TrimSpace(u.ExternalID))
	}
	if u.Status == job.StatusSucceeded {
		urls := u.OutputURLs
		if urls == nil {
			urls = []string{}
		}
		raw, err := json.Marshal(urls)
		if err != nil {
			return false, err
		}
		sets = append(sets, "output_urls = ?")
		args = append(args, string(raw))
	}
	if u.StatusMessage != nil {
		sets = append(sets, "status_message = ?")
		args = append(args, *u.StatusMessage)
	}
	if u.ErrorCode != "" {
		sets = append(sets, "error_code = ?", "error_message = ?")
		args = append(args, u.ErrorCode, u.ErrorMessage)
	}
	if u.Heartbeat {
		sets = append(sets, "last_heartbeat_at = ?")
		args = append(args, now)
	}

	applied := false
	err := s.withRetry(ctx, "update job", func() error {
		if len(allowed) == 0 {
			_, found, err := s.statusOf(ctx, s.db, jobID)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			applied = false
			return nil
		}
		query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
			` WHERE job_id = ? AND status IN (` + placeholders(len(allowed)) + `)`
		execArgs := append(append([]any{}, args...), jobID)
		for _, st := range allowed {
			execArgs = append(execArgs, st)
		}
		res, err := s.db.ExecContext(ctx, query, execArgs...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			applied = true
			return nil
		}
		_, found, err := s.statusOf(ctx, s.db, jobID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		applied = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// WriteTerminalIfNotCanceled moves a RUNNING job to SUCCEEDED or FAILED.
// A job that has already reached any terminal state, CANCELED included, is
// left untouched and false is returned.
func (s *Store) WriteTerminalIfNotCanceled(ctx context.Context, jobID string, u JobUpdate) (bool, error) {
	if u.Status != job.StatusSucceeded && u.Status != job.StatusFailed {
		return false, fmt.Errorf("%w: terminal write requires SUCCEEDED or FAILED, got %q", ErrInvalidUpdate, u.Status)
	}
	return s.UpdateJob(ctx, jobID, u)
}

// CancelJob writes CANCELED unless the job is already terminal. It returns
// the status the job holds after the call and whether this call changed it.
func (s *Store) CancelJob(ctx context.Context, jobID string) (string, bool, error) {
	applied, err := s.UpdateJob(ctx, jobID, JobUpdate{
		Status:       job.StatusCanceled,
		ErrorCode:    job.CodeUserCanceled,
		ErrorMessage: job.MessageUserCanceled,
	})
	if err != nil {
		return "", false, err
	}
	if applied {
		return job.StatusCanceled, true, nil
	}
	status, found, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, ErrNotFound
	}
	return status, false, nil
}

// FailStaleJobs marks RUNNING jobs whose last heartbeat is strictly older
// than cutoff as FAILED with worker_timeout and returns their ids.
func (s *Store) FailStaleJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "fail stale jobs", func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(
			ctx,
			`SELECT job_id FROM jobs
			 WHERE status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?
			 ORDER BY last_heartbeat_at ASC`,
			job.StatusRunning,
			cutoff.UnixMilli(),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return tx.Commit()
		}

		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs
			 SET status = ?,
			     error_code = ?,
			     error_message = ?,
			     finished_at = COALESCE(finished_at, ?),
			     updated_at = ?
			 WHERE status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?`,
			job.StatusFailed,
			job.CodeWorkerTimeout,
			job.MessageWorkerTimeout,
			now,
			now,
			job.StatusRunning,
			cutoff.UnixMilli(),
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteJob removes the record and returns the output locators it held so
// the caller can clean the artifacts.
func (s *Store) DeleteJob(ctx context.Context, jobID string) ([]string, error) {
	var urls []string
	err := s.withRetry(ctx, "delete job", func() error {
		urls = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var raw sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT output_urls FROM jobs WHERE job_id = ?`, jobID).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if raw.Valid && strings.TrimSpace(raw.String) != "" {
			if err := json.Unmarshal([]byte(raw.String), &urls); err != nil {
				return fmt.Errorf("decode output_urls for %s: %w", jobID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func validateUpdate(u JobUpdate) error {
	if u.Status != "" && !job.IsValidStatus(u.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if len(u.OutputURLs) > 0 && u.Status != job.StatusSucceeded {
		return fmt.Errorf("%w: output urls require SUCCEEDED", ErrInvalidUpdate)
	}
	failing := u.Status == job.StatusFailed || u.Status == job.StatusCanceled
	if u.ErrorCode != "" && !failing {
		return fmt.Errorf("%w: error code requires FAILED or CANCELED", ErrInvalidUpdate)
	}
	if failing && u.ErrorCode == "" {
		return fmt.Errorf("%w: %s requires an error code", ErrInvalidUpdate, u.Status)
	}
	return nil
}

// allowedFrom is the set of current statuses under which u may apply.
func allowedFrom(u JobUpdate) []string {
	base := []string{job.StatusQueued, job.StatusRunning}
	if u.Status != "" {
		base = job.PredecessorsOf(u.Status)
	}
	if len(u.From) == 0 {
		return base
	}
	out := make([]string, 0, len(base))
	for _, st := range base {
		for _, f := range u.From {
			if st == f {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
