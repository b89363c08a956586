package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"

	TypeVideo   = "VIDEO"
	TypeTTS     = "TTS"
	TypeLipsync = "LIPSYNC"
	TypeLora    = "LORA"
	TypeExport  = "EXPORT"

	CodeConfig          = "config_error"
	CodeSubmit          = "runpod_submit_error"
	CodeInvalidResponse = "runpod_invalid_response"
	CodeExecution       = "runpod_execution_error"
	CodeInvalidVideo    = "invalid_video"
	CodeWorkerTimeout   = "worker_timeout"
	CodeUserCanceled    = "user_canceled"
	CodeInternal        = "internal_error"
	CodeFFmpeg          = "ffmpeg_error"

	HintWarmingGPU = "warming_gpu"

	// Progress reported by a worker is capped here; 100 is reserved for
	// the success write.
	MaxPolledProgress = 95

	ProgressStarted   = 5
	ProgressSubmitted = 10

	MessageUserCanceled  = "Job canceled by user"
	MessageWorkerTimeout = "Job exceeded maximum execution time without progress update"
)

var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:  true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// Job is the persisted record of one unit of external work.
type Job struct {
	ID              string
	Type            string
	Status          string
	Progress        int
	Params          json.RawMessage
	OutputURLs      []string
	ExternalID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeatAt *time.Time
	StatusMessage   string
	ErrorCode       string
	ErrorMessage    string
}

// Failure is a job-level error: a machine code plus a human message.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return f.Code + ": " + f.Message
}

func Fail(code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

type CreateJobRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type JobView struct {
	JobID         string    `json:"job_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	OutputURLs    []string  `json:"output_urls"`
	Error         *JobError `json:"error"`
	StatusHint    *string   `json:"status_hint"`
	StatusMessage *string   `json:"status_message"`
	CreatedAt     string    `json:"created_at"`
	UpdatedAt     string    `json:"updated_at"`
	StartedAt     *string   `json:"started_at"`
	FinishedAt    *string   `json:"finished_at"`
}

type JobSummary struct {
	JobID     string `json:"job_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	CreatedAt string `json:"created_at"`
}

type CancelJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type DeleteJobResponse struct {
	JobID            string `json:"job_id"`
	Deleted          bool   `json:"deleted"`
	ArtifactsCleaned int    `json:"artifacts_cleaned"`
}

type Clip struct {
	URL   string  `json:"url"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Caption struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type StitchRequest struct {
	Clips    []Clip    `json:"clips"`
	Captions []Caption `json:"captions"`
}

func IsValidStatus(status string) bool {
	_, ok := validTransitions[status]
	return ok
}

func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func IsValidTransition(from, to string) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

// PredecessorsOf returns every status with a legal edge into to.
func PredecessorsOf(to string) []string {
	out := make([]string, 0, 2)
	for _, from := range []string{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled} {
		if validTransitions[from][to] {
			out = append(out, from)
		}
	}
	return out
}

func NormalizeType(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ClampProgress keeps polled progress within [current, MaxPolledProgress].
func ClampProgress(current, reported int) int {
	if reported > MaxPolledProgress {
		reported = MaxPolledProgress
	}
	if reported < current {
		return current
	}
	return reported
}

func NewJobID() string {
	return uuid.NewString()
}

// View renders the boundary representation of j. hint may be empty.
func View(j Job, hint string) JobView {
	v := JobView{
		JobID:      j.ID,
		Type:       j.Type,
		Status:     j.Status,
		Progress:   j.Progress,
		OutputURLs: j.OutputURLs,
		CreatedAt:  FormatTime(j.CreatedAt),
		UpdatedAt:  FormatTime(j.UpdatedAt),
		StartedAt:  formatTimePtr(j.StartedAt),
		FinishedAt: formatTimePtr(j.FinishedAt),
	}
	if v.OutputURLs == nil {
		v.OutputURLs = []string{}
	}
	if j.ErrorCode != "" {
		v.Error = &JobError{Code: j.ErrorCode, Message: j.ErrorMessage}
	}
	if hint != "" {
		v.StatusHint = &hint
	}
	if j.StatusMessage != "" {
		msg := j.StatusMessage
		v.StatusMessage = &msg
	}
	return v
}

func Summarize(j Job) JobSummary {
	return JobSummary{
		JobID:     j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Progress:  j.Progress,
		CreatedAt: FormatTime(j.CreatedAt),
	}
}

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}
