package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Validator probes worker output with ffprobe. Validate reports false when
// the file is not playable media; a non-nil error means the check itself
// could not run and the caller should skip it.
type Validator struct {
	ffprobePath string
	timeout     time.Duration
	fetcher     Fetcher
	runner      commandRunner
	mkdirTemp   func(dir, pattern string) (string, error)
	removeAll   func(path string) error
}

func NewValidator(ffprobePath string, timeout time.Duration, fetcher Fetcher) *Validator {
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		ffprobePath: ffprobePath,
		timeout:     timeout,
		fetcher:     fetcher,
		runner:      execRunner{},
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
	}
}

// Applies reports whether url is a locator this validator downloads.
func (v *Validator) Applies(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func (v *Validator) Validate(ctx context.Context, url string) (bool, error) {
	if v.fetcher == nil {
		return false, errors.New("validator has no fetcher")
	}
	dir, err := v.mkdirTemp("", "probe-*")
	if err != nil {
		return false, err
	}
	defer v.removeAll(dir)

	local := filepath.Join(dir, "output.mp4")
	if err := v.fetcher.Fetch(ctx, url, local); err != nil {
		return false, &CommandError{Stage: "download", Err: err}
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	res, err := v.runner.Run(probeCtx, v.ffprobePath, "-v", "error", "-show_format", "-show_streams", local)
	if err == nil {
		return true, nil
	}
	if res.ExitCode > 0 {
		return false, nil
	}
	return false, &CommandError{Stage: "probe", Command: v.ffprobePath, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
}
