package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanichwdry/videoexpressai/internal/artifacts"
	"github.com/nanichwdry/videoexpressai/internal/job"
)

const subtitleStyle = "FontSize=24,PrimaryColour=&HFFFFFF&"

// Stitcher concatenates timeline clips with ffmpeg and optionally burns in
// captions as subtitles.
type Stitcher struct {
	ffmpegPath string
	outputDir  string
	fetcher    Fetcher
	runner     commandRunner
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
	rename     func(oldpath, newpath string) error
}

func NewStitcher(ffmpegPath, outputDir string, fetcher Fetcher) *Stitcher {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(outputDir) == "" {
		outputDir = os.TempDir()
	}
	return &Stitcher{
		ffmpegPath: ffmpegPath,
		outputDir:  outputDir,
		fetcher:    fetcher,
		runner:     execRunner{},
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
		rename:     os.Rename,
	}
}

// Stitch renders req into <outputDir>/<jobID>.mp4 and returns that path.
func (s *Stitcher) Stitch(ctx context.Context, jobID string, req job.StitchRequest) (string, error) {
	if len(req.Clips) == 0 {
		return "", &CommandError{Stage: "prepare", Err: errors.New("at least one clip is required")}
	}
	workDir, err := s.mkdirTemp("", "stitch-"+jobID+"-*")
	if err != nil {
		return "", &CommandError{Stage: "prepare", Err: err}
	}
	defer s.removeAll(workDir)

	clipPaths := make([]string, 0, len(req.Clips))
	for i, clip := range req.Clips {
		local, err := s.localize(ctx, clip.URL, filepath.Join(workDir, fmt.Sprintf("clip_%d.mp4", i)))
		if err != nil {
			return "", &CommandError{Stage: "fetch", Err: fmt.Errorf("clip %d: %w", i, err)}
		}
		clipPaths = append(clipPaths, local)
	}

	concatPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(concatPath, []byte(buildConcatList(clipPaths)), 0o644); err != nil {
		return "", &CommandError{Stage: "prepare", Err: err}
	}

	outputPath := filepath.Join(s.outputDir, jobID+".mp4")
	stitched := filepath.Join(workDir, "stitched.mp4")
	if err := s.run(ctx, "concat", "-y", "-f", "concat", "-safe", "0", "-i", concatPath, "-c", "copy", stitched); err != nil {
		return "", err
	}

	if len(req.Captions) == 0 {
		if err := s.rename(stitched, outputPath); err != nil {
			return "", &CommandError{Stage: "finalize", Err: err}
		}
		return outputPath, nil
	}

	srtPath := filepath.Join(workDir, "subs.srt")
	if err := os.WriteFile(srtPath, []byte(buildSRT(req.Captions)), 0o644); err != nil {
		return "", &CommandError{Stage: "prepare", Err: err}
	}
	filter := fmt.Sprintf("subtitles=%s:force_style='%s'", escapeFilterPath(srtPath), subtitleStyle)
	if err := s.run(ctx, "subtitles", "-y", "-i", stitched, "-vf", filter, "-c:a", "copy", outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (s *Stitcher) localize(ctx context.Context, src, dst string) (string, error) {
	src = strings.TrimSpace(src)
	switch {
	case src == "":
		return "", errors.New("clip url is empty")
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"), strings.HasPrefix(src, "s3://"):
		if s.fetcher == nil {
			return "", fmt.Errorf("no fetcher for %s", src)
		}
		if err := s.fetcher.Fetch(ctx, src, dst); err != nil {
			return "", err
		}
		return dst, nil
	default:
		// Local clips must already sit in the output directory.
		return artifacts.ResolveLocal(s.outputDir, strings.TrimPrefix(src, "file://"))
	}
}

func (s *Stitcher) run(ctx context.Context, stage string, args ...string) error {
	res, err := s.runner.Run(ctx, s.ffmpegPath, args...)
	if err != nil {
		return &CommandError{Stage: stage, Command: s.ffmpegPath, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	return nil
}

func buildConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func buildSRT(captions []job.Caption) string {
	var b strings.Builder
	for i, c := range captions {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatSRTTime(c.Start), formatSRTTime(c.End), c.Text)
	}
	return b.String()
}

// formatSRTTime renders seconds as HH:MM:SS,mmm.
func formatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMillis := int64(seconds*1000 + 0.5)
	h := totalMillis / 3_600_000
	m := (totalMillis % 3_600_000) / 60_000
	s := (totalMillis % 60_000) / 1000
	ms := totalMillis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(p)
}
