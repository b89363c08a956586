package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type OrphanFile struct {
	Path string `json:"path"`
	Size int64  `json:"size_bytes"`
}

type OrphanReport struct {
	Dir        string       `json:"dir"`
	Files      []OrphanFile `json:"files"`
	TotalBytes int64        `json:"total_bytes"`
}

// FindOrphans lists the .mp4 files directly under dir that no job's
// output_urls reference. It only reports; nothing is removed.
func (s *Service) FindOrphans(ctx context.Context, dir string) (OrphanReport, error) {
	if strings.TrimSpace(dir) == "" {
		return OrphanReport{}, fmt.Errorf("%w: output dir required", ErrInvalidRequest)
	}
	report := OrphanReport{Dir: canonicalPath(dir), Files: []OrphanFile{}}

	urls, err := s.store.ListOutputURLs(ctx)
	if err != nil {
		return OrphanReport{}, err
	}
	known := make(map[string]bool, len(urls))
	for _, u := range urls {
		if p, ok := strings.CutPrefix(u, "file://"); ok {
			known[canonicalPath(p)] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return OrphanReport{}, fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		path := canonicalPath(filepath.Join(dir, e.Name()))
		if known[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		report.Files = append(report.Files, OrphanFile{Path: path, Size: info.Size()})
		report.TotalBytes += info.Size()
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	return report, nil
}

func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
