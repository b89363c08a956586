// Package artifacts moves job outputs between local disk, HTTP and S3, and
// removes them when their job is deleted.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

var (
	ErrNotCleanable = errors.New("artifact scheme not cleanable")
	ErrOutsideRoot  = errors.New("path outside media root")
)

type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	// LocalRoot is the only directory file:// and plain-path locators may
	// point into. Empty means no local locator is accepted.
	LocalRoot   string
	HTTPTimeout time.Duration
}

type objectDeleter interface {
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

type objectUploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

type objectDownloader interface {
	DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error)
}

type Manager struct {
	bucket     string
	prefix     string
	localRoot  string
	httpClient *http.Client
	deleter    objectDeleter
	uploader   objectUploader
	downloader objectDownloader
}

// New builds a Manager. S3 clients are created only when a bucket is set;
// without one, uploads stay on local disk.
func New(cfg Config) (*Manager, error) {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	m := &Manager{
		bucket:     strings.TrimSpace(cfg.Bucket),
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		localRoot:  strings.TrimSpace(cfg.LocalRoot),
		httpClient: &http.Client{Timeout: timeout},
	}
	if m.bucket == "" {
		return m, nil
	}

	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	m.deleter = s3.New(sess)
	m.uploader = s3manager.NewUploader(sess)
	m.downloader = s3manager.NewDownloader(sess)
	return m, nil
}

func (m *Manager) RemoteEnabled() bool {
	return m.bucket != "" && m.uploader != nil
}

// Upload publishes a local file and returns its locator: s3://bucket/key
// when remote storage is enabled, file://<abs path> otherwise.
func (m *Manager) Upload(ctx context.Context, localPath, name string) (string, error) {
	if !m.RemoteEnabled() {
		abs, err := filepath.Abs(localPath)
		if err != nil {
			return "", err
		}
		return "file://" + abs, nil
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := name
	if m.prefix != "" {
		key = path.Join(m.prefix, name)
	}
	if _, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("video/mp4"),
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return "s3://" + m.bucket + "/" + key, nil
}

// Fetch copies src (http, https, s3 or local) to dst.
func (m *Manager) Fetch(ctx context.Context, src, dst string) error {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return m.fetchHTTP(ctx, src, dst)
	case strings.HasPrefix(src, "s3://"):
		return m.fetchS3(ctx, src, dst)
	default:
		local, err := ResolveLocal(m.localRoot, strings.TrimPrefix(src, "file://"))
		if err != nil {
			return err
		}
		return copyFile(local, dst)
	}
}

func (m *Manager) fetchHTTP(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (m *Manager) fetchS3(ctx context.Context, src, dst string) error {
	if m.downloader == nil {
		return fmt.Errorf("download %s: s3 not configured", src)
	}
	bucket, key, err := parseS3URL(src)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := m.downloader.DownloadWithContext(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", src, err)
	}
	return out.Close()
}

// Clean removes one artifact. It returns true when something was deleted
// and ErrNotCleanable for locators it cannot manage.
func (m *Manager) Clean(ctx context.Context, locator string) (bool, error) {
	switch {
	case strings.HasPrefix(locator, "file://"):
		local, err := ResolveLocal(m.localRoot, strings.TrimPrefix(locator, "file://"))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrNotCleanable, err)
		}
		err = os.Remove(local)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	case strings.HasPrefix(locator, "s3://"):
		if m.deleter == nil {
			return false, fmt.Errorf("%w: s3 not configured for %s", ErrNotCleanable, locator)
		}
		bucket, key, err := parseS3URL(locator)
		if err != nil {
			return false, err
		}
		if _, err := m.deleter.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			return false, fmt.Errorf("delete %s: %w", locator, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrNotCleanable, locator)
	}
}

// ResolveLocal returns the absolute, symlink-free form of p when it names
// something strictly inside root.
func ResolveLocal(root, p string) (string, error) {
	if strings.TrimSpace(root) == "" || strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	base, err := realPath(root)
	if err != nil {
		return "", err
	}
	target, err := realPath(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return target, nil
}

// realPath resolves symlinks in p, or in its parent when p does not exist.
func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

func parseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 locator %q", raw)
	}
	return u.Host, key, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
