// Package artifacts archives the files of successful builds to S3 or to a
// local directory under <prefix>/<project_id>/<path>.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"webforge/internal/config"
	"webforge/internal/logging"
	"webforge/internal/pipeline"
)

// Storage stores one object under key.
type Storage interface {
	Upload(ctx context.Context, key string, data io.Reader, size int64) error
}

// LocalStorage writes objects below a base directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates basePath if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(fullPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}

// uploader is the part of manager.Uploader S3Storage uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Storage uploads objects to a bucket with the S3 upload manager.
type S3Storage struct {
	bucket   string
	uploader uploader
}

// NewS3Storage builds an S3 client from the default AWS credential chain.
// A custom endpoint selects path-style addressing for S3-compatible stores.
func NewS3Storage(ctx context.Context, cfg config.ArtifactConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if id, secret := os.Getenv("ARTIFACT_ACCESS_KEY_ID"), os.Getenv("ARTIFACT_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Storage{bucket: cfg.Bucket, uploader: manager.NewUploader(client)}, nil
}

func (s *S3Storage) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Archiver is a pipeline result sink that stores the files of successful
// builds.
type Archiver struct {
	storage Storage
	prefix  string
	log     *zap.Logger
}

func NewArchiver(storage Storage, prefix string, log *zap.Logger) *Archiver {
	return &Archiver{
		storage: storage,
		prefix:  strings.Trim(prefix, "/"),
		log:     logging.OrDefault(log).With(zap.String("component", "artifacts")),
	}
}

// NewFromConfig picks S3 when a bucket is configured, else the local
// directory. It returns nil when neither is configured.
func NewFromConfig(ctx context.Context, cfg config.ArtifactConfig, log *zap.Logger) (*Archiver, error) {
	switch {
	case cfg.Bucket != "":
		st, err := NewS3Storage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewArchiver(st, cfg.Prefix, log), nil
	case cfg.LocalDir != "":
		st, err := NewLocalStorage(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return NewArchiver(st, cfg.Prefix, log), nil
	}
	return nil, nil
}

// Key is the object key of a project file.
func (a *Archiver) Key(projectID, filePath string) string {
	return path.Join(a.prefix, projectID, path.Clean("/" + filePath)[1:])
}

// SaveResult uploads every file of a succeeded build. Other outcomes are
// ignored.
func (a *Archiver) SaveResult(ctx context.Context, r *pipeline.Result) error {
	if r.Status != pipeline.StatusSucceeded {
		return nil
	}
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		content := r.Files[p]
		if err := a.storage.Upload(ctx, a.Key(r.ProjectID, p), strings.NewReader(content), int64(len(content))); err != nil {
			errs = append(errs, err)
		}
	}
	manifest := manifestOf(r, paths)
	if err := a.storage.Upload(ctx, path.Join(a.prefix, r.ProjectID, manifestName), bytes.NewReader(manifest), int64(len(manifest))); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("archive project %s: %w", r.ProjectID, err)
	}
	a.log.Info("build archived", zap.String("project_id", r.ProjectID), zap.Int("files", len(paths)))
	return nil
}

// manifestName is the per-project object listing the archived build.
const manifestName = ".webforge-build"

func manifestOf(r *pipeline.Result, paths []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "build_id=%s\nfinished_at=%s\n", r.BuildID, r.FinishedAt.Format(time.RFC3339))
	for _, p := range paths {
		fmt.Fprintf(&b, "file=%s\n", p)
	}
	return []byte(b.String())
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	}
	return "text/plain; charset=utf-8"
}
