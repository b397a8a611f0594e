package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
	"github.com/Oxen-AI/oxen-archive/pkg/retry"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

const backendLabel = "s3-destination"

// S3 stores backups in an S3-compatible bucket below the configured prefix.
type S3 struct {
	api      storage.S3API
	uploader storage.S3Uploader
	cfg      storage.S3Config
	retry    retry.Config
}

// NewS3 creates an S3 destination instance.
func NewS3(ctx context.Context, cfg storage.S3Config) (*S3, error) {
	cfg = cfg.WithDefaults()
	client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3WithClient(cfg, client, storage.NewS3Uploader(client, cfg)), nil
}

// NewS3WithClient builds the destination on an existing client.
func NewS3WithClient(cfg storage.S3Config, api storage.S3API, uploader storage.S3Uploader) *S3 {
	cfg = cfg.WithDefaults()
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.Retryable = storage.IsRetryable
	return &S3{api: api, uploader: uploader, cfg: cfg, retry: rc}
}

func (s *S3) key(remotePath string) string {
	return Join(s.cfg.Prefix, remotePath)
}

func (s *S3) do(ctx context.Context, op, remotePath string, fn func(ctx context.Context) error) error {
	cfg := s.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordStorageRetry(backendLabel, op)
		logging.L().Warn("retrying destination request",
			logging.String("op", op),
			logging.String("path", remotePath),
			logging.Int("attempt", attempt),
			logging.Err(err),
		)
	}

	start := time.Now()
	_, err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		if err := fn(actx); err != nil {
			return &storage.Error{Backend: backendLabel, Op: op, Key: remotePath, Kind: storage.ClassifyS3(ctx, err), Err: err}
		}
		return nil
	})
	metrics.RecordStorageOperation(backendLabel, op, time.Since(start), err == nil)
	return err
}

// Upload re-opens the local file on every attempt so retries start from the beginning.
func (s *S3) Upload(ctx context.Context, localPath, remotePath string) error {
	logging.L().Debug("uploading", logging.String("local", localPath), logging.String("remote", remotePath))

	err := s.do(ctx, "upload", remotePath, func(ctx context.Context) error {
		file, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(remotePath)),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

func (s *S3) Download(ctx context.Context, remotePath, localPath string) error {
	err := s.do(ctx, "download", remotePath, func(ctx context.Context) error {
		result, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(remotePath)),
		})
		if err != nil {
			return err
		}
		defer result.Body.Close()
		return writeFile(localPath, result.Body)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to download %s: %w", remotePath, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, remotePath string) (bool, error) {
	err := s.do(ctx, "exists", remotePath, func(ctx context.Context) error {
		_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(remotePath)),
		})
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check %s: %w", remotePath, err)
	}
}

// List returns all objects below the prefix directory.
func (s *S3) List(ctx context.Context, prefix string) ([]RemoteFile, error) {
	listPrefix := s.key(prefix)
	if listPrefix != "" {
		listPrefix += "/"
	}
	base := s.key("")

	var files []RemoteFile
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, "list", prefix, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel := key
			if base != "" {
				rel = strings.TrimPrefix(key, base+"/")
			}
			files = append(files, RemoteFile{
				Path:    rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}

	logging.L().Debug("listed destination", logging.String("prefix", prefix), logging.Int("files", len(files)))
	return files, nil
}

func (s *S3) Delete(ctx context.Context, remotePath string) error {
	err := s.do(ctx, "delete", remotePath, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(remotePath)),
		})
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no connections of its own.
func (s *S3) Close() error {
	return nil
}

// writeFile streams r into path through a temporary file.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
