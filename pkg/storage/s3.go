package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
	"github.com/Oxen-AI/oxen-archive/pkg/retry"
)

const (
	// DefaultBucket is used when no bucket is configured.
	DefaultBucket = "oxen-archive"

	// DefaultMultipartThreshold is the payload size above which uploads are split into parts.
	DefaultMultipartThreshold int64 = 8 << 20

	// DefaultS3Timeout bounds a single request attempt.
	DefaultS3Timeout = 30 * time.Second

	metaSHA256 = "sha256"
)

// S3Config holds the configuration for S3-compatible object storage.
type S3Config struct {
	Endpoint           string        `mapstructure:"endpoint" yaml:"endpoint"`
	Region             string        `mapstructure:"region" yaml:"region"`
	Bucket             string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix             string        `mapstructure:"prefix" yaml:"prefix"`
	AccessKeyID        string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey    string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	MultipartThreshold int64         `mapstructure:"multipart_threshold" yaml:"multipart_threshold"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// WithDefaults fills unset fields with the defaults.
func (c S3Config) WithDefaults() S3Config {
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MultipartThreshold < manager.MinUploadPartSize {
		c.MultipartThreshold = manager.MinUploadPartSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultS3Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = retry.DefaultConfig().MaxAttempts
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return c
}

// S3API is the subset of the S3 client used by the backend.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Uploader uploads payloads, switching to multipart above the part size.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// NewS3Client builds an S3 client. A custom endpoint switches to path-style
// addressing for MinIO and other S3-compatible services. SDK retries are
// disabled; callers retry through pkg/retry.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	cfg = cfg.WithDefaults()

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3 stores objects in a bucket under
// <prefix>/<namespace>/<repository>/versions/<id[0:2]>/<id[2:]>/<leaf>.
type S3 struct {
	api      S3API
	uploader S3Uploader
	cfg      S3Config
	retry    retry.Config
	closed   atomic.Bool
}

// NewS3 connects to the configured endpoint.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	cfg = cfg.WithDefaults()
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, &Error{Backend: TypeS3, Op: "open", Key: cfg.Bucket, Kind: ErrUnavailable, Err: err}
	}
	return NewS3WithClient(cfg, client, NewS3Uploader(client, cfg)), nil
}

// NewS3Uploader returns the uploader backing Store. Payloads above the
// multipart threshold go up in parts of that size and a failed multipart
// upload is aborted so no parts are left behind.
func NewS3Uploader(client manager.UploadAPIClient, cfg S3Config) *manager.Uploader {
	cfg = cfg.WithDefaults()
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.MultipartThreshold
		u.LeavePartsOnError = false
	})
}

// NewS3WithClient builds the backend on an existing client and uploader.
func NewS3WithClient(cfg S3Config, api S3API, uploader S3Uploader) *S3 {
	cfg = cfg.WithDefaults()

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.Retryable = IsRetryable

	return &S3{api: api, uploader: uploader, cfg: cfg, retry: rc}
}

func (b *S3) Type() string { return TypeS3 }

// Config returns the effective configuration.
func (b *S3) Config() S3Config { return b.cfg }

// ObjectKey maps a storage key onto its object path in the bucket.
func (b *S3) ObjectKey(k Key) string {
	shard, rest := k.shardDirs()
	return keyJoin(b.cfg.Prefix, k.Namespace, k.Repository, "versions", shard, rest, k.leaf())
}

func (b *S3) parseObjectKey(objKey string) (Key, bool) {
	if b.cfg.Prefix != "" {
		if !strings.HasPrefix(objKey, b.cfg.Prefix+"/") {
			return Key{}, false
		}
		objKey = strings.TrimPrefix(objKey, b.cfg.Prefix+"/")
	}
	parts := strings.Split(objKey, "/")
	if len(parts) != 6 || parts[2] != "versions" || len(parts[3]) != 2 {
		return Key{}, false
	}
	chunk, ok := parseLeaf(parts[5])
	if !ok {
		return Key{}, false
	}
	k := Key{Namespace: parts[0], Repository: parts[1], ObjectID: parts[3] + parts[4], Chunk: chunk}
	if k.Validate() != nil {
		return Key{}, false
	}
	return k, true
}

// listPrefix narrows the bucket listing as far as the prefix allows.
func (b *S3) listPrefix(p Prefix) string {
	var s string
	switch {
	case p.ObjectID != "" && len(p.ObjectID) > 2:
		s = keyJoin(b.cfg.Prefix, p.Namespace, p.Repository, "versions", p.ObjectID[:2], p.ObjectID[2:])
	case p.ObjectID != "":
		s = keyJoin(b.cfg.Prefix, p.Namespace, p.Repository, "versions", p.ObjectID)
	case p.Repository != "":
		s = keyJoin(b.cfg.Prefix, p.Namespace, p.Repository, "versions") + "/"
	case p.Namespace != "":
		s = keyJoin(b.cfg.Prefix, p.Namespace) + "/"
	case b.cfg.Prefix != "":
		s = b.cfg.Prefix + "/"
	}
	return s
}

func (b *S3) begin(ctx context.Context, op string, key Key) error {
	if b.closed.Load() {
		return closedError(TypeS3, op, key.String())
	}
	if err := ctx.Err(); err != nil {
		return &Error{Backend: TypeS3, Op: op, Key: key.String(), Kind: ErrTransient, Err: err}
	}
	if err := key.Validate(); err != nil {
		return &Error{Backend: TypeS3, Op: op, Key: key.String(), Kind: ErrIO, Err: err}
	}
	return nil
}

// do runs fn with a per-attempt timeout, classifying failures and retrying
// the transient ones.
func (b *S3) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	cfg := b.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordStorageRetry(TypeS3, op)
		logging.L().Warn("retrying s3 request",
			logging.String("op", op),
			logging.String("key", key),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err),
		)
	}

	attempts, err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
		if err := fn(actx); err != nil {
			return &Error{Backend: TypeS3, Op: op, Key: key, Kind: ClassifyS3(ctx, err), Err: err}
		}
		return nil
	})
	if err != nil && attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	if err != nil && attempts == 0 {
		// Context was done before the first attempt.
		return &Error{Backend: TypeS3, Op: op, Key: key, Kind: ErrTransient, Err: err}
	}
	return err
}

// Store uploads data and confirms the object size with a HEAD request.
func (b *S3) Store(ctx context.Context, key Key, data []byte) (err error) {
	defer track(TypeS3, "store", key.String())(&err)
	if err := b.begin(ctx, "store", key); err != nil {
		return err
	}

	objKey := b.ObjectKey(key)
	sum := HashBytes(data)
	err = b.do(ctx, "store", key.String(), func(ctx context.Context) error {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.cfg.Bucket),
			Key:           aws.String(objKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata:      map[string]string{metaSHA256: sum},
		})
		return err
	})
	if err != nil {
		return err
	}
	return b.verify(ctx, key, objKey, int64(len(data)))
}

func (b *S3) verify(ctx context.Context, key Key, objKey string, size int64) error {
	out, err := b.head(ctx, "verify", key, objKey)
	if err != nil {
		return &Error{Backend: TypeS3, Op: "verify", Key: key.String(), Kind: ErrVerification, Err: cause(err)}
	}
	if got := aws.ToInt64(out.ContentLength); got != size {
		return &Error{Backend: TypeS3, Op: "verify", Key: key.String(), Kind: ErrVerification,
			Err: fmt.Errorf("stored size %d does not match payload size %d", got, size)}
	}
	return nil
}

func (b *S3) head(ctx context.Context, op string, key Key, objKey string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := b.do(ctx, op, key.String(), func(ctx context.Context) error {
		var err error
		out, err = b.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		return err
	})
	return out, err
}

func (b *S3) Read(ctx context.Context, key Key) (data []byte, err error) {
	defer track(TypeS3, "read", key.String())(&err)
	if err := b.begin(ctx, "read", key); err != nil {
		return nil, err
	}

	objKey := b.ObjectKey(key)
	err = b.do(ctx, "read", key.String(), func(ctx context.Context) error {
		out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		buf, err := io.ReadAll(out.Body)
		if err != nil {
			return err
		}
		if out.ContentLength != nil && int64(len(buf)) != *out.ContentLength {
			return fmt.Errorf("short read of %d/%d bytes: %w", len(buf), *out.ContentLength, io.ErrUnexpectedEOF)
		}
		data = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3) Exists(ctx context.Context, key Key) (ok bool, err error) {
	defer track(TypeS3, "exists", key.String())(&err)
	if err := b.begin(ctx, "exists", key); err != nil {
		return false, err
	}
	_, err = b.head(ctx, "exists", key, b.ObjectKey(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (b *S3) Stat(ctx context.Context, key Key) (obj *Object, err error) {
	defer track(TypeS3, "stat", key.String())(&err)
	if err := b.begin(ctx, "stat", key); err != nil {
		return nil, err
	}
	out, err := b.head(ctx, "stat", key, b.ObjectKey(key))
	if err != nil {
		return nil, err
	}
	return &Object{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		Hash:    out.Metadata[metaSHA256],
		Created: aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3) Delete(ctx context.Context, key Key) (err error) {
	defer track(TypeS3, "delete", key.String())(&err)
	if err := b.begin(ctx, "delete", key); err != nil {
		return err
	}
	objKey := b.ObjectKey(key)
	err = b.do(ctx, "delete", key.String(), func(ctx context.Context) error {
		_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// List pages through the bucket listing, which S3 returns in key order.
func (b *S3) List(ctx context.Context, prefix Prefix) iter.Seq2[Key, error] {
	label := prefix.String()
	if b.closed.Load() {
		return single(closedError(TypeS3, "list", label))
	}
	if err := prefix.Validate(); err != nil {
		return single(&Error{Backend: TypeS3, Op: "list", Key: label, Kind: ErrIO, Err: err})
	}

	return func(yield func(Key, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.cfg.Bucket),
			Prefix: aws.String(b.listPrefix(prefix)),
		})

		for paginator.HasMorePages() {
			var page *s3.ListObjectsV2Output
			err := b.do(ctx, "list", label, func(ctx context.Context) error {
				var err error
				page, err = paginator.NextPage(ctx)
				return err
			})
			if err != nil {
				yield(Key{}, err)
				return
			}
			for _, obj := range page.Contents {
				k, ok := b.parseObjectKey(aws.ToString(obj.Key))
				if !ok || !prefix.Matches(k) {
					continue
				}
				if !yield(k, nil) {
					return
				}
			}
		}
	}
}

func (b *S3) Close() error {
	b.closed.Store(true)
	return nil
}

// ClassifyS3 maps SDK and transport errors onto the taxonomy. parent is the
// caller's context, used to tell a caller cancel from an attempt timeout.
func ClassifyS3(parent context.Context, err error) error {
	if parent.Err() != nil {
		return ErrTransient
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return ErrNotFound
	case errors.As(err, &nsb):
		return ErrUnavailable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return ErrPermissionDenied
		case "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return ErrUnavailable
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return ErrTransient
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == 404:
			return ErrNotFound
		case code == 401, code == 403:
			return ErrPermissionDenied
		case code == 429, code >= 500:
			return ErrTransient
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrTransient
	case errors.As(err, &netErr):
		return ErrTransient
	}
	return ErrIO
}

// cause strips the kind from a backend error so it can be rewrapped under
// another kind.
func cause(err error) error {
	var se *Error
	if errors.As(err, &se) && se.Err != nil {
		return se.Err
	}
	return errors.New(err.Error())
}

// keyJoin joins object key segments, dropping empty ones.
func keyJoin(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}
