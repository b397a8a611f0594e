package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Operation names accepted by FailNext and Calls.
const (
	OpHead     = "HeadObject"
	OpGet      = "GetObject"
	OpPut      = "PutObject"
	OpCreate   = "CreateMultipartUpload"
	OpPart     = "UploadPart"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
	OpDelete   = "DeleteObject"
	OpList     = "ListObjectsV2"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

type fakeUpload struct {
	key      string
	metadata map[string]string
	parts    map[int32][]byte
}

type fault struct {
	remaining int
	err       error
}

// FakeS3 is an in-memory bucket implementing storage.S3API and the
// multipart calls of manager.UploadAPIClient, with hooks for injecting
// failures. Wrap it with storage.NewS3Uploader to get an uploader.
type FakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	uploads  map[string]*fakeUpload
	nextID   int
	calls    map[string]int
	faults   map[string]*fault
	dropped  bool
	short    int
	PageSize int
}

// NewFakeS3 returns an empty fake bucket.
func NewFakeS3() *FakeS3 {
	return &FakeS3{
		objects:  make(map[string]fakeObject),
		uploads:  make(map[string]*fakeUpload),
		calls:    make(map[string]int),
		faults:   make(map[string]*fault),
		PageSize: 1000,
	}
}

// SlowDown returns the throttling error S3 sends under load.
func SlowDown() error {
	return &smithy.GenericAPIError{Code: "SlowDown", Message: "please reduce your request rate", Fault: smithy.FaultServer}
}

// AccessDenied returns the error S3 sends for a forbidden request.
func AccessDenied() error {
	return &smithy.GenericAPIError{Code: "AccessDenied", Message: "access denied", Fault: smithy.FaultClient}
}

// NoSuchBucket returns the error S3 sends when the bucket is missing.
func NoSuchBucket() error {
	return &types.NoSuchBucket{Message: aws.String("the specified bucket does not exist")}
}

// FailNext makes the next n calls of op fail with err.
func (f *FakeS3) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{remaining: n, err: err}
}

// DropUploads makes uploads report success without storing anything.
func (f *FakeS3) DropUploads(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = drop
}

// ShortReads makes the next n GetObject bodies end one byte early.
func (f *FakeS3) ShortReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.short = n
}

// Calls returns how many times op was invoked.
func (f *FakeS3) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Keys returns every object key in the bucket, sorted.
func (f *FakeS3) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the raw bytes stored under key.
func (f *FakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj.data, ok
}

// PendingUploads returns how many multipart uploads were created but
// neither completed nor aborted.
func (f *FakeS3) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// enter counts the call and returns any injected or context error. The
// caller must hold f.mu.
func (f *FakeS3) enter(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if flt, ok := f.faults[op]; ok && flt.remaining > 0 {
		flt.remaining--
		return flt.err
	}
	return nil
}

func (f *FakeS3) put(key string, body io.Reader, metadata map[string]string) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = io.ReadAll(body); err != nil {
			return err
		}
	}
	if f.dropped {
		return nil
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	f.objects[key] = fakeObject{data: data, metadata: meta, modified: time.Now().UTC()}
	return nil
}

func (f *FakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpHead); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      meta,
	}, nil
}

func (f *FakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpGet); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("the specified key does not exist")}
	}
	body := append([]byte(nil), obj.data...)
	if f.short > 0 && len(body) > 0 {
		f.short--
		body = body[:len(body)-1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *FakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpPut); err != nil {
		return nil, err
	}
	if err := f.put(aws.ToString(in.Key), in.Body, in.Metadata); err != nil {
		return nil, err
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *FakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(in.Key), metadata: in.Metadata, parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (f *FakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpPart); err != nil {
		return nil, err
	}
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "the specified upload does not exist", Fault: smithy.FaultClient}
	}
	n := aws.ToInt32(in.PartNumber)
	up.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(partETag(n))}, nil
}

func (f *FakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpComplete); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "the specified upload does not exist", Fault: smithy.FaultClient}
	}
	if in.MultipartUpload == nil || len(in.MultipartUpload.Parts) == 0 {
		return nil, &smithy.GenericAPIError{Code: "MalformedXML", Message: "no parts listed", Fault: smithy.FaultClient}
	}

	var body bytes.Buffer
	last := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		data, ok := up.parts[n]
		if !ok || n <= last || aws.ToString(p.ETag) != partETag(n) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d is invalid", n), Fault: smithy.FaultClient}
		}
		last = n
		body.Write(data)
	}
	delete(f.uploads, id)
	if err := f.put(up.key, &body, up.metadata); err != nil {
		return nil, err
	}
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *FakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpAbort]++
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func partETag(n int32) string {
	return fmt.Sprintf("\"etag-%d\"", n)
}

func (f *FakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpDelete); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages through the keys in lexical order. The continuation
// token is the last key of the previous page.
func (f *FakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, OpList); err != nil {
		return nil, err
	}

	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pageSize := f.PageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < pageSize {
		pageSize = int(*in.MaxKeys)
	}
	truncated := len(keys) > pageSize
	if truncated {
		keys = keys[:pageSize]
	}

	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(truncated),
		KeyCount:    aws.Int32(int32(len(keys))),
		Prefix:      in.Prefix,
	}
	for _, k := range keys {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}
