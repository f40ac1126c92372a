package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/retry"
)

// fakeS3 is an in-memory bucket. failures queues errors returned by the
// next calls before any real work happens.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures []error
	calls    int
	noBucket bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) nextFailure() error {
	f.calls++
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
	}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noBucket {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func newTestS3(t *testing.T, fake *fakeS3, prefix string) *S3Store {
	t.Helper()
	cfg := DefaultS3Config()
	cfg.Bucket = "files"
	cfg.Prefix = prefix
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.CircuitBreaker.Enabled = false
	return newS3Store(fake, cfg, nil)
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3(t, fake, "blobs")
	data := []byte("object body")
	key := keyFor(data, "txt")

	require.NoError(t, s.Put(ctx, key, data))
	assert.Contains(t, fake.objects, "blobs/"+key.Hash+".txt")

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := s.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound))
}

func TestS3Store_NotFoundIsNotRetried(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3(t, fake, "")
	key := keyFor([]byte("missing"), "")

	_, err := s.Get(ctx, key)
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound))
	assert.Equal(t, 1, fake.calls)

	_, err = s.Stat(ctx, key)
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound))
}

func TestS3Store_RetriesThrottling(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.failures = []error{
		&smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"},
		&smithy.GenericAPIError{Code: "ServiceUnavailable"},
	}
	s := newTestS3(t, fake, "")
	data := []byte("eventually stored")
	key := keyFor(data, "")

	require.NoError(t, s.Put(ctx, key, data))
	assert.Equal(t, 3, fake.calls)
	assert.Contains(t, fake.objects, key.Hash)
}

func TestS3Store_AccessDeniedIsTerminal(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.failures = []error{&smithy.GenericAPIError{Code: "AccessDenied"}}
	s := newTestS3(t, fake, "")

	err := s.Put(ctx, keyFor([]byte("x"), ""), []byte("x"))
	require.Error(t, err)
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeAccessDenied))
	assert.Equal(t, 1, fake.calls)
}

func TestS3Store_HealthCheck(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3(t, fake, "")
	assert.NoError(t, s.HealthCheck(context.Background()))

	fake.noBucket = true
	err := s.HealthCheck(context.Background())
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeBucketNotFound))
}

func TestS3Store_RejectsInvalidKey(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3(t, fake, "")
	err := s.Put(context.Background(), keyFor([]byte("x"), "../x"), []byte("x"))
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeValidationFailed))
	assert.Equal(t, 0, fake.calls)
}

func TestS3Store_CircuitBreakerFailsFast(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	cfg := DefaultS3Config()
	cfg.Bucket = "files"
	cfg.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}
	cfg.CircuitBreaker.FailureThreshold = 2
	s := newS3Store(fake, cfg, nil)

	outage := &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}
	fake.failures = []error{outage, outage}
	key := keyFor([]byte("tripped"), "bin")

	for i := 0; i < 2; i++ {
		err := s.Put(ctx, key, []byte("tripped"))
		require.Error(t, err)
		assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeStorageWrite))
	}

	callsBefore := fake.calls
	err := s.Put(ctx, key, []byte("tripped"))
	assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeServiceUnavailable), "got %v", err)
	assert.Equal(t, callsBefore, fake.calls, "open breaker must not reach the bucket")
}

func TestS3Store_MissingObjectsDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	cfg := DefaultS3Config()
	cfg.Bucket = "files"
	cfg.CircuitBreaker.FailureThreshold = 1
	s := newS3Store(fake, cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, keyFor([]byte("absent"), "bin"))
		assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound))
	}
	require.NoError(t, s.Put(ctx, keyFor([]byte("present"), "bin"), []byte("present")))
}
