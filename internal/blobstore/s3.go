package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/filecdn/filecdn/internal/circuit"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/retry"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// S3Config configures an S3Store.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every object key.
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// MaxRetries is handed to the SDK's own retryer.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          retry.Config  `yaml:"retry"`
	// CircuitBreaker fails requests fast while the bucket keeps erroring.
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// DefaultS3Config returns defaults for everything but the bucket.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: circuit.DefaultConfig(),
	}
}

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store implements types.BlobStore on an S3 compatible bucket.
type S3Store struct {
	client  s3API
	bucket  string
	prefix  string
	timeout time.Duration
	retryer *retry.Retryer
	breaker *circuit.Breaker
	logger  *utils.StructuredLogger
}

// NewS3Store loads AWS configuration and builds the client.
func NewS3Store(ctx context.Context, cfg S3Config, logger *utils.StructuredLogger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, cdnerrors.NewError(cdnerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("blobstore")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("blobstore")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client s3API, cfg S3Config, logger *utils.StructuredLogger) *S3Store {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("blobstore").WithField("bucket", cfg.Bucket)

	rc := cfg.Retry
	rc.Classify = isRetryable
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying s3 request", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	}

	s := &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.RequestTimeout,
		retryer: retry.New(rc),
		logger:  logger,
	}
	if cfg.CircuitBreaker.Enabled {
		bc := cfg.CircuitBreaker
		bc.IsSuccessful = breakerSuccess
		bc.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("s3 circuit breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		}
		s.breaker = circuit.New("s3:"+cfg.Bucket, bc)
	}
	return s
}

// breakerSuccess counts only backend failures against the breaker.
func breakerSuccess(err error) bool {
	switch {
	case err == nil,
		cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

func (s *S3Store) objectKey(key types.BlobKey) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key.String(), nil
	}
	return path.Join(s.prefix, key.String()), nil
}

// do runs fn under the request timeout with retries, behind the breaker
// when one is configured. The breaker sees one outcome per call.
func (s *S3Store) do(ctx context.Context, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if s.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			return fn(ctx)
		})
	}
	if s.breaker == nil {
		return attempt(ctx)
	}
	return s.breaker.Execute(ctx, attempt)
}

func (s *S3Store) Put(ctx context.Context, key types.BlobKey, data []byte) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/octet-stream"),
			Metadata:      map[string]string{"sha256": key.Hash},
		})
		return s.translateError(err, "PutObject", key)
	})
}

func (s *S3Store) Get(ctx context.Context, key types.BlobKey) ([]byte, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return s.translateError(err, "GetObject", key)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return cdnerrors.Wrap(err, cdnerrors.ErrCodeNetworkError, "read object body").
				WithComponent("blobstore").
				WithOperation("GetObject")
		}
		return nil
	})
	return data, err
}

// Delete removes the object. S3 already treats a missing key as success.
func (s *S3Store) Delete(ctx context.Context, key types.BlobKey) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		return s.translateError(err, "DeleteObject", key)
	})
	if cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound) {
		return nil
	}
	return err
}

func (s *S3Store) Stat(ctx context.Context, key types.BlobKey) (*types.BlobInfo, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	var info *types.BlobInfo
	err = s.do(ctx, func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return s.translateError(err, "HeadObject", key)
		}
		info = &types.BlobInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})
	return info, err
}

func (s *S3Store) Exists(ctx context.Context, key types.BlobKey) (bool, error) {
	return exists(ctx, s.Stat, key)
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		if err != nil {
			if isErrorType[*s3types.NotFound](err) || isErrorType[*s3types.NoSuchBucket](err) {
				return cdnerrors.Wrap(err, cdnerrors.ErrCodeBucketNotFound, "bucket not found").
					WithComponent("blobstore")
			}
			return cdnerrors.Wrap(err, cdnerrors.ErrCodeConnectionFailed, "head bucket failed").
				WithComponent("blobstore")
		}
		return nil
	})
}

func (s *S3Store) translateError(err error, operation string, key types.BlobKey) error {
	switch {
	case err == nil:
		return nil
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return notFound(operation, key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return cdnerrors.Wrap(err, cdnerrors.ErrCodeBucketNotFound, fmt.Sprintf("bucket not found: %s", s.bucket)).
			WithComponent("blobstore").
			WithOperation(operation)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	code := cdnerrors.ErrCodeStorageRead
	switch operation {
	case "PutObject":
		code = cdnerrors.ErrCodeStorageWrite
	case "DeleteObject":
		code = cdnerrors.ErrCodeStorageDelete
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		code = cdnerrors.ErrCodeAccessDenied
	}
	wrapped := cdnerrors.Wrap(err, code, operation+" failed").
		WithComponent("blobstore").
		WithOperation(operation).
		WithDetail("key", key.String())
	wrapped.Retryable = isRetryable(err)
	return wrapped
}

var retryableCodes = map[string]bool{
	"SlowDown":           true,
	"ServiceUnavailable": true,
	"InternalError":      true,
	"RequestTimeout":     true,
	"Throttling":         true,
}

// isRetryable classifies raw SDK errors.
func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableCodes[apiErr.ErrorCode()]
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
