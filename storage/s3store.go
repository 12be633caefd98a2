package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/rerr"
)

// multipartThreshold is the body size above which S3Store uses the
// manager.Uploader instead of a single PutObject call.
const multipartThreshold = 8 << 20 // 8MiB

// S3Config configures an S3-compatible endpoint (AWS S3, MinIO, or any
// other S3-API-compatible object store).
type S3Config struct {
	Endpoint       string // empty for real AWS S3
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UsePathStyle   bool
	MaxRetryAttempts int
}

// S3Store implements Store over an S3-compatible bucket.
type S3Store struct {
	client S3Client
	bucket string
	log    *logrus.Entry
}

// NewS3Store builds an S3Store, resolving a custom endpoint (for MinIO or
// any other S3-compatible deployment) the same way the reference
// multi-cloud storage helpers do: a static credentials provider plus an
// EndpointResolverWithOptionsFunc when Endpoint is set.
func NewS3Store(ctx context.Context, cfg S3Config, log *logrus.Entry) (*S3Store, error) {
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 5
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, rerr.Permanentf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket, log: log}, nil
}

// NewS3StoreWithClient injects a preconstructed client, used by tests with
// MockS3Client and by callers wiring testcontainers' MinIO module.
func NewS3StoreWithClient(client S3Client, bucket string, log *logrus.Entry) *S3Store {
	return &S3Store{client: client, bucket: bucket, log: log}
}

func (s *S3Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return rerr.NotFoundf("%w", err)
	}
	var ae smithyAPIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return rerr.Conflictf("%w", err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable":
			return rerr.Transientf("%w", err)
		}
	}
	return rerr.Transientf("%w", err)
}

// smithyAPIError mirrors the subset of smithy's APIError interface we
// classify on, avoiding a direct import of the smithy package.
type smithyAPIError interface {
	error
	ErrorCode() string
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	var etag string
	err := withRetry(ctx, 5, func() error {
		out, err := s.put(ctx, key, data, contentType, metadata, nil)
		if err != nil {
			return s.classify(err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	star := "*"
	out, err := s.put(ctx, key, data, contentType, nil, &star)
	if err != nil {
		return "", s.classify(err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) PutIfMatch(ctx context.Context, key string, data []byte, contentType string, expectedETag string) (string, error) {
	if expectedETag == "" {
		return s.PutIfAbsent(ctx, key, data, contentType)
	}
	out, err := s.putIfMatch(ctx, key, data, contentType, expectedETag)
	if err != nil {
		return "", s.classify(err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string, ifNoneMatch *string) (*s3.PutObjectOutput, error) {
	if len(data) > multipartThreshold {
		uploader := manager.NewUploader(s.clientAsSDK())
		uploadOut, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
			IfNoneMatch: ifNoneMatch,
		})
		if err != nil {
			return nil, err
		}
		return &s3.PutObjectOutput{ETag: uploadOut.ETag}, nil
	}
	return s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
		IfNoneMatch: ifNoneMatch,
	})
}

func (s *S3Store) putIfMatch(ctx context.Context, key string, data []byte, contentType string, expectedETag string) (*s3.PutObjectOutput, error) {
	return s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfMatch:     aws.String(expectedETag),
	})
}

// clientAsSDK narrows the injected S3Client back to *s3.Client for the
// multipart uploader, which only accepts the concrete SDK client. Tests
// that exercise large bodies should instead exercise BoltStore.
func (s *S3Store) clientAsSDK() *s3.Client {
	if c, ok := s.client.(*s3.Client); ok {
		return c
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, ObjectMeta, error) {
	var body []byte
	var meta ObjectMeta
	err := withRetry(ctx, 5, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return s.classify(err)
		}
		defer out.Body.Close()
		data, rerrErr := io.ReadAll(out.Body)
		if rerrErr != nil {
			return rerr.Transientf("reading body: %w", rerrErr)
		}
		body = data
		meta = ObjectMeta{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         aws.ToString(out.ETag),
			ContentType:  aws.ToString(out.ContentType),
			UserMetadata: out.Metadata,
		}
		if out.LastModified != nil {
			meta.LastModified = *out.LastModified
		}
		return nil
	})
	return body, meta, err
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	err := withRetry(ctx, 5, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return s.classify(err)
		}
		meta = ObjectMeta{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         aws.ToString(out.ETag),
			ContentType:  aws.ToString(out.ContentType),
			UserMetadata: out.Metadata,
		}
		if out.LastModified != nil {
			meta.LastModified = *out.LastModified
		}
		return nil
	})
	return meta, err
}

func (s *S3Store) List(ctx context.Context, prefix, delimiter string) (ListResult, error) {
	var result ListResult
	err := withRetry(ctx, 5, func() error {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		}
		if delimiter != "" {
			input.Delimiter = aws.String(delimiter)
		}
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return s.classify(err)
		}
		result = ListResult{}
		for _, obj := range out.Contents {
			m := ObjectMeta{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size), ETag: aws.ToString(obj.ETag)}
			if obj.LastModified != nil {
				m.LastModified = *obj.LastModified
			}
			result.Keys = append(result.Keys, m)
		}
		for _, cp := range out.CommonPrefixes {
			result.CommonPrefixes = append(result.CommonPrefixes, aws.ToString(cp.Prefix))
		}
		return nil
	})
	return result, err
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return withRetry(ctx, 5, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return s.classify(err)
		}
		return nil
	})
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	listing, err := s.List(ctx, prefix, "")
	if err != nil {
		return err
	}
	if len(listing.Keys) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(listing.Keys))
	for _, k := range listing.Keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(k.Key)})
	}
	return withRetry(ctx, 5, func() error {
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			return s.classify(err)
		}
		return nil
	})
}

