// AWS S3 blob store for Stowage.
//
// Payloads are stored in a single upstream S3 bucket under
// {prefix}{asset_id}. Credentials are resolved via the standard AWS
// credential chain (env vars, ~/.aws/credentials, IAM role, etc.).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	serr "github.com/stowage/stowage/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the blob
// store uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store implements the Store interface on an upstream Amazon S3 bucket.
//
// S3 PutObject needs a known content length, but ingestion streams payloads
// of unknown size, so Put spools the stream to a local temp file first and
// uploads from there. Memory use stays bounded regardless of payload size.
type S3Store struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all blobs in the upstream bucket.
	Prefix string
	client S3API
}

// NewS3Store creates an S3Store backed by the specified bucket and region,
// using the default credential chain with optional endpoint, path-style, and
// static-credential overrides.
func NewS3Store(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	s := &S3Store{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}

	// Verify the upstream bucket is accessible.
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 blob store initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return s, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client.
// Primarily used for testing with mocks.
func NewS3StoreWithClient(bucket, region, prefix string, client S3API) *S3Store {
	return &S3Store{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

func (s *S3Store) key(id string) string {
	return s.Prefix + id
}

func (s *S3Store) Put(ctx context.Context, id string, reader io.Reader) (int64, error) {
	const op = "blob.Put"

	// Spool to a temp file so the upload has a known length and a seekable
	// body for SDK retries.
	tmpFile, err := os.CreateTemp("", "stowage-s3-*")
	if err != nil {
		return 0, serr.E(serr.KindIO, op, id, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	size, err := io.Copy(tmpFile, ContextReader(ctx, reader))
	if err != nil {
		return 0, serr.E(serr.KindIO, op, id, err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s.key(id)),
		Body:          tmpFile,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return 0, serr.E(serr.KindBackend, op, id, err)
	}

	return size, nil
}

func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "blob.Open"

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, 0, serr.E(serr.KindBackend, op, id, err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// Delete removes the blob from the upstream bucket. Idempotent: S3
// DeleteObject does not error on missing keys.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return serr.E(serr.KindBackend, "blob.Delete", id, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, serr.E(serr.KindBackend, "blob.Exists", id, err)
	}
	return true, nil
}

func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	if err != nil {
		return serr.E(serr.KindBackend, "blob.HealthCheck", s.Bucket, err)
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

var _ Store = (*S3Store)(nil)
