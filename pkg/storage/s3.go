package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var s3Tracer = otel.Tracer("meterd/storage/s3")

// S3Client writes usage archives to object storage
type S3Client struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Client creates a new S3 client and makes sure the bucket exists
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials for MinIO or explicit keys, otherwise the default chain
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return &S3Client{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
	}, nil
}

// Key joins name onto the configured prefix
func (c *S3Client) Key(name string) string {
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

// PutObject uploads data under key with a sha256 checksum in the metadata
func (c *S3Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, span := s3Tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", c.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(data)),
		),
	)
	defer span.End()

	sum := sha256.Sum256(data)

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload to s3: %w", err)
	}

	return nil
}

// ObjectExists checks if an object exists
func (c *S3Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// HealthCheck verifies S3 connectivity
func (c *S3Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
