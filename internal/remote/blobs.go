package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pairsync/internal/config"
)

// S3Blobs implements BlobStore on an S3-compatible bucket.
type S3Blobs struct {
	client     *s3.Client
	bucket     string
	region     string
	endpoint   string
	disableSSL bool
}

// NewS3Blobs creates a blob store from the AWS section of the config.
// A non-empty endpoint targets an S3-compatible store (e.g. MinIO).
func NewS3Blobs(ctx context.Context, cfg config.AWSConfig) (*S3Blobs, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.EndpointOptions.DisableHTTPS = cfg.DisableSSL
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Blobs{
		client:     client,
		bucket:     cfg.S3Bucket,
		region:     cfg.Region,
		endpoint:   cfg.Endpoint,
		disableSSL: cfg.DisableSSL,
	}, nil
}

// Upload stores the blob unless the key already exists. Keys are content
// addressed, so an existing object necessarily holds the same bytes.
func (b *S3Blobs) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return b.URL(key), nil
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return b.URL(key), nil
}

// Download streams the blob at key into w.
func (b *S3Blobs) Download(ctx context.Context, key string, w io.Writer) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download blob: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Exists reports whether the key already holds a blob.
func (b *S3Blobs) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

// URL returns the public URL for a key.
func (b *S3Blobs) URL(key string) string {
	if b.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", b.endpoint, b.bucket, key)
	}
	scheme := "https"
	if b.disableSSL {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s.s3.%s.amazonaws.com/%s", scheme, b.bucket, b.region, key)
}
