package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/config"
)

func newBlobs(t *testing.T, cfg config.AWSConfig) *S3Blobs {
	t.Helper()
	b, err := NewS3Blobs(context.Background(), cfg)
	require.NoError(t, err)
	return b
}

func TestS3Blobs_URL(t *testing.T) {
	base := config.AWSConfig{Region: "eu-central-1", S3Bucket: "pairsync-media"}

	b := newBlobs(t, base)
	assert.Equal(t, "https://pairsync-media.s3.eu-central-1.amazonaws.com/room-1/abc", b.URL("room-1/abc"))

	insecure := base
	insecure.DisableSSL = true
	b = newBlobs(t, insecure)
	assert.Equal(t, "http://pairsync-media.s3.eu-central-1.amazonaws.com/room-1/abc", b.URL("room-1/abc"))

	minio := base
	minio.Endpoint = "http://localhost:9000"
	minio.AccessKey = "minio"
	minio.SecretKey = "minio123"
	b = newBlobs(t, minio)
	assert.Equal(t, "http://localhost:9000/pairsync-media/room-1/abc", b.URL("room-1/abc"))
}
