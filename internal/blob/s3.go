package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3 stores blobs in any S3-compatible bucket (Cloudflare R2 in production).
// Objects are written under generated-images/<uuid>.png and served from a
// separate public base URL, since R2 buckets are not directly browsable.
type S3 struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	log           zerolog.Logger
}

var _ Store = (*S3)(nil)

// S3Config carries the connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint      string // host[:port], no scheme
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string // e.g. https://images.example.com
	UseSSL        bool
}

// NewS3 connects to the configured S3-compatible endpoint.
func NewS3(cfg S3Config, logger zerolog.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: connect to %s: %w", cfg.Endpoint, err)
	}

	return &S3{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		log:           logger.With().Str("component", "blob_store").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Put uploads the bytes under a fresh key and returns the public URL.
func (s *S3) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("generated-images/%s%s", uuid.New().String(), extensionFor(contentType))

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", key, err)
	}

	url := s.publicBaseURL + "/" + key
	s.log.Debug().
		Str("key", key).
		Int("size_bytes", len(data)).
		Msg("blob stored")
	return url, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
