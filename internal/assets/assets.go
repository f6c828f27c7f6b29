// Package assets stores document cover images in S3-compatible object
// storage. Everything else about a document lives in Postgres; image bytes
// would bloat the row, so only the public URL is persisted.
package assets

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"arbor/api/internal/util"
)

type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// Options configure the object storage connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL clients fetch objects from. Empty falls back
	// to the endpoint itself.
	PublicURL string
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Service, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	publicURL := strings.TrimSuffix(opts.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, opts.Bucket)
	}

	return &Service{client: client, bucket: opts.Bucket, publicURL: publicURL}, nil
}

// UploadCover stores a cover image for a document and returns its public URL.
// The object key embeds a random id so re-uploads never collide with a URL a
// client may still have cached.
func (s *Service) UploadCover(ctx context.Context, documentID, filename, contentType string, body io.Reader, size int64) (string, error) {
	key := fmt.Sprintf("covers/%s/%s%s", documentID, util.NewID("img"), safeExt(filename))

	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload cover for %s: %w", documentID, err)
	}
	return s.publicURL + "/" + key, nil
}

// DeleteCover removes a previously uploaded cover by its public URL. URLs that
// do not belong to this bucket are ignored.
func (s *Service) DeleteCover(ctx context.Context, coverURL string) error {
	key, ok := strings.CutPrefix(coverURL, s.publicURL+"/")
	if !ok {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete cover object %s: %w", key, err)
	}
	return nil
}

func safeExt(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ext
	default:
		return ""
	}
}
