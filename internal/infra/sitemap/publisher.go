package sitemap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vietddude/placepipe/internal/core/domain"
)

// Config holds object storage settings. An empty endpoint disables uploads.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether uploads are configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ObjectWriter stores one object.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// EntrySource lists published slugs.
type EntrySource interface {
	PublishedSlugs(ctx context.Context) ([]domain.SitemapEntry, error)
}

// MinioStore writes objects with minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to an S3-compatible endpoint.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads body under key.
func (s *MinioStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=3600",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Publisher rebuilds and uploads the sitemap.
type Publisher struct {
	siteURL string
	prefix  string
	entries EntrySource
	store   ObjectWriter
	now     func() time.Time
	log     *slog.Logger
}

// NewPublisher creates a publisher. A nil store disables uploads.
func NewPublisher(siteURL, prefix string, entries EntrySource, store ObjectWriter) *Publisher {
	return &Publisher{
		siteURL: siteURL,
		prefix:  prefix,
		entries: entries,
		store:   store,
		now:     time.Now,
		log:     slog.Default().With("component", "sitemap"),
	}
}

// Enabled reports whether a store is configured.
func (p *Publisher) Enabled() bool {
	return p.store != nil
}

// Rebuild renders every published slug and uploads the result.
func (p *Publisher) Rebuild(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	entries, err := p.entries.PublishedSlugs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list published slugs: %w", err)
	}

	files, err := Build(p.siteURL, entries, p.now())
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := p.store.Put(ctx, path.Join(p.prefix, f.Name), f.Body, "application/xml"); err != nil {
			return err
		}
	}
	p.log.Info("Sitemap uploaded", "urls", len(entries), "files", len(files))
	return nil
}
