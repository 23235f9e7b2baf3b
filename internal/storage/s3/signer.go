// Package s3 signs time-limited GET URLs for blobs. Signing is local and
// idempotent, so signed URLs are cached through the orchestrator's
// GetOrCompute rather than coordinated fleet-wide.
package s3

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	cerrors "github.com/objectfs/tiercache/pkg/errors"
)

// URLSigner produces presigned GET URLs.
type URLSigner struct {
	presign *s3.PresignClient
	config  *Config
	logger  *slog.Logger
}

// NewURLSigner creates a signer with its own S3 client.
func NewURLSigner(ctx context.Context, cfg *Config, logger *slog.Logger) (*URLSigner, error) {
	cfg = withDefaults(cfg)
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, cerrors.NewError(cerrors.ErrCodeSigningFailed, "cannot build S3 client").
			WithComponent("s3").
			WithOperation("new_signer").
			WithCause(err)
	}
	return NewURLSignerFromClient(client, cfg, logger), nil
}

// NewURLSignerFromClient creates a signer on an existing client.
func NewURLSignerFromClient(client *s3.Client, cfg *Config, logger *slog.Logger) *URLSigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &URLSigner{
		presign: s3.NewPresignClient(client),
		config:  withDefaults(cfg),
		logger:  logger.With("component", "s3_signer"),
	}
}

func withDefaults(cfg *Config) *Config {
	defaults := NewDefaultConfig()
	if cfg == nil {
		return defaults
	}
	c := *cfg
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.URLTTL <= 0 {
		c.URLTTL = defaults.URLTTL
	}
	if c.CacheFraction <= 0 || c.CacheFraction >= 1 {
		c.CacheFraction = defaults.CacheFraction
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	return &c
}

// URLTTL returns how long signed URLs stay valid.
func (s *URLSigner) URLTTL() time.Duration {
	return s.config.URLTTL
}

// CacheTTL returns how long a signed URL may be served from cache.
func (s *URLSigner) CacheTTL() time.Duration {
	return time.Duration(float64(s.config.URLTTL) * s.config.CacheFraction)
}

// Sign returns a presigned GET URL for key. An empty bucket uses the
// configured default.
func (s *URLSigner) Sign(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" {
		bucket = s.config.Bucket
	}
	key = strings.TrimPrefix(key, "/")
	if bucket == "" || key == "" {
		return "", cerrors.NewError(cerrors.ErrCodeSigningFailed, "bucket and key are required").
			WithComponent("s3").
			WithOperation("sign").
			WithKey(key)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.config.URLTTL))
	if err != nil {
		s.logger.Warn("Failed to sign URL", "bucket", bucket, "key", key, "error", err)
		return "", cerrors.NewError(cerrors.ErrCodeSigningFailed, "presign failed").
			WithComponent("s3").
			WithOperation("sign").
			WithKey(key).
			WithCause(err)
	}

	s.logger.Debug("Signed URL", "bucket", bucket, "key", key, "expires_in", s.config.URLTTL)
	return req.URL, nil
}
