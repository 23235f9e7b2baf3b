package tiercache

import (
	"context"
	"strings"
	"time"

	"github.com/objectfs/tiercache/internal/cache"
)

// URLSigner produces time-limited blob URLs.
type URLSigner interface {
	Sign(ctx context.Context, bucket, key string) (string, error)
	// CacheTTL is how long a signed URL may be served from cache.
	CacheTTL() time.Duration
}

// SignedURLEntity is the key entity of cached signed URLs.
const SignedURLEntity = "signed-url"

// URLCache caches signed URLs. Signing is cheap and idempotent, so misses
// are coalesced in-process only.
type URLCache struct {
	orch   *Orchestrator[string]
	signer URLSigner
}

// NewURLCache creates the "signed-url" cache on svc.
func NewURLCache(svc *Service, signer URLSigner) (*URLCache, error) {
	orch, err := NewCache(svc, SignedURLEntity, WithCodec[string](cache.StringCodec{}))
	if err != nil {
		return nil, err
	}
	return &URLCache{orch: orch, signer: signer}, nil
}

// Key returns the cache key of the URL for bucket/object. An empty bucket
// means the signer's default bucket.
func (u *URLCache) Key(bucket, object string) string {
	id := strings.ReplaceAll(bucket+"/"+object, cache.Separator, "%3A")
	return cache.NewKey(SignedURLEntity, id).String()
}

// SignedURL returns a cached URL for object, signing a new one on miss.
func (u *URLCache) SignedURL(ctx context.Context, bucket, object string) (string, error) {
	return u.orch.GetOrCompute(ctx, u.Key(bucket, object), u.signer.CacheTTL(),
		func(ctx context.Context) (string, error) {
			return u.signer.Sign(ctx, bucket, object)
		})
}

// Forget drops the cached URL for object everywhere.
func (u *URLCache) Forget(ctx context.Context, bucket, object string) error {
	return u.orch.Invalidate(ctx, u.Key(bucket, object))
}
