package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tickmux/internal/api"
)

// ErrNoToken is returned by StaticProvider when no token is configured.
var ErrNoToken = errors.New("no access token configured")

// TokenProvider supplies the feed access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Issuer issues new access tokens. *api.Client implements it.
type Issuer interface {
	IssueToken(ctx context.Context) (api.Token, error)
}

// StaticProvider returns a pre-issued token.
type StaticProvider string

// Token returns the configured token.
func (p StaticProvider) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(p))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Config configures a CachingProvider.
type Config struct {
	// ExpiryMargin is how long before expiry a cached token stops being used.
	ExpiryMargin time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{ExpiryMargin: 5 * time.Minute}
}

// CachingProvider issues tokens on demand and caches them in a Store.
type CachingProvider struct {
	cfg    Config
	issuer Issuer
	store  Store
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

// NewCachingProvider creates a provider. A nil store caches in memory.
func NewCachingProvider(cfg Config, issuer Issuer, store Store, logger *slog.Logger) *CachingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.ExpiryMargin < 0 {
		cfg.ExpiryMargin = 0
	}
	return &CachingProvider{
		cfg:    cfg,
		issuer: issuer,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a cached token, issuing a new one when the cache is empty or
// the cached token is about to expire. Concurrent misses share one issue.
func (p *CachingProvider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(ctx); ok {
		return tok.Value, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		// Another caller may have refreshed the cache while we waited.
		if tok, ok := p.cached(ctx); ok {
			return tok.Value, nil
		}

		tok, err := p.issuer.IssueToken(ctx)
		if err != nil {
			return "", fmt.Errorf("issue token: %w", err)
		}

		if err := p.store.Save(ctx, tok); err != nil {
			p.logger.Warn("failed to cache token", "error", err)
		}
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token.
func (p *CachingProvider) Invalidate(ctx context.Context) error {
	if err := p.store.Delete(ctx); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	p.logger.Info("access token invalidated")
	return nil
}

func (p *CachingProvider) cached(ctx context.Context) (api.Token, bool) {
	tok, ok, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Warn("failed to read cached token", "error", err)
		return api.Token{}, false
	}
	if !ok || !tok.Valid(p.now(), p.cfg.ExpiryMargin) {
		return api.Token{}, false
	}
	return tok, true
}
