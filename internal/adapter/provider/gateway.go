// Package provider implements the completion gateway: an ordered chain of
// completion backends with per-backend circuit breaking, fallback on any
// transport or quota error, and a short-TTL response cache.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// Backend is one completion provider tried by the gateway.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string, meta map[string]any) (string, error)
}

type gateway struct {
	backends []Backend
	breakers map[string]*circuitBreaker
	cache    *gocache.Cache
	log      *zap.Logger

	cacheHits int64
}

// NewGateway creates a completion provider that tries backends in order,
// falling back on any transport/quota error, and surfaces a terminal error
// only when every backend has failed.
func NewGateway(backends []Backend, cacheTTL time.Duration, log *zap.Logger) port.CompletionProvider {
	if cacheTTL <= 0 {
		cacheTTL = 90 * time.Second
	}
	breakers := make(map[string]*circuitBreaker, len(backends))
	for _, b := range backends {
		breakers[b.Name()] = newCircuitBreaker(3, 30*time.Second)
	}
	return &gateway{
		backends: backends,
		breakers: breakers,
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		log:      log,
	}
}

func cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func (g *gateway) Complete(ctx context.Context, prompt string, meta map[string]any) (*domain.CompletionResult, error) {
	key := cacheKey(prompt)
	if cached, ok := g.cache.Get(key); ok {
		atomic.AddInt64(&g.cacheHits, 1)
		res := cached.(domain.CompletionResult)
		res.Cached = true
		return &res, nil
	}

	var lastErr error
	for _, backend := range g.backends {
		cb := g.breakers[backend.Name()]
		if !cb.allow() {
			g.log.Debug("Skipping backend, breaker open", zap.String("backend", backend.Name()))
			continue
		}

		text, err := backend.Complete(ctx, prompt, meta)
		if err != nil {
			lastErr = err
			cb.recordFailure()
			if ctx.Err() != nil {
				return nil, domain.Transient("completion cancelled", ctx.Err())
			}
			g.log.Warn("Backend failed, trying next",
				zap.String("backend", backend.Name()),
				zap.Error(err))
			continue
		}

		cb.recordSuccess()
		result := domain.CompletionResult{Backend: backend.Name(), Text: text}
		g.cache.SetDefault(key, result)
		return &result, nil
	}

	if lastErr == nil {
		lastErr = domain.ErrAllBackendsFailed
	}
	return nil, domain.Terminal("provider chain exhausted", lastErr)
}
