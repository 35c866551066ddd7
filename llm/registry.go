// Package llm defines the provider-facing boundary of the scheduler: the
// configuration and client collaborator interfaces, and the scope-keyed
// client registry that caches expensive provider clients per tenant+agent.
package llm

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tcmofashi/MaiMBot/isolation"
	"github.com/tcmofashi/MaiMBot/types"
)

// RegistryConfig configures the client cache.
type RegistryConfig struct {
	// IdleTTL evicts clients not used for this long, so long-idle tenants do
	// not pin connection pools. Zero disables idle eviction.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:       30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

type cachedClient struct {
	client   Client
	config   ModelConfig
	lastUsed time.Time
}

// Registry caches provider clients keyed by (scope_key, provider identity).
// Lookup-or-create only; all configuration resolution is delegated to the
// injected ConfigResolver. A cached client is assumed usable until it is
// invalidated or idle-evicted; liveness is not probed.
type Registry struct {
	config   RegistryConfig
	resolver ConfigResolver
	factory  ClientFactory
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*cachedClient
	group   singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewRegistry creates a client registry and starts its idle sweep.
func NewRegistry(config RegistryConfig, resolver ConfigResolver, factory ClientFactory, logger *zap.Logger) *Registry {
	r := &Registry{
		config:   config,
		resolver: resolver,
		factory:  factory,
		logger:   logger.With(zap.String("component", "client_registry")),
		clients:  make(map[string]*cachedClient),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	if config.IdleTTL > 0 && config.SweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return r
}

// Acquire resolves the scope's model configuration and returns the cached
// client for it, creating one on first use.
func (r *Registry) Acquire(ctx context.Context, scope isolation.Scope) (Client, ModelConfig, error) {
	cfg, err := r.resolver.ResolveModelConfig(ctx, scope)
	if err != nil {
		return nil, ModelConfig{}, types.NewErrorf(types.ErrClientResolution,
			"resolve model config for %s", scope.ScopeKey()).WithCause(err)
	}
	client, err := r.GetClient(ctx, scope, cfg)
	if err != nil {
		return nil, ModelConfig{}, err
	}
	return client, cfg, nil
}

// GetClient returns the cached client for (scope, cfg.Provider), creating
// and caching one via the client factory on first use. Concurrent first uses
// of the same key build exactly one client.
func (r *Registry) GetClient(ctx context.Context, scope isolation.Scope, cfg ModelConfig) (Client, error) {
	key := cacheKey(scope, cfg.Provider)

	r.mu.Lock()
	if entry, ok := r.clients[key]; ok {
		entry.lastUsed = r.now()
		r.mu.Unlock()
		return entry.client, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the cache between the
		// miss and this call.
		r.mu.RLock()
		entry, ok := r.clients[key]
		r.mu.RUnlock()
		if ok {
			return entry.client, nil
		}

		client, err := r.factory.NewClient(ctx, scope, cfg)
		if err != nil {
			return nil, types.NewErrorf(types.ErrClientResolution,
				"create client for %s provider %s", scope.ScopeKey(), cfg.Provider).WithCause(err)
		}

		r.mu.Lock()
		r.clients[key] = &cachedClient{client: client, config: cfg, lastUsed: r.now()}
		r.mu.Unlock()

		r.logger.Debug("client created",
			zap.String("scope", scope.ScopeKey()),
			zap.String("provider", cfg.Provider),
			zap.String("model", cfg.Model))
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Invalidate evicts every cached client of the given scope. Used when the
// tenant or agent configuration changes.
func (r *Registry) Invalidate(scope isolation.Scope) int {
	prefix := scope.ScopeKey() + "|"
	r.mu.Lock()
	var evicted []*cachedClient
	for key, entry := range r.clients {
		if strings.HasPrefix(key, prefix) {
			evicted = append(evicted, entry)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()

	closeAll(evicted)
	if len(evicted) > 0 {
		r.logger.Info("clients invalidated",
			zap.String("scope", scope.ScopeKey()),
			zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// InvalidateAll evicts the entire cache.
func (r *Registry) InvalidateAll() int {
	r.mu.Lock()
	evicted := make([]*cachedClient, 0, len(r.clients))
	for _, entry := range r.clients {
		evicted = append(evicted, entry)
	}
	r.clients = make(map[string]*cachedClient)
	r.mu.Unlock()

	closeAll(evicted)
	return len(evicted)
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close stops the idle sweep and evicts all clients.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	r.InvalidateAll()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) sweepIdle() {
	cutoff := r.now().Add(-r.config.IdleTTL)
	r.mu.Lock()
	var evicted []*cachedClient
	for key, entry := range r.clients {
		if entry.lastUsed.Before(cutoff) {
			evicted = append(evicted, entry)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()

	closeAll(evicted)
	if len(evicted) > 0 {
		r.logger.Debug("idle clients evicted", zap.Int("count", len(evicted)))
	}
}

func cacheKey(scope isolation.Scope, provider string) string {
	return scope.ScopeKey() + "|" + provider
}

// closeAll closes evicted clients that own resources.
func closeAll(entries []*cachedClient) {
	for _, entry := range entries {
		if closer, ok := entry.client.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}
