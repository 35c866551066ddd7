package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/internal/metrics"
	"github.com/tcmofashi/MaiMBot/isolation"
	"github.com/tcmofashi/MaiMBot/llm"
	"github.com/tcmofashi/MaiMBot/llm/tokenizer"
	"github.com/tcmofashi/MaiMBot/quota"
)

// Options bundles the configuration of the scheduler and its parts.
type Options struct {
	Manager  Config             `yaml:"manager" json:"manager"`
	Quota    quota.Config       `yaml:"quota" json:"quota"`
	Registry llm.RegistryConfig `yaml:"registry" json:"registry"`

	// TokenEncoding selects the tokenizer encoding used for admission
	// estimates. Empty uses the default.
	TokenEncoding string `yaml:"token_encoding" json:"token_encoding"`

	// MetricsNamespace enables Prometheus metrics when non-empty.
	MetricsNamespace string `yaml:"metrics_namespace" json:"metrics_namespace"`
}

// DefaultOptions returns production defaults with metrics disabled.
func DefaultOptions() Options {
	return Options{
		Manager:  DefaultManagerConfig(),
		Quota:    quota.DefaultConfig(),
		Registry: llm.DefaultRegistryConfig(),
	}
}

// Scheduler is the façade over admission, client caching and dispatch.
// One instance serves all tenants of a process.
type Scheduler struct {
	quota    *quota.Manager
	registry *llm.Registry
	manager  *Manager
	logger   *zap.Logger
}

// New wires a scheduler from its collaborators and starts the worker pool.
// store may be nil to disable usage persistence.
func New(opts Options, resolver llm.ConfigResolver, factory llm.ClientFactory, store quota.UsageStore, logger *zap.Logger) *Scheduler {
	qm := quota.NewManager(opts.Quota, store, logger)
	registry := llm.NewRegistry(opts.Registry, resolver, factory, logger)

	var collector *metrics.Collector
	if opts.MetricsNamespace != "" {
		collector = metrics.NewCollector(opts.MetricsNamespace, logger)
	}
	estimator := tokenizer.NewEstimator(opts.TokenEncoding)

	manager := NewManager(opts.Manager, qm, registry, estimator, collector, logger)
	manager.Start()

	return &Scheduler{
		quota:    qm,
		registry: registry,
		manager:  manager,
		logger:   logger.With(zap.String("component", "scheduler_facade")),
	}
}

// Submit admits one model call for asynchronous execution.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (string, error) {
	return s.manager.Submit(ctx, sub)
}

// AwaitResult blocks until the request settles and returns its outcome.
func (s *Scheduler) AwaitResult(ctx context.Context, id string) (*llm.Result, error) {
	return s.manager.AwaitResult(ctx, id)
}

// Cancel requests cancellation of a tracked request.
func (s *Scheduler) Cancel(id string) bool { return s.manager.Cancel(id) }

// GetStatus returns the current state of a tracked request.
func (s *Scheduler) GetStatus(id string) (Snapshot, error) { return s.manager.GetStatus(id) }

// ListRequests returns snapshots of a tenant's tracked requests.
func (s *Scheduler) ListRequests(tenantID string) []Snapshot {
	return s.manager.ListRequests(tenantID)
}

// SetPolicy installs or replaces a tenant quota policy at runtime.
func (s *Scheduler) SetPolicy(tenantID string, policy quota.Policy) {
	s.quota.SetPolicy(tenantID, policy)
}

// GetUsage returns the tenant's current usage snapshot.
func (s *Scheduler) GetUsage(tenantID string) quota.Usage { return s.quota.GetUsage(tenantID) }

// OnAlert registers a quota alert listener.
func (s *Scheduler) OnAlert(l quota.Listener) (remove func()) { return s.quota.OnAlert(l) }

// RecentAlerts returns the tenant's alert history since the given time.
func (s *Scheduler) RecentAlerts(tenantID string, since time.Time) []quota.Alert {
	return s.quota.RecentAlerts(tenantID, since)
}

// Invalidate evicts cached clients for a scope after a config change.
func (s *Scheduler) Invalidate(scope isolation.Scope) int { return s.registry.Invalidate(scope) }

// InvalidateAll clears the whole client cache.
func (s *Scheduler) InvalidateAll() int { return s.registry.InvalidateAll() }

// Stats returns scheduler counters and queue depths.
func (s *Scheduler) Stats() Stats { return s.manager.Stats() }

// Close drains workers and releases clients and quota state.
func (s *Scheduler) Close() {
	s.manager.Close()
	s.registry.Close()
	s.quota.Close()
	s.logger.Info("scheduler closed")
}
