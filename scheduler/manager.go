package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/internal/ctxkeys"
	"github.com/tcmofashi/MaiMBot/internal/metrics"
	"github.com/tcmofashi/MaiMBot/llm"
	"github.com/tcmofashi/MaiMBot/llm/tokenizer"
	"github.com/tcmofashi/MaiMBot/quota"
	"github.com/tcmofashi/MaiMBot/retry"
	"github.com/tcmofashi/MaiMBot/types"
)

// TokenEstimator projects the token footprint of a payload before dispatch.
// tokenizer.Estimator is the default implementation.
type TokenEstimator interface {
	Estimate(payload any) int
}

// Config controls the request manager.
type Config struct {
	// Workers is the number of concurrent dispatch workers.
	Workers int `yaml:"workers" json:"workers"`

	// QueueCapacity bounds the total number of queued requests.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// AgingInterval is the wait after which a queued request is promoted
	// one priority tier. Zero disables aging.
	AgingInterval time.Duration `yaml:"aging_interval" json:"aging_interval"`

	// AttemptTimeout bounds a single provider call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// RequestDeadline is the hard wall-clock budget from submission to a
	// terminal state, spanning queue time and all retries.
	RequestDeadline time.Duration `yaml:"request_deadline" json:"request_deadline"`

	// Retry governs re-dispatch of transient provider failures.
	Retry retry.Policy `yaml:"retry" json:"retry"`

	// RetentionTTL keeps terminal descriptors queryable before eviction.
	RetentionTTL time.Duration `yaml:"retention_ttl" json:"retention_ttl"`

	// SweepInterval paces the deadline and retention sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// PollInterval is the idle worker poll period. Workers also wake on
	// every enqueue.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() Config {
	return Config{
		Workers:         4,
		QueueCapacity:   1000,
		AgingInterval:   30 * time.Second,
		AttemptTimeout:  60 * time.Second,
		RequestDeadline: 5 * time.Minute,
		Retry:           retry.DefaultPolicy(),
		RetentionTTL:    10 * time.Minute,
		SweepInterval:   5 * time.Second,
		PollInterval:    25 * time.Millisecond,
	}
}

func (c Config) normalize() Config {
	d := DefaultManagerConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = d.RequestDeadline
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = d.RetentionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Submitted     int64          `json:"submitted"`
	Completed     int64          `json:"completed"`
	Failed        int64          `json:"failed"`
	TimedOut      int64          `json:"timed_out"`
	Cancelled     int64          `json:"cancelled"`
	Rejected      int64          `json:"rejected"`
	Retries       int64          `json:"retries"`
	QueueDepth    int            `json:"queue_depth"`
	QueueByTier   map[string]int `json:"queue_by_tier"`
	ActiveWorkers int            `json:"active_workers"`
	Tracked       int            `json:"tracked"`
}

// Manager owns the request lifecycle: admission, queueing, dispatch, retry
// and terminal bookkeeping.
type Manager struct {
	config    Config
	logger    *zap.Logger
	quota     *quota.Manager
	registry  *llm.Registry
	estimator TokenEstimator
	collector *metrics.Collector
	tracer    trace.Tracer

	queue *queue

	mu          sync.RWMutex
	requests    map[string]*Request
	idempotency map[string]string

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
	timedOut  int64
	cancelled int64
	rejected  int64
	retries   int64
	active    int32

	// test hook
	now func() time.Time
}

// NewManager creates a manager. estimator and collector may be nil.
func NewManager(config Config, qm *quota.Manager, registry *llm.Registry, estimator TokenEstimator, collector *metrics.Collector, logger *zap.Logger) *Manager {
	config = config.normalize()
	return &Manager{
		config:      config,
		logger:      logger.With(zap.String("component", "scheduler")),
		quota:       qm,
		registry:    registry,
		estimator:   estimator,
		collector:   collector,
		tracer:      otel.Tracer("github.com/tcmofashi/MaiMBot/scheduler"),
		queue:       newQueue(config.QueueCapacity, config.AgingInterval),
		requests:    make(map[string]*Request),
		idempotency: make(map[string]string),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the worker pool and the sweeper.
func (m *Manager) Start() {
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info("scheduler started",
		zap.Int("workers", m.config.Workers),
		zap.Int("queue_capacity", m.config.QueueCapacity))
}

// Submit validates and admits one request, returning its id. Quota and
// capacity rejections surface here synchronously; the request is never
// created.
func (m *Manager) Submit(ctx context.Context, sub Submission) (string, error) {
	if m.closed.Load() {
		return "", types.NewError(types.ErrSchedulerClosed, "scheduler is closed")
	}
	if err := sub.Scope.Validate(); err != nil {
		return "", err
	}
	if !sub.Priority.Valid() {
		return "", types.NewErrorf(types.ErrValidation, "invalid priority %d", sub.Priority)
	}

	if sub.IdempotencyKey != "" {
		m.mu.RLock()
		id, ok := m.idempotency[sub.IdempotencyKey]
		m.mu.RUnlock()
		if ok {
			return id, nil
		}
	}

	est := sub.EstimatedTokens
	if est <= 0 && m.estimator != nil {
		est = m.estimator.Estimate(sub.Payload)
	}
	if est <= 0 {
		est = tokenizer.DefaultEstimate
	}
	sub.EstimatedTokens = est

	tenant := sub.Scope.TenantID
	if level := m.quota.CheckAdmission(tenant, est); level == quota.LevelExceeded {
		atomic.AddInt64(&m.rejected, 1)
		return "", types.NewErrorf(types.ErrQuotaExceeded,
			"tenant %s quota exhausted, request rejected at admission", tenant).WithTenant(tenant)
	}
	if !m.quota.AllowRate(tenant) {
		m.logger.Debug("tenant above request rate target", zap.String("tenant_id", tenant))
	}

	now := m.now()
	req := newRequest(uuid.NewString(), sub, now, m.config.RequestDeadline)
	req.status = StatusAdmitted

	m.mu.Lock()
	if sub.IdempotencyKey != "" {
		if id, ok := m.idempotency[sub.IdempotencyKey]; ok {
			m.mu.Unlock()
			return id, nil
		}
		m.idempotency[sub.IdempotencyKey] = req.ID
	}
	m.requests[req.ID] = req
	m.mu.Unlock()

	if err := m.queue.push(req, 0, now); err != nil {
		m.evict(req)
		atomic.AddInt64(&m.rejected, 1)
		return "", err
	}
	atomic.AddInt64(&m.submitted, 1)
	m.wake()

	m.logger.Debug("request admitted",
		zap.String("request_id", req.ID),
		zap.String("scope", sub.Scope.ScopeKey()),
		zap.String("priority", sub.Priority.String()),
		zap.Int("estimated_tokens", est))
	return req.ID, nil
}

// AwaitResult blocks until the request reaches a terminal state, then
// returns its result or terminal error. The descriptor is evicted on
// retrieval; a later lookup reports not found.
func (m *Manager) AwaitResult(ctx context.Context, id string) (*llm.Result, error) {
	m.mu.RLock()
	req, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "unknown request %s", id)
	}

	select {
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "wait for result aborted").WithCause(ctx.Err())
	case <-req.Done():
	}

	snap := req.snapshot()
	m.evict(req)
	if snap.Status == StatusCompleted {
		return snap.Result, nil
	}
	err := snap.Err
	if err == nil {
		err = types.NewErrorf(types.ErrValidation, "request %s ended in state %s", id, snap.Status)
	}
	return nil, err
}

// GetStatus returns the current state of a tracked request.
func (m *Manager) GetStatus(id string) (Snapshot, error) {
	m.mu.RLock()
	req, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, types.NewErrorf(types.ErrNotFound, "unknown request %s", id)
	}
	return req.snapshot(), nil
}

// ListRequests returns snapshots of every tracked request belonging to the
// tenant, oldest submission first. Terminal descriptors still inside the
// retention window are included.
func (m *Manager) ListRequests(tenantID string) []Snapshot {
	m.mu.RLock()
	reqs := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if req.Scope.TenantID == tenantID {
			reqs = append(reqs, req)
		}
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, req.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Cancel requests cancellation. Queued requests are cancelled immediately;
// a running request has its call context cancelled and finishes as
// cancelled once the worker observes it. Returns false when the request is
// unknown or already terminal.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	req, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	req.mu.Lock()
	if req.status.Terminal() {
		req.mu.Unlock()
		return false
	}
	req.cancelRequested = true
	running := req.status == StatusRunning
	cancel := req.cancelRunning
	req.mu.Unlock()

	if running {
		if cancel != nil {
			cancel()
		}
		return true
	}
	// Still queued. The queue entry is discarded lazily at pop time.
	m.finish(req, StatusCancelled, nil,
		types.NewErrorf(types.ErrCancelled, "request %s cancelled before dispatch", id))
	return true
}

// Stats returns scheduler counters and queue depths.
func (m *Manager) Stats() Stats {
	depths := m.queue.depths()
	byTier := make(map[string]int, len(depths))
	for p, n := range depths {
		byTier[p.String()] = n
	}
	m.mu.RLock()
	tracked := len(m.requests)
	m.mu.RUnlock()
	return Stats{
		Submitted:     atomic.LoadInt64(&m.submitted),
		Completed:     atomic.LoadInt64(&m.completed),
		Failed:        atomic.LoadInt64(&m.failed),
		TimedOut:      atomic.LoadInt64(&m.timedOut),
		Cancelled:     atomic.LoadInt64(&m.cancelled),
		Rejected:      atomic.LoadInt64(&m.rejected),
		Retries:       atomic.LoadInt64(&m.retries),
		QueueDepth:    m.queue.len(),
		QueueByTier:   byTier,
		ActiveWorkers: int(atomic.LoadInt32(&m.active)),
		Tracked:       tracked,
	}
}

// Close stops workers after their current dispatch and cancels everything
// still pending so waiters unblock.
func (m *Manager) Close() {
	m.closed.Store(true)
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.RLock()
	pending := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		pending = append(pending, req)
	}
	m.mu.RUnlock()
	for _, req := range pending {
		m.finish(req, StatusCancelled, nil,
			types.NewError(types.ErrSchedulerClosed, "scheduler shut down"))
	}
	m.logger.Info("scheduler stopped")
}

func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		case <-ticker.C:
		}
		for {
			select {
			case <-m.done:
				return
			default:
			}
			it := m.queue.pop(m.now())
			if it == nil {
				break
			}
			m.dispatch(it)
		}
	}
}

func (m *Manager) dispatch(it *item) {
	req := it.req
	now := m.now()

	req.mu.Lock()
	if req.status.Terminal() {
		// Cancelled while queued; the entry is dropped here.
		req.mu.Unlock()
		return
	}
	if req.cancelRequested {
		req.mu.Unlock()
		m.finish(req, StatusCancelled, nil,
			types.NewErrorf(types.ErrCancelled, "request %s cancelled before dispatch", req.ID))
		return
	}
	if !now.Before(req.Deadline) {
		req.mu.Unlock()
		m.finish(req, StatusTimedOut, nil,
			types.NewErrorf(types.ErrTimeout, "request %s exceeded its deadline while queued", req.ID).
				WithTenant(req.Scope.TenantID))
		return
	}

	req.status = StatusRunning
	if req.startedAt.IsZero() {
		req.startedAt = now
	}
	req.attempts++
	attempt := req.attempts

	attemptDeadline := now.Add(m.config.AttemptTimeout)
	lastAttempt := false
	if req.Deadline.Before(attemptDeadline) {
		attemptDeadline = req.Deadline
		lastAttempt = true
	}
	ctx, cancel := context.WithDeadline(context.Background(), attemptDeadline)
	req.cancelRunning = cancel
	req.mu.Unlock()
	defer cancel()

	atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	if m.collector != nil {
		m.collector.RecordQueueWait(it.tier.String(), now.Sub(it.enqueuedAt))
	}

	m.execute(ctx, req, attempt, lastAttempt)
}

// execute runs one provider attempt and settles the request or requeues it.
func (m *Manager) execute(ctx context.Context, req *Request, attempt int, lastAttempt bool) {
	ctx = ctxkeys.WithRequestID(ctx, req.ID)
	ctx = ctxkeys.WithTenantID(ctx, req.Scope.TenantID)
	ctx = ctxkeys.WithAgentID(ctx, req.Scope.AgentID)
	ctx = ctxkeys.WithAttempt(ctx, attempt)

	ctx, span := m.tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("tenant.id", req.Scope.TenantID),
		attribute.String("agent.id", req.Scope.AgentID),
		attribute.String("priority", req.Priority.String()),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	client, cfg, err := m.registry.Acquire(ctx, req.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "client resolution failed")
		m.settleFailure(req, attempt, lastAttempt, err)
		return
	}
	span.SetAttributes(
		attribute.String("llm.provider", cfg.Provider),
		attribute.String("llm.model", cfg.Model),
	)

	result, err := client.Invoke(ctx, req.Payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = types.NewErrorf(types.ErrProviderTransient,
				"attempt %d timed out after %s", attempt, m.config.AttemptTimeout).
				WithCause(err).WithProvider(cfg.Provider)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		m.settleFailure(req, attempt, lastAttempt, err)
		return
	}

	model := result.Model
	if model == "" {
		model = cfg.Model
	}
	delta := types.UsageDelta{
		TenantID:  req.Scope.TenantID,
		AgentID:   req.Scope.AgentID,
		Tokens:    result.Usage.TotalTokens,
		Cost:      result.Cost,
		Model:     model,
		RequestID: req.ID,
		Timestamp: m.now(),
	}
	// Usage is charged even when the caller cancelled mid-flight: the
	// provider did the work.
	if err := m.quota.RecordUsage(context.Background(), delta); err != nil {
		m.logger.Warn("usage recording failed",
			zap.String("request_id", req.ID), zap.Error(err))
	}
	if m.collector != nil {
		m.collector.RecordUsage(req.Scope.TenantID, model, result.Usage.TotalTokens, result.Cost)
	}
	span.SetAttributes(attribute.Int("llm.tokens", result.Usage.TotalTokens))

	req.mu.Lock()
	cancelled := req.cancelRequested
	req.mu.Unlock()
	if cancelled {
		// Result discarded, usage kept.
		m.finish(req, StatusCancelled, nil,
			types.NewErrorf(types.ErrCancelled, "request %s cancelled during execution", req.ID))
		return
	}
	m.finish(req, StatusCompleted, result, nil)
}

// settleFailure requeues a retryable attempt or drives the request to its
// terminal failure state.
func (m *Manager) settleFailure(req *Request, attempt int, lastAttempt bool, err error) {
	req.mu.Lock()
	cancelled := req.cancelRequested
	req.mu.Unlock()
	if cancelled {
		m.finish(req, StatusCancelled, nil,
			types.NewErrorf(types.ErrCancelled, "request %s cancelled during execution", req.ID).WithCause(err))
		return
	}

	now := m.now()
	if lastAttempt && errors.Is(err, context.DeadlineExceeded) || !now.Before(req.Deadline) {
		m.finish(req, StatusTimedOut, nil,
			types.NewErrorf(types.ErrTimeout, "request %s exhausted its deadline", req.ID).
				WithCause(err).WithTenant(req.Scope.TenantID))
		return
	}

	if m.config.Retry.ShouldRetry(err, attempt) {
		delay := m.config.Retry.Delay(attempt)
		if now.Add(delay).Before(req.Deadline) {
			req.mu.Lock()
			req.status = StatusAdmitted
			req.cancelRunning = nil
			req.mu.Unlock()
			if pushErr := m.queue.push(req, delay, now); pushErr == nil {
				atomic.AddInt64(&m.retries, 1)
				if m.collector != nil {
					m.collector.RecordRetry(req.Scope.TenantID)
				}
				m.logger.Debug("retrying request",
					zap.String("request_id", req.ID),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
				m.wake()
				return
			}
			err = types.NewErrorf(types.ErrQueueFull, "retry requeue failed for %s", req.ID).WithCause(err)
		} else {
			m.finish(req, StatusTimedOut, nil,
				types.NewErrorf(types.ErrTimeout,
					"request %s has no deadline budget left for retry", req.ID).
					WithCause(err).WithTenant(req.Scope.TenantID))
			return
		}
	}
	m.finish(req, StatusFailed, nil, err)
}

// finish settles the terminal state once and records bookkeeping.
func (m *Manager) finish(req *Request, status Status, result *llm.Result, err error) {
	now := m.now()
	if !req.finish(status, result, err, now) {
		return
	}
	switch status {
	case StatusCompleted:
		atomic.AddInt64(&m.completed, 1)
	case StatusFailed:
		atomic.AddInt64(&m.failed, 1)
	case StatusTimedOut:
		atomic.AddInt64(&m.timedOut, 1)
	case StatusCancelled:
		atomic.AddInt64(&m.cancelled, 1)
	}
	if m.collector != nil {
		m.collector.RecordRequest(req.Scope.TenantID, req.Priority.String(),
			string(status), now.Sub(req.SubmittedAt))
	}
	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("tenant_id", req.Scope.TenantID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", now.Sub(req.SubmittedAt)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		m.logger.Info("request settled", fields...)
		return
	}
	m.logger.Debug("request settled", fields...)
}

// evict drops a descriptor and its idempotency mapping.
func (m *Manager) evict(req *Request) {
	m.mu.Lock()
	delete(m.requests, req.ID)
	if req.IdempotencyKey != "" && m.idempotency[req.IdempotencyKey] == req.ID {
		delete(m.idempotency, req.IdempotencyKey)
	}
	m.mu.Unlock()
}

// sweepLoop enforces deadlines on stuck requests, evicts expired terminal
// descriptors and refreshes the queue gauges.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()

	m.mu.RLock()
	all := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		all = append(all, req)
	}
	m.mu.RUnlock()

	for _, req := range all {
		req.mu.Lock()
		status := req.status
		completedAt := req.completedAt
		cancel := req.cancelRunning
		req.mu.Unlock()

		switch {
		case status.Terminal():
			if now.Sub(completedAt) > m.config.RetentionTTL {
				m.evict(req)
			}
		case now.After(req.Deadline):
			if status == StatusRunning && cancel != nil {
				// Nudge the attempt context in case the provider ignores
				// its deadline.
				cancel()
			}
			// Reclaim even while running: a provider that never returns
			// must not pin the descriptor. The worker's late settlement
			// is a no-op and any late result is discarded.
			m.finish(req, StatusTimedOut, nil,
				types.NewErrorf(types.ErrTimeout, "request %s exceeded its deadline", req.ID).
					WithTenant(req.Scope.TenantID))
		}
	}

	if m.collector != nil {
		for p, n := range m.queue.depths() {
			m.collector.SetQueueDepth(p.String(), n)
		}
		m.collector.SetActiveWorkers(int(atomic.LoadInt32(&m.active)))
		m.collector.SetCachedClients(m.registry.Len())
	}
}
