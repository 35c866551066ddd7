// Package quota maintains live per-tenant usage counters and the admission
// check that gates every model call. In-memory counters are the source of
// truth within process lifetime; durable persistence is asynchronous and its
// failure degrades accounting, never requests.
package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tcmofashi/MaiMBot/types"
)

// UsageStore persists usage deltas durably. Implementations live in the
// storage package. PersistUsageDelta must be safe for concurrent use.
type UsageStore interface {
	PersistUsageDelta(ctx context.Context, delta types.UsageDelta) error
}

// Config configures the quota manager.
type Config struct {
	// DefaultPolicy applies to tenants without an explicit SetPolicy call.
	DefaultPolicy Policy `yaml:"default_policy" json:"default_policy"`

	// CriticalThreshold is the utilization ratio at which CRITICAL fires.
	// Sits between Policy.WarningThreshold and 1.0.
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`

	// AlertHistoryLimit bounds the in-memory alert ring. When exceeded the
	// oldest half is dropped.
	AlertHistoryLimit int `yaml:"alert_history_limit" json:"alert_history_limit"`

	PersistQueueSize  int           `yaml:"persist_queue_size" json:"persist_queue_size"`
	PersistMaxRetries uint          `yaml:"persist_max_retries" json:"persist_max_retries"`
	PersistTimeout    time.Duration `yaml:"persist_timeout" json:"persist_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:     DefaultPolicy(),
		CriticalThreshold: 0.95,
		AlertHistoryLimit: 1000,
		PersistQueueSize:  1024,
		PersistMaxRetries: 5,
		PersistTimeout:    10 * time.Second,
	}
}

// tenantState carries one tenant's policy and counters. Each tenant has its
// own lock so one tenant's increment never blocks another's.
type tenantState struct {
	mu      sync.Mutex
	policy  Policy
	limiter *rate.Limiter

	tokensToday   int64
	requestsToday int64
	costMonth     float64
	perAgent      map[string]AgentUsage

	dayID          string
	monthID        string
	lastDayReset   time.Time
	lastMonthReset time.Time

	// level is the last level reached by recorded usage; checkNotified is
	// the highest level already announced by an admission check this period.
	level         AlertLevel
	checkNotified AlertLevel
}

// Manager is the per-tenant quota engine.
type Manager struct {
	config Config
	logger *zap.Logger
	store  UsageStore

	mu      sync.RWMutex
	tenants map[string]*tenantState

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	alertsMu sync.Mutex
	alerts   []Alert

	deltas   chan types.UsageDelta
	closeMu  sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	degraded atomic.Bool

	persistFailMu    sync.RWMutex
	onPersistFailure func(types.UsageDelta, error)

	now func() time.Time
}

// NewManager creates a quota manager. store may be nil, in which case usage
// is kept in memory only.
func NewManager(config Config, store UsageStore, logger *zap.Logger) *Manager {
	if config.CriticalThreshold <= 0 || config.CriticalThreshold > 1 {
		config.CriticalThreshold = 0.95
	}
	if config.AlertHistoryLimit <= 0 {
		config.AlertHistoryLimit = 1000
	}
	if config.PersistQueueSize <= 0 {
		config.PersistQueueSize = 1024
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 10 * time.Second
	}
	m := &Manager{
		config:    config,
		logger:    logger.With(zap.String("component", "quota")),
		store:     store,
		tenants:   make(map[string]*tenantState),
		listeners: make(map[int]Listener),
		deltas:    make(chan types.UsageDelta, config.PersistQueueSize),
		now:       time.Now,
	}
	if store != nil {
		m.wg.Add(1)
		go m.persistLoop()
	}
	return m
}

// SetPolicy atomically replaces a tenant's policy. Counters are not reset.
func (m *Manager) SetPolicy(tenantID string, policy Policy) {
	st := m.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.policy = policy.normalize()
	st.limiter = st.policy.newLimiter()
	st.checkNotified = LevelOK
	m.logger.Info("quota policy set",
		zap.String("tenant_id", tenantID),
		zap.Int("daily_token_limit", st.policy.DailyTokenLimit),
		zap.Float64("monthly_cost_limit", st.policy.MonthlyCostLimit),
		zap.Int("daily_request_limit", st.policy.DailyRequestLimit))
}

// GetPolicy returns the effective policy for a tenant.
func (m *Manager) GetPolicy(tenantID string) Policy {
	st := m.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.policy
}

// CheckAdmission projects the post-call usage of tenantID against its policy
// and returns the resulting level. Counters are not mutated; a rollover that
// has logically happened is accounted for by treating stale-period counters
// as zero. WARNING and CRITICAL fire an advisory listener notification once
// per level per period.
func (m *Manager) CheckAdmission(tenantID string, estimatedTokens int) AlertLevel {
	st := m.tenant(tenantID)
	now := m.now()

	st.mu.Lock()
	tokens, requests, cost := st.effectiveCounters(now)
	level, dimension, ratio := m.assess(st.policy,
		tokens+int64(estimatedTokens), requests+1, cost)

	var notify *Alert
	if level >= LevelWarning && level < LevelExceeded && level > st.checkNotified {
		st.checkNotified = level
		notify = &Alert{
			TenantID:  tenantID,
			OldLevel:  st.level,
			NewLevel:  level,
			Dimension: dimension,
			Ratio:     ratio,
			Timestamp: now,
		}
	}
	st.mu.Unlock()

	if notify != nil {
		m.publish(*notify)
	}
	return level
}

// AllowRate reports whether the tenant's optional request smoother has a
// token available. Advisory; tenants without a limiter always pass.
func (m *Manager) AllowRate(tenantID string) bool {
	st := m.tenant(tenantID)
	st.mu.Lock()
	limiter := st.limiter
	st.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// RecordUsage atomically increments the tenant's counters for the current
// period, rolling the period over first if its boundary has passed, then
// hands the delta to the usage store asynchronously. The in-memory increment
// is never lost to a persistence failure.
func (m *Manager) RecordUsage(ctx context.Context, delta types.UsageDelta) error {
	if delta.TenantID == "" {
		return types.NewError(types.ErrValidation, "usage delta missing tenant_id")
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = m.now()
	}

	st := m.tenant(delta.TenantID)
	now := m.now()

	st.mu.Lock()
	st.rollover(now)
	st.tokensToday += int64(delta.Tokens)
	st.requestsToday++
	st.costMonth += delta.Cost
	if delta.AgentID != "" {
		agent := st.perAgent[delta.AgentID]
		agent.Tokens += int64(delta.Tokens)
		agent.Requests++
		agent.Cost += delta.Cost
		st.perAgent[delta.AgentID] = agent
	}

	level, dimension, ratio := m.assess(st.policy, st.tokensToday, st.requestsToday, st.costMonth)
	var notify *Alert
	if level > st.level {
		notify = &Alert{
			TenantID:  delta.TenantID,
			OldLevel:  st.level,
			NewLevel:  level,
			Dimension: dimension,
			Ratio:     ratio,
			Timestamp: now,
		}
		st.level = level
	}
	st.mu.Unlock()

	if notify != nil {
		m.publish(*notify)
	}

	m.logger.Debug("usage recorded",
		zap.String("tenant_id", delta.TenantID),
		zap.String("agent_id", delta.AgentID),
		zap.Int("tokens", delta.Tokens),
		zap.Float64("cost", delta.Cost))

	m.enqueueDelta(delta)
	return nil
}

// GetUsage returns a read-only snapshot of the tenant's current counters.
func (m *Manager) GetUsage(tenantID string) Usage {
	st := m.tenant(tenantID)
	now := m.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	tokens, requests, cost := st.effectiveCounters(now)
	u := Usage{
		TenantID:       tenantID,
		TokensToday:    tokens,
		RequestsToday:  requests,
		CostThisMonth:  cost,
		DayPeriod:      dayPeriod(now),
		MonthPeriod:    monthPeriod(now),
		LastDayReset:   st.lastDayReset,
		LastMonthReset: st.lastMonthReset,
	}
	if len(st.perAgent) > 0 && st.dayID == dayPeriod(now) {
		u.PerAgent = make(map[string]AgentUsage, len(st.perAgent))
		for k, v := range st.perAgent {
			u.PerAgent[k] = v
		}
	}
	return u
}

// OnAlert registers a listener for level-increase notifications and returns
// a function that removes it.
func (m *Manager) OnAlert(l Listener) (remove func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// RecentAlerts returns alerts recorded at or after since, optionally filtered
// by tenant ("" matches all).
func (m *Manager) RecentAlerts(tenantID string, since time.Time) []Alert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.Timestamp.Before(since) {
			continue
		}
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Degraded reports whether the most recent persistence attempt failed after
// retries, leaving accounting in-memory only.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// SetPersistFailureHandler installs a hook invoked when a delta could not be
// persisted after retries. Used by operational tooling.
func (m *Manager) SetPersistFailureHandler(h func(types.UsageDelta, error)) {
	m.persistFailMu.Lock()
	m.onPersistFailure = h
	m.persistFailMu.Unlock()
}

// persistFailureHandler reads the hook under the lock; the persist goroutine
// may race with a late SetPersistFailureHandler otherwise.
func (m *Manager) persistFailureHandler() func(types.UsageDelta, error) {
	m.persistFailMu.RLock()
	defer m.persistFailMu.RUnlock()
	return m.onPersistFailure
}

// Close stops the persistence loop and waits for queued deltas to drain.
func (m *Manager) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.deltas)
	m.closeMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) tenant(tenantID string) *tenantState {
	m.mu.RLock()
	st, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.tenants[tenantID]; ok {
		return st
	}
	now := m.now()
	policy := m.config.DefaultPolicy.normalize()
	st = &tenantState{
		policy:         policy,
		limiter:        policy.newLimiter(),
		perAgent:       make(map[string]AgentUsage),
		dayID:          dayPeriod(now),
		monthID:        monthPeriod(now),
		lastDayReset:   now,
		lastMonthReset: now,
	}
	m.tenants[tenantID] = st
	return st
}

// rollover applies the lazy period reset. Idempotent: a second call in the
// same period is a no-op. Caller holds st.mu.
func (st *tenantState) rollover(now time.Time) {
	if day := dayPeriod(now); day != st.dayID {
		st.tokensToday = 0
		st.requestsToday = 0
		st.perAgent = make(map[string]AgentUsage)
		st.dayID = day
		st.lastDayReset = now
		st.level = LevelOK
		st.checkNotified = LevelOK
	}
	if month := monthPeriod(now); month != st.monthID {
		st.costMonth = 0
		st.monthID = month
		st.lastMonthReset = now
	}
}

// effectiveCounters reads the counters as of now without mutating them:
// counters from a previous period read as zero. Caller holds st.mu.
func (st *tenantState) effectiveCounters(now time.Time) (tokens, requests int64, cost float64) {
	if st.dayID == dayPeriod(now) {
		tokens, requests = st.tokensToday, st.requestsToday
	}
	if st.monthID == monthPeriod(now) {
		cost = st.costMonth
	}
	return tokens, requests, cost
}

// assess returns the alert level of the given counters against policy,
// together with the dominating dimension and its ratio.
func (m *Manager) assess(policy Policy, tokens, requests int64, cost float64) (AlertLevel, string, float64) {
	dimension, ratio := "daily_tokens", ratioOf(float64(tokens), float64(policy.DailyTokenLimit))
	if r := ratioOf(cost, policy.MonthlyCostLimit); r > ratio {
		dimension, ratio = "monthly_cost", r
	}
	if r := ratioOf(float64(requests), float64(policy.DailyRequestLimit)); r > ratio {
		dimension, ratio = "daily_requests", r
	}
	return levelFor(ratio, policy.WarningThreshold, m.config.CriticalThreshold), dimension, ratio
}

func ratioOf(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}

func (m *Manager) publish(alert Alert) {
	m.alertsMu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.config.AlertHistoryLimit {
		kept := m.config.AlertHistoryLimit / 2
		m.alerts = append([]Alert(nil), m.alerts[len(m.alerts)-kept:]...)
	}
	m.alertsMu.Unlock()

	m.logger.Warn("quota alert",
		zap.String("tenant_id", alert.TenantID),
		zap.Stringer("old_level", alert.OldLevel),
		zap.Stringer("new_level", alert.NewLevel),
		zap.String("dimension", alert.Dimension),
		zap.Float64("ratio", alert.Ratio))

	m.listenersMu.RLock()
	for _, l := range m.listeners {
		go l(alert)
	}
	m.listenersMu.RUnlock()
}

func (m *Manager) enqueueDelta(delta types.UsageDelta) {
	if m.store == nil {
		return
	}
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.deltas <- delta:
	default:
		// Queue saturated: drop to the failure path rather than block a
		// request thread on persistence.
		m.degraded.Store(true)
		m.logger.Error("usage persist queue full, delta dropped",
			zap.String("tenant_id", delta.TenantID))
		if h := m.persistFailureHandler(); h != nil {
			h(delta, types.NewError(types.ErrPersistenceDegraded, "persist queue full"))
		}
	}
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()
	for delta := range m.deltas {
		m.persistOne(delta)
	}
}

func (m *Manager) persistOne(delta types.UsageDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.PersistTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.store.PersistUsageDelta(ctx, delta)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(m.config.PersistMaxRetries),
	)
	if err != nil {
		m.degraded.Store(true)
		m.logger.Error("usage delta not persisted, accounting degraded to in-memory",
			zap.String("tenant_id", delta.TenantID),
			zap.String("agent_id", delta.AgentID),
			zap.Error(err))
		if h := m.persistFailureHandler(); h != nil {
			h(delta, types.NewError(types.ErrPersistenceDegraded, "usage delta not persisted").WithCause(err))
		}
		return
	}
	m.degraded.Store(false)
}
