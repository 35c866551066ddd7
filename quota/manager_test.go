package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/types"
)

func newTestManager(t *testing.T, store UsageStore) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig(), store, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func delta(tenant, agent string, tokens int, cost float64) types.UsageDelta {
	return types.UsageDelta{TenantID: tenant, AgentID: agent, Tokens: tokens, Cost: cost}
}

func TestCheckAdmission_UnregisteredTenantGetsDefaults(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, LevelOK, m.CheckAdmission("never-seen", 5000))
}

func TestCheckAdmission_ScenarioExceeded(t *testing.T) {
	// Policy daily_token_limit=1000, tenant used 950, estimate 100 -> EXCEEDED.
	m := newTestManager(t, nil)
	m.SetPolicy("acme", Policy{DailyTokenLimit: 1000, MonthlyCostLimit: 100, DailyRequestLimit: 10000})
	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 950, 0.1)))

	assert.Equal(t, LevelExceeded, m.CheckAdmission("acme", 100))
}

func TestCheckAdmission_Thresholds(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetPolicy("acme", Policy{DailyTokenLimit: 1000, MonthlyCostLimit: 1000, DailyRequestLimit: 1000, WarningThreshold: 0.8})

	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 700, 0)))
	assert.Equal(t, LevelOK, m.CheckAdmission("acme", 50))        // 0.75
	assert.Equal(t, LevelWarning, m.CheckAdmission("acme", 150))  // 0.85
	assert.Equal(t, LevelCritical, m.CheckAdmission("acme", 250)) // 0.95
	assert.Equal(t, LevelExceeded, m.CheckAdmission("acme", 300)) // 1.0
}

func TestCheckAdmission_DoesNotMutateCounters(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetPolicy("acme", Policy{DailyTokenLimit: 1000, MonthlyCostLimit: 100, DailyRequestLimit: 100})

	for i := 0; i < 10; i++ {
		m.CheckAdmission("acme", 900)
	}
	u := m.GetUsage("acme")
	assert.Zero(t, u.TokensToday)
	assert.Zero(t, u.RequestsToday)
}

func TestCheckAdmission_Monotonic(t *testing.T) {
	// Once EXCEEDED, later checks stay EXCEEDED absent a reset or policy change.
	m := newTestManager(t, nil)
	m.SetPolicy("acme", Policy{DailyTokenLimit: 100, MonthlyCostLimit: 100, DailyRequestLimit: 100})
	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 100, 0)))

	for i := 0; i < 5; i++ {
		assert.Equal(t, LevelExceeded, m.CheckAdmission("acme", 1))
	}

	// A raised policy re-admits.
	m.SetPolicy("acme", Policy{DailyTokenLimit: 10000, MonthlyCostLimit: 100, DailyRequestLimit: 100})
	assert.NotEqual(t, LevelExceeded, m.CheckAdmission("acme", 1))
}

func TestRecordUsage_CountersAndPerAgent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, delta("acme", "support", 100, 0.01)))
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "support", 200, 0.02)))
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "sales", 50, 0.005)))

	u := m.GetUsage("acme")
	assert.EqualValues(t, 350, u.TokensToday)
	assert.EqualValues(t, 3, u.RequestsToday)
	assert.InDelta(t, 0.035, u.CostThisMonth, 1e-9)
	assert.EqualValues(t, 300, u.PerAgent["support"].Tokens)
	assert.EqualValues(t, 2, u.PerAgent["support"].Requests)
	assert.EqualValues(t, 50, u.PerAgent["sales"].Tokens)
}

func TestRecordUsage_RejectsMissingTenant(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.RecordUsage(context.Background(), delta("", "bot", 1, 0))
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestDailyRollover_IdempotentReset(t *testing.T) {
	m := newTestManager(t, nil)
	base := time.Date(2026, 8, 30, 23, 0, 0, 0, time.Local)
	m.now = func() time.Time { return base }

	m.SetPolicy("acme", Policy{DailyTokenLimit: 1000, MonthlyCostLimit: 100, DailyRequestLimit: 100})
	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 900, 1.0)))
	assert.Equal(t, LevelExceeded, m.CheckAdmission("acme", 200))

	// Next local day: tokens/requests reset, month cost carried.
	base = base.Add(2 * time.Hour)
	u := m.GetUsage("acme")
	assert.Zero(t, u.TokensToday)
	assert.Zero(t, u.RequestsToday)
	assert.InDelta(t, 1.0, u.CostThisMonth, 1e-9)
	assert.Equal(t, LevelOK, m.CheckAdmission("acme", 200))

	// Reset is idempotent: recording twice in the new day accumulates from zero once.
	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 10, 0)))
	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 10, 0)))
	assert.EqualValues(t, 20, m.GetUsage("acme").TokensToday)
}

func TestMonthlyRollover_ResetsCost(t *testing.T) {
	m := newTestManager(t, nil)
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.Local)
	m.now = func() time.Time { return base }

	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 10, 5.0)))
	base = time.Date(2026, 9, 1, 0, 1, 0, 0, time.Local)

	u := m.GetUsage("acme")
	assert.Zero(t, u.CostThisMonth)
	assert.Equal(t, "2026-09", u.MonthPeriod)
}

func TestAlertListener_FiresOnLevelIncreaseOnly(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetPolicy("acme", Policy{DailyTokenLimit: 100, MonthlyCostLimit: 1000, DailyRequestLimit: 1000, WarningThreshold: 0.8})

	var mu sync.Mutex
	var got []Alert
	remove := m.OnAlert(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	})
	defer remove()

	ctx := context.Background()
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "bot", 50, 0))) // 0.5 -> no alert
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "bot", 35, 0))) // 0.85 -> WARNING
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "bot", 1, 0)))  // still WARNING -> no repeat
	require.NoError(t, m.RecordUsage(ctx, delta("acme", "bot", 20, 0))) // 1.06 -> EXCEEDED

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, LevelWarning, got[0].NewLevel)
	assert.Equal(t, LevelOK, got[0].OldLevel)
	assert.Equal(t, LevelExceeded, got[1].NewLevel)
	assert.Equal(t, "acme", got[1].TenantID)
}

func TestRecentAlerts_FilteredByTenant(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetPolicy("a", Policy{DailyTokenLimit: 10, MonthlyCostLimit: 100, DailyRequestLimit: 100})
	m.SetPolicy("b", Policy{DailyTokenLimit: 10, MonthlyCostLimit: 100, DailyRequestLimit: 100})

	ctx := context.Background()
	require.NoError(t, m.RecordUsage(ctx, delta("a", "x", 20, 0)))
	require.NoError(t, m.RecordUsage(ctx, delta("b", "x", 20, 0)))

	assert.Len(t, m.RecentAlerts("a", time.Time{}), 1)
	assert.Len(t, m.RecentAlerts("", time.Time{}), 2)
	assert.Empty(t, m.RecentAlerts("a", time.Now().Add(time.Hour)))
}

// flakyStore fails a configured number of times before succeeding.
type flakyStore struct {
	mu        sync.Mutex
	failures  int
	persisted []types.UsageDelta
}

func (s *flakyStore) PersistUsageDelta(_ context.Context, d types.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.persisted = append(s.persisted, d)
	return nil
}

func (s *flakyStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

func TestPersistence_RetriesTransientFailure(t *testing.T) {
	store := &flakyStore{failures: 2}
	m := newTestManager(t, store)

	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 10, 0.1)))

	require.Eventually(t, func() bool { return store.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, m.Degraded())
	// The counter was incremented regardless of persistence timing.
	assert.EqualValues(t, 10, m.GetUsage("acme").TokensToday)
}

func TestPersistence_DegradesAfterRetriesExhausted(t *testing.T) {
	store := &flakyStore{failures: 1000}
	cfg := DefaultConfig()
	cfg.PersistMaxRetries = 2
	cfg.PersistTimeout = time.Second
	m := NewManager(cfg, store, zap.NewNop())
	t.Cleanup(m.Close)

	var mu sync.Mutex
	var failed []types.UsageDelta
	m.SetPersistFailureHandler(func(d types.UsageDelta, err error) {
		mu.Lock()
		failed = append(failed, d)
		mu.Unlock()
		assert.Equal(t, types.ErrPersistenceDegraded, types.GetErrorCode(err))
	})

	require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 10, 0.1)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.Degraded())
	// In-memory accounting survives the persistence failure.
	assert.EqualValues(t, 10, m.GetUsage("acme").TokensToday)
}

func TestAllowRate(t *testing.T) {
	m := newTestManager(t, nil)

	// No limiter configured: always allowed.
	assert.True(t, m.AllowRate("acme"))

	m.SetPolicy("acme", Policy{
		DailyTokenLimit: 1000, MonthlyCostLimit: 100, DailyRequestLimit: 100,
		RequestsPerSecond: 1, Burst: 1,
	})
	assert.True(t, m.AllowRate("acme"))
	assert.False(t, m.AllowRate("acme"))
}

func TestConcurrentRecordUsage(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = m.RecordUsage(ctx, delta("acme", "bot", 3, 0.001))
			}
		}()
	}
	wg.Wait()

	u := m.GetUsage("acme")
	assert.EqualValues(t, workers*perWorker*3, u.TokensToday)
	assert.EqualValues(t, workers*perWorker, u.RequestsToday)
}

func TestSetPersistFailureHandlerWhileLoopRunning(t *testing.T) {
	store := &flakyStore{failures: 1 << 30}
	cfg := DefaultConfig()
	cfg.PersistMaxRetries = 1
	cfg.PersistTimeout = 100 * time.Millisecond
	m := NewManager(cfg, store, zap.NewNop())
	t.Cleanup(m.Close)

	// Installing the hook after deltas are already flowing must be safe
	// against the persist goroutine reading it.
	var fired atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, m.RecordUsage(context.Background(), delta("acme", "bot", 1, 0)))
		m.SetPersistFailureHandler(func(types.UsageDelta, error) { fired.Add(1) })
	}

	require.Eventually(t, func() bool { return fired.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}
