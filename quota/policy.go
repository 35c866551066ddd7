package quota

import (
	"time"

	"golang.org/x/time/rate"
)

// Policy is the per-tenant quota ceiling. A limit of zero or less means
// unlimited for that dimension.
type Policy struct {
	DailyTokenLimit   int     `yaml:"daily_token_limit" json:"daily_token_limit"`
	MonthlyCostLimit  float64 `yaml:"monthly_cost_limit" json:"monthly_cost_limit"`
	DailyRequestLimit int     `yaml:"daily_request_limit" json:"daily_request_limit"`

	// WarningThreshold is the utilization ratio (0-1) at which WARNING fires.
	WarningThreshold float64 `yaml:"warning_threshold" json:"warning_threshold"`

	// RequestsPerSecond optionally smooths tenant traffic. Zero disables
	// the limiter; it is advisory and never affects quota accounting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// DefaultPolicy returns the built-in ceiling applied to tenants that never
// registered a policy. Generous on purpose: absence of configuration must not
// silently block work.
func DefaultPolicy() Policy {
	return Policy{
		DailyTokenLimit:   50_000_000,
		MonthlyCostLimit:  10_000.0,
		DailyRequestLimit: 1_000_000,
		WarningThreshold:  0.8,
	}
}

// normalize fills unset threshold fields so comparisons stay well-defined.
func (p Policy) normalize() Policy {
	if p.WarningThreshold <= 0 || p.WarningThreshold > 1 {
		p.WarningThreshold = 0.8
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

func (p Policy) newLimiter() *rate.Limiter {
	if p.RequestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(p.RequestsPerSecond), p.Burst)
}

// Usage is a read-only snapshot of a tenant's counters for the current
// periods.
type Usage struct {
	TenantID       string                `json:"tenant_id"`
	TokensToday    int64                 `json:"tokens_today"`
	RequestsToday  int64                 `json:"requests_today"`
	CostThisMonth  float64               `json:"cost_this_month"`
	DayPeriod      string                `json:"day_period"`
	MonthPeriod    string                `json:"month_period"`
	LastDayReset   time.Time             `json:"last_day_reset"`
	LastMonthReset time.Time             `json:"last_month_reset"`
	PerAgent       map[string]AgentUsage `json:"per_agent,omitempty"`
}

// AgentUsage is the per-agent breakdown within a tenant's current day.
type AgentUsage struct {
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
	Cost     float64 `json:"cost"`
}

// dayPeriod and monthPeriod identify the current accounting periods. Rollover
// is detected by comparing period ids, never by a background timer.
func dayPeriod(now time.Time) string   { return now.Format("2006-01-02") }
func monthPeriod(now time.Time) string { return now.Format("2006-01") }
