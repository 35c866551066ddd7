package quota

import "time"

// AlertLevel is the ordered severity of a tenant's proximity to its ceiling.
type AlertLevel int

const (
	LevelOK AlertLevel = iota
	LevelWarning
	LevelCritical
	LevelExceeded
)

// String implements fmt.Stringer.
func (l AlertLevel) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Alert is a recorded level transition for a tenant.
type Alert struct {
	TenantID  string     `json:"tenant_id"`
	OldLevel  AlertLevel `json:"old_level"`
	NewLevel  AlertLevel `json:"new_level"`
	Dimension string     `json:"dimension"` // daily_tokens | monthly_cost | daily_requests
	Ratio     float64    `json:"ratio"`
	Timestamp time.Time  `json:"timestamp"`
}

// Listener receives level-increase notifications. Listeners run on their own
// goroutine and must not block quota operations.
type Listener func(alert Alert)

// levelFor maps a utilization ratio to an alert level.
func levelFor(ratio, warning, critical float64) AlertLevel {
	switch {
	case ratio >= 1.0:
		return LevelExceeded
	case ratio >= critical:
		return LevelCritical
	case ratio >= warning:
		return LevelWarning
	default:
		return LevelOK
	}
}
