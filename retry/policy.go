// Package retry provides the exponential backoff policy used when a model
// call fails with a retryable error. The scheduler does not block a worker
// for the delay; it re-enqueues the request with a not-before time computed
// here.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/tcmofashi/MaiMBot/types"
)

// Policy defines the retry strategy for provider calls.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	// Zero disables retries.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay per attempt (exponential backoff).
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes each delay in [delay/2, delay) to avoid retry
	// stampedes against a recovering provider.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns the policy suited to most LLM API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// ShouldRetry reports whether a failed attempt may be retried: the error is
// classified retryable and the attempt count is below the limit. attempts is
// the number of attempts already made.
func (p Policy) ShouldRetry(err error, attempts int) bool {
	return attempts <= p.MaxRetries && types.IsRetryable(err)
}

// Delay returns the backoff before re-attempt number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
