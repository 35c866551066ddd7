package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tcmofashi/MaiMBot/isolation"
	"github.com/tcmofashi/MaiMBot/llm"
	"github.com/tcmofashi/MaiMBot/types"
)

// Priority orders requests across tenants. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	numPriorities = 4
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a defined priority.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, types.NewErrorf(types.ErrValidation, "unknown priority %q", s)
	}
}

// Status is the lifecycle state of a request descriptor.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAdmitted  Status = "admitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Submission is the caller-facing description of one model call.
type Submission struct {
	Scope    isolation.Scope
	Payload  any
	Priority Priority

	// EstimatedTokens drives admission projection. Zero delegates to the
	// configured token estimator.
	EstimatedTokens int

	// IdempotencyKey, when set, deduplicates resubmissions: a second submit
	// with the same key returns the existing request id.
	IdempotencyKey string
}

// Request is the canonical descriptor of a scheduled model call. Owned by
// the manager; the queue holds only references for ordering.
type Request struct {
	ID              string
	Scope           isolation.Scope
	Priority        Priority
	Payload         any
	EstimatedTokens int
	IdempotencyKey  string
	SubmittedAt     time.Time
	Deadline        time.Time

	// firstEnqueuedAt is stamped on the first queue push and kept across
	// retry re-pushes so aging measures total unserved wait. Guarded by
	// the queue mutex, not mu.
	firstEnqueuedAt time.Time

	mu              sync.Mutex
	status          Status
	attempts        int
	result          *llm.Result
	err             error
	startedAt       time.Time
	completedAt     time.Time
	cancelRequested bool
	cancelRunning   context.CancelFunc

	done chan struct{}
}

// Snapshot is the externally visible state of a request.
type Snapshot struct {
	ID              string          `json:"id"`
	Scope           isolation.Scope `json:"scope"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	EstimatedTokens int             `json:"estimated_tokens"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          *llm.Result     `json:"result,omitempty"`
	Err             error           `json:"-"`
	ErrMessage      string          `json:"error,omitempty"`
}

func newRequest(id string, sub Submission, now time.Time, deadline time.Duration) *Request {
	return &Request{
		ID:              id,
		Scope:           sub.Scope,
		Priority:        sub.Priority,
		Payload:         sub.Payload,
		EstimatedTokens: sub.EstimatedTokens,
		IdempotencyKey:  sub.IdempotencyKey,
		SubmittedAt:     now,
		Deadline:        now.Add(deadline),
		status:          StatusPending,
		done:            make(chan struct{}),
	}
}

// snapshot returns a copy of the request state.
func (r *Request) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ID:              r.ID,
		Scope:           r.Scope,
		Priority:        r.Priority,
		Status:          r.status,
		Attempts:        r.attempts,
		EstimatedTokens: r.EstimatedTokens,
		SubmittedAt:     r.SubmittedAt,
		StartedAt:       r.startedAt,
		CompletedAt:     r.completedAt,
		CancelRequested: r.cancelRequested,
		Result:          r.result,
		Err:             r.err,
	}
	if r.err != nil {
		s.ErrMessage = r.err.Error()
	}
	return s
}

// Status returns the current lifecycle state.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// finish moves the request to a terminal state exactly once. Returns false
// if the request was already terminal.
func (r *Request) finish(status Status, result *llm.Result, err error, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = status
	r.result = result
	r.err = err
	r.completedAt = now
	r.cancelRunning = nil
	close(r.done)
	return true
}
