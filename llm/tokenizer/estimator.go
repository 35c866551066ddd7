// Package tokenizer estimates the token footprint of a submission before it
// is admitted, so quota projection works even when the caller supplies no
// estimate of its own.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEstimate is used when a payload exposes no text to count. Matches
// the fixed pre-admission estimate the surrounding application historically
// used for chat turns.
const DefaultEstimate = 1000

// TextPayload is implemented by payloads willing to expose their prompt text
// for token estimation. The scheduler itself never inspects payloads; this is
// an opt-in contract for callers.
type TextPayload interface {
	EstimationText() string
}

// Estimator counts tokens with a tiktoken encoding, falling back to a
// bytes/4 heuristic when the encoding data is unavailable (it may require a
// network download on first use).
type Estimator struct {
	encoding string
	fallback int

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates an estimator for the given tiktoken encoding.
// Encoding defaults to cl100k_base.
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Estimator{encoding: encoding, fallback: DefaultEstimate}
}

// init lazily loads the tiktoken encoding (may download data on first use).
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// CountText returns the token count of text.
func (e *Estimator) CountText(text string) int {
	if err := e.init(); err != nil {
		// Rough heuristic: one token per ~4 bytes of text.
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate returns the estimated token footprint of an opaque payload.
// Payloads implementing TextPayload, string and []byte are counted; anything
// else gets DefaultEstimate.
func (e *Estimator) Estimate(payload any) int {
	switch p := payload.(type) {
	case TextPayload:
		return e.CountText(p.EstimationText())
	case string:
		return e.CountText(p)
	case []byte:
		return e.CountText(string(p))
	case fmt.Stringer:
		return e.CountText(p.String())
	default:
		return e.fallback
	}
}
