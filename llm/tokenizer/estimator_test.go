package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type promptPayload struct{ prompt string }

func (p promptPayload) EstimationText() string { return p.prompt }

func TestEstimate_TextSources(t *testing.T) {
	e := NewEstimator("")

	text := "The quick brown fox jumps over the lazy dog."
	want := e.CountText(text)
	assert.Positive(t, want)

	assert.Equal(t, want, e.Estimate(text))
	assert.Equal(t, want, e.Estimate([]byte(text)))
	assert.Equal(t, want, e.Estimate(promptPayload{prompt: text}))
}

func TestEstimate_OpaquePayloadGetsDefault(t *testing.T) {
	e := NewEstimator("")
	assert.Equal(t, DefaultEstimate, e.Estimate(struct{ X int }{X: 1}))
	assert.Equal(t, DefaultEstimate, e.Estimate(nil))
}

func TestCountText_FallbackHeuristic(t *testing.T) {
	// Unknown encoding forces the bytes/4 fallback.
	e := NewEstimator("no-such-encoding")
	assert.Equal(t, 10, e.CountText("The quick brown fox jumps over the lazy."))
}
