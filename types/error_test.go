package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorRetryability(t *testing.T) {
	assert.True(t, NewError(ErrProviderTransient, "flaky upstream").Retryable)
	assert.False(t, NewError(ErrProviderTerminal, "bad model").Retryable)
	assert.False(t, NewError(ErrQuotaExceeded, "over budget").Retryable)

	forced := NewError(ErrTimeout, "slow").WithRetryable(true)
	assert.True(t, IsRetryable(forced))
}

func TestErrorMessageAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorf(ErrProviderTransient, "attempt %d failed", 2).
		WithCause(cause).
		WithTenant("acme").
		WithProvider("openai")

	assert.Contains(t, err.Error(), "PROVIDER_TRANSIENT")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "acme", err.TenantID)
	assert.Equal(t, "openai", err.Provider)
	require.ErrorIs(t, err, cause)
}

func TestGetErrorCodeUnwraps(t *testing.T) {
	inner := NewError(ErrQueueFull, "queue at capacity").WithTenant("acme")
	wrapped := fmt.Errorf("submit: %w", inner)

	assert.Equal(t, ErrQueueFull, GetErrorCode(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(fmt.Errorf("outer: %w", NewError(ErrProviderTransient, "x"))))
}
