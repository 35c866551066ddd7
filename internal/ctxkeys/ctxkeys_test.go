package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestAndTenantID(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	require.False(t, ok)

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "tenant-a")
	ctx = WithAgentID(ctx, "agent-7")

	id, ok := RequestID(ctx)
	require.True(t, ok)
	require.Equal(t, "req-1", id)

	tenant, ok := TenantID(ctx)
	require.True(t, ok)
	require.Equal(t, "tenant-a", tenant)

	agent, ok := AgentID(ctx)
	require.True(t, ok)
	require.Equal(t, "agent-7", agent)
}

func TestEmptyValuesNotFound(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	_, ok := RequestID(ctx)
	require.False(t, ok)
}

func TestAttempt(t *testing.T) {
	_, ok := Attempt(context.Background())
	require.False(t, ok)

	ctx := WithAttempt(context.Background(), 2)
	n, ok := Attempt(ctx)
	require.True(t, ok)
	require.Equal(t, 2, n)
}
