package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/quota"
	"github.com/tcmofashi/MaiMBot/scheduler"
)

type stubStats struct {
	stats scheduler.Stats
}

func (s stubStats) Stats() scheduler.Stats { return s.stats }

type stubUsage struct{}

func (stubUsage) GetUsage(tenantID string) quota.Usage {
	return quota.Usage{TenantID: tenantID, TokensToday: 42}
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestNewManager(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	m := NewManager(handler, cfg, zap.NewNop())

	require.NotNil(t, m)
	assert.True(t, m.IsRunning())
	assert.Equal(t, ":9091", m.Addr())
	assert.NotNil(t, m.server.TLSConfig)
}

func TestManager_StartAndShutdown(t *testing.T) {
	handler := NewHandler(stubStats{}, stubUsage{}, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Addr = ":0" // random port
	m := NewManager(handler, cfg, zap.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	addr := m.listener.Addr().String()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_StartTwice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(http.NewServeMux(), cfg, zap.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	assert.Error(t, m.Start())
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(http.NewServeMux(), cfg, zap.NewNop())

	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start(), "closed server cannot restart")
}

func TestHandler_Stats(t *testing.T) {
	stats := scheduler.Stats{Submitted: 7, Completed: 5, QueueDepth: 2}
	handler := NewHandler(stubStats{stats: stats}, stubUsage{}, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got scheduler.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(7), got.Submitted)
	assert.Equal(t, int64(5), got.Completed)
	assert.Equal(t, 2, got.QueueDepth)
}

func TestHandler_Usage(t *testing.T) {
	handler := NewHandler(stubStats{}, stubUsage{}, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage?tenant=acme", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var usage quota.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "acme", usage.TenantID)
	assert.Equal(t, int64(42), usage.TokensToday)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Metrics(t *testing.T) {
	handler := NewHandler(stubStats{}, stubUsage{}, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
