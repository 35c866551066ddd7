package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/quota"
	"github.com/tcmofashi/MaiMBot/scheduler"
)

// StatsProvider exposes scheduler counters for the ops endpoint.
type StatsProvider interface {
	Stats() scheduler.Stats
}

// UsageProvider exposes per-tenant quota usage for the ops endpoint.
type UsageProvider interface {
	GetUsage(tenantID string) quota.Usage
}

var (
	_ StatsProvider = (*scheduler.Scheduler)(nil)
	_ UsageProvider = (*scheduler.Scheduler)(nil)
)

// NewHandler builds the ops route set: liveness, Prometheus metrics and
// scheduler introspection.
func NewHandler(stats StatsProvider, usage UsageProvider, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, stats.Stats(), logger)
	})

	mux.HandleFunc("GET /usage", func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			http.Error(w, "missing tenant parameter", http.StatusBadRequest)
			return
		}
		writeJSON(w, usage.GetUsage(tenant), logger)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encoding failed", zap.Error(err))
	}
}
