package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.requestDuration)
	assert.NotNil(t, collector.queueDepth)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.costTotal)
}

func TestCollector_RecordRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRequest("tenant-a", "normal", "completed", 150*time.Millisecond)

	count := testutil.CollectAndCount(collector.requestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordRequest("tenant-a", "normal", "failed", 50*time.Millisecond)

	newCount := testutil.CollectAndCount(collector.requestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordUsage(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordUsage("tenant-a", "gpt-4", 150, 0.01)

	tokens := testutil.ToFloat64(collector.tokensUsed.WithLabelValues("tenant-a", "gpt-4"))
	assert.Equal(t, 150.0, tokens)

	collector.RecordUsage("tenant-a", "gpt-4", 50, 0.005)

	tokens = testutil.ToFloat64(collector.tokensUsed.WithLabelValues("tenant-a", "gpt-4"))
	assert.Equal(t, 200.0, tokens)

	cost := testutil.ToFloat64(collector.costTotal.WithLabelValues("tenant-a", "gpt-4"))
	assert.InDelta(t, 0.015, cost, 1e-9)
}

func TestCollector_QueueGauges(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetQueueDepth("normal", 7)
	collector.SetQueueDepth("urgent", 1)
	collector.SetActiveWorkers(3)

	assert.Equal(t, 7.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("urgent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.activeWorkers))

	collector.SetQueueDepth("normal", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("normal")))
}

func TestCollector_RecordQuotaAlert(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordQuotaAlert("tenant-a", "warning")
	collector.RecordQuotaAlert("tenant-a", "warning")
	collector.RecordQuotaAlert("tenant-a", "exceeded")

	warn := testutil.ToFloat64(collector.quotaAlertsTotal.WithLabelValues("tenant-a", "warning"))
	assert.Equal(t, 2.0, warn)
}

func TestCollector_RecordRetry(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRetry("tenant-a")
	collector.RecordQueueWait("normal", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retriesTotal.WithLabelValues("tenant-a")))
	assert.Greater(t, testutil.CollectAndCount(collector.queueWaitTime), 0)
}
