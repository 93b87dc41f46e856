package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpstreamCalls   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	ToolCalls       *prometheus.CounterVec
	HistoryAppends  *prometheus.CounterVec
	EnqueuedUsage   prometheus.Counter
	ProcessedUsage  prometheus.Counter
	FailedUsage     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "upstream_calls_total",
				Help:      "Upstream model calls by model, endpoint and outcome",
			}, []string{"model", "endpoint", "outcome"}),
			UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "albert",
				Name:      "upstream_latency_seconds",
				Help:      "Upstream call latency until the response head is received",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"model", "endpoint"}),
			ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "tool_calls_total",
				Help:      "Retrieval tool invocations by tool and outcome",
			}, []string{"tool", "outcome"}),
			HistoryAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "history_appends_total",
				Help:      "Chat history appends by outcome",
			}, []string{"outcome"}),
			EnqueuedUsage: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "usage_enqueued_total",
				Help:      "Total usage events enqueued to redis stream",
			}),
			ProcessedUsage: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "usage_processed_total",
				Help:      "Total usage events persisted",
			}),
			FailedUsage: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "albert",
				Name:      "usage_failed_total",
				Help:      "Total usage events failed during persistence",
			}),
		}
		prometheus.MustRegister(
			global.UpstreamCalls,
			global.UpstreamLatency,
			global.ToolCalls,
			global.HistoryAppends,
			global.EnqueuedUsage,
			global.ProcessedUsage,
			global.FailedUsage,
		)
	})
	return global
}

// Outcome labels a call result for the counters above.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
