package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aichat",
		Name:      "messages_relayed_total",
		Help:      "Direct room messages accepted for broadcast.",
	})
	metricAssistantRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aichat",
		Name:      "assistant_requests_total",
		Help:      "Assistant directives detected in room messages.",
	})
	metricAssistantFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aichat",
		Name:      "assistant_failures_total",
		Help:      "Assistant directives that ended in a failure announcement.",
	})
	metricAssistantDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aichat",
		Name:      "assistant_duration_seconds",
		Help:      "Wall-clock duration of assistant completions.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)
