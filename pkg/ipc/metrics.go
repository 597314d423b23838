package ipc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aichat",
		Name:      "connections_active_total",
		Help:      "Number of admitted websocket connections.",
	})
	metricHandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aichat",
		Name:      "handshake_failures_total",
		Help:      "Rejected websocket handshakes by error code.",
	}, []string{"code"})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
