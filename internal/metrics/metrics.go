// Package metrics holds the Prometheus collectors for the node supervisor,
// the RPC gateway and the binary manager.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monerodctl_http_requests_total",
			Help: "HTTP requests served, by server, method, path and status",
		},
		[]string{"server", "method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monerodctl_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)

	proxyRPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monerodctl_proxy_rpc_requests_total",
			Help: "JSON-RPC calls forwarded to monerod, by method and outcome",
		},
		[]string{"rpc_method", "outcome"},
	)

	daemonState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monerodctl_daemon_state",
			Help: "1 for the current supervisor state, 0 otherwise",
		},
		[]string{"state"},
	)

	daemonStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monerodctl_daemon_starts_total",
			Help: "Daemon start attempts by result",
		},
		[]string{"result"},
	)

	nodeHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monerodctl_node_height",
		Help: "Current blockchain height reported by get_info",
	})
	nodeTargetHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monerodctl_node_target_height",
		Help: "Target height reported by get_info",
	})
	nodePeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monerodctl_node_peers",
		Help: "P2P connections by direction",
	}, []string{"direction"})
	nodeSyncProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monerodctl_node_sync_progress_percent",
		Help: "Estimated sync progress in percent",
	})

	artifactOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monerodctl_artifact_operations_total",
			Help: "Install and update operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	downloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monerodctl_download_bytes_total",
		Help: "Bytes downloaded for daemon archives",
	})

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// Supervisor state labels, kept in sync with supervisor.State names.
var stateLabels = []string{"stopped", "starting", "running", "stopping", "failed"}

// SetMetricsEnabled toggles collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers every collector with the default registry once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		proxyRPCRequestsTotal,
		daemonState,
		daemonStartsTotal,
		nodeHeight,
		nodeTargetHeight,
		nodePeers,
		nodeSyncProgress,
		artifactOperationsTotal,
		downloadBytesTotal,
	)
}

// PrometheusMiddleware records request count and latency for server.
func PrometheusMiddleware(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		start := time.Now()
		c.Next()

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(server, method, normalizePath(c.Request.URL.Path), status).Inc()
		httpRequestDurationSeconds.WithLabelValues(server, method).Observe(time.Since(start).Seconds())
	}
}

// normalizePath bounds label cardinality for arbitrary proxied paths.
func normalizePath(path string) string {
	switch {
	case path == "/" || path == "/json_rpc" || path == "/healthz":
		return path
	case strings.HasPrefix(path, "/v0/"):
		return path
	case len(path) > 40:
		return path[:40] + "..."
	default:
		return path
	}
}

// MetricsHandler serves the default registry, or 404 when metrics are disabled.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordProxyRPC counts one forwarded JSON-RPC call.
func RecordProxyRPC(method, outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	if method == "" {
		method = "other"
	}
	proxyRPCRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// SetDaemonState marks state as the current supervisor state.
func SetDaemonState(state string) {
	if !IsMetricsEnabled() {
		return
	}
	for _, s := range stateLabels {
		v := 0.0
		if s == state {
			v = 1
		}
		daemonState.WithLabelValues(s).Set(v)
	}
}

// RecordDaemonStart counts a start attempt.
func RecordDaemonStart(result string) {
	if !IsMetricsEnabled() {
		return
	}
	daemonStartsTotal.WithLabelValues(result).Inc()
}

// SetNodeStatus publishes the latest polled chain status.
func SetNodeStatus(height, target, outPeers, inPeers uint64, progress float64) {
	if !IsMetricsEnabled() {
		return
	}
	nodeHeight.Set(float64(height))
	nodeTargetHeight.Set(float64(target))
	nodePeers.WithLabelValues("out").Set(float64(outPeers))
	nodePeers.WithLabelValues("in").Set(float64(inPeers))
	nodeSyncProgress.Set(progress)
}

// RecordArtifactOperation counts an install or update outcome.
func RecordArtifactOperation(kind, result string) {
	if !IsMetricsEnabled() {
		return
	}
	artifactOperationsTotal.WithLabelValues(kind, result).Inc()
}

// AddDownloadBytes adds n downloaded bytes.
func AddDownloadBytes(n int64) {
	if !IsMetricsEnabled() || n <= 0 {
		return
	}
	downloadBytesTotal.Add(float64(n))
}
