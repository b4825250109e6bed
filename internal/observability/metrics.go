package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropDecode         = "decode"
	DropFrameType      = "frame_type"
	DropUnknownRequest = "unknown_request"
	DropDuplicate      = "duplicate_request"
	DropNoHandler      = "no_handler"
	DropMailboxFull    = "mailbox_full"
	DropInvalidCore    = "invalid_core_request"
	DropUnsolicited    = "unsolicited_response"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muxsession",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muxsession",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muxsession",
			Subsystem: "session",
			Name:      "envelopes_total",
			Help:      "Envelopes routed, by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	drops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muxsession",
			Subsystem: "session",
			Name:      "dropped_total",
			Help:      "Envelopes dropped, by reason.",
		},
		[]string{"reason"},
	)
	coreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muxsession",
			Subsystem: "core",
			Name:      "requests_total",
			Help:      "Core registry service requests, by op and outcome.",
		},
		[]string{"op", "success"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "muxsession",
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently open sessions.",
		},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muxsession",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Outbound call latency, by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			envelopes, drops, coreRequests, activeSessions, callDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEnvelope(direction, kind string) {
	RegisterMetrics()
	envelopes.WithLabelValues(direction, kind).Inc()
}

func RecordDrop(reason string) {
	RegisterMetrics()
	drops.WithLabelValues(reason).Inc()
}

func RecordCoreRequest(op string, success bool) {
	RegisterMetrics()
	coreRequests.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

func RecordCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
