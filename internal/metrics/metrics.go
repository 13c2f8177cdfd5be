package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by the API process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	likeTogglesTotal    *prometheus.CounterVec
	transactionRetries  *prometheus.CounterVec
	messagesTotal       *prometheus.CounterVec
	triggerRunsTotal    *prometheus.CounterVec
	activeListeners     *prometheus.GaugeVec
	roomsPurgedTotal    prometheus.Counter
}

// New builds the collectors and registers them with the provided registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confesiones_http_requests_total",
				Help: "Total number of HTTP requests processed by the API.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confesiones_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		likeTogglesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confesiones_like_toggles_total",
				Help: "Like toggle transactions by result.",
			},
			[]string{"result"},
		),
		transactionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confesiones_transaction_retries_total",
				Help: "Store transactions retried after a write conflict.",
			},
			[]string{"reason"},
		),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confesiones_chat_messages_total",
				Help: "Chat messages created by kind.",
			},
			[]string{"kind"},
		),
		triggerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confesiones_chat_trigger_runs_total",
				Help: "Denormalization trigger runs by outcome.",
			},
			[]string{"outcome"},
		),
		activeListeners: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "confesiones_active_listeners",
				Help: "Number of attached realtime listeners.",
			},
			[]string{"transport"},
		),
		roomsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "confesiones_chat_rooms_purged_total",
				Help: "Chat rooms removed after their expiry passed.",
			},
		),
	}

	if registerer != nil {
		collectors := []prometheus.Collector{
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.likeTogglesTotal,
			m.transactionRetries,
			m.messagesTotal,
			m.triggerRunsTotal,
			m.activeListeners,
			m.roomsPurgedTotal,
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// HTTPMiddleware records request counts and latencies per route.
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncLikeToggle(result string) {
	if m == nil {
		return
	}
	m.likeTogglesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTransactionRetry(reason string) {
	if m == nil {
		return
	}
	m.transactionRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessage(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncTriggerRun(outcome string) {
	if m == nil {
		return
	}
	m.triggerRunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncListeners(transport string) {
	if m == nil {
		return
	}
	m.activeListeners.WithLabelValues(transport).Inc()
}

func (m *Metrics) DecListeners(transport string) {
	if m == nil {
		return
	}
	m.activeListeners.WithLabelValues(transport).Dec()
}

func (m *Metrics) AddRoomsPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.roomsPurgedTotal.Add(float64(count))
}
