package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总通信与订单生命周期指标。nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	published      *prometheus.CounterVec
	received       *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	orderStates    *prometheus.CounterVec
	pollLatency    prometheus.Histogram
}

// New 创建独立 registry 并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatetest_published_total",
			Help: "Messages published to the gate, by channel and result.",
		}, []string{"channel", "result"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatetest_received_total",
			Help: "Messages received from the gate, by channel.",
		}, []string{"channel"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatetest_decode_failures_total",
			Help: "Inbound messages that failed to decode or handle, by channel.",
		}, []string{"channel"}),
		orderStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatetest_order_state_transitions_total",
			Help: "Order state updates applied from gate reports, by state.",
		}, []string{"state"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatetest_poll_seconds",
			Help:    "Duration of non-idle poll iterations.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published,
		m.received,
		m.decodeFailures,
		m.orderStates,
		m.pollLatency,
	)
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncPublished(channel, result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) IncReceived(channel string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncDecodeFailure(channel string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) AddOrderStates(state string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orderStates.WithLabelValues(state).Add(float64(n))
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollLatency.Observe(d.Seconds())
}
