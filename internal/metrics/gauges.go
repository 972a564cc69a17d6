// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram）- 确认延迟、重传、应用往返
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/relm/internal/arq"
)

// RelmMetrics 埋点指标集合
type RelmMetrics struct {
	// 可靠性引擎
	AckLatency  *prometheus.HistogramVec
	AckTries    *prometheus.HistogramVec
	Retransmits *prometheus.CounterVec

	// 应用
	RoundTrips       *prometheus.CounterVec
	RoundTripLatency *prometheus.HistogramVec
}

// NewRelmMetrics 创建指标集合并注册
func NewRelmMetrics(registry prometheus.Registerer) *RelmMetrics {
	m := &RelmMetrics{
		AckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ack_latency_seconds",
			Help:      "Time from last transmission to cumulative acknowledgement",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"engine"}),

		AckTries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ack_tries",
			Help:      "Transmissions needed before a message was acknowledged",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}, []string{"engine"}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "retransmit_events_total",
			Help:      "Retransmission events observed",
		}, []string{"engine", "reason"}),

		RoundTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "round_trips_total",
			Help:      "Completed ping/pong round trips",
		}, []string{"engine"}),

		RoundTripLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "round_trip_seconds",
			Help:      "Ping to matching pong latency",
			Buckets:   prometheus.ExponentialBuckets(.005, 2, 12),
		}, []string{"engine"}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.AckLatency,
		m.AckTries,
		m.Retransmits,
		m.RoundTrips,
		m.RoundTripLatency,
	)

	return m
}

// Observer 返回绑定引擎名的观察者, 用于 arq.WithObserver
func (m *RelmMetrics) Observer(engine string) arq.Observer {
	return &engineObserver{
		ackLatency:  m.AckLatency.WithLabelValues(engine),
		ackTries:    m.AckTries.WithLabelValues(engine),
		retransmits: m.Retransmits.MustCurryWith(prometheus.Labels{"engine": engine}),
	}
}

// RecordRoundTrip 记录一次应用往返
func (m *RelmMetrics) RecordRoundTrip(engine string, rtt time.Duration) {
	m.RoundTrips.WithLabelValues(engine).Inc()
	m.RoundTripLatency.WithLabelValues(engine).Observe(rtt.Seconds())
}

type engineObserver struct {
	ackLatency  prometheus.Observer
	ackTries    prometheus.Observer
	retransmits *prometheus.CounterVec
}

func (o *engineObserver) OnAcked(tries int, elapsed time.Duration) {
	o.ackTries.Observe(float64(tries))
	o.ackLatency.Observe(elapsed.Seconds())
}

func (o *engineObserver) OnRetransmit(reason string) {
	o.retransmits.WithLabelValues(reason).Inc()
}
