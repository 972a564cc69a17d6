// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 引擎与链路统计快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/relm/internal/arq"
	"github.com/mrcgq/relm/internal/transport"
)

const namespace = "relm"

// =============================================================================
// 引擎收集器
// =============================================================================

// EngineStats 引擎统计数据接口
type EngineStats interface {
	Stats() arq.Stats
}

// EngineCollector 引擎指标收集器
type EngineCollector struct {
	statsProvider EngineStats

	stateDesc *prometheus.Desc

	// 发送方向
	sentDesc         *prometheus.Desc
	retransmitsDesc  *prometheus.Desc
	acksReceivedDesc *prometheus.Desc
	lateTimersDesc   *prometheus.Desc

	// 接收方向
	deliveredDesc *prometheus.Desc
	arrivalsDesc  *prometheus.Desc
	acksSentDesc  *prometheus.Desc
	droppedDesc   *prometheus.Desc

	// 窗口
	windowSizeDesc  *prometheus.Desc
	bufferSizeDesc  *prometheus.Desc
	unackedDesc     *prometheus.Desc
	nextSendSeqDesc *prometheus.Desc
	nextRecvSeqDesc *prometheus.Desc
	uptimeDesc      *prometheus.Desc

	// 往返时间
	srttDesc       *prometheus.Desc
	rttVarDesc     *prometheus.Desc
	minRTTDesc     *prometheus.Desc
	rttSamplesDesc *prometheus.Desc
}

// NewEngineCollector 创建引擎收集器
func NewEngineCollector(provider EngineStats) *EngineCollector {
	subsystem := "engine"
	labels := []string{"engine"}

	return &EngineCollector{
		statsProvider: provider,

		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Current engine state (1 = active)",
			[]string{"engine", "state"}, nil,
		),

		sentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "messages_sent_total"),
			"Total application messages sent",
			labels, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmits_total"),
			"Total retransmissions by reason",
			[]string{"engine", "reason"}, nil,
		),
		acksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_received_total"),
			"Total acknowledgements received",
			labels, nil,
		),
		lateTimersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "late_timers_total"),
			"Retransmit timers that fired after acknowledgement",
			labels, nil,
		),

		deliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "delivered_total"),
			"Total messages delivered to the application",
			labels, nil,
		),
		arrivalsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "arrivals_total"),
			"Inbound data messages by classification",
			[]string{"engine", "kind"}, nil,
		),
		acksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_sent_total"),
			"Total acknowledgements sent",
			labels, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "dropped_total"),
			"Inputs dropped by reason",
			[]string{"engine", "reason"}, nil,
		),

		windowSizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "window_size"),
			"Unacknowledged outbound messages",
			labels, nil,
		),
		bufferSizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "reorder_buffer_size"),
			"Early messages waiting for a gap to close",
			labels, nil,
		),
		unackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "unacked_arrivals"),
			"Data arrivals since the last acknowledgement",
			labels, nil,
		),
		nextSendSeqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "next_send_seq"),
			"Next outbound sequence number",
			labels, nil,
		),
		nextRecvSeqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "next_recv_seq"),
			"Next expected inbound sequence number",
			labels, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "uptime_seconds"),
			"Engine uptime in seconds",
			labels, nil,
		),

		srttDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "srtt_seconds"),
			"Smoothed round-trip time of first-try messages",
			labels, nil,
		),
		rttVarDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rtt_variance_seconds"),
			"Round-trip time variance",
			labels, nil,
		),
		minRTTDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "min_rtt_seconds"),
			"Minimum observed round-trip time",
			labels, nil,
		),
		rttSamplesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rtt_samples_total"),
			"Round-trip time samples taken",
			labels, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.sentDesc
	ch <- c.retransmitsDesc
	ch <- c.acksReceivedDesc
	ch <- c.lateTimersDesc
	ch <- c.deliveredDesc
	ch <- c.arrivalsDesc
	ch <- c.acksSentDesc
	ch <- c.droppedDesc
	ch <- c.windowSizeDesc
	ch <- c.bufferSizeDesc
	ch <- c.unackedDesc
	ch <- c.nextSendSeqDesc
	ch <- c.nextRecvSeqDesc
	ch <- c.uptimeDesc
	ch <- c.srttDesc
	ch <- c.rttVarDesc
	ch <- c.minRTTDesc
	ch <- c.rttSamplesDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider.Stats()
	name := s.Name

	for _, state := range []arq.State{arq.StateBootstrapping, arq.StateRunning, arq.StateStopped} {
		val := 0.0
		if state.String() == s.State {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val, name, state.String())
	}

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append([]string{name}, labels...)...)
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, name)
	}

	counter(c.sentDesc, s.MessagesSent)
	counter(c.retransmitsDesc, s.TimeoutRetransmits, arq.RetransmitTimeout)
	counter(c.retransmitsDesc, s.NackRetransmits, arq.RetransmitNack)
	counter(c.acksReceivedDesc, s.AcksReceived)
	counter(c.lateTimersDesc, s.LateTimers)

	counter(c.deliveredDesc, s.Delivered)
	counter(c.arrivalsDesc, s.InOrder, arq.ArrivalInOrder.String())
	counter(c.arrivalsDesc, s.Early, arq.ArrivalEarly.String())
	counter(c.arrivalsDesc, s.Stale, arq.ArrivalStale.String())
	counter(c.arrivalsDesc, s.DuplicateEarly, arq.ArrivalDuplicate.String())
	counter(c.acksSentDesc, s.AcksSent)
	counter(c.droppedDesc, s.DroppedBootstrap, "bootstrap")
	counter(c.droppedDesc, s.Unknown, "unknown")
	counter(c.droppedDesc, s.DroppedShutdown, "shutdown")

	gauge(c.windowSizeDesc, float64(s.WindowSize))
	gauge(c.bufferSizeDesc, float64(s.BufferSize))
	gauge(c.unackedDesc, float64(s.Unacked))
	gauge(c.nextSendSeqDesc, float64(s.NextSendSeq))
	gauge(c.nextRecvSeqDesc, float64(s.NextRecvSeq))
	gauge(c.uptimeDesc, s.Uptime.Seconds())

	gauge(c.srttDesc, s.SRTT.Seconds())
	gauge(c.rttVarDesc, s.RTTVar.Seconds())
	gauge(c.minRTTDesc, s.MinRTT.Seconds())
	counter(c.rttSamplesDesc, s.RTTSamples)
}

// =============================================================================
// 链路收集器
// =============================================================================

// LinkStats 链路统计数据接口
type LinkStats interface {
	Stats() transport.LinkStats
}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStats

	framesInDesc  *prometheus.Desc
	framesOutDesc *prometheus.Desc
	bytesInDesc   *prometheus.Desc
	bytesOutDesc  *prometheus.Desc
	lostDesc      *prometheus.Desc
	delayedDesc   *prometheus.Desc
	errorsDesc    *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStats) *LinkCollector {
	subsystem := "link"
	labels := []string{"link"}

	return &LinkCollector{
		statsProvider: provider,

		framesInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_received_total"),
			"Total frames read from the connection",
			labels, nil,
		),
		framesOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_sent_total"),
			"Total frames written to the connection",
			labels, nil,
		),
		bytesInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Total bytes received",
			labels, nil,
		),
		bytesOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total bytes sent",
			labels, nil,
		),
		lostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_lost_total"),
			"Inbound frames dropped by the loss policy",
			labels, nil,
		),
		delayedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_delayed_total"),
			"Inbound frames delayed by the loss policy",
			labels, nil,
		),
		errorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "errors_total"),
			"Link errors by type",
			[]string{"link", "type"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesInDesc
	ch <- c.framesOutDesc
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.lostDesc
	ch <- c.delayedDesc
	ch <- c.errorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider.Stats()

	ch <- prometheus.MustNewConstMetric(c.framesInDesc, prometheus.CounterValue, float64(s.FramesIn), s.Name)
	ch <- prometheus.MustNewConstMetric(c.framesOutDesc, prometheus.CounterValue, float64(s.FramesOut), s.Name)
	ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue, float64(s.BytesIn), s.Name)
	ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue, float64(s.BytesOut), s.Name)
	ch <- prometheus.MustNewConstMetric(c.lostDesc, prometheus.CounterValue, float64(s.Lost), s.Name)
	ch <- prometheus.MustNewConstMetric(c.delayedDesc, prometheus.CounterValue, float64(s.Delayed), s.Name)

	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.DecodeErrors), s.Name, "decode")
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.OpenErrors), s.Name, "open")
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.SendErrors), s.Name, "send")
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.IdleTimeouts), s.Name, "idle")
}
