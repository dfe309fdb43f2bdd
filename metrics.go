// Package omnisync reconciles a locally desired configurator state
// (color, style, camera, lighting, object placement) against a remote
// rendered scene over asynchronous message channels: a state manager
// converges key/value pairs with optional server acknowledgement, a
// dispatcher decouples senders from channel lifecycle, and the prim
// package streams object transforms back to the server every frame.
package omnisync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the observable events of a session. All methods are
// nil-safe so wiring them stays optional.
type Metrics struct {
	messagesSent   prometheus.Counter
	sendFailures   prometheus.Counter
	queuedMessages prometheus.Counter
	resyncs        prometheus.Counter
	timeouts       prometheus.Counter
	acks           prometheus.Counter
	transformSends prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_messages_sent_total",
			Help: "Messages handed to a channel for synchronous send",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_send_failures_total",
			Help: "Synchronous channel sends that failed",
		}),
		queuedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_queued_messages_total",
			Help: "Messages queued because no matching channel was open",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_resyncs_total",
			Help: "Full state resynchronizations",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_ack_timeouts_total",
			Help: "Keys force-completed after the resync count limit",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_acks_total",
			Help: "Completion notifications matched to a waiting key",
		}),
		transformSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnisync_transform_sends_total",
			Help: "Prim transform updates streamed to the server",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messagesSent, m.sendFailures, m.queuedMessages,
			m.resyncs, m.timeouts, m.acks, m.transformSends)
	}
	return m
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) MessageQueued() {
	if m != nil {
		m.queuedMessages.Inc()
	}
}

func (m *Metrics) ResyncStarted() {
	if m != nil {
		m.resyncs.Inc()
	}
}

func (m *Metrics) TimeoutTripped() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) AckMatched() {
	if m != nil {
		m.acks.Inc()
	}
}

func (m *Metrics) TransformSent() {
	if m != nil {
		m.transformSends.Inc()
	}
}

// DispatcherCollector exports the live gauges of a dispatcher: queue
// depth and open channel count.
type DispatcherCollector struct {
	d *Dispatcher

	queueDepth   *prometheus.Desc
	openChannels *prometheus.Desc
}

func NewDispatcherCollector(d *Dispatcher) *DispatcherCollector {
	return &DispatcherCollector{
		d: d,
		queueDepth: prometheus.NewDesc(
			"omnisync_dispatch_queue_depth",
			"Outbound messages waiting for a channel",
			nil, nil,
		),
		openChannels: prometheus.NewDesc(
			"omnisync_dispatch_open_channels",
			"Channels currently attached to the dispatcher",
			nil, nil,
		),
	}
}

func (c *DispatcherCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.openChannels
}

func (c *DispatcherCollector) Collect(ch chan<- prometheus.Metric) {
	pending, channels := c.d.Depth()
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(c.openChannels, prometheus.GaugeValue, float64(channels))
}
