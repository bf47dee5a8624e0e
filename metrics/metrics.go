// Package metrics defines the prometheus collectors for a link.
//
// Collectors are registered on the Registerer passed to New rather than the
// global default, so tests and embedded hosts can keep several links apart.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "msglink"

// Outcomes of an outbound call.
const (
	OutcomeOK             = "ok"
	OutcomeRemoteError    = "remote_error"
	OutcomeTimeout        = "timeout"
	OutcomeConnectionLost = "connection_lost"
	OutcomeCanceled       = "canceled"
	OutcomeSendFailed     = "send_failed"
)

type Metrics struct {
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	calls             *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	commands          *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	pending           prometheus.Gauge
	droppedResponses  prometheus.Counter
	connsAccepted     prometheus.Counter
	connsThrottled    prometheus.Counter
	connected         prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		envelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the active connection, by kind.",
		}, []string{"kind"}),
		envelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes read from the active connection, by kind.",
		}, []string{"kind"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Outbound calls by command and outcome.",
		}, []string{"command", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands by command and status.",
		}, []string{"command", "status"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent in inbound command handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Outbound calls waiting for a response.",
		}),
		droppedResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_responses_total",
			Help:      "Responses that matched no pending call.",
		}),
		connsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections handed to the manager.",
		}),
		connsThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_throttled_total",
			Help:      "Connection attempts refused by the reconnect throttle.",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a connection is installed.",
		}),
	}
}

func (m *Metrics) EnvelopeSent(kind string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) EnvelopeReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind).Inc()
}

// CallFinished records one outbound call.
func (m *Metrics) CallFinished(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(command, outcome).Inc()
	m.callDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// CommandHandled records one inbound command.
func (m *Metrics) CommandHandled(command, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) ResponseDropped() {
	if m == nil {
		return
	}
	m.droppedResponses.Inc()
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
}

func (m *Metrics) ConnectionThrottled() {
	if m == nil {
		return
	}
	m.connsThrottled.Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
