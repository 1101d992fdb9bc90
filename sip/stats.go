package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats exposes user-agent counters and gauges to Prometheus.
type Stats struct {
	messagesIn        *prometheus.CounterVec
	messagesOut       *prometheus.CounterVec
	transactionsTotal *prometheus.CounterVec
	sessionsLive      prometheus.Gauge
	dialogsLive       prometheus.Gauge
	sessionsEnded     *prometheus.CounterVec
}

// NewStats creates the metric set and registers it with reg.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		messagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "messages_received_total",
			Help:      "Inbound SIP messages by method or status class.",
		}, []string{"kind"}),
		messagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "messages_sent_total",
			Help:      "Outbound SIP messages by method or status class.",
		}, []string{"kind"}),
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "transactions_total",
			Help:      "Created transactions by kind.",
		}, []string{"type"}),
		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua",
			Name:      "sessions_live",
			Help:      "Sessions not yet terminated.",
		}),
		dialogsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua",
			Name:      "dialogs_live",
			Help:      "Registered dialogs.",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "sessions_ended_total",
			Help:      "Terminated sessions by cause.",
		}, []string{"cause"}),
	}
}

func (s *Stats) messageReceived(kind string) {
	if s == nil {
		return
	}
	s.messagesIn.WithLabelValues(kind).Inc()
}

func (s *Stats) messageSent(kind string) {
	if s == nil {
		return
	}
	s.messagesOut.WithLabelValues(kind).Inc()
}

func (s *Stats) transactionCreated(typ TransactionType) {
	if s == nil {
		return
	}
	s.transactionsTotal.WithLabelValues(string(typ)).Inc()
}

func (s *Stats) sessionStarted() {
	if s == nil {
		return
	}
	s.sessionsLive.Inc()
}

func (s *Stats) sessionEnded(cause Cause) {
	if s == nil {
		return
	}
	s.sessionsEnded.WithLabelValues(string(cause)).Inc()
}

func (s *Stats) sessionRemoved() {
	if s == nil {
		return
	}
	s.sessionsLive.Dec()
}

func (s *Stats) dialogRegistered() {
	if s == nil {
		return
	}
	s.dialogsLive.Inc()
}

func (s *Stats) dialogUnregistered() {
	if s == nil {
		return
	}
	s.dialogsLive.Dec()
}
