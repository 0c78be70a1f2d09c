// Package metrics implements Prometheus metrics for campaign dispatch
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	prometheusNamespace = "mailfleet"
	prometheusSubsystem = "dispatch"
	groupLabelName      = "identity_group"
	kindLabelName       = "kind"
	strategyLabelName   = "strategy"
)

// Metrics holds the prometheus.Collector instances
type Metrics struct {
	sendAttempts     *prometheus.CounterVec
	sendSucceeded    *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	throttledSkips   *prometheus.CounterVec
	sendRetries      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	inflightSends    prometheus.Gauge
}

// Register registers the metrics with the given prometheus.Registerer
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.sendAttempts)
	r.MustRegister(m.sendSucceeded)
	r.MustRegister(m.sendFailed)
	r.MustRegister(m.throttledSkips)
	r.MustRegister(m.sendRetries)
	r.MustRegister(m.dispatchDuration)
	r.MustRegister(m.inflightSends)
}

// IncSendAttempt increments the metric counter for send attempts
func (m *Metrics) IncSendAttempt(group string) {
	m.sendAttempts.With(prometheus.Labels{groupLabelName: group}).Inc()
}

func (m *Metrics) IncSendSucceeded(group string) {
	m.sendSucceeded.With(prometheus.Labels{groupLabelName: group}).Inc()
}

// IncSendFailed counts recipients that ended Failed, by error kind
func (m *Metrics) IncSendFailed(group, kind string) {
	m.sendFailed.With(prometheus.Labels{groupLabelName: group, kindLabelName: kind}).Inc()
}

// IncThrottled counts sends skipped because the identity ran out of quota
func (m *Metrics) IncThrottled(group string) {
	m.throttledSkips.With(prometheus.Labels{groupLabelName: group}).Inc()
}

func (m *Metrics) IncRetry(group string) {
	m.sendRetries.With(prometheus.Labels{groupLabelName: group}).Inc()
}

func (m *Metrics) ObserveDispatch(strategy string, seconds float64) {
	m.dispatchDuration.With(prometheus.Labels{strategyLabelName: strategy}).Observe(seconds)
}

func (m *Metrics) SendStarted() { m.inflightSends.Inc() }
func (m *Metrics) SendFinished() { m.inflightSends.Dec() }

// NewInstance returns metrics that are not yet registered anywhere
func NewInstance() *Metrics {
	return &Metrics{
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "send_attempts_total",
			Help:      "The number of outbound send attempts, retries included.",
		}, []string{groupLabelName},
		),
		sendSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "sent_total",
			Help:      "The number of recipients marked sent.",
		}, []string{groupLabelName},
		),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "failed_total",
			Help:      "The number of recipients marked failed.",
		}, []string{groupLabelName, kindLabelName},
		),
		throttledSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "throttled_total",
			Help:      "The number of sends skipped because the identity quota was exhausted.",
		}, []string{groupLabelName},
		),
		sendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "retries_total",
			Help:      "The number of retried send attempts.",
		}, []string{groupLabelName},
		),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "duration_seconds",
			Help:      "Wall time of a dispatch run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{strategyLabelName},
		),
		inflightSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Subsystem: prometheusSubsystem,
			Name:      "inflight_sends",
			Help:      "The number of outbound sends currently in progress.",
		}),
	}
}
