// Package metrics exposes Prometheus metrics for the mirror, the supervisor and the worker pool.
// Every method is safe to call on a nil *Collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contribsync"

// Collector is a prometheus.Collector for the whole service.
type Collector struct {
	notifications        *prometheus.CounterVec
	applyErrors          *prometheus.CounterVec
	retireNoMatch        *prometheus.CounterVec
	subscriptionFailures *prometheus.CounterVec
	supervisorActive     prometheus.Gauge
	supervisorTransition *prometheus.CounterVec
	countErrors          prometheus.Counter
	workersRunning       prometheus.Gauge
	sends                *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Change notifications received, by origin and operation.",
			}, []string{"origin", "operation"},
		),
		applyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_errors_total",
				Help:      "Notifications that failed to map or mirror, by origin.",
			}, []string{"origin"},
		),
		retireNoMatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retire_no_match_total",
				Help:      "Retires that matched no active contributor, by node type.",
			}, []string{"node_type"},
		),
		subscriptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_failures_total",
				Help:      "Change subscriptions that ended or failed, by origin.",
			}, []string{"origin"},
		),
		supervisorActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supervisor_active",
				Help:      "1 while a worker batch is running.",
			},
		),
		supervisorTransition: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_transitions_total",
				Help:      "Supervisor state transitions, by target state.",
			}, []string{"to"},
		),
		countErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "count_errors_total",
				Help:      "Validator count queries that failed.",
			},
		),
		workersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_running",
				Help:      "Transaction workers currently looping.",
			},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions sent by pool workers, by worker and outcome.",
			}, []string{"worker", "outcome"},
		),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.notifications,
		c.applyErrors,
		c.retireNoMatch,
		c.subscriptionFailures,
		c.supervisorActive,
		c.supervisorTransition,
		c.countErrors,
		c.workersRunning,
		c.sends,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

func (c *Collector) Notification(origin, operation string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(origin, operation).Inc()
}

func (c *Collector) ApplyError(origin string) {
	if c == nil {
		return
	}
	c.applyErrors.WithLabelValues(origin).Inc()
}

func (c *Collector) RetireNoMatch(nodeType string) {
	if c == nil {
		return
	}
	c.retireNoMatch.WithLabelValues(nodeType).Inc()
}

func (c *Collector) SubscriptionFailure(origin string) {
	if c == nil {
		return
	}
	c.subscriptionFailures.WithLabelValues(origin).Inc()
}

// SupervisorState records a transition into the active (true) or idle (false) state.
func (c *Collector) SupervisorState(active bool) {
	if c == nil {
		return
	}
	if active {
		c.supervisorActive.Set(1)
		c.supervisorTransition.WithLabelValues("active").Inc()
		return
	}
	c.supervisorActive.Set(0)
	c.supervisorTransition.WithLabelValues("idle").Inc()
}

func (c *Collector) CountError() {
	if c == nil {
		return
	}
	c.countErrors.Inc()
}

func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.workersRunning.Inc()
}

func (c *Collector) WorkerStopped() {
	if c == nil {
		return
	}
	c.workersRunning.Dec()
}

func (c *Collector) Send(worker string, ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.sends.WithLabelValues(worker, outcome).Inc()
}
