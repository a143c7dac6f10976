// Package metrics exposes condition registry activity as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bolasblack/nfcond/internal/condition"
)

const namespace = "nfcond"

// Attach failure reasons used as the "reason" label.
const (
	ReasonInvalidName          = "invalid_name"
	ReasonResourceExhausted    = "resource_exhausted"
	ReasonNamespaceUnavailable = "namespace_unavailable"
	ReasonOther                = "other"
)

// Compile-time check: Metrics observes condition registries
var _ condition.Observer = (*Metrics)(nil)

// Metrics holds the condition collectors.
type Metrics struct {
	AttachTotal  prometheus.Counter
	DetachTotal  prometheus.Counter
	AttachErrors *prometheus.CounterVec
	Variables    *prometheus.GaugeVec
	Writes       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttachTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "condition",
			Name:      "attach_total",
			Help:      "Successful condition attaches, including references to existing variables.",
		}),
		DetachTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "condition",
			Name:      "detach_total",
			Help:      "Condition detaches.",
		}),
		AttachErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "condition",
			Name:      "attach_errors_total",
			Help:      "Failed condition attaches by reason.",
		}, []string{"reason"}),
		Variables: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "condition",
			Name:      "variables",
			Help:      "Live condition variables per namespace.",
		}, []string{"namespace"}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "condition",
			Name:      "writes_total",
			Help:      "Writes to condition control nodes that set or cleared a variable.",
		}, []string{"namespace"}),
	}
}

// Attached implements condition.Observer.
func (m *Metrics) Attached(ns, _ string, created bool) {
	m.AttachTotal.Inc()
	if created {
		m.Variables.WithLabelValues(ns).Inc()
	}
}

// Detached implements condition.Observer.
func (m *Metrics) Detached(ns, _ string, destroyed bool) {
	m.DetachTotal.Inc()
	if destroyed {
		m.Variables.WithLabelValues(ns).Dec()
	}
}

// AttachFailed implements condition.Observer.
func (m *Metrics) AttachFailed(_ string, err error) {
	m.AttachErrors.WithLabelValues(Reason(err)).Inc()
}

// Written implements condition.Observer.
func (m *Metrics) Written(ns, _ string, _ bool) {
	m.Writes.WithLabelValues(ns).Inc()
}

// Forget drops the per-namespace series of a namespace that no longer exists.
func (m *Metrics) Forget(ns string) {
	m.Variables.DeleteLabelValues(ns)
	m.Writes.DeleteLabelValues(ns)
}

// Reason maps an attach error to its label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, condition.ErrInvalidName):
		return ReasonInvalidName
	case errors.Is(err, condition.ErrResourceExhausted):
		return ReasonResourceExhausted
	case errors.Is(err, condition.ErrNamespaceUnavailable):
		return ReasonNamespaceUnavailable
	default:
		return ReasonOther
	}
}
