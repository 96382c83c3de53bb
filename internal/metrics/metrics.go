package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports ledger, credential and CRM metrics to Prometheus. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	ledgerMutations   *prometheus.CounterVec
	credentialRefresh *prometheus.CounterVec
	externalDuration  *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	bookingsAllocated prometheus.Counter
	ticketsDebited    *prometheus.CounterVec
}

// NewRecorder registers the portal collectors on reg (prometheus.DefaultRegisterer when nil).
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "portal"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Program ticket ledger mutations by operation and result.",
		}, []string{"operation", "result"}),
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "External access token refresh attempts by result.",
		}, []string{"result"}),
		externalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crm_request_duration_seconds",
			Help:      "Latency of calls to the external CRM.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		externalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crm_request_errors_total",
			Help:      "Transport failures calling the external CRM.",
		}, []string{"operation"}),
		bookingsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_allocated_total",
			Help:      "Booking rows created by allocation.",
		}),
		ticketsDebited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_debited_total",
			Help:      "Program tickets consumed by program.",
		}, []string{"program"}),
	}
	collectors := []prometheus.Collector{
		r.ledgerMutations, r.credentialRefresh, r.externalDuration,
		r.externalErrors, r.bookingsAllocated, r.ticketsDebited,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register portal metric: %w", err)
		}
	}
	return r, nil
}

// LedgerMutation counts one ledger operation outcome.
func (r *Recorder) LedgerMutation(operation string, err error) {
	if r == nil {
		return
	}
	r.ledgerMutations.WithLabelValues(operation, result(err)).Inc()
}

// TicketsDebited adds consumed tickets for a program.
func (r *Recorder) TicketsDebited(program string, qty int) {
	if r == nil || qty <= 0 {
		return
	}
	r.ticketsDebited.WithLabelValues(program).Add(float64(qty))
}

// CredentialRefresh counts one refresh attempt.
func (r *Recorder) CredentialRefresh(err error) {
	if r == nil {
		return
	}
	r.credentialRefresh.WithLabelValues(result(err)).Inc()
}

// ObserveExternalCall records latency and transport failures of a CRM call.
func (r *Recorder) ObserveExternalCall(operation string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.externalDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		r.externalErrors.WithLabelValues(operation).Inc()
	}
}

// BookingsAllocated adds created booking rows.
func (r *Recorder) BookingsAllocated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bookingsAllocated.Add(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
