package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the off-ramp's Prometheus collectors. A nil *Registry is a
// valid no-op recorder.
type Registry struct {
	registry             *prometheus.Registry
	initiationsTotal     *prometheus.CounterVec
	initiateDuration     prometheus.Histogram
	balanceChecksTotal   *prometheus.CounterVec
	payoutPushesTotal    *prometheus.CounterVec
	ledgerAppendsTotal   *prometheus.CounterVec
	confirmationsTotal   *prometheus.CounterVec
	reconcileRunsTotal   *prometheus.CounterVec
	dlqDepth             prometheus.Gauge
	idempotentReplayed   prometheus.Counter
	eventsPublishedTotal *prometheus.CounterVec
}

func New() *Registry {
	initiations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_initiations_total",
		Help: "Off-ramp initiations by outcome",
	}, []string{"outcome"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offramp_initiate_duration_seconds",
		Help:    "Wall time of off-ramp initiation as seen by the caller",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	balance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_balance_checks_total",
		Help: "Balance sufficiency checks by result",
	}, []string{"result"})

	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_payout_pushes_total",
		Help: "Payout push attempts by provider and result",
	}, []string{"provider", "result"})

	appends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_ledger_appends_total",
		Help: "Ledger appends by status and result",
	}, []string{"status", "result"})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_confirmations_total",
		Help: "Provider confirmations by source and resulting status",
	}, []string{"source", "status"})

	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_reconcile_runs_total",
		Help: "Reconciliation job runs by job and result",
	}, []string{"job", "result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offramp_dlq_depth",
		Help: "Initiated records waiting in the dead-letter queue",
	})

	replayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offramp_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_events_published_total",
		Help: "Lifecycle events published to the broker by result",
	}, []string{"result"})

	r := prometheus.NewRegistry()
	r.MustRegister(initiations, duration, balance, pushes, appends, confirmations, reconcile, dlq, replayed, published)

	return &Registry{
		registry:             r,
		initiationsTotal:     initiations,
		initiateDuration:     duration,
		balanceChecksTotal:   balance,
		payoutPushesTotal:    pushes,
		ledgerAppendsTotal:   appends,
		confirmationsTotal:   confirmations,
		reconcileRunsTotal:   reconcile,
		dlqDepth:             dlq,
		idempotentReplayed:   replayed,
		eventsPublishedTotal: published,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveInitiation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.initiationsTotal.WithLabelValues(outcome).Inc()
	m.initiateDuration.Observe(elapsed.Seconds())
}

func (m *Registry) IncBalanceCheck(result string) {
	if m == nil {
		return
	}
	m.balanceChecksTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncPayoutPush(provider, result string) {
	if m == nil {
		return
	}
	m.payoutPushesTotal.WithLabelValues(provider, result).Inc()
}

func (m *Registry) IncLedgerAppend(status, result string) {
	if m == nil {
		return
	}
	m.ledgerAppendsTotal.WithLabelValues(status, result).Inc()
}

func (m *Registry) IncConfirmation(source, status string) {
	if m == nil {
		return
	}
	m.confirmationsTotal.WithLabelValues(source, status).Inc()
}

func (m *Registry) IncReconcileRun(job, result string) {
	if m == nil {
		return
	}
	m.reconcileRunsTotal.WithLabelValues(job, result).Inc()
}

func (m *Registry) SetDLQDepth(depth int) {
	if m == nil {
		return
	}
	m.dlqDepth.Set(float64(depth))
}

func (m *Registry) IncIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplayed.Inc()
}

func (m *Registry) IncEventPublished(result string) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(result).Inc()
}
