package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"

	RefreshOutcomeSuccess   = "success"
	RefreshOutcomeLostRace  = "lost_race"
	RefreshOutcomeTransient = "transient"
	RefreshOutcomeExpired   = "expired"

	SyncOutcomeSynced     = "synced"
	SyncOutcomeRenumbered = "renumbered"
	SyncOutcomeSkipped    = "skipped"
	SyncOutcomeError      = "error"

	AuthOutcomeSuccess  = "success"
	AuthOutcomeRejected = "rejected"
	AuthOutcomeLocked   = "locked"
)

// SyncMetrics covers the outbox pipeline, token lifecycle, accounting sync
// and external portal authentication.
type SyncMetrics struct {
	outboxClaimed    prometheus.Counter
	outboxEnqueued   *prometheus.CounterVec
	outboxOutcomes   *prometheus.CounterVec
	outboxDuration   *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	syncOutcomes     *prometheus.CounterVec
	portalAuth       *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the process-wide metrics registered on the default registerer.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = NewSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest drops the singleton so the next call re-registers.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func NewSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels(cfg.constLabels())

	m := &SyncMetrics{
		outboxClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sitebridge_outbox_claimed_total",
			Help:        "Outbox jobs moved from pending to processing.",
			ConstLabels: constLabels,
		}),
		outboxEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_outbox_enqueued_total",
			Help:        "Outbox jobs enqueued by type, including deduplicated requests.",
			ConstLabels: constLabels,
		}, []string{"job_type", "deduplicated"}),
		outboxOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_outbox_job_outcomes_total",
			Help:        "Outbox job outcomes by type.",
			ConstLabels: constLabels,
		}, []string{"job_type", "outcome", "class"}),
		outboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sitebridge_outbox_job_duration_seconds",
			Help:        "Outbox handler latency by type.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"job_type"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_accounting_token_refresh_total",
			Help:        "Accounting OAuth token refresh attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome", "trigger"}),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_accounting_sync_total",
			Help:        "Invoice and payment sync results.",
			ConstLabels: constLabels,
		}, []string{"entity", "outcome"}),
		portalAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_portal_auth_total",
			Help:        "External portal authentication attempts.",
			ConstLabels: constLabels,
		}, []string{"method", "outcome"}),
		rateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sitebridge_rate_limit_denied_total",
			Help:        "Requests rejected by the token bucket.",
			ConstLabels: constLabels,
		}, []string{"endpoint"}),
	}

	registerer.MustRegister(
		m.outboxClaimed,
		m.outboxEnqueued,
		m.outboxOutcomes,
		m.outboxDuration,
		m.tokenRefreshes,
		m.syncOutcomes,
		m.portalAuth,
		m.rateLimitDenials,
	)
	return m
}

func (m *SyncMetrics) AddClaimed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outboxClaimed.Add(float64(count))
}

func (m *SyncMetrics) IncEnqueued(jobType string, deduplicated bool) {
	if m == nil {
		return
	}
	dedup := "false"
	if deduplicated {
		dedup = "true"
	}
	m.outboxEnqueued.WithLabelValues(jobType, dedup).Inc()
}

func (m *SyncMetrics) IncJobOutcome(jobType, outcome, class string) {
	if m == nil {
		return
	}
	m.outboxOutcomes.WithLabelValues(jobType, outcome, class).Inc()
}

func (m *SyncMetrics) ObserveJobDuration(jobType string, d time.Duration) {
	if m == nil {
		return
	}
	m.outboxDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// IncTokenRefresh records a refresh attempt; trigger is "window", "manual" or "keepalive".
func (m *SyncMetrics) IncTokenRefresh(outcome, trigger string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome, trigger).Inc()
}

func (m *SyncMetrics) IncSync(entity, outcome string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(entity, outcome).Inc()
}

func (m *SyncMetrics) IncPortalAuth(method, outcome string) {
	if m == nil {
		return
	}
	m.portalAuth.WithLabelValues(method, outcome).Inc()
}

func (m *SyncMetrics) IncRateLimitDenied(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(endpoint).Inc()
}
