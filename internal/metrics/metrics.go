package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mail-cci/headerguard/internal/types"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headerguard_analyses_total",
		Help: "Total number of analysed header blocks",
	}, []string{"source"})

	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headerguard_verdicts_total",
		Help: "Authentication verdicts produced by the analysis engine",
	}, []string{"check", "verdict"})

	IndicatorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "headerguard_indicators_total",
		Help: "Total number of threat indicators reported",
	})

	ThreatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "headerguard_threat_score",
		Help:    "Distribution of threat scores",
		Buckets: []float64{0, 10, 25, 50, 65, 80, 90, 100},
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headerguard_cache_requests_total",
		Help: "Result cache lookups by outcome",
	}, []string{"result"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headerguard_verifications_total",
		Help: "Network-backed SPF and DKIM verifications by result",
	}, []string{"check", "result"})

	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "headerguard_verification_duration_seconds",
		Help:    "Time taken by network-backed verifications",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"check"})

	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5},
	}, []string{"path", "method", "status"})

	DatabaseQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "database_queries_total",
		Help: "Total database queries",
	}, []string{"query_type", "success"})

	InFlightAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "headerguard_inflight_analyses",
		Help: "Analyses currently running in the worker pool",
	})
)

// ObserveAnalysis records one analysis result produced for source.
func ObserveAnalysis(source string, res types.AnalysisResult) {
	AnalysesTotal.WithLabelValues(source).Inc()
	VerdictsTotal.WithLabelValues("spf", res.SPF.String()).Inc()
	VerdictsTotal.WithLabelValues("dkim", res.DKIM.String()).Inc()
	VerdictsTotal.WithLabelValues("dmarc", res.DMARC.String()).Inc()
	IndicatorsTotal.Add(float64(len(res.Indicators)))
	ThreatScore.Observe(float64(res.ThreatScore))
}
