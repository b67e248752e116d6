package metrics

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bundler"

// Recorder is what the executor and monitor report into. Nop satisfies it
// for callers that do not export metrics.
type Recorder interface {
	ObserveAdmission(chainID uint64, seconds float64, ok bool)
	IncSubmission(chainID uint64, mode, outcome string)
	IncRetry(chainID uint64, reason string)
	IncEstimateFailure(chainID uint64)
	SetInFlight(relayerID, chainID uint64, n int)
	SetBalance(relayerID, chainID uint64, wei *big.Int)
}

type Metrics struct {
	reg prometheus.Gatherer

	admissionWait    *prometheus.HistogramVec
	submissions      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	estimateFailures *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	balance          *prometheus.GaugeVec
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// isolated from the default one.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		admissionWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for an idle funded relayer.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 90},
		}, []string{"chain", "result"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "handleOps submissions by mode and outcome.",
		}, []string{"chain", "mode", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Escalated resends by classified reason.",
		}, []string{"chain", "reason"}),
		estimateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimate_failures_total",
			Help:      "handleOps gas estimations that failed.",
		}, []string{"chain"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relayer_in_flight",
			Help:      "Reservations currently held per relayer and chain.",
		}, []string{"relayer", "chain"}),
		balance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relayer_balance_ether",
			Help:      "Last observed relayer balance in ether.",
		}, []string{"relayer", "chain"}),
	}
}

func label(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (m *Metrics) ObserveAdmission(chainID uint64, seconds float64, ok bool) {
	result := "reserved"
	if !ok {
		result = "unavailable"
	}
	m.admissionWait.WithLabelValues(label(chainID), result).Observe(seconds)
}

func (m *Metrics) IncSubmission(chainID uint64, mode, outcome string) {
	m.submissions.WithLabelValues(label(chainID), mode, outcome).Inc()
}

func (m *Metrics) IncRetry(chainID uint64, reason string) {
	m.retries.WithLabelValues(label(chainID), reason).Inc()
}

func (m *Metrics) IncEstimateFailure(chainID uint64) {
	m.estimateFailures.WithLabelValues(label(chainID)).Inc()
}

func (m *Metrics) SetInFlight(relayerID, chainID uint64, n int) {
	m.inFlight.WithLabelValues(label(relayerID), label(chainID)).Set(float64(n))
}

func (m *Metrics) SetBalance(relayerID, chainID uint64, wei *big.Int) {
	if wei == nil {
		return
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	m.balance.WithLabelValues(label(relayerID), label(chainID)).Set(eth)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type Nop struct{}

func (Nop) ObserveAdmission(uint64, float64, bool) {}
func (Nop) IncSubmission(uint64, string, string) {}
func (Nop) IncRetry(uint64, string) {}
func (Nop) IncEstimateFailure(uint64) {}
func (Nop) SetInFlight(uint64, uint64, int) {}
func (Nop) SetBalance(uint64, uint64, *big.Int) {}
