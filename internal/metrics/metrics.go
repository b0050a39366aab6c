// Package metrics exposes execution counters and gauges over a dedicated
// prometheus registry. The trade manager feeds it through the trade.Stats
// hook; ledger and market gauges are refreshed by the app loop.
package metrics

import (
	"net/http"

	"scalpel/internal/ledger"
	"scalpel/internal/trade"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Namespace string
}

// Metrics owns its registry so tests and multiple instances never trip the
// default-registry duplicate registration panic.
type Metrics struct {
	registry *prometheus.Registry

	tradesOpened   prometheus.Counter
	tradesFinished *prometheus.CounterVec
	activeTrades   prometheus.Gauge

	requotes       *prometheus.CounterVec
	slippageClamps prometheus.Counter
	submissions    *prometheus.CounterVec
	retries        prometheus.Counter
	fills          *prometheus.CounterVec

	ledgerRecords     *prometheus.GaugeVec
	ledgerMeanRetries prometheus.Gauge

	quoteMid    *prometheus.GaugeVec
	quoteSpread *prometheus.GaugeVec
	realizedVol *prometheus.GaugeVec
}

var _ trade.Stats = (*Metrics)(nil)

func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "scalpel"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		tradesOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "trades_opened_total",
			Help:      "Trades accepted by the manager.",
		}),
		tradesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "trades_finished_total",
			Help:      "Trades retired, by terminal state.",
		}, []string{"state"}),
		activeTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_trades",
			Help:      "Trades currently owned by an actor.",
		}),

		requotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "requotes_total",
			Help:      "Computed re-quote prices, by chase strategy.",
		}, []string{"strategy"}),
		slippageClamps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "slippage_clamps_total",
			Help:      "Chase prices pulled back to the slippage bound.",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "submissions_total",
			Help:      "Order submissions, by result.",
		}, []string{"result"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "submission_retries_total",
			Help:      "Submissions re-dispatched under the same client order id.",
		}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "fills_total",
			Help:      "Fills applied to a trade, by leg.",
		}, []string{"leg"}),

		ledgerRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "ledger_records",
			Help:      "Order ledger rows inside the retention window, by status.",
		}, []string{"status"}),
		ledgerMeanRetries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "ledger_mean_retries",
			Help:      "Mean retry count across ledger rows.",
		}),

		quoteMid: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "market_mid_price",
			Help:      "Latest mid price, by underlying.",
		}, []string{"symbol"}),
		quoteSpread: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "market_spread",
			Help:      "Latest bid/ask spread, by underlying.",
		}, []string{"symbol"}),
		realizedVol: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "market_realized_vol",
			Help:      "Realized volatility of the rolling mid window, by underlying.",
		}, []string{"symbol"}),
	}
}

func (m *Metrics) TradeOpened() {
	m.tradesOpened.Inc()
	m.activeTrades.Inc()
}

func (m *Metrics) TradeFinished(terminal string) {
	m.tradesFinished.WithLabelValues(terminal).Inc()
	m.activeTrades.Dec()
}

func (m *Metrics) Requote(strategy string) {
	m.requotes.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SlippageClamp() {
	m.slippageClamps.Inc()
}

func (m *Metrics) SubmissionResult(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) RetryScheduled() {
	m.retries.Inc()
}

func (m *Metrics) FillRecorded(exit bool) {
	leg := "entry"
	if exit {
		leg = "exit"
	}
	m.fills.WithLabelValues(leg).Inc()
}

// UpdateLedger refreshes the ledger gauges from a GetStats projection.
func (m *Metrics) UpdateLedger(st ledger.Stats) {
	m.ledgerRecords.Reset()
	for status, count := range st.ByStatus {
		m.ledgerRecords.WithLabelValues(status).Set(float64(count))
	}
	m.ledgerMeanRetries.Set(st.MeanRetries)
}

// ObserveQuote publishes per-underlying market gauges. Called from the feed
// pump, so it must stay cheap.
func (m *Metrics) ObserveQuote(symbol string, mid, spread, vol float64) {
	m.quoteMid.WithLabelValues(symbol).Set(mid)
	m.quoteSpread.WithLabelValues(symbol).Set(spread)
	if vol > 0 {
		m.realizedVol.WithLabelValues(symbol).Set(vol)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
