package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway-wide metrics.
var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_transactions_total",
			Help: "Transactions by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	entriesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ledger_entries_posted_total",
		Help: "Ledger entries appended by the posting engine.",
	})

	imbalanceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ledger_imbalance_total",
		Help: "Postings rejected because debit and credit sums differed.",
	})

	systemImbalanced = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_reconciliation_system_imbalanced",
		Help: "1 when the global debit/credit sums differ, else 0.",
	})

	driftedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_reconciliation_drifted_accounts",
		Help: "Accounts whose stored balance differs from the entry trail.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_reconciliation_sweep_seconds",
		Help:    "Duration of a full reconciliation sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init registers the gateway metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		transactionsTotal, entriesPosted, imbalanceTotal,
		systemImbalanced, driftedAccounts, sweepDuration,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountTransaction records a transaction reaching a status.
func CountTransaction(txType, status string) {
	transactionsTotal.WithLabelValues(txType, status).Inc()
}

// CountEntries records appended ledger entries.
func CountEntries(n int) { entriesPosted.Add(float64(n)) }

// CountImbalance records a rejected unbalanced posting.
func CountImbalance() { imbalanceTotal.Inc() }

// SetSystemImbalanced flags the global debit/credit check result.
func SetSystemImbalanced(imbalanced bool) {
	if imbalanced {
		systemImbalanced.Set(1)
	} else {
		systemImbalanced.Set(0)
	}
}

// SetDriftedAccounts reports how many accounts failed reconciliation.
func SetDriftedAccounts(n int) { driftedAccounts.Set(float64(n)) }

// ObserveSweep records one reconciliation sweep.
func ObserveSweep(d time.Duration) { sweepDuration.Observe(d.Seconds()) }
