// Package metrics holds the Prometheus collectors shared by the retrieval
// boundary and the analysis orchestrator. Embedders scrape them from the
// default registry; the CLI can dump them with WriteText.
package metrics

import (
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "flowtrace"

var (
	// Fetch outcomes per address: resolved, unavailable, invalid, skipped. An
	// empty history counts as resolved.
	FetchTotal *prometheus.CounterVec
	// Every call into a ledger fetcher, retries included.
	FetchAttempts prometheus.Counter
	// Sleeps taken before a retry, by cause (rate_limited, failure).
	FetchBackoffs *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	// Callers that joined an in-flight fetch instead of issuing their own.
	CoalescedFetches prometheus.Counter
	// HTTP responses from ledger APIs by provider host and status code.
	UpstreamResponses *prometheus.CounterVec

	AnalysisDuration prometheus.Histogram
	NodesVisited     prometheus.Histogram
	// Completed analyses by completeness status.
	AnalysisTotal *prometheus.CounterVec
)

var initOnce sync.Once

// Init registers the collectors with the default registry exactly once.
func Init() {
	initOnce.Do(register)
}

func register() {
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "total",
		Help:      "Address retrievals by outcome",
	}, []string{"outcome"})
	FetchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "Calls made to ledger fetchers including retries",
	})
	FetchBackoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "backoffs_total",
		Help:      "Retry sleeps by cause",
	}, []string{"cause"})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Record cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Record cache misses",
	})
	CoalescedFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "coalesced_total",
		Help:      "Retrievals served by an already in-flight fetch",
	})
	UpstreamResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "responses_total",
		Help:      "Ledger API responses by provider and HTTP status",
	}, []string{"provider", "code"})
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "duration_seconds",
		Help:      "Wall time of one attribution run",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	NodesVisited = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "nodes_visited",
		Help:      "Addresses reached per attribution run",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	AnalysisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "total",
		Help:      "Finished attribution runs by completeness",
	}, []string{"completeness"})
}

// WriteText writes every family of g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
