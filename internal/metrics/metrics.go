// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts slash commands by name.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packbot_commands_total",
		Help: "Slash commands received by command name",
	}, []string{"command"})

	// Classifications counts classified items by how the category was obtained.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packbot_classifications_total",
		Help: "Classified items by source (override, cache, classifier) and category",
	}, []string{"source", "category"})

	// ItemsSkipped counts candidate items dropped by reason.
	ItemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packbot_items_skipped_total",
		Help: "Candidate items skipped by reason",
	}, []string{"reason"})

	// CacheOps counts cache lookups and stores by result.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packbot_cache_operations_total",
		Help: "Cache operations by op (lookup, store) and result (hit, miss, ok, dropped)",
	}, []string{"op", "result"})

	// FetchPages counts history page requests by result.
	FetchPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packbot_history_pages_total",
		Help: "History page requests by result",
	}, []string{"result"})

	// FetchRetries counts rate-limit backoffs during history paging.
	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packbot_history_rate_limit_retries_total",
		Help: "Rate-limit backoffs while paging history",
	})

	// SessionsInFlight mirrors the session manager's in-flight counter.
	SessionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "packbot_sessions_in_flight",
		Help: "Classification sessions currently active",
	})

	// SessionDuration tracks end-to-end session latency.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "packbot_session_duration_seconds",
		Help:    "Session duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})
)
