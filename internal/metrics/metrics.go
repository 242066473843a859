// Package metrics holds the process-wide Prometheus counters. They are
// created once at init and reset only on process restart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "events_received_total",
		Help:      "Firehose events received, across all kinds.",
	})

	MalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "malformed_events_total",
		Help:      "Firehose payloads that failed to decode and were dropped.",
	})

	PostsExamined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "posts_examined_total",
		Help:      "Created posts with text that were run through self-quote detection.",
	})

	PostsSkippedUnresolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "posts_skipped_unresolved_total",
		Help:      "Posts dropped because the author's handle could not be resolved.",
	})

	PostsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "posts_matched_total",
		Help:      "Posts detected as self-quotes and written to the index.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "firehose",
		Name:      "reconnects_total",
		Help:      "Firehose reconnect attempts after a connection error or close.",
	})

	ResolverCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "resolver",
		Name:      "cache_hits_total",
		Help:      "Handle resolutions answered from cache, positive or negative.",
	})

	ResolverCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "resolver",
		Name:      "cache_misses_total",
		Help:      "Handle resolutions that required an external lookup.",
	})

	ResolverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selfquotes",
		Subsystem: "resolver",
		Name:      "failures_total",
		Help:      "Handle resolutions where both the directory and the fallback failed.",
	})
)
