// Package metrics registers the library's prometheus collectors. Hosts
// that already expose a /metrics endpoint pick these up via the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedEvents counts change-feed events delivered to subscribers.
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_feed_events_total",
		Help: "Change-feed events delivered, by table and op.",
	}, []string{"table", "op"})

	// FeedDropped counts events dropped because a subscriber channel was full.
	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_feed_dropped_total",
		Help: "Change-feed events dropped on full subscriber queues.",
	})

	// DuplicatesDropped counts feed inserts discarded by id dedup.
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_duplicates_dropped_total",
		Help: "Duplicate change-feed inserts discarded by room sessions.",
	})

	// Reconciles counts provisional->confirmed replacements by match mode.
	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_reconciles_total",
		Help: "Provisional message reconciliations, by match mode.",
	}, []string{"mode"})

	// SendFailures counts optimistic sends that were rolled back.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_send_failures_total",
		Help: "Optimistic sends reverted after a persistence failure.",
	})

	// RecomputeFailures counts per-counter aggregation failures.
	RecomputeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_recompute_failures_total",
		Help: "Notification counter recompute failures, by counter.",
	}, []string{"counter"})
)
