package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schemaMigrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_registry_schema_migrations_total",
			Help: "Scopes migrated between schema versions.",
		},
		[]string{"registry", "from", "to"},
	)

	updateConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_registry_update_conflicts_total",
			Help: "Optimistic update attempts retried because the item changed concurrently.",
		},
		[]string{"registry"},
	)

	missingItemDiagnostics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_registry_missing_item_total",
			Help: "Updates of missing items, split by whether the item appeared during the probe window.",
		},
		[]string{"registry", "outcome"},
	)

	skippedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_registry_skipped_entries_total",
			Help: "Entries left out of list or migration results.",
		},
		[]string{"registry", "reason"},
	)
)
