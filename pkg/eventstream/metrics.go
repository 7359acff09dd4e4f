package eventstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_stream_events_written_total",
			Help: "Events appended to event streams.",
		},
		[]string{"namespace"},
	)

	ttlRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_stream_ttl_refreshes_total",
			Help: "TTL refreshes issued by event stream writers.",
		},
		[]string{"namespace"},
	)

	entriesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_stream_entries_read_total",
			Help: "Entries returned by event stream reads.",
		},
		[]string{"namespace"},
	)
)
