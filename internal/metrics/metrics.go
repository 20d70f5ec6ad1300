// Package metrics exposes the daemon's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsAccepted counts replication sessions accepted per
	// transport
	SessionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_sessions_accepted_total",
		Help: "Replication sessions accepted, by transport.",
	}, []string{"transport"})

	// CommandsServed counts protocol commands served per command name
	CommandsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_commands_served_total",
		Help: "Protocol commands served, by command.",
	}, []string{"command"})

	// CommandErrors counts commands that ended in an error response
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_command_errors_total",
		Help: "Protocol commands answered with an error, by command.",
	}, []string{"command"})

	// ObjectsSent counts objects streamed to peers
	ObjectsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_objects_sent_total",
		Help: "Objects streamed to peers.",
	})

	// BytesSent counts packed payload bytes streamed to peers
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_bytes_sent_total",
		Help: "Packed payload bytes streamed to peers.",
	})
)
