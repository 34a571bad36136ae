// Package metrics defines the server's Prometheus instruments. Counters
// only — per the product scope, counting is the whole of the analytics
// surface. Exposed at /metrics via the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpen tracks currently connected WebSocket sessions by
	// principal kind ("agent" or "customer").
	SessionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatline_sessions_open",
		Help: "Currently open WebSocket sessions by principal kind.",
	}, []string{"kind"})

	// MessagesTotal counts persisted messages by sender kind.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_messages_total",
		Help: "Messages persisted, by sender kind.",
	}, []string{"sender"})

	// AssignmentsTotal counts conversation assignments by path
	// ("inbound", "drain"). Timeout rescues are transfers and count under
	// TransfersTotal instead.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_assignments_total",
		Help: "Conversations assigned to agents, by assignment path.",
	}, []string{"path"})

	// TransfersTotal counts transfers by kind and outcome.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_transfers_total",
		Help: "Conversation transfers, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// QueueNoticesTotal counts customer messages that found no free agent.
	QueueNoticesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_queue_notices_total",
		Help: "Customer messages answered with a queue notice.",
	})

	// AgentsForcedOffline counts agents the heartbeat sweep forced offline.
	AgentsForcedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_agents_forced_offline_total",
		Help: "Agents forced offline by the heartbeat sweep.",
	})
)
