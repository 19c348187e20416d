package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "randchat"

var (
	MatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_requests_total",
		Help:      "Match requests by outcome (matched, enqueued, degraded_matched, degraded_enqueued, failed).",
	}, []string{"outcome"})

	QueueSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_swept_total",
		Help:      "Stale queue entries evicted by the sweeper.",
	})

	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_deliveries_total",
		Help:      "Bus deliveries by route (local, remote, absent, failed, duplicate).",
	}, []string{"route"})

	MailboxDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mailbox_drained_total",
		Help:      "Envelopes drained from this process's mailbox.",
	})

	PresenceReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_reaped_total",
		Help:      "Presence records force-unregistered by the reaper.",
	})

	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Sessions that transitioned active -> ended.",
	})

	GameTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "game_rounds_terminal_total",
		Help:      "Ice-breaker rounds reaching a terminal state.",
	}, []string{"state"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Rejected actions by action name.",
	}, []string{"action"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Authenticated websocket clients on this process.",
	})
)
