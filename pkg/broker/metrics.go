package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_connections_active",
		Help: "The current number of registered peer connections.",
	}, []string{"role"})
	poolDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_provider_pool_depth",
		Help: "The number of entries in the idle provider pool, stale included.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_requester_queue_depth",
		Help: "The number of entries in the waiting requester queue.",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "The current number of live sessions.",
	})
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_created_total",
		Help: "The total number of sessions created by the matching engine.",
	})
	sessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_ended_total",
		Help: "The total number of sessions torn down.",
	})
	relayedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_relayed_packets_total",
		Help: "The total number of relayed session-scoped packets.",
	}, []string{"channel"})
	relayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_relay_dropped_total",
		Help: "The total number of relay packets dropped for want of a live session.",
	})
	reclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_provider_reclaims_total",
		Help: "The total number of provider reclaim timer expiries by outcome.",
	}, []string{"result"})
)
