package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ElectionIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "is_leader",
		Help:      "Whether this node is the leader (1=leader, 0=otherwise)",
	})

	ElectionEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "epoch",
		Help:      "Current election epoch",
	})

	ElectionRole = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "role",
		Help:      "Current role (0=follower, 1=candidate, 2=leader, 3=dead)",
	})

	ElectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "elections_started_total",
		Help:      "Total elections started by this node",
	})

	ElectionsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "elections_won_total",
		Help:      "Total elections won by this node",
	})

	ElectionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "elections_timed_out_total",
		Help:      "Total elections that ended without quorum",
	})

	ElectionStepDowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "step_downs_total",
		Help:      "Total times this node stepped down from candidate or leader",
	}, []string{"reason"})

	ElectionLivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "election",
		Name:      "live_peers",
		Help:      "Nodes currently believed alive, including self",
	})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "transactions_total",
		Help:      "Total coordinated transactions by outcome",
	}, []string{"outcome"})

	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "transaction_duration_seconds",
		Help:      "Time from Prepare to client result",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})

	TransactionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "transactions_in_flight",
		Help:      "Transactions coordinated by this node that are not finished",
	})

	DecisionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "decision_retries_total",
		Help:      "Total decision re-deliveries to unacknowledged participants",
	}, []string{"decision"})

	ParticipantVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "participant_votes_total",
		Help:      "Total votes cast by this node as a participant",
	}, []string{"vote"})

	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "txn",
		Name:      "recoveries_total",
		Help:      "Total orphaned transactions resolved by this node",
	}, []string{"outcome"})

	CounterIncrements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "counter",
		Name:      "increments_total",
		Help:      "Total local counter increments",
	})

	CounterMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "counter",
		Name:      "merges_total",
		Help:      "Total remote vectors merged",
	})

	AntiEntropyRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "counter",
		Name:      "anti_entropy_rounds_total",
		Help:      "Total anti-entropy rounds",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "transport",
		Name:      "messages_total",
		Help:      "Total messages sent/received",
	}, []string{"direction", "kind"})

	MessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "transport",
		Name:      "message_errors_total",
		Help:      "Total message delivery errors",
	}, []string{"peer_id"})

	SendQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "transport",
		Name:      "send_queue_dropped_total",
		Help:      "Messages dropped because a peer send queue was full",
	})

	StorageKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "storage",
		Name:      "keys_total",
		Help:      "Total keys in storage",
	})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations",
	}, []string{"operation"})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)
