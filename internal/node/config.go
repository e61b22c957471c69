package node

import (
	"time"

	"quorumkv/internal/configuration/properties"
	"quorumkv/internal/election"
)

type Config struct {
	ID    uint64
	Nodes []uint64

	TickInterval time.Duration
	SendTimeout  time.Duration
	Election     election.Config

	VoteTimeout       time.Duration
	WorkingTimeout    time.Duration
	RetryInterval     time.Duration
	RecoveryInterval  time.Duration
	Retention         time.Duration
	ReplicationFactor int
	// WALDir holds the coordinator and participant logs. Empty keeps
	// transaction state in memory only.
	WALDir    string
	WALNoSync bool

	AntiEntropyInterval time.Duration
	Fanout              int
}

func NewConfig(cfg *properties.Config) Config {
	nodes := cfg.Cluster.NodeIDs()

	return Config{
		ID:           cfg.Cluster.NodeId,
		Nodes:        nodes,
		TickInterval: cfg.Election.TickDuration(),
		SendTimeout:  cfg.Transport.TimeoutDuration(),
		Election: election.Config{
			ID:             cfg.Cluster.NodeId,
			Nodes:          nodes,
			ElectionTicks:  cfg.Election.ElectionTicks,
			StaggerTicks:   cfg.Election.ElectionStaggerTicks,
			HeartbeatTicks: cfg.Election.HeartbeatTicks,
			PeerDeadTicks:  cfg.Election.PeerDeadTicks,
			JitterTicks:    cfg.Election.JitterTicks,
		},
		VoteTimeout:         cfg.Transaction.VoteTimeoutDuration(),
		WorkingTimeout:      cfg.Transaction.WorkingTimeoutDuration(),
		RetryInterval:       cfg.Transaction.RetryIntervalDuration(),
		RecoveryInterval:    cfg.Transaction.RecoveryIntervalDuration(),
		Retention:           cfg.Transaction.FinishedRetentionDuration(),
		ReplicationFactor:   cfg.Transaction.ReplicationFactor,
		WALDir:              cfg.Transaction.WalDir,
		WALNoSync:           cfg.Transaction.WalNoSync,
		AntiEntropyInterval: cfg.Counter.AntiEntropyDuration(),
		Fanout:              cfg.Counter.Fanout,
	}
}
