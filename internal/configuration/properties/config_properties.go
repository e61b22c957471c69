package properties

import (
	"net"
	"slices"
	"time"
)

type ApplicationConfigProperties struct {
	Profile        string `yaml:"profile"`
	LogLevel       string `yaml:"log-level"`
	MetricsAddress string `yaml:"metrics-address"`
}

type TransportConfigProperties struct {
	Network              string `yaml:"network"`
	Address              string `yaml:"address"`
	PeerPort             string `yaml:"peer-port"`
	ClientPort           string `yaml:"client-port"`
	Timeout              uint64 `yaml:"timeout"`
	SendQueueSize        int    `yaml:"send-queue-size"`
	MaxConcurrentStreams uint32 `yaml:"max-concurrent-streams"`
}

type ClusterConfigProperties struct {
	NodeId      uint64            `yaml:"node-id"`
	Peers       map[uint64]string `yaml:"peers"`
	ClientPeers map[uint64]string `yaml:"client-peers"`
}

type ElectionConfigProperties struct {
	TickInterval         uint64 `yaml:"tick-interval"`
	ElectionTicks        int    `yaml:"election-ticks"`
	ElectionStaggerTicks int    `yaml:"election-stagger-ticks"`
	HeartbeatTicks       int    `yaml:"heartbeat-ticks"`
	PeerDeadTicks        int    `yaml:"peer-dead-ticks"`
	JitterTicks          int    `yaml:"jitter-ticks"`
}

type TransactionConfigProperties struct {
	VoteTimeout       uint64 `yaml:"vote-timeout"`
	WorkingTimeout    uint64 `yaml:"working-timeout"`
	RetryInterval     uint64 `yaml:"retry-interval"`
	RecoveryInterval  uint64 `yaml:"recovery-interval"`
	FinishedRetention uint64 `yaml:"finished-retention"`
	ReplicationFactor int    `yaml:"replication-factor"`
	WalDir            string `yaml:"wal-dir"`
	WalNoSync         bool   `yaml:"wal-no-sync"`
}

type CounterConfigProperties struct {
	AntiEntropyInterval uint64 `yaml:"anti-entropy-interval"`
	Fanout              int    `yaml:"fanout"`
}

type Config struct {
	Application ApplicationConfigProperties `yaml:"app"`
	Transport   TransportConfigProperties   `yaml:"transport"`
	Cluster     ClusterConfigProperties     `yaml:"cluster"`
	Election    ElectionConfigProperties    `yaml:"election"`
	Transaction TransactionConfigProperties `yaml:"transaction"`
	Counter     CounterConfigProperties     `yaml:"counter"`
}

func (c *TransportConfigProperties) PeerAddr() string {
	return net.JoinHostPort(c.Address, c.PeerPort)
}

func (c *TransportConfigProperties) ClientAddr() string {
	return net.JoinHostPort(c.Address, c.ClientPort)
}

func (c *TransportConfigProperties) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// NodeIDs returns every configured node id, self included, in ascending order.
func (c *ClusterConfigProperties) NodeIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Peers)+1)
	for id := range c.Peers {
		ids = append(ids, id)
	}
	if _, ok := c.Peers[c.NodeId]; !ok {
		ids = append(ids, c.NodeId)
	}
	slices.Sort(ids)
	return ids
}

func (c *ElectionConfigProperties) TickDuration() time.Duration {
	return time.Duration(c.TickInterval) * time.Millisecond
}

func (c *TransactionConfigProperties) VoteTimeoutDuration() time.Duration {
	return time.Duration(c.VoteTimeout) * time.Millisecond
}

func (c *TransactionConfigProperties) WorkingTimeoutDuration() time.Duration {
	return time.Duration(c.WorkingTimeout) * time.Millisecond
}

func (c *TransactionConfigProperties) RetryIntervalDuration() time.Duration {
	return time.Duration(c.RetryInterval) * time.Millisecond
}

func (c *TransactionConfigProperties) RecoveryIntervalDuration() time.Duration {
	return time.Duration(c.RecoveryInterval) * time.Millisecond
}

func (c *TransactionConfigProperties) FinishedRetentionDuration() time.Duration {
	return time.Duration(c.FinishedRetention) * time.Millisecond
}

func (c *CounterConfigProperties) AntiEntropyDuration() time.Duration {
	return time.Duration(c.AntiEntropyInterval) * time.Millisecond
}
