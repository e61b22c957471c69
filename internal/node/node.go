package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"slices"

	"quorumkv/internal/crdt"
	"quorumkv/internal/domain"
	"quorumkv/internal/election"
	"quorumkv/internal/message"
	"quorumkv/internal/storage"
	"quorumkv/internal/transport"
	"quorumkv/internal/txn"
)

var (
	_ transport.API = (*Node)(nil)
	_ domain.Router = (*Node)(nil)
)

var ErrQuorumAtRisk = errors.New("crash would leave fewer than a quorum of live nodes")

// Node is one cluster member: an election monitor, both sides of the
// atomic commit protocol, a counter replica and the key space they write.
type Node struct {
	id     uint64
	quorum int
	gate   *gate

	Monitor     *election.Monitor
	Coordinator *txn.Coordinator
	Participant *txn.Participant
	Replica     *crdt.Replica
	Storage     *storage.Service

	journals []txn.Journal

	log *slog.Logger
}

// New wires a node on top of tr. Inbound messages must be delivered to
// dispatcher, which New fills with the node's routes.
func New(cfg Config, tr domain.Transport, dispatcher *transport.Dispatcher) (*Node, error) {
	members := slices.Compact(slices.Sorted(slices.Values(cfg.Nodes)))
	// transaction ids carry the node id in their top 16 bits
	if len(members) > 0 && members[len(members)-1] > math.MaxUint16 {
		return nil, fmt.Errorf("node id %d exceeds %d", members[len(members)-1], math.MaxUint16)
	}

	g := &gate{inner: tr}

	monitor, err := election.NewMonitor(cfg.Election, g, cfg.TickInterval, cfg.SendTimeout)
	if err != nil {
		return nil, fmt.Errorf("election: %w", err)
	}

	coordJournal, partJournal, err := openJournals(cfg)
	if err != nil {
		return nil, err
	}

	store := storage.NewService()
	placement := txn.NewPlacement(cfg.Nodes, cfg.ReplicationFactor)

	participant := txn.NewParticipant(txn.ParticipantConfig{
		ID:               cfg.ID,
		WorkingTimeout:   cfg.WorkingTimeout,
		RecoveryInterval: cfg.RecoveryInterval,
		Retention:        cfg.Retention,
		SendTimeout:      cfg.SendTimeout,
		InquireAfter:     cfg.VoteTimeout + cfg.RecoveryInterval,
	}, store, g, monitor, partJournal)

	coordinator := txn.NewCoordinator(txn.CoordinatorConfig{
		ID:               cfg.ID,
		VoteTimeout:      cfg.VoteTimeout,
		RetryInterval:    cfg.RetryInterval,
		RecoveryInterval: cfg.RecoveryInterval,
		Retention:        cfg.Retention,
		SendTimeout:      cfg.SendTimeout,
	}, g, monitor, placement, coordJournal)

	replica := crdt.NewReplica(crdt.ReplicaConfig{
		ID:       cfg.ID,
		Peers:    cfg.Nodes,
		Interval: cfg.AntiEntropyInterval,
		Timeout:  cfg.SendTimeout,
		Fanout:   cfg.Fanout,
	}, g)

	monitor.OnChange(coordinator.OnLeadershipChange)

	dispatcher.Route(g.guard(monitor),
		message.KindRequestVote, message.KindVoteGranted, message.KindVoteDenied,
		message.KindHeartbeat, message.KindHeartbeatAck)
	dispatcher.Route(g.guard(participant),
		message.KindPrepare, message.KindDoCommit, message.KindDoAbort, message.KindQuery)
	dispatcher.Route(g.guard(coordinator),
		message.KindVoteYes, message.KindVoteNo, message.KindAck, message.KindInquire, message.KindStatus)
	dispatcher.Route(g.guard(replica), message.KindMergeVector)

	return &Node{
		id:          cfg.ID,
		quorum:      len(members)/2 + 1,
		gate:        g,
		Monitor:     monitor,
		Coordinator: coordinator,
		Participant: participant,
		Replica:     replica,
		Storage:     store,
		journals:    []txn.Journal{coordJournal, partJournal},
		log:         slog.With("component", "node", "node_id", cfg.ID),
	}, nil
}

// Coordinator and participant keep separate logs: both record a finished
// entry under the same transaction id.
func openJournals(cfg Config) (txn.Journal, txn.Journal, error) {
	if cfg.WALDir == "" {
		return txn.NopJournal(), txn.NopJournal(), nil
	}

	coord, err := txn.OpenJournal(filepath.Join(cfg.WALDir, "coordinator"), cfg.WALNoSync)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator journal: %w", err)
	}
	part, err := txn.OpenJournal(filepath.Join(cfg.WALDir, "participant"), cfg.WALNoSync)
	if err != nil {
		_ = coord.Close()
		return nil, nil, fmt.Errorf("participant journal: %w", err)
	}
	return coord, part, nil
}

func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) Start() {
	n.Monitor.Start()
	n.Participant.Start()
	n.Coordinator.Start()
	n.Replica.Start()
	n.log.Info("node started")
}

func (n *Node) Stop() {
	n.Replica.Stop()
	n.Coordinator.Stop()
	n.Participant.Stop()
	n.Monitor.Stop()

	for _, j := range n.journals {
		if err := j.Close(); err != nil {
			n.log.Warn("failed to close journal", "error", err)
		}
	}
	n.log.Info("node stopped")
}

func (n *Node) alive() error {
	if n.gate.down.Load() {
		return election.ErrNodeDead
	}
	return nil
}

// ProposeTransaction runs writes as one atomic transaction. Only the
// leader accepts proposals.
func (n *Node) ProposeTransaction(ctx context.Context, writes []message.Write) (txn.Outcome, error) {
	if err := n.alive(); err != nil {
		return txn.OutcomeUnknown, err
	}
	return n.Coordinator.ProposeTransaction(ctx, writes)
}

func (n *Node) Increment(_ context.Context, counterID string) error {
	if err := n.alive(); err != nil {
		return err
	}
	return n.Replica.Increment(counterID)
}

// ReadCounter returns this replica's view, which may lag other replicas
// until anti-entropy catches up.
func (n *Node) ReadCounter(_ context.Context, counterID string) (int64, error) {
	if err := n.alive(); err != nil {
		return 0, err
	}
	return n.Replica.ReadCounter(counterID)
}

func (n *Node) LeaderStatus() election.Status {
	return n.Monitor.Status()
}

func (n *Node) CurrentLeader() uint64 {
	return n.Monitor.CurrentLeader()
}

func (n *Node) Get(key string) ([]byte, bool) {
	return n.Storage.Get(key)
}

// Health reports ErrNodeDead while the node is crashed.
func (n *Node) Health() error {
	return n.alive()
}

// Crash takes the node off the network and clears its leadership. State
// kept in the journals and the key space survives until Recover. A node
// only crashes while the nodes it sees alive besides itself still form a
// quorum.
func (n *Node) Crash(ctx context.Context) error {
	if n.gate.down.Swap(true) {
		return election.ErrNodeDead
	}
	others := 0
	for _, id := range n.Monitor.LiveNodes() {
		if id != n.id {
			others++
		}
	}
	if others < n.quorum {
		n.gate.down.Store(false)
		return fmt.Errorf("%w: %d live of %d needed", ErrQuorumAtRisk, others, n.quorum)
	}
	if err := n.Monitor.Crash(ctx); err != nil {
		n.gate.down.Store(false)
		return err
	}
	n.log.Warn("node crashed")
	return nil
}

// Recover brings a crashed node back as a follower.
func (n *Node) Recover(ctx context.Context) error {
	if !n.gate.down.Load() {
		return nil
	}
	if err := n.Monitor.Recover(ctx); err != nil {
		return err
	}
	n.gate.down.Store(false)
	n.log.Info("node recovered")
	return nil
}
