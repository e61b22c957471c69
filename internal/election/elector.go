package election

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"go.etcd.io/raft/v3/quorum"

	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

// Config describes one node's view of the cluster and its timer settings,
// all expressed in ticks.
type Config struct {
	ID             uint64
	Nodes          []uint64
	ElectionTicks  int
	StaggerTicks   int
	HeartbeatTicks int
	PeerDeadTicks  int
	JitterTicks    int
}

func (c Config) validate() error {
	if c.ID == 0 {
		return fmt.Errorf("node id must be non-zero")
	}
	if !slices.Contains(c.Nodes, c.ID) {
		return fmt.Errorf("node %d is not a cluster member", c.ID)
	}
	if c.ElectionTicks <= 0 || c.HeartbeatTicks <= 0 || c.PeerDeadTicks <= 0 {
		return fmt.Errorf("tick counts must be positive")
	}
	if c.StaggerTicks < 0 || c.JitterTicks < 0 {
		return fmt.Errorf("stagger and jitter ticks must not be negative")
	}
	return nil
}

// Elector is the election state machine of a single node. It has no timers
// or goroutines of its own: the owner calls Tick at a fixed interval and
// Step for every inbound election message, and sends whatever they return.
// An Elector is not safe for concurrent use.
type Elector struct {
	id     uint64
	cfg    Config
	voters quorum.MajorityConfig
	peers  []uint64
	rank   int

	role     Role
	epoch    uint64
	votedFor uint64
	leader   uint64

	// No vote is granted at or below this epoch. Set on crash, since the
	// vote cast before the crash is forgotten.
	fencedEpoch uint64

	votes map[uint64]bool

	// Newest heartbeat round each voter acknowledged, the leader itself
	// included. The leader holds its lease while a quorum acked a round
	// within lease() ticks.
	acked         ackRounds
	round         uint64
	campaignRound uint64

	electionElapsed  int
	heartbeatElapsed int
	timeout          int

	silent map[uint64]int

	log *slog.Logger
}

func NewElector(cfg Config) (*Elector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nodes := slices.Clone(cfg.Nodes)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)

	e := &Elector{
		id:     cfg.ID,
		cfg:    cfg,
		voters: quorum.MajorityConfig{},
		silent: make(map[uint64]int),
		log:    slog.With("component", "election", "node_id", cfg.ID),
	}
	for i, id := range nodes {
		e.voters[id] = struct{}{}
		if id == cfg.ID {
			e.rank = i
			continue
		}
		e.peers = append(e.peers, id)
		e.silent[id] = 0
	}
	e.resetElectionTimer()

	return e, nil
}

func (e *Elector) ID() uint64 {
	return e.id
}

func (e *Elector) Status() Status {
	return Status{
		ID:       e.id,
		Role:     e.role,
		Epoch:    e.epoch,
		Leader:   e.leader,
		VotedFor: e.votedFor,
	}
}

// LiveNodes returns the nodes this node currently believes are alive,
// itself included. A dead node sees none.
func (e *Elector) LiveNodes() []uint64 {
	if e.role == RoleDead {
		return nil
	}
	live := make([]uint64, 0, len(e.peers)+1)
	live = append(live, e.id)
	for _, p := range e.peers {
		if e.silent[p] < e.cfg.PeerDeadTicks {
			live = append(live, p)
		}
	}
	slices.Sort(live)
	return live
}

func (e *Elector) quorumSize() int {
	return len(e.voters)/2 + 1
}

// lease is how long a leader keeps its role without fresh quorum acks. It
// must end before any follower that acked the same round stops refusing
// votes, which happens ElectionTicks after that follower heard it.
func (e *Elector) lease() uint64 {
	return uint64(max(e.cfg.ElectionTicks-e.cfg.HeartbeatTicks, 1))
}

// inLease reports whether a vote for a newer epoch must be ignored: this
// node leads, or it recently heard from a leader or voted for a candidate.
func (e *Elector) inLease() bool {
	switch e.role {
	case RoleLeader:
		return true
	case RoleFollower:
		heard := e.leader != 0 || (e.votedFor != 0 && e.votedFor != e.id)
		return heard && e.electionElapsed < e.cfg.ElectionTicks
	default:
		return false
	}
}

type ackRounds map[uint64]uint64

func (a ackRounds) AckedIndex(id uint64) (quorum.Index, bool) {
	r, ok := a[id]
	return quorum.Index(r), ok
}

// Tick advances the node's logical clock by one tick.
func (e *Elector) Tick() []message.Message {
	if e.role == RoleDead {
		return nil
	}
	e.round++

	for _, p := range e.peers {
		if e.silent[p] < e.cfg.PeerDeadTicks {
			e.silent[p]++
		}
	}

	if e.role == RoleLeader {
		return e.tickLeader()
	}
	return e.tickElection()
}

func (e *Elector) tickElection() []message.Message {
	e.electionElapsed++
	if e.electionElapsed < e.timeout {
		return nil
	}

	if e.role == RoleCandidate {
		metrics.ElectionsTimedOut.Inc()
		e.log.Info("election timed out", "epoch", e.epoch, "votes", len(e.votes))
		e.becomeFollower(e.epoch, 0, "")
		return nil
	}

	return e.campaign()
}

func (e *Elector) tickLeader() []message.Message {
	e.heartbeatElapsed++

	e.acked[e.id] = e.round
	if since := e.round - uint64(e.voters.CommittedIndex(e.acked)); since >= e.lease() {
		e.log.Warn("lost contact with quorum, stepping down", "epoch", e.epoch, "ticks_since_quorum", since)
		e.becomeFollower(e.epoch, 0, "check_quorum")
		return nil
	}

	if e.heartbeatElapsed >= e.cfg.HeartbeatTicks {
		e.heartbeatElapsed = 0
		return e.heartbeats()
	}
	return nil
}

func (e *Elector) campaign() []message.Message {
	e.epoch++
	e.campaignRound = e.round
	e.role = RoleCandidate
	e.leader = 0
	e.votedFor = e.id
	e.votes = map[uint64]bool{e.id: true}
	e.resetElectionTimer()
	metrics.ElectionsStarted.Inc()

	e.log.Info("starting election", "epoch", e.epoch)

	if e.voters.VoteResult(e.votes) == quorum.VoteWon {
		e.becomeLeader()
		return e.heartbeats()
	}

	targets := e.livePeers()
	if len(targets)+1 < e.quorumSize() {
		targets = e.peers
	}

	msgs := make([]message.Message, 0, len(targets))
	for _, p := range targets {
		msgs = append(msgs, message.Message{
			Kind:  message.KindRequestVote,
			From:  e.id,
			To:    p,
			Epoch: e.epoch,
		})
	}
	return msgs
}

func (e *Elector) livePeers() []uint64 {
	live := make([]uint64, 0, len(e.peers))
	for _, p := range e.peers {
		if e.silent[p] < e.cfg.PeerDeadTicks {
			live = append(live, p)
		}
	}
	return live
}

// Step applies one inbound election message.
func (e *Elector) Step(m message.Message) []message.Message {
	if e.role == RoleDead || !m.Kind.IsElection() {
		return nil
	}
	if _, member := e.silent[m.From]; !member {
		e.log.Warn("ignoring message from unknown node", "from", m.From, "kind", m.Kind)
		return nil
	}
	e.silent[m.From] = 0

	if m.Kind == message.KindRequestVote && m.Epoch > e.epoch && e.inLease() {
		e.log.Debug("ignoring vote request while leader lease holds", "epoch", e.epoch, "candidate", m.From, "candidate_epoch", m.Epoch)
		return nil
	}

	if m.Epoch > e.epoch {
		var leader uint64
		if m.Kind == message.KindHeartbeat {
			leader = m.From
		}
		e.log.Info("observed higher epoch", "epoch", e.epoch, "new_epoch", m.Epoch, "from", m.From)
		e.becomeFollower(m.Epoch, leader, "higher_epoch")
	}

	switch m.Kind {
	case message.KindRequestVote:
		return e.handleRequestVote(m)
	case message.KindVoteGranted, message.KindVoteDenied:
		return e.handleVoteResponse(m)
	case message.KindHeartbeat:
		return e.handleHeartbeat(m)
	case message.KindHeartbeatAck:
		if e.role == RoleLeader && m.Epoch == e.epoch && m.Round > e.acked[m.From] {
			e.acked[m.From] = m.Round
		}
	}
	return nil
}

func (e *Elector) handleRequestVote(m message.Message) []message.Message {
	reply := message.Message{Kind: message.KindVoteDenied, From: e.id, To: m.From, Epoch: e.epoch}

	if m.Epoch < e.epoch || m.Epoch <= e.fencedEpoch {
		return []message.Message{reply}
	}
	if e.votedFor != 0 && e.votedFor != m.From {
		return []message.Message{reply}
	}
	if e.leader != 0 && e.leader != m.From {
		return []message.Message{reply}
	}

	e.votedFor = m.From
	e.electionElapsed = 0
	e.log.Debug("vote granted", "epoch", e.epoch, "candidate", m.From)

	reply.Kind = message.KindVoteGranted
	return []message.Message{reply}
}

func (e *Elector) handleVoteResponse(m message.Message) []message.Message {
	if e.role != RoleCandidate || m.Epoch != e.epoch {
		return nil
	}
	e.votes[m.From] = m.Kind == message.KindVoteGranted

	switch e.voters.VoteResult(e.votes) {
	case quorum.VoteWon:
		e.becomeLeader()
		return e.heartbeats()
	case quorum.VoteLost:
		e.log.Info("election lost", "epoch", e.epoch)
		e.becomeFollower(e.epoch, 0, "")
	}
	return nil
}

func (e *Elector) handleHeartbeat(m message.Message) []message.Message {
	ack := message.Message{Kind: message.KindHeartbeatAck, From: e.id, To: m.From, Epoch: e.epoch, Round: m.Round}

	// A stale leader learns the newer epoch from the ack and steps down.
	if m.Epoch < e.epoch {
		return []message.Message{ack}
	}

	switch e.role {
	case RoleLeader:
		e.log.Error("heartbeat from another leader in the same epoch", "epoch", e.epoch, "from", m.From)
		return nil
	case RoleCandidate:
		e.becomeFollower(e.epoch, m.From, "leader_discovered")
	}

	e.leader = m.From
	e.electionElapsed = 0
	for _, id := range m.Participants {
		if _, ok := e.silent[id]; ok {
			e.silent[id] = 0
		}
	}

	return []message.Message{ack}
}

func (e *Elector) heartbeats() []message.Message {
	live := e.LiveNodes()
	msgs := make([]message.Message, 0, len(e.peers))
	for _, p := range e.peers {
		msgs = append(msgs, message.Message{
			Kind:         message.KindHeartbeat,
			From:         e.id,
			To:           p,
			Epoch:        e.epoch,
			Round:        e.round,
			Participants: live,
		})
	}
	return msgs
}

func (e *Elector) becomeLeader() {
	e.role = RoleLeader
	e.leader = e.id

	// a granted vote holds its voter off other candidates from the moment
	// it was requested
	e.acked = ackRounds{e.id: e.round}
	for id, granted := range e.votes {
		if granted && id != e.id {
			e.acked[id] = e.campaignRound
		}
	}
	e.votes = nil
	e.electionElapsed = 0
	e.heartbeatElapsed = 0
	metrics.ElectionsWon.Inc()

	e.log.Info("became leader", "epoch", e.epoch)
}

func (e *Elector) becomeFollower(epoch, leader uint64, reason string) {
	if reason != "" && (e.role == RoleLeader || e.role == RoleCandidate) {
		metrics.ElectionStepDowns.WithLabelValues(reason).Inc()
	}
	if epoch > e.epoch {
		e.epoch = epoch
		e.votedFor = 0
	}
	e.role = RoleFollower
	e.leader = leader
	e.votes = nil
	e.acked = nil
	e.electionElapsed = 0
	e.resetElectionTimer()
}

// Crash takes the node out of the cluster. Leadership is given up at once.
func (e *Elector) Crash() {
	if e.role == RoleDead {
		return
	}
	if e.role == RoleLeader || e.role == RoleCandidate {
		metrics.ElectionStepDowns.WithLabelValues("crash").Inc()
	}
	e.role = RoleDead
	e.leader = 0
	e.votedFor = 0
	e.votes = nil
	e.acked = nil
	e.fencedEpoch = e.epoch

	e.log.Warn("node crashed", "epoch", e.epoch)
}

// Recover brings a dead node back as a follower with no vote memory.
func (e *Elector) Recover() {
	if e.role != RoleDead {
		return
	}
	e.role = RoleFollower
	e.votedFor = 0
	e.electionElapsed = 0
	e.heartbeatElapsed = 0
	for _, p := range e.peers {
		e.silent[p] = 0
	}
	e.resetElectionTimer()

	e.log.Info("node recovered", "epoch", e.epoch)
}

// resetElectionTimer staggers timeouts by rank so the lowest id fires first.
func (e *Elector) resetElectionTimer() {
	e.timeout = e.cfg.ElectionTicks + e.rank*e.cfg.StaggerTicks
	if e.cfg.JitterTicks > 0 {
		e.timeout += rand.IntN(e.cfg.JitterTicks + 1)
	}
}
