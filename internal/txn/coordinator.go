package txn

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.etcd.io/etcd/pkg/v3/idutil"
	"go.etcd.io/etcd/pkg/v3/wait"

	"quorumkv/internal/domain"
	"quorumkv/internal/election"
	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

type CoordinatorConfig struct {
	ID uint64
	// VoteTimeout bounds the wait for every participant's vote.
	VoteTimeout time.Duration
	// RetryInterval spaces out resends of Prepare and of the decision.
	RetryInterval time.Duration
	// RecoveryInterval spaces out resends of recovery queries.
	RecoveryInterval time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
	SendTimeout      time.Duration
}

type coordTxn struct {
	id    uint64
	epoch uint64
	state CoordinatorState
	// recovery transactions were started by an inquiry, not by a client
	recovery bool

	participants []uint64
	writes       map[uint64][]message.Write

	votes    map[uint64]bool
	statuses map[uint64]message.TxnState
	acks     map[uint64]message.TxnState
	fenced   map[uint64]bool

	hasWaiter bool
	notified  bool
	inFlight  bool

	startedAt  time.Time
	deadline   time.Time
	sentAt     time.Time
	finishedAt time.Time
}

func (t *coordTxn) finished() bool {
	return !t.finishedAt.IsZero()
}

type proposeResult struct {
	outcome Outcome
}

// Coordinator drives two-phase commit for transactions proposed on this
// node while it leads, and resolves transactions left behind by a replaced
// coordinator.
type Coordinator struct {
	cfg        CoordinatorConfig
	transport  domain.Transport
	leadership Leadership
	placement  *Placement
	journal    Journal
	ids        *idutil.Generator
	waiters    wait.Wait
	now        func() time.Time

	mu   sync.Mutex
	txns map[uint64]*coordTxn

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup

	log *slog.Logger
}

func NewCoordinator(cfg CoordinatorConfig, transport domain.Transport, leadership Leadership, placement *Placement, journal Journal) *Coordinator {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 50 * time.Millisecond
	}

	c := &Coordinator{
		cfg:        cfg,
		transport:  transport,
		leadership: leadership,
		placement:  placement,
		journal:    journal,
		ids:        idutil.NewGenerator(uint16(cfg.ID), time.Now()),
		waiters:    wait.New(),
		now:        time.Now,
		txns:       make(map[uint64]*coordTxn),
		stopCh:     make(chan struct{}),
		log:        slog.With("component", "coordinator", "node_id", cfg.ID),
	}
	c.restore()

	return c
}

// restore resumes delivery of every decision that was recorded but not
// acknowledged by all participants before a restart.
func (c *Coordinator) restore() {
	for _, rec := range c.journal.Pending() {
		if rec.Type != RecordDecision {
			continue
		}
		m := rec.Msg
		state := StateAborted
		if m.Kind == message.KindDoCommit {
			state = StateCommitted
		}
		c.txns[m.TxnID] = &coordTxn{
			id:           m.TxnID,
			epoch:        m.Epoch,
			state:        state,
			participants: m.Participants,
			acks:         make(map[uint64]message.TxnState),
			fenced:       make(map[uint64]bool),
			startedAt:    c.now(),
		}
		c.log.Info("resuming decision delivery", "txn_id", m.TxnID, "decision", state, "epoch", m.Epoch)
	}
}

// ProposeTransaction runs one atomic commit over writes. It reports commit
// only once a participant has confirmed it, and abort once the abort is
// recorded.
func (c *Coordinator) ProposeTransaction(ctx context.Context, writes []message.Write) (Outcome, error) {
	select {
	case <-c.stopCh:
		return OutcomeUnknown, ErrShuttingDown
	default:
	}

	status := c.leadership.Status()
	if status.Role != election.RoleLeader {
		return OutcomeUnknown, fmt.Errorf("%w: leader is %d", ErrNotLeader, status.Leader)
	}
	if len(writes) == 0 {
		return OutcomeUnknown, ErrNoParticipants
	}

	perNode, participants := c.placement.Split(writes)
	if len(participants) == 0 {
		return OutcomeUnknown, ErrNoParticipants
	}

	now := c.now()
	t := &coordTxn{
		id:           c.ids.Next(),
		epoch:        status.Epoch,
		state:        StateWaiting,
		participants: participants,
		writes:       perNode,
		votes:        make(map[uint64]bool),
		acks:         make(map[uint64]message.TxnState),
		fenced:       make(map[uint64]bool),
		hasWaiter:    true,
		inFlight:     true,
		startedAt:    now,
		deadline:     now.Add(c.cfg.VoteTimeout),
		sentAt:       now,
	}
	ch := c.waiters.Register(t.id)

	c.mu.Lock()
	c.txns[t.id] = t
	out := c.prepares(t)
	c.mu.Unlock()

	metrics.TransactionsInFlight.Inc()
	c.log.Debug("transaction started", "txn_id", t.id, "epoch", t.epoch, "participants", participants)
	c.send(out)

	select {
	case v := <-ch:
		res, _ := v.(proposeResult)
		return res.outcome, nil
	case <-ctx.Done():
		return c.abandon(t.id, ctx.Err())
	case <-c.stopCh:
		return OutcomeUnknown, ErrShuttingDown
	}
}

// abandon settles a transaction whose caller stopped waiting. A transaction
// still collecting votes is aborted.
func (c *Coordinator) abandon(txnID uint64, cause error) (Outcome, error) {
	c.mu.Lock()
	t := c.txns[txnID]
	var out []message.Message
	outcome := OutcomeAborted
	var err error

	switch {
	case t == nil:
		outcome, err = OutcomeUnknown, fmt.Errorf("%w: %w", ErrUnknownTransaction, cause)
	case t.state == StateWaiting:
		out = c.decide(t, StateAborted, "cancelled")
	case t.state == StateCommitted && t.notified:
		outcome = OutcomeCommitted
	case t.state == StateCommitted:
		t.hasWaiter = false
		outcome, err = OutcomeUnknown, fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause)
	}
	c.mu.Unlock()

	c.waiters.Trigger(txnID, nil)
	c.send(out)
	return outcome, err
}

func (c *Coordinator) Handle(msg message.Message) {
	c.mu.Lock()
	var out []message.Message
	switch msg.Kind {
	case message.KindVoteYes, message.KindVoteNo:
		out = c.onVote(msg)
	case message.KindAck:
		out = c.onAck(msg)
	case message.KindStatus:
		out = c.onStatus(msg)
	case message.KindInquire:
		out = c.onInquire(msg)
	default:
		c.log.Warn("unexpected message", "kind", msg.Kind, "from", msg.From)
	}
	c.mu.Unlock()

	c.send(out)
}

func (c *Coordinator) onVote(m message.Message) []message.Message {
	t := c.txns[m.TxnID]
	if t == nil || !slices.Contains(t.participants, m.From) {
		return nil
	}
	if t.state.Decided() {
		if _, acked := t.acks[m.From]; acked || t.finished() {
			return nil
		}
		return []message.Message{c.decision(t, m.From)}
	}
	if t.recovery {
		return nil
	}

	t.votes[m.From] = m.Kind == message.KindVoteYes
	if m.Kind == message.KindVoteNo {
		return c.decide(t, StateAborted, "vote_no")
	}
	if len(t.votes) < len(t.participants) {
		return nil
	}

	if s := c.leadership.Status(); s.Role != election.RoleLeader || s.Epoch != t.epoch {
		return c.decide(t, StateAborted, "leadership_lost")
	}
	return c.decide(t, StateCommitted, "unanimous")
}

// decide records the decision, then broadcasts it. A commit that cannot be
// recorded becomes an abort.
func (c *Coordinator) decide(t *coordTxn, state CoordinatorState, reason string) []message.Message {
	if state == StateCommitted {
		if err := c.journal.Append(RecordDecision, c.decisionRecord(t, message.KindDoCommit)); err != nil {
			c.log.Error("failed to record commit decision, aborting", "txn_id", t.id, "error", err)
			state, reason = StateAborted, "journal_error"
		}
	}
	if state == StateAborted {
		if err := c.journal.Append(RecordDecision, c.decisionRecord(t, message.KindDoAbort)); err != nil {
			c.log.Warn("failed to record abort decision", "txn_id", t.id, "error", err)
		}
	}

	now := c.now()
	t.state = state
	t.sentAt = now
	if t.acks == nil {
		t.acks = make(map[uint64]message.TxnState)
	}
	if t.fenced == nil {
		t.fenced = make(map[uint64]bool)
	}

	outcome := "committed"
	if state == StateAborted {
		outcome = "aborted"
	}
	if t.recovery {
		metrics.Recoveries.WithLabelValues(outcome).Inc()
	} else {
		metrics.TransactionsTotal.WithLabelValues(outcome).Inc()
		metrics.TransactionDuration.Observe(now.Sub(t.startedAt).Seconds())
	}

	c.log.Info("transaction decided",
		"txn_id", t.id,
		"decision", state,
		"reason", reason,
		"epoch", t.epoch,
		"recovery", t.recovery,
	)

	if state == StateAborted {
		c.notify(t, OutcomeAborted)
	}

	return c.decisions(t)
}

func (c *Coordinator) notify(t *coordTxn, outcome Outcome) {
	if !t.hasWaiter || t.notified {
		return
	}
	t.notified = true
	c.waiters.Trigger(t.id, proposeResult{outcome: outcome})
}

func (c *Coordinator) onAck(m message.Message) []message.Message {
	t := c.txns[m.TxnID]
	if t == nil || !t.state.Decided() || t.finished() {
		return nil
	}

	t.acks[m.From] = m.State
	delete(t.fenced, m.From)
	if t.state == StateCommitted && m.State == message.StateCommitted {
		c.notify(t, OutcomeCommitted)
	}

	c.maybeFinish(t)
	return nil
}

// maybeFinish retires t once every participant has acknowledged the
// decision or refused it because a newer coordinator fenced it.
func (c *Coordinator) maybeFinish(t *coordTxn) {
	if len(t.acks)+len(t.fenced) < len(t.participants) {
		return
	}

	if t.state == StateCommitted && len(t.fenced) == len(t.participants) {
		// nobody applied our commit and nobody ever will
		c.log.Warn("commit fenced by every participant", "txn_id", t.id, "epoch", t.epoch)
		c.notify(t, OutcomeAborted)
	}

	if err := c.journal.Append(RecordFinished, message.Message{TxnID: t.id}); err != nil {
		c.log.Warn("failed to record finished transaction", "txn_id", t.id, "error", err)
	}
	t.finishedAt = c.now()
	if t.inFlight {
		t.inFlight = false
		metrics.TransactionsInFlight.Dec()
	}

	c.log.Debug("transaction finished", "txn_id", t.id, "decision", t.state)
}

// OnLeadershipChange aborts every transaction still collecting votes once
// this node stops leading the epoch it was started in.
func (c *Coordinator) OnLeadershipChange(prev, cur election.Status) {
	if prev.Role != election.RoleLeader {
		return
	}
	if cur.Role == election.RoleLeader && cur.Epoch == prev.Epoch {
		return
	}

	c.mu.Lock()
	var out []message.Message
	for _, id := range slices.Sorted(maps.Keys(c.txns)) {
		t := c.txns[id]
		if t.state == StateWaiting && !t.recovery && t.epoch <= prev.Epoch {
			out = append(out, c.decide(t, StateAborted, "leadership_lost")...)
		}
	}
	c.mu.Unlock()

	c.send(out)
}

// sweep enforces the vote timeout, resends unanswered messages and forgets
// finished transactions past retention.
func (c *Coordinator) sweep(now time.Time) []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []message.Message
	for _, id := range slices.Sorted(maps.Keys(c.txns)) {
		t := c.txns[id]

		switch {
		case t.finished():
			if now.Sub(t.finishedAt) >= c.cfg.Retention {
				delete(c.txns, id)
			}

		case t.state == StateWaiting && t.recovery:
			if now.Sub(t.sentAt) >= c.cfg.RecoveryInterval {
				t.sentAt = now
				out = append(out, c.queries(t)...)
			}

		case t.state == StateWaiting:
			if !now.Before(t.deadline) {
				out = append(out, c.decide(t, StateAborted, "timeout")...)
			} else if now.Sub(t.sentAt) >= c.cfg.RetryInterval {
				t.sentAt = now
				out = append(out, c.prepares(t)...)
			}

		case t.state.Decided():
			if now.Sub(t.sentAt) >= c.cfg.RetryInterval {
				t.sentAt = now
				msgs := c.decisions(t)
				if len(msgs) > 0 {
					metrics.DecisionRetries.WithLabelValues(t.state.String()).Add(float64(len(msgs)))
				}
				out = append(out, msgs...)
			}
		}
	}
	return out
}

func (c *Coordinator) prepares(t *coordTxn) []message.Message {
	msgs := make([]message.Message, 0, len(t.participants))
	for _, p := range t.participants {
		if _, voted := t.votes[p]; voted {
			continue
		}
		msgs = append(msgs, message.Message{
			Kind:         message.KindPrepare,
			From:         c.cfg.ID,
			To:           p,
			Epoch:        t.epoch,
			TxnID:        t.id,
			Coordinator:  c.cfg.ID,
			Participants: t.participants,
			Writes:       t.writes[p],
		})
	}
	return msgs
}

// decisions addresses the decision to every participant that has neither
// acknowledged nor refused it.
func (c *Coordinator) decisions(t *coordTxn) []message.Message {
	msgs := make([]message.Message, 0, len(t.participants))
	for _, p := range t.participants {
		if _, acked := t.acks[p]; acked || t.fenced[p] {
			continue
		}
		msgs = append(msgs, c.decision(t, p))
	}
	return msgs
}

func (c *Coordinator) decision(t *coordTxn, to uint64) message.Message {
	kind := message.KindDoAbort
	if t.state == StateCommitted {
		kind = message.KindDoCommit
	}
	return message.Message{
		Kind:        kind,
		From:        c.cfg.ID,
		To:          to,
		Epoch:       t.epoch,
		TxnID:       t.id,
		Coordinator: c.cfg.ID,
	}
}

func (c *Coordinator) decisionRecord(t *coordTxn, kind message.Kind) message.Message {
	return message.Message{
		Kind:         kind,
		TxnID:        t.id,
		Epoch:        t.epoch,
		Coordinator:  c.cfg.ID,
		Participants: t.participants,
	}
}

// Decision reports the coordinator's state for a transaction it remembers.
func (c *Coordinator) Decision(txnID uint64) (CoordinatorState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txns[txnID]
	if !ok {
		return StateInit, ErrUnknownTransaction
	}
	return t.state, nil
}

func (c *Coordinator) Start() {
	c.stoppedWg.Add(1)
	go func() {
		defer c.stoppedWg.Done()
		c.runLoop()
	}()
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.stoppedWg.Wait()
}

func (c *Coordinator) runLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.send(c.sweep(c.now()))
		}
	}
}

func (c *Coordinator) send(msgs []message.Message) {
	for _, msg := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		if err := c.transport.Send(ctx, msg); err != nil {
			c.log.Debug("failed to send", "kind", msg.Kind, "to", msg.To, "txn_id", msg.TxnID, "error", err)
		}
		cancel()
	}
}
