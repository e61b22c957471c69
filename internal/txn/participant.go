package txn

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"quorumkv/internal/domain"
	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

type ParticipantConfig struct {
	ID uint64
	// WorkingTimeout bounds how long a transaction may wait for its keys
	// before the participant gives up and votes no.
	WorkingTimeout time.Duration
	// RecoveryInterval spaces out inquiries about prepared transactions
	// whose coordinator has been replaced.
	RecoveryInterval time.Duration
	// InquireAfter is how long a prepared transaction waits for a decision
	// before the participant inquires even though the coordinator's epoch
	// is still current. A coordinator that forgot the transaction never
	// sends one.
	InquireAfter time.Duration
	// Retention is how long a finished transaction is remembered so late
	// or duplicated messages get a consistent answer.
	Retention     time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
}

type participantTxn struct {
	id          uint64
	coordinator uint64
	epoch       uint64
	// highest epoch whose recovery coordinator queried this transaction;
	// decisions from older epochs are refused
	fencedEpoch uint64

	participants []uint64
	writes       []message.Write
	state        message.TxnState

	// restored from the journal after a restart, when the epoch the node
	// currently sees says nothing about the coordinator's fate
	restored bool

	createdAt  time.Time
	preparedAt time.Time
	finishedAt time.Time
	inquiredAt time.Time
}

func (t *participantTxn) keys() []string {
	keys := make([]string, len(t.writes))
	for i, w := range t.writes {
		keys[i] = w.Key
	}
	return keys
}

// Participant runs the participant side of two-phase commit for every
// transaction that touches keys owned by this node.
type Participant struct {
	cfg        ParticipantConfig
	applier    domain.Applier
	transport  domain.Transport
	leadership Leadership
	journal    Journal
	now        func() time.Time

	mu    sync.Mutex
	txns  map[uint64]*participantTxn
	locks map[string]uint64

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup

	log *slog.Logger
}

func NewParticipant(cfg ParticipantConfig, applier domain.Applier, transport domain.Transport, leadership Leadership, journal Journal) *Participant {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 50 * time.Millisecond
	}
	if cfg.InquireAfter <= 0 {
		cfg.InquireAfter = cfg.WorkingTimeout + cfg.RecoveryInterval
	}

	p := &Participant{
		cfg:        cfg,
		applier:    applier,
		transport:  transport,
		leadership: leadership,
		journal:    journal,
		now:        time.Now,
		txns:       make(map[uint64]*participantTxn),
		locks:      make(map[string]uint64),
		stopCh:     make(chan struct{}),
		log:        slog.With("component", "participant", "node_id", cfg.ID),
	}
	p.restore()

	return p
}

// restore re-takes the locks of every transaction that was prepared but
// not finished before a restart.
func (p *Participant) restore() {
	now := p.now()
	for _, rec := range p.journal.Pending() {
		if rec.Type != RecordPrepared {
			continue
		}
		m := rec.Msg
		t := &participantTxn{
			id:           m.TxnID,
			coordinator:  m.Coordinator,
			epoch:        m.Epoch,
			participants: m.Participants,
			writes:       m.Writes,
			state:        message.StatePrepared,
			restored:     true,
			createdAt:    now,
			preparedAt:   now,
		}
		p.txns[t.id] = t
		for _, k := range t.keys() {
			p.locks[k] = t.id
		}
		p.log.Info("restored prepared transaction", "txn_id", t.id, "coordinator", t.coordinator, "epoch", t.epoch)
	}
}

// State reports the participant's state for a transaction it remembers.
func (p *Participant) State(txnID uint64) (message.TxnState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.txns[txnID]
	if !ok {
		return message.StateNone, false
	}
	return t.state, true
}

// LockHolder reports which prepared transaction holds key, if any.
func (p *Participant) LockHolder(key string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.locks[key]
	return id, ok
}

func (p *Participant) Handle(msg message.Message) {
	p.mu.Lock()
	var out []message.Message
	switch msg.Kind {
	case message.KindPrepare:
		out = p.onPrepare(msg)
	case message.KindDoCommit:
		out = p.onCommit(msg)
	case message.KindDoAbort:
		out = p.onAbort(msg)
	case message.KindQuery:
		out = p.onQuery(msg)
	default:
		p.log.Warn("unexpected message", "kind", msg.Kind, "from", msg.From)
	}
	p.mu.Unlock()

	p.send(out)
}

func (p *Participant) onPrepare(m message.Message) []message.Message {
	if t, ok := p.txns[m.TxnID]; ok {
		if t.coordinator == 0 {
			t.coordinator = m.From
		}
		switch t.state {
		case message.StatePrepared, message.StateCommitted:
			return []message.Message{p.vote(t, true)}
		case message.StateAborted:
			return []message.Message{p.vote(t, false)}
		}
		return nil
	}

	coordinator := m.Coordinator
	if coordinator == 0 {
		coordinator = m.From
	}
	t := &participantTxn{
		id:           m.TxnID,
		coordinator:  coordinator,
		epoch:        m.Epoch,
		participants: slices.Clone(m.Participants),
		writes:       m.Clone().Writes,
		state:        message.StateWorking,
		createdAt:    p.now(),
	}
	p.txns[t.id] = t

	if len(t.writes) == 0 || slices.Contains(t.keys(), "") {
		p.log.Warn("rejecting transaction with invalid writes", "txn_id", t.id)
		out := p.abort(t)
		return append(out, p.vote(t, false))
	}

	return p.tryPrepare(t)
}

// tryPrepare moves t to prepared once none of its keys is held by another
// prepared transaction. Otherwise t stays working.
func (p *Participant) tryPrepare(t *participantTxn) []message.Message {
	for _, k := range t.keys() {
		if holder, held := p.locks[k]; held && holder != t.id {
			p.log.Debug("transaction waiting for lock", "txn_id", t.id, "key", k, "holder", holder)
			return nil
		}
	}

	rec := message.Message{
		Kind:         message.KindPrepare,
		TxnID:        t.id,
		Coordinator:  t.coordinator,
		Epoch:        t.epoch,
		Participants: t.participants,
		Writes:       t.writes,
	}
	if err := p.journal.Append(RecordPrepared, rec); err != nil {
		p.log.Error("failed to record prepared transaction", "txn_id", t.id, "error", err)
		out := p.abort(t)
		return append(out, p.vote(t, false))
	}

	for _, k := range t.keys() {
		p.locks[k] = t.id
	}
	t.state = message.StatePrepared
	t.preparedAt = p.now()
	p.log.Debug("transaction prepared", "txn_id", t.id, "coordinator", t.coordinator)

	return []message.Message{p.vote(t, true)}
}

func (p *Participant) vote(t *participantTxn, yes bool) message.Message {
	kind, label := message.KindVoteNo, "no"
	if yes {
		kind, label = message.KindVoteYes, "yes"
	}
	metrics.ParticipantVotes.WithLabelValues(label).Inc()

	return message.Message{
		Kind:  kind,
		From:  p.cfg.ID,
		To:    t.coordinator,
		TxnID: t.id,
		Epoch: t.epoch,
		State: t.state,
	}
}

func (p *Participant) onCommit(m message.Message) []message.Message {
	t, ok := p.txns[m.TxnID]
	if !ok {
		return []message.Message{p.reply(m, message.KindAck, message.StateNone, false)}
	}

	switch t.state {
	case message.StateCommitted:
		return []message.Message{p.reply(m, message.KindAck, t.state, false)}
	case message.StateAborted:
		if m.Epoch >= t.fencedEpoch {
			p.log.Error("commit received for aborted transaction", "txn_id", t.id, "epoch", m.Epoch)
		}
		return []message.Message{p.reply(m, message.KindStatus, t.state, true)}
	case message.StateWorking:
		p.log.Error("commit received before prepare completed", "txn_id", t.id, "from", m.From)
		return nil
	}

	if m.Epoch < t.fencedEpoch {
		p.log.Info("refusing commit from fenced coordinator", "txn_id", t.id, "epoch", m.Epoch, "fenced_epoch", t.fencedEpoch)
		return []message.Message{p.reply(m, message.KindStatus, t.state, true)}
	}

	if err := p.applier.Apply(t.id, t.writes); err != nil {
		// no ack: the coordinator retries and the apply is attempted again
		p.log.Error("failed to apply committed transaction", "txn_id", t.id, "error", err)
		return nil
	}

	out := p.finish(t, message.StateCommitted)
	return append(out, p.reply(m, message.KindAck, t.state, false))
}

func (p *Participant) onAbort(m message.Message) []message.Message {
	t, ok := p.txns[m.TxnID]
	if !ok {
		p.tombstone(m.TxnID, m.From, 0)
		return []message.Message{p.reply(m, message.KindAck, message.StateAborted, false)}
	}

	switch t.state {
	case message.StateCommitted:
		p.log.Error("abort received for committed transaction", "txn_id", t.id, "from", m.From)
		return []message.Message{p.reply(m, message.KindAck, t.state, false)}
	case message.StateAborted:
		return []message.Message{p.reply(m, message.KindAck, t.state, false)}
	}

	out := p.abort(t)
	return append(out, p.reply(m, message.KindAck, t.state, false))
}

// onQuery answers a recovery coordinator and fences the transaction at its
// epoch. A transaction that never prepared is aborted on the spot.
func (p *Participant) onQuery(m message.Message) []message.Message {
	t, ok := p.txns[m.TxnID]
	if !ok {
		t = p.tombstone(m.TxnID, 0, m.Epoch)
		return []message.Message{p.reply(m, message.KindStatus, t.state, false)}
	}

	if m.Epoch > t.fencedEpoch {
		t.fencedEpoch = m.Epoch
	}

	var out []message.Message
	if t.state == message.StateWorking {
		out = p.abort(t)
		out = append(out, p.vote(t, false))
	}

	return append(out, p.reply(m, message.KindStatus, t.state, false))
}

// tombstone remembers a transaction decided before its Prepare arrived, so
// a late Prepare is voted down.
func (p *Participant) tombstone(txnID, coordinator, fencedEpoch uint64) *participantTxn {
	now := p.now()
	t := &participantTxn{
		id:          txnID,
		coordinator: coordinator,
		fencedEpoch: fencedEpoch,
		state:       message.StateAborted,
		createdAt:   now,
		finishedAt:  now,
	}
	p.txns[txnID] = t
	p.applier.Cancel(txnID)
	return t
}

func (p *Participant) abort(t *participantTxn) []message.Message {
	p.applier.Cancel(t.id)
	return p.finish(t, message.StateAborted)
}

// finish moves t to a terminal state, releases its locks and lets waiting
// transactions try again.
func (p *Participant) finish(t *participantTxn, state message.TxnState) []message.Message {
	wasPrepared := t.state == message.StatePrepared
	t.state = state
	t.finishedAt = p.now()

	if wasPrepared {
		if err := p.journal.Append(RecordFinished, message.Message{TxnID: t.id, State: state}); err != nil {
			p.log.Warn("failed to record finished transaction", "txn_id", t.id, "error", err)
		}
	}

	p.log.Debug("transaction finished", "txn_id", t.id, "state", state)

	released := false
	for _, k := range t.keys() {
		if p.locks[k] == t.id {
			delete(p.locks, k)
			released = true
		}
	}
	if !released {
		return nil
	}
	return p.wakeWaiters()
}

func (p *Participant) wakeWaiters() []message.Message {
	var waiting []*participantTxn
	for _, t := range p.txns {
		if t.state == message.StateWorking {
			waiting = append(waiting, t)
		}
	}
	slices.SortFunc(waiting, func(a, b *participantTxn) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	var out []message.Message
	for _, t := range waiting {
		out = append(out, p.tryPrepare(t)...)
	}
	return out
}

func (p *Participant) reply(m message.Message, kind message.Kind, state message.TxnState, fenced bool) message.Message {
	return message.Message{
		Kind:   kind,
		From:   p.cfg.ID,
		To:     m.From,
		TxnID:  m.TxnID,
		Epoch:  m.Epoch,
		State:  state,
		Fenced: fenced,
	}
}

// sweep enforces the working timeout, asks the current leader about
// prepared transactions whose coordinator was replaced or that waited too
// long for a decision, and forgets transactions past retention.
func (p *Participant) sweep(now time.Time) []message.Message {
	status := p.leadership.Status()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []message.Message
	for _, id := range slices.Sorted(maps.Keys(p.txns)) {
		t, ok := p.txns[id]
		if !ok {
			continue
		}

		switch t.state {
		case message.StateWorking:
			if now.Sub(t.createdAt) >= p.cfg.WorkingTimeout {
				p.log.Info("working timeout, voting no", "txn_id", t.id)
				out = append(out, p.abort(t)...)
				out = append(out, p.vote(t, false))
			}

		case message.StatePrepared:
			superseded := status.Epoch > t.epoch || t.restored
			overdue := now.Sub(t.preparedAt) >= p.cfg.InquireAfter
			if status.Leader == 0 || (!superseded && !overdue) {
				continue
			}
			if !t.inquiredAt.IsZero() && now.Sub(t.inquiredAt) < p.cfg.RecoveryInterval {
				continue
			}
			t.inquiredAt = now
			p.log.Info("no decision received, inquiring",
				"txn_id", t.id,
				"epoch", t.epoch,
				"leader", status.Leader,
				"superseded", superseded,
			)
			out = append(out, message.Message{
				Kind:         message.KindInquire,
				From:         p.cfg.ID,
				To:           status.Leader,
				TxnID:        t.id,
				Epoch:        t.epoch,
				Coordinator:  t.coordinator,
				Participants: t.participants,
			})

		default:
			if now.Sub(t.finishedAt) >= p.cfg.Retention {
				delete(p.txns, id)
			}
		}
	}
	return out
}

func (p *Participant) Start() {
	p.stoppedWg.Add(1)
	go func() {
		defer p.stoppedWg.Done()
		p.runLoop()
	}()
}

func (p *Participant) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.stoppedWg.Wait()
}

func (p *Participant) runLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.send(p.sweep(p.now()))
		}
	}
}

func (p *Participant) send(msgs []message.Message) {
	for _, msg := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
		if err := p.transport.Send(ctx, msg); err != nil {
			p.log.Debug("failed to send", "kind", msg.Kind, "to", msg.To, "txn_id", msg.TxnID, "error", err)
		}
		cancel()
	}
}
