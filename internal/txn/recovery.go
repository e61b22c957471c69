package txn

import (
	"slices"

	"quorumkv/internal/election"
	"quorumkv/internal/message"
)

// onInquire resolves a transaction a prepared participant is stuck on. The
// leader answers from its own decision when it has one and otherwise starts
// a recovery that queries every participant.
func (c *Coordinator) onInquire(m message.Message) []message.Message {
	status := c.leadership.Status()
	if status.Role != election.RoleLeader {
		return nil
	}

	if t, ok := c.txns[m.TxnID]; ok {
		if !t.state.Decided() {
			return nil
		}
		delete(t.acks, m.From)
		return []message.Message{c.decision(t, m.From)}
	}

	if len(m.Participants) == 0 || !slices.Contains(m.Participants, m.From) {
		c.log.Warn("inquiry without participants", "txn_id", m.TxnID, "from", m.From)
		return nil
	}

	// fence above the epoch the transaction was started in, even when the
	// election epoch has not moved past it
	now := c.now()
	t := &coordTxn{
		id:           m.TxnID,
		epoch:        max(status.Epoch, m.Epoch+1),
		state:        StateWaiting,
		recovery:     true,
		participants: slices.Clone(m.Participants),
		statuses:     make(map[uint64]message.TxnState),
		acks:         make(map[uint64]message.TxnState),
		fenced:       make(map[uint64]bool),
		startedAt:    now,
		sentAt:       now,
	}
	c.txns[t.id] = t

	c.log.Info("recovering transaction",
		"txn_id", t.id,
		"epoch", t.epoch,
		"original_epoch", m.Epoch,
		"original_coordinator", m.Coordinator,
		"from", m.From,
	)

	return c.queries(t)
}

func (c *Coordinator) queries(t *coordTxn) []message.Message {
	msgs := make([]message.Message, 0, len(t.participants))
	for _, p := range t.participants {
		if _, answered := t.statuses[p]; answered {
			continue
		}
		msgs = append(msgs, message.Message{
			Kind:        message.KindQuery,
			From:        c.cfg.ID,
			To:          p,
			Epoch:       t.epoch,
			TxnID:       t.id,
			Coordinator: c.cfg.ID,
		})
	}
	return msgs
}

// onStatus handles both answers to recovery queries and refusals of a
// decision by a participant fenced at a newer epoch.
func (c *Coordinator) onStatus(m message.Message) []message.Message {
	t := c.txns[m.TxnID]
	if t == nil || !slices.Contains(t.participants, m.From) {
		return nil
	}

	if t.recovery && t.state == StateWaiting {
		t.statuses[m.From] = m.State
		switch {
		case m.State == message.StateCommitted:
			return c.decide(t, StateCommitted, "participant_committed")
		case m.State == message.StateAborted:
			// nobody votes yes and then aborts on its own
			return c.decide(t, StateAborted, "participant_aborted")
		case len(t.statuses) == len(t.participants):
			return c.decide(t, StateAborted, "none_committed")
		}
		return nil
	}

	if !t.state.Decided() || t.finished() {
		return nil
	}

	switch {
	case m.Fenced && m.State != message.StateCommitted:
		if t.state == StateCommitted && m.State == message.StateAborted {
			c.log.Warn("commit refused, participant aborted under a newer epoch", "txn_id", t.id, "from", m.From)
		}
		t.fenced[m.From] = true
	case m.State.Terminal():
		t.acks[m.From] = m.State
		if t.state == StateCommitted && m.State == message.StateCommitted {
			c.notify(t, OutcomeCommitted)
		}
	default:
		return nil
	}

	c.maybeFinish(t)
	return nil
}
