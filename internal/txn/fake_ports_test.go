package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quorumkv/internal/election"
	"quorumkv/internal/message"
)

var errApplyFailed = errors.New("apply failed")

type fakeApplier struct {
	mu        sync.Mutex
	applied   map[uint64][]message.Write
	applies   map[uint64]int
	cancelled map[uint64]bool
	failures  int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		applied:   make(map[uint64][]message.Write),
		applies:   make(map[uint64]int),
		cancelled: make(map[uint64]bool),
	}
}

func (a *fakeApplier) Apply(txnID uint64, writes []message.Write) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failures > 0 {
		a.failures--
		return errApplyFailed
	}
	if _, ok := a.applied[txnID]; !ok {
		a.applied[txnID] = writes
	}
	a.applies[txnID]++
	return nil
}

func (a *fakeApplier) Cancel(txnID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled[txnID] = true
}

func (a *fakeApplier) failNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = n
}

func (a *fakeApplier) isApplied(txnID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.applied[txnID]
	return ok
}

func (a *fakeApplier) applyCount(txnID uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applies[txnID]
}

func (a *fakeApplier) isCancelled(txnID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[txnID]
}

type fakeLeadership struct {
	mu     sync.Mutex
	status election.Status
}

func (l *fakeLeadership) Status() election.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *fakeLeadership) set(s election.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingJournal struct{}

func (failingJournal) Append(byte, message.Message) error { return errors.New("disk full") }
func (failingJournal) Pending() []Record                  { return nil }
func (failingJournal) Close() error                       { return nil }

type testNode struct {
	id      uint64
	coord   *Coordinator
	part    *Participant
	applier *fakeApplier
	lead    *fakeLeadership
}

// testNet delivers synchronously: Send runs the receiver's handler on the
// caller's goroutine. Every message is recorded, dropped or not.
type testNet struct {
	mu    sync.Mutex
	nodes map[uint64]*testNode
	drop  func(message.Message) bool
	sent  []message.Message
}

func newTestNet() *testNet {
	return &testNet{nodes: make(map[uint64]*testNode)}
}

func (n *testNet) Send(_ context.Context, msg message.Message) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg.Clone())
	dropped := n.drop != nil && n.drop(msg)
	node := n.nodes[msg.To]
	n.mu.Unlock()

	if dropped || node == nil {
		return nil
	}

	switch msg.Kind {
	case message.KindPrepare, message.KindDoCommit, message.KindDoAbort, message.KindQuery:
		node.part.Handle(msg.Clone())
	default:
		node.coord.Handle(msg.Clone())
	}
	return nil
}

func (n *testNet) setDrop(fn func(message.Message) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

func (n *testNet) sentOf(kind message.Kind) []message.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []message.Message
	for _, m := range n.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (n *testNet) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

const (
	testVoteTimeout    = time.Second
	testRetryInterval  = 100 * time.Millisecond
	testRecovery       = 100 * time.Millisecond
	testWorkingTimeout = 500 * time.Millisecond
	testRetention      = time.Minute
	testInquireAfter   = testVoteTimeout + testRecovery
)

type txnCluster struct {
	t     *testing.T
	net   *testNet
	clock *fakeClock
	ids   []uint64
	nodes map[uint64]*testNode
}

// newTxnCluster builds one coordinator and one participant per node, with
// every key owned by every node. journalFor may be nil.
func newTxnCluster(t *testing.T, ids []uint64, journalFor func(id uint64, coordinator bool) Journal) *txnCluster {
	t.Helper()

	cl := &txnCluster{
		t:     t,
		net:   newTestNet(),
		clock: newFakeClock(),
		ids:   ids,
		nodes: make(map[uint64]*testNode),
	}
	placement := NewPlacement(ids, len(ids))

	for _, id := range ids {
		coordJournal, partJournal := NopJournal(), NopJournal()
		if journalFor != nil {
			coordJournal, partJournal = journalFor(id, true), journalFor(id, false)
		}
		n := &testNode{id: id, applier: newFakeApplier(), lead: &fakeLeadership{}}
		n.coord = NewCoordinator(CoordinatorConfig{
			ID:               id,
			VoteTimeout:      testVoteTimeout,
			RetryInterval:    testRetryInterval,
			RecoveryInterval: testRecovery,
			Retention:        testRetention,
		}, cl.net, n.lead, placement, coordJournal)
		n.coord.now = cl.clock.Now
		n.part = NewParticipant(ParticipantConfig{
			ID:               id,
			WorkingTimeout:   testWorkingTimeout,
			RecoveryInterval: testRecovery,
			InquireAfter:     testInquireAfter,
			Retention:        testRetention,
		}, n.applier, cl.net, n.lead, partJournal)
		n.part.now = cl.clock.Now

		cl.nodes[id] = n
		cl.net.nodes[id] = n
	}

	cl.setLeader(ids[0], 1)
	return cl
}

func (cl *txnCluster) node(id uint64) *testNode {
	return cl.nodes[id]
}

func (cl *txnCluster) setLeader(leader, epoch uint64) {
	for _, id := range cl.ids {
		role := election.RoleFollower
		if id == leader {
			role = election.RoleLeader
		}
		cl.nodes[id].lead.set(election.Status{ID: id, Role: role, Epoch: epoch, Leader: leader})
	}
}

func (cl *txnCluster) sweepParticipants() {
	for _, id := range cl.ids {
		p := cl.nodes[id].part
		p.send(p.sweep(cl.clock.Now()))
	}
}

func (cl *txnCluster) sweepCoordinator(id uint64) {
	c := cl.nodes[id].coord
	c.send(c.sweep(cl.clock.Now()))
}

type asyncOutcome struct {
	outcome Outcome
	err     error
}

func (cl *txnCluster) proposeAsync(ctx context.Context, id uint64, writes []message.Write) <-chan asyncOutcome {
	ch := make(chan asyncOutcome, 1)
	go func() {
		outcome, err := cl.nodes[id].coord.ProposeTransaction(ctx, writes)
		ch <- asyncOutcome{outcome: outcome, err: err}
	}()
	return ch
}

// firstTxnID waits for the first Prepare on the wire and returns its id.
func (cl *txnCluster) firstTxnID() uint64 {
	cl.t.Helper()

	var id uint64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if prepares := cl.net.sentOf(message.KindPrepare); len(prepares) > 0 {
			id = prepares[0].TxnID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if id == 0 {
		cl.t.Fatal("no transaction was started")
	}
	return id
}

func awaitOutcome(t *testing.T, ch <-chan asyncOutcome) asyncOutcome {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not complete")
		return asyncOutcome{}
	}
}

func votesReceived(c *Coordinator, txnID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.txns[txnID]; ok {
		return len(t.votes)
	}
	return 0
}

func participantState(n *testNode, txnID uint64) message.TxnState {
	s, _ := n.part.State(txnID)
	return s
}

func writesKV(kv ...string) []message.Write {
	out := make([]message.Write, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, message.Write{Key: kv[i], Value: []byte(kv[i+1])})
	}
	return out
}
