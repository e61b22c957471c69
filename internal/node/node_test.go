package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumkv/internal/election"
	"quorumkv/internal/message"
	"quorumkv/internal/transport"
	"quorumkv/internal/transport/memnet"
	"quorumkv/internal/txn"
)

const (
	waitFor = 5 * time.Second
	pollDt  = 5 * time.Millisecond
)

func testConfig(id uint64, ids []uint64) Config {
	return Config{
		ID:           id,
		Nodes:        ids,
		TickInterval: 5 * time.Millisecond,
		SendTimeout:  time.Second,
		Election: election.Config{
			ID:             id,
			Nodes:          ids,
			ElectionTicks:  20,
			StaggerTicks:   4,
			HeartbeatTicks: 2,
			PeerDeadTicks:  40,
		},
		VoteTimeout:         300 * time.Millisecond,
		WorkingTimeout:      200 * time.Millisecond,
		RetryInterval:       20 * time.Millisecond,
		RecoveryInterval:    50 * time.Millisecond,
		Retention:           time.Minute,
		ReplicationFactor:   len(ids),
		AntiEntropyInterval: 20 * time.Millisecond,
	}
}

type cluster struct {
	net   *memnet.Network
	nodes map[uint64]*Node
	ids   []uint64
}

func startCluster(t *testing.T, seed uint64, ids ...uint64) *cluster {
	t.Helper()
	return startClusterWith(t, seed, nil, ids...)
}

func startClusterWith(t *testing.T, seed uint64, tune func(*Config), ids ...uint64) *cluster {
	t.Helper()

	c := &cluster{net: memnet.New(seed), nodes: make(map[uint64]*Node), ids: ids}
	for _, id := range ids {
		d := transport.NewDispatcher(id)
		c.net.Register(id, d)

		cfg := testConfig(id, ids)
		if tune != nil {
			tune(&cfg)
		}
		n, err := New(cfg, c.net.Transport(id), d)
		require.NoError(t, err)
		c.nodes[id] = n
	}
	for _, n := range c.nodes {
		n.Start()
		t.Cleanup(n.Stop)
	}
	t.Cleanup(c.net.Close)

	return c
}

func (c *cluster) leaders() []uint64 {
	var ids []uint64
	for _, id := range c.ids {
		if c.nodes[id].LeaderStatus().IsLeader() {
			ids = append(ids, id)
		}
	}
	return ids
}

// awaitLeader waits until exactly one node leads and every live node
// follows it.
func (c *cluster) awaitLeader(t *testing.T) uint64 {
	t.Helper()

	var leader uint64
	require.Eventually(t, func() bool {
		leaders := c.leaders()
		if len(leaders) != 1 {
			return false
		}
		for _, n := range c.nodes {
			if n.Health() == nil && n.CurrentLeader() != leaders[0] {
				return false
			}
		}
		leader = leaders[0]
		return true
	}, waitFor, pollDt)

	return leader
}

// propose retries through leader changes until the transaction is decided.
func (c *cluster) propose(t *testing.T, writes []message.Write) txn.Outcome {
	t.Helper()

	deadline := time.Now().Add(3 * waitFor)
	for time.Now().Before(deadline) {
		leader := c.awaitLeader(t)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		outcome, err := c.nodes[leader].ProposeTransaction(ctx, writes)
		cancel()
		if errors.Is(err, txn.ErrNotLeader) {
			time.Sleep(pollDt)
			continue
		}
		require.NoError(t, err)
		return outcome
	}

	require.FailNow(t, "no leader accepted the transaction")
	return txn.OutcomeUnknown
}

func (c *cluster) hasValue(key string, want []byte) bool {
	for _, n := range c.nodes {
		v, ok := n.Get(key)
		if !ok || string(v) != string(want) {
			return false
		}
	}
	return true
}

func TestNode_ElectsOneLeaderAndFailsOver(t *testing.T) {
	c := startCluster(t, 1, 1, 2, 3)

	old := c.awaitLeader(t)
	oldEpoch := c.nodes[old].LeaderStatus().Epoch

	require.NoError(t, c.nodes[old].Crash(context.Background()))
	assert.Equal(t, election.RoleDead, c.nodes[old].LeaderStatus().Role)
	assert.ErrorIs(t, c.nodes[old].Health(), election.ErrNodeDead)

	next := c.awaitLeader(t)
	assert.NotEqual(t, old, next)
	assert.Greater(t, c.nodes[next].LeaderStatus().Epoch, oldEpoch)

	require.NoError(t, c.nodes[old].Recover(context.Background()))
	require.Eventually(t, func() bool {
		st := c.nodes[old].LeaderStatus()
		return st.Role == election.RoleFollower && st.Leader == next
	}, waitFor, pollDt)
	assert.Equal(t, []uint64{next}, c.leaders())
}

func TestNode_LowestIDWinsFirstElection(t *testing.T) {
	c := startCluster(t, 2, 1, 2, 3)

	assert.Equal(t, uint64(1), c.awaitLeader(t))
}

func TestNode_CommitReachesEveryOwner(t *testing.T) {
	c := startCluster(t, 3, 1, 2, 3)

	outcome := c.propose(t, []message.Write{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})

	require.Equal(t, txn.OutcomeCommitted, outcome)
	require.Eventually(t, func() bool {
		return c.hasValue("a", []byte("1")) && c.hasValue("b", []byte("2"))
	}, waitFor, pollDt)
}

func TestNode_FollowerRejectsProposals(t *testing.T) {
	c := startCluster(t, 4, 1, 2, 3)
	leader := c.awaitLeader(t)

	var follower uint64
	for _, id := range c.ids {
		if id != leader {
			follower = id
			break
		}
	}

	_, err := c.nodes[follower].ProposeTransaction(context.Background(), []message.Write{{Key: "k", Value: []byte("v")}})

	assert.ErrorIs(t, err, txn.ErrNotLeader)
	assert.Equal(t, leader, c.nodes[follower].CurrentLeader())
}

func TestNode_CrashedParticipantAbortsThenCommitsAfterRecovery(t *testing.T) {
	c := startCluster(t, 5, 1, 2, 3)
	leader := c.awaitLeader(t)

	var victim uint64
	for _, id := range c.ids {
		if id != leader {
			victim = id
			break
		}
	}
	require.NoError(t, c.nodes[victim].Crash(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	outcome, err := c.nodes[leader].ProposeTransaction(ctx, []message.Write{{Key: "k", Value: []byte("lost")}})
	require.NoError(t, err)
	assert.Equal(t, txn.OutcomeAborted, outcome)

	require.NoError(t, c.nodes[victim].Recover(context.Background()))
	outcome = c.propose(t, []message.Write{{Key: "k", Value: []byte("kept")}})

	require.Equal(t, txn.OutcomeCommitted, outcome)
	require.Eventually(t, func() bool { return c.hasValue("k", []byte("kept")) }, waitFor, pollDt)
}

func TestNode_AtomicUnderLossyNetwork(t *testing.T) {
	c := startCluster(t, 6, 1, 2, 3)
	c.awaitLeader(t)

	c.net.SetDropRate(0.1)
	c.net.SetDuplicateRate(0.1)
	c.net.SetDelay(0, 3*time.Millisecond)

	outcomes := make(map[string]txn.Outcome)
	for i := range 10 {
		key := fmt.Sprintf("key-%d", i)
		outcomes[key] = c.propose(t, []message.Write{
			{Key: key, Value: []byte("v")},
			{Key: key + "-pair", Value: []byte("v")},
		})
	}

	c.net.SetDropRate(0)
	c.net.SetDuplicateRate(0)

	for key, outcome := range outcomes {
		if outcome != txn.OutcomeCommitted {
			continue
		}
		require.Eventually(t, func() bool {
			return c.hasValue(key, []byte("v")) && c.hasValue(key+"-pair", []byte("v"))
		}, waitFor, pollDt, "committed %s must reach every node", key)
	}
	for key, outcome := range outcomes {
		if outcome != txn.OutcomeAborted {
			continue
		}
		for id, n := range c.nodes {
			_, ok := n.Get(key)
			assert.False(t, ok, "aborted %s applied on node %d", key, id)
			_, ok = n.Get(key + "-pair")
			assert.False(t, ok, "aborted %s-pair applied on node %d", key, id)
		}
	}
}

func TestNode_CountersConverge(t *testing.T) {
	c := startCluster(t, 7, 1, 2, 3)
	c.net.SetDropRate(0.2)
	c.net.SetDuplicateRate(0.2)
	ctx := context.Background()

	for i, id := range c.ids {
		for range i + 1 {
			require.NoError(t, c.nodes[id].Increment(ctx, "hits"))
		}
	}

	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			v, err := n.ReadCounter(ctx, "hits")
			if err != nil || v != 6 {
				return false
			}
		}
		return true
	}, waitFor, pollDt)
}

func TestNode_CrashedNodeRejectsCallsAndCatchesUp(t *testing.T) {
	c := startCluster(t, 8, 1, 2, 3)
	ctx := context.Background()

	require.NoError(t, c.nodes[3].Crash(ctx))
	assert.ErrorIs(t, c.nodes[3].Crash(ctx), election.ErrNodeDead)
	assert.ErrorIs(t, c.nodes[3].Increment(ctx, "hits"), election.ErrNodeDead)
	_, err := c.nodes[3].ReadCounter(ctx, "hits")
	assert.ErrorIs(t, err, election.ErrNodeDead)
	_, err = c.nodes[3].ProposeTransaction(ctx, []message.Write{{Key: "k", Value: []byte("v")}})
	assert.ErrorIs(t, err, election.ErrNodeDead)

	require.NoError(t, c.nodes[1].Increment(ctx, "hits"))
	require.NoError(t, c.nodes[2].Increment(ctx, "hits"))

	require.NoError(t, c.nodes[3].Recover(ctx))
	require.Eventually(t, func() bool {
		v, err := c.nodes[3].ReadCounter(ctx, "hits")
		return err == nil && v == 2
	}, waitFor, pollDt)
}

func TestNode_ReopensJournalsAfterRestart(t *testing.T) {
	ids := []uint64{1}
	dir := t.TempDir()
	cfg := testConfig(1, ids)
	cfg.WALDir = dir
	cfg.WALNoSync = true

	net := memnet.New(9)
	t.Cleanup(net.Close)
	d := transport.NewDispatcher(1)
	net.Register(1, d)

	n, err := New(cfg, net.Transport(1), d)
	require.NoError(t, err)
	n.Start()

	require.Eventually(t, func() bool { return n.LeaderStatus().IsLeader() }, waitFor, pollDt)
	outcome, err := n.ProposeTransaction(context.Background(), []message.Write{{Key: "k", Value: []byte("v")}})
	require.NoError(t, err)
	require.Equal(t, txn.OutcomeCommitted, outcome)
	n.Stop()

	assert.DirExists(t, filepath.Join(dir, "coordinator"))
	assert.DirExists(t, filepath.Join(dir, "participant"))

	d = transport.NewDispatcher(1)
	net.Register(1, d)
	reopened, err := New(cfg, net.Transport(1), d)
	require.NoError(t, err)
	reopened.Start()
	t.Cleanup(reopened.Stop)

	require.Eventually(t, func() bool { return reopened.LeaderStatus().IsLeader() }, waitFor, pollDt)
	outcome, err = reopened.ProposeTransaction(context.Background(), []message.Write{{Key: "k", Value: []byte("w")}})
	require.NoError(t, err)
	assert.Equal(t, txn.OutcomeCommitted, outcome)
	v, ok := reopened.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("w"), v)
}

func TestNode_LeaderCrashWhileWaitingAbortsEverywhere(t *testing.T) {
	// long enough that only the crash can end the vote
	c := startClusterWith(t, 10, func(cfg *Config) { cfg.VoteTimeout = time.Minute }, 1, 2, 3, 4, 5)
	leader := c.awaitLeader(t)
	silent := uint64(5)
	if leader == silent {
		silent = 4
	}
	c.net.Isolate(silent, true)

	result := make(chan txn.Outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		outcome, _ := c.nodes[leader].ProposeTransaction(ctx, []message.Write{{Key: "stuck", Value: []byte("v")}})
		result <- outcome
	}()

	var txnID uint64
	require.Eventually(t, func() bool {
		for _, id := range c.ids {
			if id == silent {
				continue
			}
			held, ok := c.nodes[id].Participant.LockHolder("stuck")
			if !ok {
				return false
			}
			txnID = held
		}
		return true
	}, waitFor, pollDt)

	require.NoError(t, c.nodes[leader].Crash(context.Background()))
	select {
	case outcome := <-result:
		assert.Equal(t, txn.OutcomeAborted, outcome)
	case <-time.After(waitFor):
		require.FailNow(t, "proposal still pending after its coordinator crashed")
	}
	c.net.Isolate(silent, false)

	require.Eventually(t, func() bool {
		for _, id := range c.ids {
			if id == leader {
				continue
			}
			if st, _ := c.nodes[id].Participant.State(txnID); st != message.StateAborted {
				return false
			}
		}
		return true
	}, waitFor, pollDt, "the new leader resolves the transaction to abort")

	require.NoError(t, c.nodes[leader].Recover(context.Background()))
	require.Eventually(t, func() bool {
		st, _ := c.nodes[leader].Participant.State(txnID)
		return st == message.StateAborted
	}, waitFor, pollDt)

	for id, n := range c.nodes {
		_, ok := n.Get("stuck")
		assert.False(t, ok, "aborted write applied on node %d", id)
		_, held := n.Participant.LockHolder("stuck")
		assert.False(t, held, "lock still held on node %d", id)
	}

	outcome := c.propose(t, []message.Write{{Key: "stuck", Value: []byte("after")}})
	require.Equal(t, txn.OutcomeCommitted, outcome)
	require.Eventually(t, func() bool { return c.hasValue("stuck", []byte("after")) }, waitFor, pollDt)
}

func TestNode_CrashRefusedWithoutLiveQuorum(t *testing.T) {
	c := startCluster(t, 11, 1, 2, 3)
	c.awaitLeader(t)
	ctx := context.Background()

	require.NoError(t, c.nodes[3].Crash(ctx))
	require.Eventually(t, func() bool {
		return !slices.Contains(c.nodes[2].Monitor.LiveNodes(), 3)
	}, waitFor, pollDt)

	err := c.nodes[2].Crash(ctx)
	assert.ErrorIs(t, err, ErrQuorumAtRisk)
	assert.NoError(t, c.nodes[2].Health())
	assert.NotEqual(t, election.RoleDead, c.nodes[2].LeaderStatus().Role)

	require.NoError(t, c.nodes[3].Recover(ctx))
	require.Eventually(t, func() bool {
		return slices.Contains(c.nodes[2].Monitor.LiveNodes(), 3)
	}, waitFor, pollDt)
	assert.NoError(t, c.nodes[2].Crash(ctx))
}

func TestNew_RejectsNodeIDsBeyond16Bits(t *testing.T) {
	ids := []uint64{1, 70000}
	net := memnet.New(12)
	t.Cleanup(net.Close)

	_, err := New(testConfig(1, ids), net.Transport(1), transport.NewDispatcher(1))

	assert.Error(t, err)
}
