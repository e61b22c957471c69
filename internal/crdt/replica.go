package crdt

import (
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

// Replica holds this node's copy of every named counter and gossips it to
// peers on a fixed interval.
type Replica struct {
	id        uint64
	peers     []uint64
	transport domain.Transport
	interval  time.Duration
	timeout   time.Duration
	fanout    int

	mu       sync.RWMutex
	counters map[string]*GCounter
	cursor   int

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup

	log *slog.Logger
}

type ReplicaConfig struct {
	ID       uint64
	Peers    []uint64
	Interval time.Duration
	Timeout  time.Duration
	// Fanout is how many peers each round reaches. Zero means all of them.
	Fanout int
}

func NewReplica(cfg ReplicaConfig, transport domain.Transport) *Replica {
	peers := make([]uint64, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p != cfg.ID {
			peers = append(peers, p)
		}
	}
	slices.Sort(peers)
	peers = slices.Compact(peers)

	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	return &Replica{
		id:        cfg.ID,
		peers:     peers,
		transport: transport,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		fanout:    cfg.Fanout,
		counters:  make(map[string]*GCounter),
		stopCh:    make(chan struct{}),
		log:       slog.With("component", "crdt", "node_id", cfg.ID),
	}
}

func (r *Replica) counter(counterID string) *GCounter {
	c, ok := r.counters[counterID]
	if !ok {
		c = NewGCounter()
		r.counters[counterID] = c
	}
	return c
}

// Increment adds one to this replica's own entry of the named counter.
func (r *Replica) Increment(counterID string) error {
	if counterID == "" {
		return ErrInvalidCounterID
	}

	r.mu.Lock()
	r.counter(counterID).Increment(r.id)
	r.mu.Unlock()

	metrics.CounterIncrements.Inc()
	return nil
}

// ReadCounter returns the locally observed value. A counter this replica
// has never seen reads as zero.
func (r *Replica) ReadCounter(counterID string) (int64, error) {
	if counterID == "" {
		return 0, ErrInvalidCounterID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.counters[counterID]
	if !ok {
		return 0, nil
	}
	return c.Value(), nil
}

// Vector returns a copy of the named counter's vector.
func (r *Replica) Vector(counterID string) (map[uint64]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.counters[counterID]
	if !ok {
		return nil, ErrUnknownCounter
	}
	return c.Vector(), nil
}

// Merge folds a remote vector into the named counter.
func (r *Replica) Merge(counterID string, remote map[uint64]uint64) error {
	if counterID == "" {
		return ErrInvalidCounterID
	}

	r.mu.Lock()
	changed := r.counter(counterID).Merge(remote)
	r.mu.Unlock()

	if changed {
		metrics.CounterMerges.Inc()
	}
	return nil
}

// Snapshot returns a deep copy of every counter's vector.
func (r *Replica) Snapshot() map[string]map[uint64]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[uint64]uint64, len(r.counters))
	for id, c := range r.counters {
		out[id] = c.Vector()
	}
	return out
}

// Handle applies an inbound MergeVector message.
func (r *Replica) Handle(msg message.Message) {
	if msg.Kind != message.KindMergeVector {
		return
	}
	if err := r.Merge(msg.CounterID, msg.Vector); err != nil {
		r.log.Warn("rejected merge", "from", msg.From, "error", err)
	}
}

func (r *Replica) Start() {
	r.stoppedWg.Add(1)
	go func() {
		defer r.stoppedWg.Done()
		r.runAntiEntropy()
	}()

	r.log.Info("anti-entropy started", "interval", r.interval, "fanout", r.fanout)
}

func (r *Replica) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.stoppedWg.Wait()
}

func (r *Replica) runAntiEntropy() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Gossip(context.Background())
		}
	}
}

// Gossip runs one anti-entropy round, sending every counter's vector to the
// next batch of peers.
func (r *Replica) Gossip(ctx context.Context) {
	snapshot := r.Snapshot()
	targets := r.nextTargets()
	metrics.AntiEntropyRounds.Inc()

	if len(snapshot) == 0 || len(targets) == 0 {
		return
	}

	ids := slices.Sorted(maps.Keys(snapshot))
	for _, peer := range targets {
		for _, counterID := range ids {
			msg := message.Message{
				Kind:      message.KindMergeVector,
				From:      r.id,
				To:        peer,
				CounterID: counterID,
				Vector:    snapshot[counterID],
			}

			sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
			err := r.transport.Send(sendCtx, msg)
			cancel()
			if err != nil {
				r.log.Debug("failed to send vector", "peer", peer, "counter", counterID, "error", err)
			}
		}
	}
}

func (r *Replica) nextTargets() []uint64 {
	if r.fanout <= 0 || r.fanout >= len(r.peers) {
		return r.peers
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]uint64, 0, r.fanout)
	for range r.fanout {
		targets = append(targets, r.peers[r.cursor])
		r.cursor = (r.cursor + 1) % len(r.peers)
	}
	return targets
}
