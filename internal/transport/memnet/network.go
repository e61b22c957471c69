// Package memnet is an in-process network for tests. Every message is
// delivered on its own goroutine, so delivery order is not preserved, and
// the network can drop, delay, duplicate and partition traffic.
package memnet

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"quorumkv/internal/domain"
	"quorumkv/internal/message"
)

var ErrClosed = errors.New("network closed")

type Stats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
}

type Network struct {
	mu         sync.RWMutex
	handlers   map[uint64]domain.Handler
	isolated   map[uint64]bool
	group      map[uint64]int
	dropRate   float64
	dupRate    float64
	delayMin   time.Duration
	delayMax   time.Duration
	closed     bool
	rngMu      sync.Mutex
	rng        *rand.Rand
	inflight   sync.WaitGroup
	sent       atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64
}

func New(seed uint64) *Network {
	return &Network{
		handlers: make(map[uint64]domain.Handler),
		isolated: make(map[uint64]bool),
		group:    make(map[uint64]int),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Register attaches the handler that receives messages addressed to id.
func (n *Network) Register(id uint64, h domain.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Transport returns the sending side for node id.
func (n *Network) Transport(id uint64) domain.Transport {
	return &endpoint{id: id, net: n}
}

func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) SetDuplicateRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dupRate = rate
}

func (n *Network) SetDelay(lo, hi time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin = lo
	n.delayMax = hi
}

// Isolate cuts id off from every other node, loopback included.
func (n *Network) Isolate(id uint64, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = isolated
}

// Partition splits the nodes into groups that cannot reach each other.
// Nodes not listed form one more group.
func (n *Network) Partition(groups ...[]uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.group = make(map[uint64]int)
	for i, g := range groups {
		for _, id := range g {
			n.group[id] = i + 1
		}
	}
}

// Heal removes every partition and isolation.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[uint64]int)
	n.isolated = make(map[uint64]bool)
}

func (n *Network) Stats() Stats {
	return Stats{
		Sent:       n.sent.Load(),
		Delivered:  n.delivered.Load(),
		Dropped:    n.dropped.Load(),
		Duplicated: n.duplicated.Load(),
	}
}

// Close stops accepting messages and waits for in-flight deliveries.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.inflight.Wait()
}

func (n *Network) reachable(from, to uint64) bool {
	if n.isolated[from] || n.isolated[to] {
		return false
	}
	return n.group[from] == n.group[to]
}

func (n *Network) float() float64 {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64()
}

func (n *Network) delay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return lo + time.Duration(n.rng.Int64N(int64(hi-lo)))
}

func (n *Network) send(from uint64, msg message.Message) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrClosed
	}
	ok := n.reachable(from, msg.To)
	dropRate, dupRate := n.dropRate, n.dupRate
	delayMin, delayMax := n.delayMin, n.delayMax
	// counted under the read lock so Close cannot miss a delivery
	copies := 1
	if ok && dupRate > 0 && n.float() < dupRate {
		copies = 2
	}
	if ok {
		n.inflight.Add(copies)
	}
	n.mu.RUnlock()

	n.sent.Add(1)
	if !ok || (dropRate > 0 && n.float() < dropRate) {
		if ok {
			n.inflight.Add(-copies)
		}
		n.dropped.Add(1)
		return nil
	}
	if copies == 2 {
		n.duplicated.Add(1)
	}

	for range copies {
		d := n.delay(delayMin, delayMax)
		m := msg.Clone()
		go n.deliver(m, d)
	}
	return nil
}

func (n *Network) deliver(msg message.Message, d time.Duration) {
	defer n.inflight.Done()

	if d > 0 {
		time.Sleep(d)
	}

	n.mu.RLock()
	h := n.handlers[msg.To]
	ok := !n.closed && n.reachable(msg.From, msg.To)
	n.mu.RUnlock()

	if h == nil || !ok {
		n.dropped.Add(1)
		return
	}
	n.delivered.Add(1)
	h.Handle(msg)
}

type endpoint struct {
	id  uint64
	net *Network
}

func (e *endpoint) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.From = e.id
	return e.net.send(e.id, msg)
}
