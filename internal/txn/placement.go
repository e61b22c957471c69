package txn

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"

	"quorumkv/internal/message"
)

// Placement maps keys onto the nodes that own them using rendezvous
// hashing, so every node computes the same owners without coordination.
type Placement struct {
	nodes             []uint64
	replicationFactor int
}

func NewPlacement(nodes []uint64, replicationFactor int) *Placement {
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if replicationFactor > len(sorted) {
		replicationFactor = len(sorted)
	}

	return &Placement{nodes: sorted, replicationFactor: replicationFactor}
}

func score(key string, node uint64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], node)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Owners returns the replication-factor nodes responsible for key, highest
// score first. Ties go to the lower node id.
func (p *Placement) Owners(key string) []uint64 {
	type ranked struct {
		node  uint64
		score uint64
	}
	all := make([]ranked, len(p.nodes))
	for i, n := range p.nodes {
		all[i] = ranked{node: n, score: score(key, n)}
	}
	slices.SortFunc(all, func(a, b ranked) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case a.node < b.node:
			return -1
		case a.node > b.node:
			return 1
		}
		return 0
	})

	owners := make([]uint64, p.replicationFactor)
	for i := range owners {
		owners[i] = all[i].node
	}
	return owners
}

// Split assigns each write to every owner of its key. It returns the
// per-node writes and the sorted participant list.
func (p *Placement) Split(writes []message.Write) (map[uint64][]message.Write, []uint64) {
	perNode := make(map[uint64][]message.Write)
	for _, w := range writes {
		for _, n := range p.Owners(w.Key) {
			perNode[n] = append(perNode[n], w)
		}
	}

	participants := make([]uint64, 0, len(perNode))
	for n := range perNode {
		participants = append(participants, n)
	}
	slices.Sort(participants)

	return perNode, participants
}
