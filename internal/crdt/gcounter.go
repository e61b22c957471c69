package crdt

import (
	"maps"
	"math"
)

// GCounter is a grow-only counter: one non-decreasing entry per replica,
// merged by pointwise maximum. It is not safe for concurrent use.
type GCounter struct {
	vector map[uint64]uint64
}

func NewGCounter() *GCounter {
	return &GCounter{vector: make(map[uint64]uint64)}
}

// FromVector builds a counter holding a copy of v.
func FromVector(v map[uint64]uint64) *GCounter {
	c := NewGCounter()
	c.Merge(v)
	return c
}

// Increment bumps the entry owned by replica.
func (c *GCounter) Increment(replica uint64) {
	if c.vector[replica] == math.MaxUint64 {
		return
	}
	c.vector[replica]++
}

// Merge folds remote into c and reports whether any entry grew.
func (c *GCounter) Merge(remote map[uint64]uint64) bool {
	changed := false
	for id, n := range remote {
		if n > c.vector[id] {
			c.vector[id] = n
			changed = true
		}
	}
	return changed
}

// Value is the sum of all entries, saturating at math.MaxInt64.
func (c *GCounter) Value() int64 {
	var sum uint64
	for _, n := range c.vector {
		if n > math.MaxInt64 || sum > math.MaxInt64-n {
			return math.MaxInt64
		}
		sum += n
	}
	return int64(sum)
}

func (c *GCounter) Vector() map[uint64]uint64 {
	return maps.Clone(c.vector)
}

func (c *GCounter) Clone() *GCounter {
	return &GCounter{vector: maps.Clone(c.vector)}
}

func (c *GCounter) Equal(other *GCounter) bool {
	return maps.Equal(c.vector, other.vector)
}
