package node

import (
	"context"
	"sync/atomic"

	"quorumkv/internal/domain"
	"quorumkv/internal/election"
	"quorumkv/internal/message"
)

// gate cuts a crashed node off the network in both directions.
type gate struct {
	down  atomic.Bool
	inner domain.Transport
}

func (g *gate) Send(ctx context.Context, msg message.Message) error {
	if g.down.Load() {
		return election.ErrNodeDead
	}
	return g.inner.Send(ctx, msg)
}

func (g *gate) guard(h domain.Handler) domain.Handler {
	return gatedHandler{gate: g, h: h}
}

type gatedHandler struct {
	gate *gate
	h    domain.Handler
}

func (g gatedHandler) Handle(msg message.Message) {
	if g.gate.down.Load() {
		return
	}
	g.h.Handle(msg)
}
