package domain

import (
	"context"

	"quorumkv/internal/message"
)

// Transport delivers messages between nodes. It may drop, delay, duplicate
// or reorder messages but never corrupts them.
type Transport interface {
	Send(ctx context.Context, msg message.Message) error
}

// Handler consumes inbound messages of the kinds it is registered for.
type Handler interface {
	Handle(msg message.Message)
}

// Applier mutates the key space once a transaction outcome is final.
type Applier interface {
	Apply(txnID uint64, writes []message.Write) error
	Cancel(txnID uint64)
}

// Router tells clients where multi-key writes must be sent. A zero id means
// no leader is currently known.
type Router interface {
	CurrentLeader() uint64
}
