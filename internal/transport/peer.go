package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"quorumkv/internal/domain"
	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrQueueFull   = errors.New("peer send queue full")
)

const defaultQueueSize = 1024

type PeerConfig struct {
	ID        uint64
	Peers     map[uint64]string
	QueueSize int
	Timeout   time.Duration
	// DialOptions are appended to the default peer dial options.
	DialOptions []grpc.DialOption
}

// PeerTransport sends messages to other nodes over gRPC. Each peer has a
// bounded queue drained by its own goroutine, so a slow peer never blocks
// the sender. Messages addressed to this node go straight to local.
type PeerTransport struct {
	id      uint64
	local   domain.Handler
	senders map[uint64]*peerSender

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup

	log *slog.Logger
}

type peerSender struct {
	id      uint64
	addr    string
	conn    *grpc.ClientConn
	client  *peerClient
	queue   chan message.Message
	timeout time.Duration
}

func NewPeerTransport(cfg PeerConfig, local domain.Handler) (*PeerTransport, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	t := &PeerTransport{
		id:      cfg.ID,
		local:   local,
		senders: make(map[uint64]*peerSender),
		stopCh:  make(chan struct{}),
		log:     slog.With("component", "transport", "node_id", cfg.ID),
	}

	for id, addr := range cfg.Peers {
		if id == cfg.ID {
			continue
		}
		conn, err := dialPeer(addr, cfg.DialOptions...)
		if err != nil {
			t.closeConns()
			return nil, fmt.Errorf("failed to dial peer %d at %s: %w", id, addr, err)
		}
		t.senders[id] = &peerSender{
			id:      id,
			addr:    addr,
			conn:    conn,
			client:  newPeerClient(conn),
			queue:   make(chan message.Message, cfg.QueueSize),
			timeout: cfg.Timeout,
		}
	}

	return t, nil
}

func dialPeer(addr string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	return grpc.NewClient(addr, append(opts, extra...)...)
}

func (t *PeerTransport) Start() {
	for _, s := range t.senders {
		t.stoppedWg.Add(1)
		go func() {
			defer t.stoppedWg.Done()
			t.runSender(s)
		}()
	}
	t.log.Info("peer transport started", "peers", len(t.senders))
}

func (t *PeerTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.stoppedWg.Wait()
	t.closeConns()
}

func (t *PeerTransport) closeConns() {
	for _, s := range t.senders {
		if err := s.conn.Close(); err != nil {
			t.log.Warn("failed to close peer connection", "peer_id", s.id, "error", err)
		}
	}
}

// Send queues msg for delivery. It never waits for the peer: a full queue
// drops the message.
func (t *PeerTransport) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.From = t.id

	if msg.To == t.id {
		t.local.Handle(msg.Clone())
		return nil
	}

	s, ok := t.senders[msg.To]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, msg.To)
	}

	select {
	case s.queue <- msg.Clone():
		return nil
	default:
		metrics.SendQueueDropped.Inc()
		return fmt.Errorf("%w: %d", ErrQueueFull, msg.To)
	}
}

func (t *PeerTransport) runSender(s *peerSender) {
	peerLabel := strconv.FormatUint(s.id, 10)

	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-s.queue:
			data, err := msg.Marshal()
			if err != nil {
				t.log.Error("failed to marshal message", "kind", msg.Kind, "error", err)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			_, err = s.client.Deliver(ctx, wrapperspb.Bytes(data))
			cancel()
			if err != nil {
				metrics.MessageErrors.WithLabelValues(peerLabel).Inc()
				t.log.Debug("failed to deliver message", "peer_id", s.id, "peer_addr", s.addr, "kind", msg.Kind, "error", err)
				continue
			}
			metrics.MessagesTotal.WithLabelValues("sent", msg.Kind.String()).Inc()
		}
	}
}
