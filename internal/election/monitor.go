package election

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quorumkv/internal/domain"
	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

const defaultInboxSize = 256

// Monitor owns an Elector and drives it from a ticker and an inbox of
// election messages on a single goroutine. Everything else reads the
// published Status.
type Monitor struct {
	elector      *Elector
	transport    domain.Transport
	tickInterval time.Duration
	sendTimeout  time.Duration

	inbox  chan message.Message
	ctrlCh chan controlRequest

	status atomic.Pointer[Status]
	live   atomic.Pointer[[]uint64]

	subMu sync.Mutex
	subs  []func(prev, cur Status)

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup

	log *slog.Logger
}

func NewMonitor(cfg Config, transport domain.Transport, tickInterval, sendTimeout time.Duration) (*Monitor, error) {
	elector, err := NewElector(cfg)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		elector:      elector,
		transport:    transport,
		tickInterval: tickInterval,
		sendTimeout:  sendTimeout,
		inbox:        make(chan message.Message, defaultInboxSize),
		ctrlCh:       make(chan controlRequest),
		stopCh:       make(chan struct{}),
		log:          slog.With("component", "election", "node_id", cfg.ID),
	}
	m.publish()

	return m, nil
}

// OnChange registers fn to run on the monitor goroutine whenever the role,
// epoch or leader changes. fn must not block.
func (m *Monitor) OnChange(fn func(prev, cur Status)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Monitor) Start() {
	m.stoppedWg.Add(1)
	go func() {
		defer m.stoppedWg.Done()
		m.runLoop()
	}()

	m.log.Info("election monitor started", "tick_interval", m.tickInterval)
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.stoppedWg.Wait()
}

// Handle queues an inbound election message. A full inbox drops it, which
// the protocol tolerates like any other lost message.
func (m *Monitor) Handle(msg message.Message) {
	select {
	case m.inbox <- msg:
	default:
		m.log.Debug("election inbox full, dropping message", "kind", msg.Kind, "from", msg.From)
	}
}

func (m *Monitor) Status() Status {
	return *m.status.Load()
}

// CurrentLeader returns the leader this node knows of, or 0 when none.
func (m *Monitor) CurrentLeader() uint64 {
	return m.Status().Leader
}

func (m *Monitor) IsLeader() bool {
	return m.Status().IsLeader()
}

// LeaderEpoch returns the epoch this node leads, or ErrNotLeader.
func (m *Monitor) LeaderEpoch() (uint64, error) {
	s := m.Status()
	if s.Role != RoleLeader {
		return 0, ErrNotLeader
	}
	return s.Epoch, nil
}

func (m *Monitor) LiveNodes() []uint64 {
	return *m.live.Load()
}

// Crash simulates a node failure. The node stops reacting to ticks and
// messages until Recover is called.
func (m *Monitor) Crash(ctx context.Context) error {
	if m.Status().Role == RoleDead {
		return ErrNodeDead
	}
	return m.control(ctx, func(e *Elector) { e.Crash() })
}

func (m *Monitor) Recover(ctx context.Context) error {
	return m.control(ctx, func(e *Elector) { e.Recover() })
}

type controlRequest struct {
	fn   func(*Elector)
	done chan struct{}
}

func (m *Monitor) control(ctx context.Context, fn func(*Elector)) error {
	req := controlRequest{fn: fn, done: make(chan struct{})}

	select {
	case m.ctrlCh <- req:
	case <-m.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-m.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) runLoop() {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.log.Debug("election loop stopping")
			return

		case <-ticker.C:
			m.send(m.elector.Tick())

		case msg := <-m.inbox:
			m.send(m.elector.Step(msg))

		case req := <-m.ctrlCh:
			req.fn(m.elector)
			m.publish()
			close(req.done)
			continue
		}

		m.publish()
	}
}

func (m *Monitor) send(msgs []message.Message) {
	for _, msg := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		if err := m.transport.Send(ctx, msg); err != nil {
			m.log.Debug("failed to send election message", "kind", msg.Kind, "to", msg.To, "error", err)
		}
		cancel()
	}
}

func (m *Monitor) publish() {
	cur := m.elector.Status()
	live := m.elector.LiveNodes()
	m.live.Store(&live)

	prev := m.status.Swap(&cur)

	metrics.ElectionEpoch.Set(float64(cur.Epoch))
	metrics.ElectionRole.Set(float64(cur.Role))
	metrics.ElectionLivePeers.Set(float64(len(live)))
	if cur.Role == RoleLeader {
		metrics.ElectionIsLeader.Set(1)
	} else {
		metrics.ElectionIsLeader.Set(0)
	}

	if prev == nil || (prev.Role == cur.Role && prev.Epoch == cur.Epoch && prev.Leader == cur.Leader) {
		return
	}

	m.log.Info("election state changed",
		"role", cur.Role,
		"epoch", cur.Epoch,
		"leader", cur.Leader,
		"prev_role", prev.Role,
	)

	m.subMu.Lock()
	subs := append([]func(prev, cur Status){}, m.subs...)
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(*prev, cur)
	}
}
