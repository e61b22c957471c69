package integration

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"quorumkv/internal/configuration/properties"
	"quorumkv/internal/node"
	"quorumkv/internal/transport"
)

type TestCluster struct {
	t     *testing.T
	nodes map[uint64]*TestNode
	mu    sync.RWMutex
}

type TestNode struct {
	ID         uint64
	Node       *node.Node
	Peers      *transport.PeerTransport
	Service    *transport.Service
	Client     *transport.Client
	PeerAddr   string
	ClientAddr string

	conn    *grpc.ClientConn
	stopped bool
	mu      sync.Mutex
}

func NewTestCluster(t *testing.T) *TestCluster {
	return &TestCluster{
		t:     t,
		nodes: make(map[uint64]*TestNode),
	}
}

func freePort() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer lis.Close()
	return strconv.Itoa(lis.Addr().(*net.TCPAddr).Port), nil
}

func (tc *TestCluster) StartNodes(n int) error {
	peerPorts := make(map[uint64]string)
	clientPorts := make(map[uint64]string)
	peers := make(map[uint64]string)
	clientPeers := make(map[uint64]string)

	for i := range n {
		id := uint64(i + 1)
		pp, err := freePort()
		if err != nil {
			return err
		}
		cp, err := freePort()
		if err != nil {
			return err
		}
		peerPorts[id], clientPorts[id] = pp, cp
		peers[id] = net.JoinHostPort("127.0.0.1", pp)
		clientPeers[id] = net.JoinHostPort("127.0.0.1", cp)
	}

	for id := range peers {
		cfg := &properties.Config{
			Transport: properties.TransportConfigProperties{
				Network:              "tcp",
				Address:              "127.0.0.1",
				PeerPort:             peerPorts[id],
				ClientPort:           clientPorts[id],
				Timeout:              2000,
				SendQueueSize:        256,
				MaxConcurrentStreams: 64,
			},
			Cluster: properties.ClusterConfigProperties{
				NodeId:      id,
				Peers:       peers,
				ClientPeers: clientPeers,
			},
			Election: properties.ElectionConfigProperties{
				TickInterval:         10,
				ElectionTicks:        15,
				ElectionStaggerTicks: 3,
				HeartbeatTicks:       2,
				PeerDeadTicks:        30,
			},
			Transaction: properties.TransactionConfigProperties{
				VoteTimeout:       1000,
				WorkingTimeout:    500,
				RetryInterval:     50,
				RecoveryInterval:  100,
				FinishedRetention: 60_000,
				ReplicationFactor: n,
				WalDir:            tc.t.TempDir(),
				WalNoSync:         true,
			},
			Counter: properties.CounterConfigProperties{AntiEntropyInterval: 50},
		}

		if err := tc.startNode(cfg); err != nil {
			return fmt.Errorf("failed to start node %d: %w", id, err)
		}
	}

	return nil
}

func (tc *TestCluster) startNode(cfg *properties.Config) error {
	nodeConfig := node.NewConfig(cfg)
	dispatcher := transport.NewDispatcher(nodeConfig.ID)

	peers, err := transport.NewPeerTransport(transport.PeerConfig{
		ID:        nodeConfig.ID,
		Peers:     cfg.Cluster.Peers,
		QueueSize: cfg.Transport.SendQueueSize,
		Timeout:   cfg.Transport.TimeoutDuration(),
	}, dispatcher)
	if err != nil {
		return fmt.Errorf("peer transport: %w", err)
	}

	n, err := node.New(nodeConfig, peers, dispatcher)
	if err != nil {
		peers.Stop()
		return fmt.Errorf("node: %w", err)
	}

	service := transport.NewTransportService(&cfg.Transport, dispatcher,
		transport.NewClientServer(n, cfg.Cluster.ClientPeers))
	if _, err := service.StartPeerServer(); err != nil {
		peers.Stop()
		return fmt.Errorf("listen peer: %w", err)
	}
	if _, err := service.StartClientServer(); err != nil {
		service.Stop()
		peers.Stop()
		return fmt.Errorf("listen client: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Transport.ClientAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		service.Stop()
		peers.Stop()
		return fmt.Errorf("dial client: %w", err)
	}

	peers.Start()
	n.Start()

	tc.mu.Lock()
	tc.nodes[nodeConfig.ID] = &TestNode{
		ID:         nodeConfig.ID,
		Node:       n,
		Peers:      peers,
		Service:    service,
		Client:     transport.NewClient(conn),
		PeerAddr:   cfg.Transport.PeerAddr(),
		ClientAddr: cfg.Transport.ClientAddr(),
		conn:       conn,
	}
	tc.mu.Unlock()

	return nil
}

func (tc *TestCluster) GetNode(id uint64) *TestNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.nodes[id]
}

func (tc *TestCluster) liveNodes() []*TestNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var live []*TestNode
	for _, n := range tc.nodes {
		n.mu.Lock()
		stopped := n.stopped
		n.mu.Unlock()
		if !stopped {
			live = append(live, n)
		}
	}
	return live
}

// WaitForLeaderConvergence waits until every running node follows the same
// leader and that leader is running.
func (tc *TestCluster) WaitForLeaderConvergence(timeout time.Duration) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("timeout waiting for leader convergence")
		case <-ticker.C:
			if id, ok := tc.converged(); ok {
				return id, nil
			}
		}
	}
}

func (tc *TestCluster) converged() (uint64, bool) {
	var leaderID uint64
	leaderRunning := false

	for _, n := range tc.liveNodes() {
		st := n.Node.LeaderStatus()
		if st.Leader == 0 || (leaderID != 0 && st.Leader != leaderID) {
			return 0, false
		}
		leaderID = st.Leader
		if st.IsLeader() {
			leaderRunning = true
		}
	}
	return leaderID, leaderRunning
}

func (tc *TestCluster) StopNode(id uint64) error {
	n := tc.GetNode(id)
	if n == nil {
		return fmt.Errorf("node %d not found", id)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil
	}

	_ = n.conn.Close()
	n.Service.Stop()
	n.Node.Stop()
	n.Peers.Stop()
	n.stopped = true

	return nil
}

func (tc *TestCluster) Cleanup() {
	tc.mu.RLock()
	ids := make([]uint64, 0, len(tc.nodes))
	for id := range tc.nodes {
		ids = append(ids, id)
	}
	tc.mu.RUnlock()

	for _, id := range ids {
		if err := tc.StopNode(id); err != nil {
			tc.t.Logf("failed to stop node %d: %v", id, err)
		}
	}
}
