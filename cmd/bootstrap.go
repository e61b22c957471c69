package main

import (
	"fmt"

	"quorumkv/internal/configuration/properties"
	"quorumkv/internal/metrics"
	"quorumkv/internal/node"
	"quorumkv/internal/transport"
)

type Services struct {
	Node      *node.Node
	Peers     *transport.PeerTransport
	Transport *transport.Service
	Metrics   *metrics.Server
}

func NewServices(config *properties.Config) (*Services, error) {
	nodeConfig := node.NewConfig(config)
	dispatcher := transport.NewDispatcher(nodeConfig.ID)

	peers, err := transport.NewPeerTransport(transport.PeerConfig{
		ID:        nodeConfig.ID,
		Peers:     config.Cluster.Peers,
		QueueSize: config.Transport.SendQueueSize,
		Timeout:   config.Transport.TimeoutDuration(),
	}, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("peer transport: %w", err)
	}

	n, err := node.New(nodeConfig, peers, dispatcher)
	if err != nil {
		peers.Stop()
		return nil, fmt.Errorf("node: %w", err)
	}

	clientServer := transport.NewClientServer(n, config.Cluster.ClientPeers)

	services := &Services{
		Node:      n,
		Peers:     peers,
		Transport: transport.NewTransportService(&config.Transport, dispatcher, clientServer),
	}
	if config.Application.MetricsAddress != "" {
		services.Metrics = metrics.NewServer(config.Application.MetricsAddress, n.Health)
	}
	return services, nil
}

func (s *Services) Start() error {
	s.Peers.Start()
	s.Node.Start()

	if _, err := s.Transport.StartPeerServer(); err != nil {
		return fmt.Errorf("peer server: %w", err)
	}
	if _, err := s.Transport.StartClientServer(); err != nil {
		return fmt.Errorf("client server: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.Start()
	}
	return nil
}

func (s *Services) Stop() {
	s.Transport.Stop()
	s.Node.Stop()
	s.Peers.Stop()
	if s.Metrics != nil {
		s.Metrics.Stop()
	}
}
