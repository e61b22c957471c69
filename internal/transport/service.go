package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"quorumkv/internal/configuration/properties"
	"quorumkv/internal/domain"
	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

type Service struct {
	network              string
	address              string
	peerPort             string
	clientPort           string
	timeout              time.Duration
	maxConcurrentStreams uint32
	local                domain.Handler
	clientServer         ClientServer
	PeerServer           *grpc.Server
	ClientServer         *grpc.Server
}

func NewTransportService(transportConfig *properties.TransportConfigProperties, local domain.Handler, clientServer ClientServer) *Service {
	return &Service{
		network:              transportConfig.Network,
		address:              transportConfig.Address,
		peerPort:             transportConfig.PeerPort,
		clientPort:           transportConfig.ClientPort,
		timeout:              transportConfig.TimeoutDuration(),
		maxConcurrentStreams: transportConfig.MaxConcurrentStreams,
		local:                local,
		clientServer:         clientServer,
	}
}

func (ts *Service) serverOptions() []grpc.ServerOption {
	timeout := ts.timeout
	if timeout <= 0 {
		slog.Warn("transport timeout must be positive, using 1s")
		timeout = time.Second
	}

	return []grpc.ServerOption{
		grpc.MaxConcurrentStreams(ts.maxConcurrentStreams),
		grpc.ChainUnaryInterceptor(
			metrics.UnaryServerInterceptor(),
			timeoutInterceptor(timeout),
		),
	}
}

func (ts *Service) StartPeerServer() (net.Listener, error) {
	peerLis, err := net.Listen(ts.network, net.JoinHostPort(ts.address, ts.peerPort))
	if err != nil {
		return nil, err
	}

	ts.PeerServer = grpc.NewServer(ts.serverOptions()...)
	RegisterPeerServer(ts.PeerServer, NewPeerServer(ts.local))

	reflection.Register(ts.PeerServer)
	slog.Info("transport listening for peers", "peer_addr", peerLis.Addr())

	go func() {
		if err := ts.PeerServer.Serve(peerLis); err != nil {
			slog.Error("failed to serve peer listener", "error", err)
		}
	}()

	return peerLis, nil
}

func (ts *Service) StartClientServer() (net.Listener, error) {
	clientLis, err := net.Listen(ts.network, net.JoinHostPort(ts.address, ts.clientPort))
	if err != nil {
		return nil, err
	}

	ts.ClientServer = grpc.NewServer(ts.serverOptions()...)
	RegisterClientServer(ts.ClientServer, ts.clientServer)

	reflection.Register(ts.ClientServer)
	slog.Info("transport listening for clients", "client_addr", clientLis.Addr())

	go func() {
		if err := ts.ClientServer.Serve(clientLis); err != nil {
			slog.Error("failed to serve client listener", "error", err)
		}
	}()

	return clientLis, nil
}

// Stop stops the client server first so no new transactions start while
// peers are still reachable.
func (ts *Service) Stop() {
	if ts.ClientServer != nil {
		ts.ClientServer.GracefulStop()
	}
	if ts.PeerServer != nil {
		ts.PeerServer.GracefulStop()
	}
}

type peerServer struct {
	local domain.Handler
}

func NewPeerServer(local domain.Handler) PeerServer {
	return &peerServer{local: local}
}

func (s *peerServer) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var msg message.Message
	if err := msg.Unmarshal(in.GetValue()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unmarshal: %v", err)
	}

	metrics.MessagesTotal.WithLabelValues("received", msg.Kind.String()).Inc()
	s.local.Handle(msg)

	return &emptypb.Empty{}, nil
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}
