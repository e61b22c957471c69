package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quorumkv/internal/configuration"
	"quorumkv/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	config, err := configuration.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Init(config.Application.LogLevel)
	slog.Info("Starting node...", "node_id", config.Cluster.NodeId, "peers", len(config.Cluster.Peers))

	services, err := NewServices(config)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	if err := services.Start(); err != nil {
		slog.Error("Failed to start services", "error", err)
		services.Stop()
		os.Exit(1)
	}

	slog.Info("Node ready",
		"peer_addr", config.Transport.PeerAddr(),
		"client_addr", config.Transport.ClientAddr(),
	)
	<-ctx.Done()

	slog.Info("Shutting down node...")
	services.Stop()
}
