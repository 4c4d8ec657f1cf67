package engine

import (
	"context"
	"fmt"

	"topicarchive/internal/config"
	"topicarchive/internal/logging"
	"topicarchive/internal/telemetry"
	"topicarchive/internal/transport"
)

// Bootstrap starts the optional side servers (gRPC health, Prometheus
// metrics) and returns an Engine ready to run one backup or restore.
func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	log := logging.With("engine")
	e := &Engine{cfg: cfg, log: log}

	// 1. transport server
	if cfg.Telemetry.GRPCPort > 0 {
		srv, err := transport.StartServer(cfg.Telemetry.GRPCPort)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		e.transport = srv
		go func() {
			if err := srv.Serve(); err != nil {
				log.Error("grpc server stopped", "err", err)
			}
		}()
		log.Info("health service listening", "addr", srv.Addr().String())
	}

	// 2. metrics
	e.metrics = telemetry.Expose(cfg.Telemetry.MetricsPort)
	if e.metrics != nil {
		log.Info("metrics listening", "port", cfg.Telemetry.MetricsPort)
	}

	go func() {
		<-ctx.Done()
		e.Close()
	}()
	return e, nil
}
