// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/ratelimit"
	"github.com/absmach/mds/router"
	"github.com/absmach/mds/server/health"
	"github.com/absmach/mds/server/otel"
	"github.com/absmach/mds/server/peer"
	"github.com/absmach/mds/server/websocket"
	"github.com/absmach/mds/storage"
	"github.com/absmach/mds/storage/badger"
	"github.com/absmach/mds/storage/memory"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler).With("server", cfg.Server.Name)
	slog.SetDefault(logger)

	slog.Info("Starting message delivery server", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"ws_listener", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"health_enabled", cfg.Server.HealthEnabled,
		"graph_servers", len(cfg.Graph.Servers),
		"applications", len(cfg.Applications),
		"routes", len(cfg.Routing),
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			SyncWrites: cfg.Storage.SyncWrites,
			Compress:   cfg.Storage.Compress,
			GCInterval: cfg.Storage.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	nodes := make([]graph.Node, 0, len(cfg.Graph.Servers))
	for _, s := range cfg.Graph.Servers {
		nodes = append(nodes, graph.Node{Name: s.Name, Address: s.Address, Port: s.Port, Adjacent: s.Adjacent})
	}
	g, err := graph.New(cfg.Server.Name, nodes)
	if err != nil {
		slog.Error("Invalid server graph", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, otel.Node{
			Server:       cfg.Server.Name,
			Servers:      len(cfg.Graph.Servers),
			Adjacent:     len(g.Adjacent()),
			Applications: len(cfg.Applications),
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Telemetry.TracesEnabled {
			tracer = oteltrace.Tracer("mds")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	d := cfg.Delivery
	r, err := router.New(router.Config{
		LocalServer:     cfg.Server.Name,
		ResponseTimeout: d.ResponseTimeout,
		Endpoint: endpoint.Config{
			SweepInterval:    d.SweepInterval,
			SuspendDuration:  d.SuspendDuration,
			KeepAlive:        d.KeepAlive,
			InboundQueueSize: d.InboundQueueSize,
		},
		Queue: endpoint.QueueConfig{
			MaxInQueue:       d.MaxInQueue,
			RefillThreshold:  d.RefillThreshold,
			MaxNonPersistent: d.MaxNonPersistent,
			InitialBackoff:   d.InitialBackoff,
			MaxBackoff:       d.MaxBackoff,
		},
		Applications:       cfg.Applications,
		Routes:             cfg.Routing,
		ControllerPassword: cfg.Server.ControllerPassword,
	}, g, store, endpoint.NewIdentity(), logger, metrics, tracer)
	if err != nil {
		slog.Error("Failed to create router", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		slog.Error("Failed to start router", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.IPRateLimiter
	if cfg.Server.RegisterRate > 0 {
		limiter = ratelimit.NewIPRateLimiter(cfg.Server.RegisterRate, cfg.Server.RegisterBurst, 5*time.Minute)
		defer limiter.Stop()
		slog.Info("Registration rate limiting enabled",
			"rate", cfg.Server.RegisterRate,
			"burst", cfg.Server.RegisterBurst)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
	}, r, rateLimiter(limiter), logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, r, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	p := cfg.Peers
	dialer := peer.New(peer.Config{
		LocalServer:      cfg.Server.Name,
		Path:             cfg.Server.WSPath,
		DialTimeout:      p.DialTimeout,
		HandshakeTimeout: p.HandshakeTimeout,
		InitialBackoff:   p.InitialBackoff,
		MaxBackoff:       p.MaxBackoff,
		FailureThreshold: p.FailureThreshold,
		ResetTimeout:     p.ResetTimeout,
	}, r, nil, logger)
	dialer.Start(ctx)

	slog.Info("Message delivery server started",
		"adjacent_servers", g.Adjacent(),
		"dialing", dialer.Links())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	dialer.Stop()
	r.Stop()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	wg.Wait()
	slog.Info("Message delivery server stopped")
}

// rateLimiter keeps a nil limiter from becoming a non-nil interface.
func rateLimiter(l *ratelimit.IPRateLimiter) websocket.RateLimiter {
	if l == nil {
		return nil
	}
	return l
}
