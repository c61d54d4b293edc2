// Package main runs the matchmaking broker: the room registry behind every
// enabled transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/matchserver"
	"github.com/cory-johannsen/matchmaking/internal/observability"
	"github.com/cory-johannsen/matchmaking/internal/server"
	"github.com/cory-johannsen/matchmaking/internal/storage/postgres"
	"github.com/cory-johannsen/matchmaking/internal/transport/grpcstream"
	"github.com/cory-johannsen/matchmaking/internal/transport/tcp"
	"github.com/cory-johannsen/matchmaking/internal/transport/udp"
	"github.com/cory-johannsen/matchmaking/internal/transport/websocket"
)

// healthInterval is how often the database is pinged and expired
// identities purged.
const healthInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()

	flagSet := pflag.NewFlagSet("matchmaking-server", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "configs/dev.yaml", "path to configuration file")
	check := flagSet.Bool("check", false, "validate the configuration and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *check {
		fmt.Fprintf(os.Stdout, "configuration %s is valid\n", *configPath)
		return nil
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	store, err := identityStore(ctx, cfg, lifecycle, logger)
	if err != nil {
		return err
	}

	opts, err := matchserver.OptionsFromConfig(cfg.Rooms, observability.Component(logger, "admission"))
	if err != nil {
		return err
	}
	if opts.Admission != nil {
		defer opts.Admission.Close()
		logger.Info("admission script loaded", zap.String("path", cfg.Rooms.AdmissionScript))
	}

	srv := matchserver.NewContext(store, opts, observability.Component(logger, "matchserver"))

	// Stopped after every transport so no session outlives its connection.
	sessionsDone := make(chan struct{})
	lifecycle.Add("sessions", &server.FuncService{
		StartFn: func() error {
			<-sessionsDone
			return nil
		},
		StopFn: func(context.Context) {
			srv.Sessions.CloseAll()
			close(sessionsDone)
		},
	})

	if cfg.TCP.Enabled {
		lifecycle.Add("tcp", tcp.NewAcceptor(cfg.TCP, srv, observability.Component(logger, "tcp")))
	}
	if cfg.UDP.Enabled {
		lifecycle.Add("udp", udp.NewServer(cfg.UDP, srv, observability.Component(logger, "udp")))
	}
	if cfg.WebSocket.Enabled {
		lifecycle.Add("websocket", websocket.NewServer(cfg.WebSocket, srv, observability.Component(logger, "websocket")))
	}
	if cfg.GRPC.Enabled {
		lifecycle.Add("grpc", grpcstream.NewServer(cfg.GRPC, srv, observability.Component(logger, "grpc")))
	}

	logger.Info("matchmaking server initialized",
		zap.String("identity_backend", cfg.Identity.Backend),
		zap.Bool("tcp", cfg.TCP.Enabled),
		zap.Bool("udp", cfg.UDP.Enabled),
		zap.Bool("websocket", cfg.WebSocket.Enabled),
		zap.Bool("grpc", cfg.GRPC.Enabled),
		zap.Duration("startup", time.Since(start)),
	)

	return lifecycle.Run(ctx)
}

// identityStore builds the configured identity backend. The postgres
// backend also registers a maintenance service that checks database
// health and purges expired identities.
func identityStore(ctx context.Context, cfg config.Config, lifecycle *server.Lifecycle, logger *zap.Logger) (identity.Store, error) {
	if cfg.Identity.Backend != config.IdentityBackendPostgres {
		return identity.NewMemoryStore(), nil
	}

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	repo := postgres.NewIdentityRepository(pool.DB(), cfg.Identity.HashCost)
	dbLogger := observability.Component(logger, "postgres")
	stop := make(chan struct{})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
				}
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					dbLogger.Warn("database health check failed", zap.Error(err))
					continue
				}
				if cfg.Identity.MaxAge > 0 {
					removed, err := repo.PurgeBefore(ctx, time.Now().Add(-cfg.Identity.MaxAge))
					if err != nil {
						dbLogger.Warn("purging expired identities", zap.Error(err))
					} else if removed > 0 {
						dbLogger.Info("purged expired identities", zap.Int64("removed", removed))
					}
				}
			}
		},
		StopFn: func(context.Context) {
			close(stop)
			pool.Close()
		},
	})
	return repo, nil
}
