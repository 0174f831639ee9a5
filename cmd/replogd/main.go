// Command replogd runs one replica of the replicated log as a daemon: it
// serves the replica's grpc service, recovers to voting status, and stays
// up until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"replog/internal/log"
	"replog/internal/logging"
	"replog/internal/replica"
)

func main() {
	configPath := flag.String("config", "replogd.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "replogd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}
	nodeID := uuid.New().String()
	zl := zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("node", nodeID).
		Str("addr", cfg.Addr).
		Logger()
	logger := logging.NewZerologAdapter(zl)

	logger.Infof("starting replicated log daemon, storage at %s, quorum %d, %d peers",
		cfg.Path, cfg.Quorum, len(cfg.Peers))

	l, err := log.Open(&log.Config{
		Quorum:         cfg.Quorum,
		Path:           cfg.Path,
		Addr:           cfg.Addr,
		Peers:          cfg.Peers,
		AutoInitialize: cfg.AutoInitialize,
		PhaseTimeout:   cfg.PhaseTimeout.Duration,
		RetryInterval:  cfg.RetryInterval.Duration,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	srvCfg := replica.DefaultServerConfig()
	srvCfg.Addr = cfg.Addr
	srvCfg.Logger = logger
	srv, err := replica.NewServer(l.Replica(), srvCfg)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recoverErr := make(chan error, 1)
	go func() {
		recoverErr <- l.Recover(ctx)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving replica: %w", err)
	case err := <-recoverErr:
		if err != nil {
			srv.ForceShutdown()
			return fmt.Errorf("recovering replica: %w", err)
		}
		logger.Infof("replica is voting")
	case <-ctx.Done():
		srv.GracefulShutdown()
		return nil
	}

	// Voting. Serve until interrupted.
	select {
	case err := <-serveErr:
		return fmt.Errorf("serving replica: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("shutting down gracefully, interrupt again to force")
	stop()

	done := make(chan struct{})
	go func() {
		srv.GracefulShutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("shutdown complete")
	case <-time.After(5 * time.Second):
		logger.Warnf("graceful shutdown timed out, forcing")
		srv.ForceShutdown()
	}
	return nil
}
