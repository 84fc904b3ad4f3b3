package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/minipd/pkg/allocator"
	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/cuemby/minipd/pkg/log"
	"github.com/cuemby/minipd/pkg/metrics"
	"github.com/cuemby/minipd/pkg/service"
	"github.com/cuemby/minipd/pkg/storage"
	"github.com/cuemby/minipd/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// serveMetrics runs the Prometheus /metrics endpoint until the process
// exits; a bind failure is logged, not fatal, since a node still
// participates in consensus without it.
func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap-or-resume and run a minipd node",
	Long: `serve opens (or creates) this node's data directory, joins or resumes
the Raft group described by its config, and runs until interrupted.`,
	RunE: runServe,
}

func init() {
	addConfigFlags(serveCmd)
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	nodeLog := log.WithNodeID(fmt.Sprintf("%d", cfg.MyID))
	nodeLog.Info().
		Str("data_dir", cfg.DataDir).
		Str("bind_addr", cfg.BindAddr).
		Msg("starting minipd")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("fsm", false, "initializing")
	metrics.RegisterComponent("storage", false, "initializing")
	metrics.RegisterComponent("service", false, "initializing")

	dbPath := filepath.Join(cfg.DataDir, "minipd.db")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("serve: open storage: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent("storage", true, "open")

	sender := transport.New(cfg.MyID, store, log.Logger)
	defer sender.Close()

	if err := store.Bootstrap(cfg.MyID, cfg.InitialPeers, cfg.InitialAddressBook); err != nil {
		return fmt.Errorf("serve: bootstrap storage: %w", err)
	}

	driver, err := fsm.NewDriver(fsm.Config{
		ID:            cfg.MyID,
		Peers:         cfg.InitialPeers,
		ElectionTick:  cfg.RaftElectionTicks,
		HeartbeatTick: cfg.RaftHeartbeatTicks,
	}, store, sender, log.Logger)
	if err != nil {
		return fmt.Errorf("serve: build driver: %w", err)
	}

	listener, err := transport.Listen(cfg.BindAddr, driver.Inbox(), log.Logger)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", cfg.BindAddr, err)
	}
	defer listener.Close()
	go func() {
		if err := listener.Serve(); err != nil {
			nodeLog.Warn().Err(err).Msg("transport listener stopped")
		}
	}()

	driverErrCh := make(chan error, 1)
	go func() { driverErrCh <- driver.Run() }()
	metrics.UpdateComponent("fsm", true, "running")

	client := fsm.NewClient(driver.Inbox())
	ids := allocator.NewIDAllocator(client)
	tso := allocator.NewTSOAllocator(client)
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := tso.Init(initCtx); err != nil {
		nodeLog.Warn().Err(err).Msg("tso allocator init failed, will retry lazily")
	}
	initCancel()
	svc := service.New(cfg.MyID, client, ids, tso, store, driver)
	metrics.UpdateComponent("service", true, "ready")

	collector := metrics.NewCollector(driver, store, svc)
	collector.Start()
	defer collector.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr, nodeLog)

	nodeLog.Info().Msg("minipd node running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		nodeLog.Info().Msg("shutting down")
		driver.Inbox() <- fsm.NewStopMsg()
		select {
		case <-driverErrCh:
		case <-time.After(5 * time.Second):
			nodeLog.Warn().Msg("driver did not stop within grace period")
		}
	case err := <-driverErrCh:
		if err != nil {
			nodeLog.Error().Err(err).Msg("driver stopped with error")
			return fmt.Errorf("serve: driver: %w", err)
		}
	}

	nodeLog.Info().Msg("shutdown complete")
	return nil
}
