package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/minipd/pkg/log"
	"github.com/cuemby/minipd/pkg/storage"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Idempotently bootstrap a node's data directory without running it",
	Long: `bootstrap seeds a fresh data directory with the initial Raft
configuration and address book, then exits. It is a no-op against a data
directory that has already been bootstrapped, so it is safe to run as a
pre-seeding step in tests or ops tooling ahead of "minipd serve".`,
	RunE: runBootstrap,
}

func init() {
	addConfigFlags(bootstrapCmd)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("bootstrap: create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "minipd.db")
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("bootstrap: open storage: %w", err)
	}
	defer store.Close()

	if err := store.Bootstrap(cfg.MyID, cfg.InitialPeers, cfg.InitialAddressBook); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	log.WithComponent("bootstrap").Info().
		Uint64("my_id", cfg.MyID).
		Strs("peers", formatPeers(cfg.InitialPeers)).
		Msg("data directory bootstrapped")
	return nil
}

func formatPeers(peers []uint64) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = fmt.Sprintf("%d", p)
	}
	return out
}
