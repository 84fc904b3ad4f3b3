package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/minipd/pkg/config"
	"github.com/spf13/cobra"
)

// addConfigFlags registers the flags shared by serve and bootstrap: a config
// file plus per-field overrides, mirroring original_source/src/main.rs's
// clap layering of flags over a config struct.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to a cluster config YAML file")
	cmd.Flags().Uint64("my-id", 0, "This node's raft id (overrides config file)")
	cmd.Flags().String("data-dir", "", "Data directory (overrides config file)")
	cmd.Flags().String("bind-addr", "", "Address to listen on for peer traffic (overrides config file)")
	cmd.Flags().StringSlice("peer", nil, "Initial peer as id=host:port, repeatable (overrides config file)")
	cmd.Flags().Int("election-ticks", 0, "Raft election timeout, in ticks (overrides config file)")
	cmd.Flags().Int("heartbeat-ticks", 0, "Raft heartbeat interval, in ticks (overrides config file)")
}

// loadConfig reads the --config file, if any, then applies every flag the
// caller actually set on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("my-id") {
		cfg.MyID, _ = cmd.Flags().GetUint64("my-id")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	}
	if cmd.Flags().Changed("election-ticks") {
		cfg.RaftElectionTicks, _ = cmd.Flags().GetInt("election-ticks")
	}
	if cmd.Flags().Changed("heartbeat-ticks") {
		cfg.RaftHeartbeatTicks, _ = cmd.Flags().GetInt("heartbeat-ticks")
	}
	if cmd.Flags().Changed("peer") {
		peerFlags, _ := cmd.Flags().GetStringSlice("peer")
		peers, addrs, err := parsePeers(peerFlags)
		if err != nil {
			return config.Config{}, err
		}
		cfg.InitialPeers = peers
		cfg.InitialAddressBook = addrs
	}

	return cfg, nil
}

// parsePeers turns a list of "id=host:port" strings into the parallel
// (peer-id list, address book) shape config.Config stores them as.
func parsePeers(flags []string) ([]uint64, map[uint64]string, error) {
	peers := make([]uint64, 0, len(flags))
	addrs := make(map[uint64]string, len(flags))
	for _, flag := range flags {
		idStr, addr, found := strings.Cut(flag, "=")
		if !found {
			return nil, nil, fmt.Errorf("invalid --peer %q, want id=host:port", flag)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --peer %q: %w", flag, err)
		}
		peers = append(peers, id)
		addrs[id] = addr
	}
	return peers, addrs, nil
}
