// Package config loads the cluster configuration minipd needs to join or
// bootstrap a replicated group: this node's id, its data directory, the
// initial peer set and address book, and the Raft tick parameters.
//
// Values come from a YAML file first, then any CLI flags the caller passed
// in override the corresponding field. This mirrors how the original
// mini-pd's main.rs layers clap flags over a config struct, translated here
// to cobra flags over a yaml.v3-decoded struct.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a cluster config file.
type Config struct {
	MyID               uint64            `yaml:"my_id"`
	DataDir            string            `yaml:"data_dir"`
	InitialPeers       []uint64          `yaml:"initial_peers"`
	InitialAddressBook map[uint64]string `yaml:"initial_address_book"`
	RaftElectionTicks  int               `yaml:"raft_election_ticks"`
	RaftHeartbeatTicks int               `yaml:"raft_heartbeat_ticks"`
	BindAddr           string            `yaml:"bind_addr"`
}

// defaults fills in the same tick counts pkg/fsm.NewDriver falls back to
// when a Config leaves them at zero, so a value printed or logged before the
// driver is constructed already reflects what will actually run.
func defaults() Config {
	return Config{
		RaftElectionTicks:  10,
		RaftHeartbeatTicks: 1,
		DataDir:            "./minipd-data",
		BindAddr:           "127.0.0.1:7900",
	}
}

// Load reads a YAML config file at path. A missing file is not an error:
// Load returns the zero-value-filled defaults, since every field can also
// arrive via CLI flag overrides applied afterward.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the minimum a Config needs before it can bootstrap or
// join a cluster: a non-zero local id and at least one peer (itself,
// for a singleton) in the initial set.
func (c Config) Validate() error {
	if c.MyID == 0 {
		return fmt.Errorf("config: my_id must be non-zero")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if len(c.InitialPeers) == 0 {
		return fmt.Errorf("config: initial_peers must contain at least this node's id")
	}
	found := false
	for _, p := range c.InitialPeers {
		if p == c.MyID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: initial_peers must include my_id %d", c.MyID)
	}
	return nil
}
