package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RaftElectionTicks)
	assert.Equal(t, 1, cfg.RaftHeartbeatTicks)
	assert.Equal(t, "./minipd-data", cfg.DataDir)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minipd.yaml")
	contents := `
my_id: 1
data_dir: /var/lib/minipd
initial_peers: [1, 2, 3]
initial_address_book:
  1: 127.0.0.1:7900
  2: 127.0.0.1:7901
  3: 127.0.0.1:7902
raft_election_ticks: 20
raft_heartbeat_ticks: 2
bind_addr: 127.0.0.1:7900
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.MyID)
	assert.Equal(t, "/var/lib/minipd", cfg.DataDir)
	assert.Equal(t, []uint64{1, 2, 3}, cfg.InitialPeers)
	assert.Equal(t, "127.0.0.1:7901", cfg.InitialAddressBook[2])
	assert.Equal(t, 20, cfg.RaftElectionTicks)
	assert.Equal(t, 2, cfg.RaftHeartbeatTicks)
}

func TestValidateRequiresMyIDInPeers(t *testing.T) {
	cfg := Config{MyID: 1, DataDir: "./data", InitialPeers: []uint64{2, 3}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_peers")
}

func TestValidateAcceptsSingleton(t *testing.T) {
	cfg := Config{MyID: 1, DataDir: "./data", InitialPeers: []uint64{1}}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroID(t *testing.T) {
	cfg := Config{DataDir: "./data", InitialPeers: []uint64{1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "my_id")
}
