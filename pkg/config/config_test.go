package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/karnevil9-test\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/karnevil9-test/journal.jsonl", cfg.Journal.Path)
	assert.Equal(t, 20, cfg.Session.MaxSteps)
	assert.Equal(t, 3, cfg.Kernel.MaxPlanAttempts)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, ":7946", cfg.Swarm.ListenAddress)
	assert.Equal(t, 3, cfg.Swarm.GossipFanout)
}

func TestLoadParsesFullConfig(t *testing.T) {
	raw := `
data_dir: /var/lib/karnevil9
log_level: debug
journal:
  fsync: true
session:
  max_steps: 8
  max_cost_usd: 2.5
policy:
  allowed_paths: ["/workspace"]
  allowed_commands: ["ls", "go"]
swarm:
  enabled: true
  node_id: node-a
  api_url: https://node-a.example:7946
  contract_secret: topsecret
  capabilities: ["browse", "gpu"]
  heartbeat_interval: 5s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Journal.Fsync)
	assert.Equal(t, 8, cfg.Session.MaxSteps)
	assert.Equal(t, []string{"/workspace"}, cfg.Policy.AllowedPaths)
	assert.True(t, cfg.Swarm.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Swarm.HeartbeatInterval)
	assert.Equal(t, []string{"browse", "gpu"}, cfg.Swarm.Capabilities)
}

func TestValidateSwarmRequirements(t *testing.T) {
	cfg := &Config{Swarm: SwarmConfig{Enabled: true}}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate(), "enabled swarm without node_id must fail")

	cfg.Swarm.NodeID = "n1"
	cfg.Swarm.APIURL = "https://n1.example"
	cfg.Swarm.ContractSecret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsRootAllowedPath(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Policy.AllowedPaths = []string{"/"}
	assert.Error(t, cfg.Validate())
}
