// Package config defines the YAML configuration surface and its loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oldeucryptoboi/karnevil9/pkg/futility"
	"github.com/oldeucryptoboi/karnevil9/pkg/policy"
	"github.com/oldeucryptoboi/karnevil9/pkg/reputation"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/firebreak"
)

// Config is the root configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Journal    JournalConfig   `yaml:"journal"`
	Session    SessionConfig   `yaml:"session"`
	Kernel     KernelConfig    `yaml:"kernel"`
	Policy     policy.Profile  `yaml:"policy"`
	Tools      ToolsConfig     `yaml:"tools"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Swarm      SwarmConfig     `yaml:"swarm"`
	Permission PermConfig      `yaml:"permission"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// JournalConfig tunes the event log.
type JournalConfig struct {
	Path                   string `yaml:"path"`
	Fsync                  bool   `yaml:"fsync"`
	WarnThresholdBytes     uint64 `yaml:"warn_threshold_bytes"`
	CriticalThresholdBytes uint64 `yaml:"critical_threshold_bytes"`
}

// SessionConfig supplies default limits.
type SessionConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	MaxTokens   int64         `yaml:"max_tokens"`
	MaxCostUSD  float64       `yaml:"max_cost_usd"`
	MaxDuration time.Duration `yaml:"max_duration"`
	Parallel    bool          `yaml:"parallel"`
}

// KernelConfig tunes the plan/execute loop.
type KernelConfig struct {
	MaxPlanAttempts   int             `yaml:"max_plan_attempts"`
	StepTokenEstimate int64           `yaml:"step_token_estimate"`
	Futility          futility.Config `yaml:"futility"`
}

// ToolsConfig tunes the tool runtime.
type ToolsConfig struct {
	BreakerConsecutiveFailures uint32        `yaml:"breaker_consecutive_failures"`
	BreakerCooldown            time.Duration `yaml:"breaker_cooldown"`
	CommandWorkingDir          string        `yaml:"command_working_dir"`
	CommandTimeout             time.Duration `yaml:"command_timeout"`
	WebRequestTimeout          time.Duration `yaml:"web_request_timeout"`
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	StorePath    string        `yaml:"store_path"`
}

// PermConfig tunes the permission engine.
type PermConfig struct {
	SigningSecret string `yaml:"signing_secret"`

	// PreGrants are installed for every new session.
	PreGrants []string `yaml:"pre_grants"`
}

// SwarmConfig tunes the swarm layer.
type SwarmConfig struct {
	Enabled      bool     `yaml:"enabled"`
	NodeID       string   `yaml:"node_id"`
	DisplayName  string   `yaml:"display_name"`
	APIURL       string   `yaml:"api_url"`
	Capabilities []string `yaml:"capabilities"`

	ListenAddress string        `yaml:"listen_address"`
	BearerToken   string        `yaml:"bearer_token"`
	JWTSecret     string        `yaml:"jwt_secret"`
	AllowLoopback bool          `yaml:"allow_loopback"`
	ClientTimeout time.Duration `yaml:"client_timeout"`

	SeedPeers []string `yaml:"seed_peers"`

	SuspectTimeout     time.Duration `yaml:"suspect_timeout"`
	UnreachableTimeout time.Duration `yaml:"unreachable_timeout"`
	EvictTimeout       time.Duration `yaml:"evict_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`

	GossipInterval   time.Duration `yaml:"gossip_interval"`
	GossipFanout     int           `yaml:"gossip_fanout"`
	GossipSampleSize int           `yaml:"gossip_sample_size"`

	ContractSecret string `yaml:"contract_secret"`

	EscrowLedgerPath  string `yaml:"escrow_ledger_path"`
	ReputationLogPath string `yaml:"reputation_log_path"`

	Reputation reputation.Config `yaml:"reputation"`
	Firebreak  firebreak.Config  `yaml:"firebreak"`

	DriftThreshold          float64       `yaml:"drift_threshold"`
	OverheadFactor          float64       `yaml:"overhead_factor"`
	MinTimeBeforeRedelegate time.Duration `yaml:"min_time_before_redelegate"`
	MaxRedelegations        int           `yaml:"max_redelegations"`
	RedelegationCooldown    time.Duration `yaml:"redelegation_cooldown"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = c.DataDir + "/journal.jsonl"
	}
	if c.Session.MaxSteps == 0 {
		c.Session.MaxSteps = 20
	}
	if c.Session.MaxTokens == 0 {
		c.Session.MaxTokens = 1_000_000
	}
	if c.Session.MaxCostUSD == 0 {
		c.Session.MaxCostUSD = 10
	}
	if c.Session.MaxDuration == 0 {
		c.Session.MaxDuration = 30 * time.Minute
	}
	if c.Kernel.MaxPlanAttempts == 0 {
		c.Kernel.MaxPlanAttempts = 3
	}
	if c.Kernel.StepTokenEstimate == 0 {
		c.Kernel.StepTokenEstimate = 1000
	}
	if c.Kernel.Futility == (futility.Config{}) {
		c.Kernel.Futility = futility.DefaultConfig
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = c.DataDir + "/schedules.jsonl"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Swarm.setDefaults(c.DataDir)
}

func (s *SwarmConfig) setDefaults(dataDir string) {
	if s.ListenAddress == "" {
		s.ListenAddress = ":7946"
	}
	if s.ClientTimeout == 0 {
		s.ClientTimeout = 15 * time.Second
	}
	if s.SuspectTimeout == 0 {
		s.SuspectTimeout = 45 * time.Second
	}
	if s.UnreachableTimeout == 0 {
		s.UnreachableTimeout = 90 * time.Second
	}
	if s.EvictTimeout == 0 {
		s.EvictTimeout = 5 * time.Minute
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = 10 * time.Second
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 15 * time.Second
	}
	if s.GossipInterval == 0 {
		s.GossipInterval = 30 * time.Second
	}
	if s.GossipFanout == 0 {
		s.GossipFanout = 3
	}
	if s.GossipSampleSize == 0 {
		s.GossipSampleSize = 16
	}
	if s.EscrowLedgerPath == "" {
		s.EscrowLedgerPath = dataDir + "/escrow.jsonl"
	}
	if s.ReputationLogPath == "" {
		s.ReputationLogPath = dataDir + "/reputation.jsonl"
	}
	if s.Reputation.OutcomeWeight == 0 {
		s.Reputation = reputation.DefaultConfig
	}
	if s.Firebreak.BaseMaxDepth == 0 {
		s.Firebreak = firebreak.DefaultConfig
	}
	if s.DriftThreshold == 0 {
		s.DriftThreshold = 0.2
	}
	if s.OverheadFactor == 0 {
		s.OverheadFactor = 0.1
	}
	if s.MinTimeBeforeRedelegate == 0 {
		s.MinTimeBeforeRedelegate = 2 * time.Minute
	}
	if s.MaxRedelegations == 0 {
		s.MaxRedelegations = 2
	}
	if s.RedelegationCooldown == 0 {
		s.RedelegationCooldown = time.Minute
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Swarm.Enabled {
		if c.Swarm.NodeID == "" {
			return fmt.Errorf("swarm: node_id is required when swarm is enabled")
		}
		if c.Swarm.APIURL == "" {
			return fmt.Errorf("swarm: api_url is required when swarm is enabled")
		}
		if c.Swarm.ContractSecret == "" {
			return fmt.Errorf("swarm: contract_secret is required when swarm is enabled")
		}
	}
	return nil
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
