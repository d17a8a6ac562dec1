package raft

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the enumerated option set from spec §6.
type Config struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ClusterMembers     []ServerId    `yaml:"cluster_members"`
	SelfID             ServerId      `yaml:"self_id"`
}

// Validate checks the invariants spec §6 states as prose:
// election_timeout_min < election_timeout_max, heartbeat_interval
// strictly less than election_timeout_min, and self_id present in
// cluster_members.
func (c Config) Validate() error {
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= 0 {
		return fmt.Errorf("raft: election timeouts must be positive")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("raft: election_timeout_min (%s) must be < election_timeout_max (%s)", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("raft: heartbeat_interval (%s) must be < election_timeout_min (%s)", c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if len(c.ClusterMembers) == 0 {
		return fmt.Errorf("raft: cluster_members must not be empty")
	}
	found := false
	for _, m := range c.ClusterMembers {
		if m == c.SelfID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("raft: self_id %s not present in cluster_members", c.SelfID)
	}
	return nil
}

// Quorum returns the strict majority size of the configured cluster
// (spec glossary: "Quorum / Majority").
func (c Config) Quorum() int {
	return len(c.ClusterMembers)/2 + 1
}

// IsQuorum reports whether n votes (including, by convention, the
// server's own vote for itself) form a strict majority.
func (c Config) IsQuorum(n int) bool {
	return n >= c.Quorum()
}

// Peers returns every configured member other than SelfID.
func (c Config) Peers() []ServerId {
	out := make([]ServerId, 0, len(c.ClusterMembers)-1)
	for _, m := range c.ClusterMembers {
		if m != c.SelfID {
			out = append(out, m)
		}
	}
	return out
}

// LoadConfig reads and validates a YAML config file (spec §6's option
// set). cmd/simdrive does not use it; it builds its Config in code.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("raft: read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("raft: parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
