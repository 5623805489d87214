/*
Package config loads attrd's daemon configuration from a flat YAML file,
following the donor's types-package convention: plain structs with yaml
tags and a loader that applies defaults after unmarshaling rather than
relying on struct-tag defaults.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Peer is one statically-configured cluster member this daemon dials at
// startup. Membership learned afterward (via broadcast or SYNC_RESPONSE)
// does not require an entry here.
type Peer struct {
	NodeName string `yaml:"node_name"`
	Addr     string `yaml:"addr"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// NodeName is this daemon's own cluster node name, used as the local
	// node key in the attribute table and as the raft server id.
	NodeName string `yaml:"node_name"`

	// BindAddr is the address the broadcast bus listens on.
	BindAddr string `yaml:"bind_addr"`

	// ElectionBindAddr is the address the raft transport listens on.
	ElectionBindAddr string `yaml:"election_bind_addr"`

	// DataDir holds the election gate's raft log/snapshot stores and the
	// reference bbolt-backed CDB.
	DataDir string `yaml:"data_dir"`

	// CDBEndpoint names a networked CDB endpoint. The daemon does not read
	// it: it always opens the bbolt-backed reference CDB under DataDir.
	CDBEndpoint string `yaml:"cdb_endpoint,omitempty"`

	// Peers lists cluster members to dial at startup.
	Peers []Peer `yaml:"peers"`

	// DefaultDampenMS is loaded (2000 when unset) but no component reads it:
	// an attribute created without an explicit dampening interval gets 0,
	// meaning immediate writes.
	DefaultDampenMS int `yaml:"default_dampen_ms"`

	// PropagateClearFailure is the CLEAR_FAILURE broadcast-to-peers switch,
	// false by default. No component reads it: a client clear-failure always
	// expands into per-attribute updates, and the dispatcher never broadcasts
	// CLEAR_FAILURE itself.
	PropagateClearFailure bool `yaml:"propagate_clear_failure"`

	// MembershipPollInterval and MembershipDeadAfter tune the membership
	// reactor's liveness poll loop.
	MembershipPollInterval time.Duration `yaml:"membership_poll_interval"`
	MembershipDeadAfter    time.Duration `yaml:"membership_dead_after"`

	// ElectionHeartbeatTimeout, ElectionTimeout and ElectionLeaderLease tune
	// the raft-backed election gate's failover latency.
	ElectionHeartbeatTimeout time.Duration `yaml:"election_heartbeat_timeout"`
	ElectionTimeout          time.Duration `yaml:"election_timeout"`
	ElectionLeaderLease      time.Duration `yaml:"election_leader_lease"`

	// LogLevel and LogJSON are loaded from the file but the daemon does not
	// read them; the global logger is configured from the CLI's --log-level
	// and --log-json flags.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr is where the Prometheus /metrics endpoint is served.
	MetricsAddr string `yaml:"metrics_addr"`
}

func (c Config) withDefaults() Config {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:8500"
	}
	if c.ElectionBindAddr == "" {
		c.ElectionBindAddr = "0.0.0.0:8501"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/attrd"
	}
	if c.DefaultDampenMS == 0 {
		c.DefaultDampenMS = 2000
	}
	if c.MembershipPollInterval == 0 {
		c.MembershipPollInterval = 2 * time.Second
	}
	if c.MembershipDeadAfter == 0 {
		c.MembershipDeadAfter = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9090"
	}
	return c
}

// Load reads and parses a YAML config file at path, applying defaults to
// any field left zero.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c = c.withDefaults()

	if c.NodeName == "" {
		return Config{}, fmt.Errorf("config: node_name is required")
	}
	return c, nil
}
