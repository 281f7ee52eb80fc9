// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/weft/internal/log"
	"firestige.xyz/weft/internal/proto"
)

// GlobalConfig is the top-level static configuration, mapped from the
// `weft:` root key in YAML. Environment overrides use the WEFT_ prefix
// via the key replacer (e.g. WEFT_LOG_LEVEL).
type GlobalConfig struct {
	Node          NodeConfig          `mapstructure:"node"`
	Listen        []string            `mapstructure:"listen"`
	Roots         RootsConfig         `mapstructure:"roots"`
	Networks      []NetworkConfig     `mapstructure:"networks"`
	PhysicalPaths []PhysicalPathEntry `mapstructure:"physical_paths"`
	Switch        SwitchConfig        `mapstructure:"switch"`
	Dispatcher    DispatcherConfig    `mapstructure:"dispatcher"`
	Control       ControlConfig       `mapstructure:"control"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Log           log.Config          `mapstructure:"log"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	IdentityFile string `mapstructure:"identity_file"`
	DataDir      string `mapstructure:"data_dir"`
}

// RootsConfig points at the root server bootstrap file.
type RootsConfig struct {
	File string `mapstructure:"file"`
}

// NetworkConfig declares membership of one overlay network.
type NetworkConfig struct {
	ID      string   `mapstructure:"id"` // 16 hex digits
	Open    bool     `mapstructure:"open"`
	Members []string `mapstructure:"members"` // node addresses, ignored when open
}

// PhysicalPathEntry overrides transport parameters for a network prefix.
type PhysicalPathEntry struct {
	Prefix        string `mapstructure:"prefix"`
	MTU           int    `mapstructure:"mtu"`
	TrustedPathID uint64 `mapstructure:"trusted_path_id"`
}

// SwitchConfig tunes periodic switch behavior.
type SwitchConfig struct {
	AnnounceInterval string `mapstructure:"announce_interval"`
	RootHelloInterval string `mapstructure:"root_hello_interval"`
	RankRootsInterval string `mapstructure:"rank_roots_interval"`
}

// DispatcherConfig sizes the ingress dispatcher.
type DispatcherConfig struct {
	Partitions int `mapstructure:"partitions"`
	QueueSize  int `mapstructure:"queue_size"`
}

// ControlConfig locates the local control plane.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the wrapper matching the YAML structure `weft: ...`.
type configRoot struct {
	Weft GlobalConfig `mapstructure:"weft"`
}

// Load loads configuration from file.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// No explicit env prefix: the `weft.` key prefix maps to WEFT_ through
	// the key replacer (key "weft.log.level" reads env "WEFT_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Weft

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets defaults under the "weft." prefix to match the YAML
// root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("weft.node.identity_file", "/var/lib/weft/identity.secret")
	v.SetDefault("weft.node.data_dir", "/var/lib/weft")
	v.SetDefault("weft.listen", []string{"0.0.0.0:9993"})
	v.SetDefault("weft.roots.file", "/etc/weft/roots.yml")

	v.SetDefault("weft.switch.announce_interval", "60s")
	v.SetDefault("weft.switch.root_hello_interval", "30s")
	v.SetDefault("weft.switch.rank_roots_interval", "60s")

	v.SetDefault("weft.dispatcher.partitions", 4)
	v.SetDefault("weft.dispatcher.queue_size", 4096)

	v.SetDefault("weft.control.socket", "/var/run/weft.sock")
	v.SetDefault("weft.control.pid_file", "/var/run/weft.pid")

	v.SetDefault("weft.metrics.enabled", true)
	v.SetDefault("weft.metrics.listen", ":9991")
	v.SetDefault("weft.metrics.path", "/metrics")

	v.SetDefault("weft.log.level", "info")
	v.SetDefault("weft.log.file.enabled", false)
	v.SetDefault("weft.log.file.path", "/var/log/weft/weft.log")
	v.SetDefault("weft.log.file.max_size_mb", 100)
	v.SetDefault("weft.log.file.max_age_days", 30)
	v.SetDefault("weft.log.file.max_backups", 5)
	v.SetDefault("weft.log.file.compress", true)
}

// ValidateAndApplyDefaults validates cross-field constraints.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	if len(cfg.Listen) == 0 {
		return fmt.Errorf("at least one listen address is required")
	}

	for i, nw := range cfg.Networks {
		if _, err := ParseNetworkID(nw.ID); err != nil {
			return fmt.Errorf("networks[%d]: %w", i, err)
		}
		for _, m := range nw.Members {
			if _, err := proto.ParseAddress(m); err != nil {
				return fmt.Errorf("networks[%d]: invalid member %q", i, m)
			}
		}
	}

	if len(cfg.PhysicalPaths) > proto.MaxConfigurablePaths {
		return fmt.Errorf("physical_paths: at most %d entries", proto.MaxConfigurablePaths)
	}
	for i, pp := range cfg.PhysicalPaths {
		if _, err := netip.ParsePrefix(pp.Prefix); err != nil {
			return fmt.Errorf("physical_paths[%d]: invalid prefix %q", i, pp.Prefix)
		}
	}

	if cfg.Dispatcher.Partitions <= 0 {
		cfg.Dispatcher.Partitions = 4
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		cfg.Dispatcher.QueueSize = 4096
	}
	return nil
}

// ParseNetworkID parses a 16-hex-digit network ID.
func ParseNetworkID(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid network id %q: want 16 hex digits", s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid network id %q: %v", s, err)
	}
	return id, nil
}
