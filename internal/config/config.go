package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the agent looks for its configuration
const DefaultPath = "/etc/vrconf/config.yaml"

// Config represents the complete agent configuration
type Config struct {
	Paths         PathsConfig         `yaml:"paths"`
	Dnsmasq       DnsmasqConfig       `yaml:"dnsmasq"`
	Redundancy    RedundancyConfig    `yaml:"redundancy"`
	Interfaces    InterfacesConfig    `yaml:"interfaces"`
	Shell         ShellConfig         `yaml:"shell"`
	Observability ObservabilityConfig `yaml:"observability"`
	RunLog        RunLogConfig        `yaml:"runlog"`
	History       HistoryConfig       `yaml:"history"`
	Watch         WatchConfig         `yaml:"watch"`
}

// PathsConfig holds every file and directory the agent reads or manages
type PathsConfig struct {
	DataBagDir    string `yaml:"databag_dir"`
	Hosts         string `yaml:"hosts"`
	DhcpHosts     string `yaml:"dhcphosts"`
	DhcpOpts      string `yaml:"dhcpopts"`
	CloudConf     string `yaml:"cloud_conf"`
	Leases        string `yaml:"leases"`
	Ramdisk       string `yaml:"ramdisk"`
	RouterDir     string `yaml:"router_dir"`
	TemplatesDir  string `yaml:"templates_dir"`
	Keepalived    string `yaml:"keepalived"`
	Conntrackd    string `yaml:"conntrackd"`
	HeartbeatCron string `yaml:"heartbeat_cron"`
	Hostname      string `yaml:"hostname"`
	LockFile      string `yaml:"lock_file"`
}

// DnsmasqConfig holds DHCP/DNS daemon settings
type DnsmasqConfig struct {
	User                string `yaml:"user"`
	LeaseMin            int    `yaml:"lease_min"` // hours
	LeaseMax            int    `yaml:"lease_max"` // hours
	RestartOnConfChange bool   `yaml:"restart_on_conf_change"`
	DefaultDomain       string `yaml:"default_domain"`
}

// RedundancyConfig holds VRRP and connection tracking settings
type RedundancyConfig struct {
	Priority         int    `yaml:"priority"` // used when router_pr is unset
	Weight           int    `yaml:"weight"`
	MulticastAddress string `yaml:"multicast_address"`
	MulticastGroup   int    `yaml:"multicast_group"`
	SocketBuffer     int    `yaml:"socket_buffer"`
}

// InterfacesConfig selects how live interfaces are discovered
type InterfacesConfig struct {
	Source string `yaml:"source"` // netlink, ip
}

// ShellConfig holds command execution settings
type ShellConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"` // 0 means no timeout
}

// ObservabilityConfig holds monitoring and logging settings
type ObservabilityConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
	StatusListen    string `yaml:"status_listen,omitempty"`
}

// RunLogConfig holds run history database settings
type RunLogConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, none
	DSN    string `yaml:"dsn"`
	Retain int    `yaml:"retain"`
}

// HistoryConfig holds the git journal of managed files
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
	Author  string `yaml:"author,omitempty"`
}

// WatchConfig holds daemon mode settings
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses a YAML configuration file. A missing file yields the
// defaults so a stock appliance needs no configuration at all.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Set defaults
	cfg.setDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for optional fields
func (c *Config) setDefaults() {
	// Path defaults
	setString(&c.Paths.DataBagDir, "/etc/cloudstack")
	setString(&c.Paths.Hosts, "/etc/hosts")
	setString(&c.Paths.DhcpHosts, "/etc/dhcphosts.txt")
	setString(&c.Paths.DhcpOpts, "/etc/dhcpopts.txt")
	setString(&c.Paths.CloudConf, "/etc/dnsmasq.d/cloud.conf")
	setString(&c.Paths.Leases, "/var/lib/misc/dnsmasq.leases")
	setString(&c.Paths.Ramdisk, "/ramdisk")
	setString(&c.Paths.RouterDir, filepath.Join(c.Paths.Ramdisk, "rrouter"))
	setString(&c.Paths.TemplatesDir, "/opt/cloud/templates")
	setString(&c.Paths.Keepalived, "/etc/keepalived/keepalived.conf")
	setString(&c.Paths.Conntrackd, "/etc/conntrackd/conntrackd.conf")
	setString(&c.Paths.HeartbeatCron, "/etc/cron.d/heartbeat")
	setString(&c.Paths.Hostname, "/etc/hostname")
	setString(&c.Paths.LockFile, "/var/run/vrconf.lock")

	// Dnsmasq defaults
	setString(&c.Dnsmasq.User, "dnsmasq")
	if c.Dnsmasq.LeaseMin == 0 {
		c.Dnsmasq.LeaseMin = 700
	}
	if c.Dnsmasq.LeaseMax == 0 {
		c.Dnsmasq.LeaseMax = 760
	}
	setString(&c.Dnsmasq.DefaultDomain, "cloudnine.internal")

	// Redundancy defaults
	if c.Redundancy.Priority == 0 {
		c.Redundancy.Priority = 100
	}
	if c.Redundancy.Weight == 0 {
		c.Redundancy.Weight = 2
	}
	setString(&c.Redundancy.MulticastAddress, "225.0.0.50")
	if c.Redundancy.MulticastGroup == 0 {
		c.Redundancy.MulticastGroup = 3780
	}
	if c.Redundancy.SocketBuffer == 0 {
		c.Redundancy.SocketBuffer = 1249280
	}

	setString(&c.Interfaces.Source, "netlink")

	// Observability defaults
	setString(&c.Observability.LogLevel, "info")
	setString(&c.Observability.LogFormat, "json")

	// Run log defaults
	setString(&c.RunLog.Driver, "sqlite")
	if c.RunLog.Driver == "sqlite" {
		setString(&c.RunLog.DSN, "/var/lib/vrconf/runs.db")
	}
	if c.RunLog.Retain == 0 {
		c.RunLog.Retain = 500
	}

	// History defaults
	if c.History.Enabled {
		setString(&c.History.Path, "/var/lib/vrconf/history")
		setString(&c.History.Author, "vrconf")
	}

	if c.Watch.PollInterval == 0 {
		c.Watch.PollInterval = 10 * time.Second
	}
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	paths := map[string]string{
		"databag_dir":    c.Paths.DataBagDir,
		"hosts":          c.Paths.Hosts,
		"dhcphosts":      c.Paths.DhcpHosts,
		"dhcpopts":       c.Paths.DhcpOpts,
		"cloud_conf":     c.Paths.CloudConf,
		"leases":         c.Paths.Leases,
		"ramdisk":        c.Paths.Ramdisk,
		"router_dir":     c.Paths.RouterDir,
		"templates_dir":  c.Paths.TemplatesDir,
		"keepalived":     c.Paths.Keepalived,
		"conntrackd":     c.Paths.Conntrackd,
		"heartbeat_cron": c.Paths.HeartbeatCron,
		"hostname":       c.Paths.Hostname,
		"lock_file":      c.Paths.LockFile,
	}
	for name, p := range paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("paths.%s must be an absolute path, got %q", name, p)
		}
	}

	// Validate dnsmasq config
	if c.Dnsmasq.User == "" {
		return fmt.Errorf("dnsmasq.user is required")
	}
	if c.Dnsmasq.LeaseMin <= 0 {
		return fmt.Errorf("dnsmasq.lease_min must be positive")
	}
	if c.Dnsmasq.LeaseMax < c.Dnsmasq.LeaseMin {
		return fmt.Errorf("dnsmasq.lease_max must be >= dnsmasq.lease_min")
	}

	// Validate redundancy config
	if c.Redundancy.Priority < 1 || c.Redundancy.Priority > 254 {
		return fmt.Errorf("redundancy.priority must be between 1 and 254")
	}
	if c.Redundancy.Weight < 0 {
		return fmt.Errorf("redundancy.weight must not be negative")
	}

	if c.Interfaces.Source != "netlink" && c.Interfaces.Source != "ip" {
		return fmt.Errorf("interfaces.source must be one of: netlink, ip")
	}

	if c.Shell.CommandTimeout < 0 {
		return fmt.Errorf("shell.command_timeout must not be negative")
	}

	// Validate observability config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.LogFormat] {
		return fmt.Errorf("log_format must be one of: json, text")
	}

	// Validate run log config
	switch c.RunLog.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.RunLog.DSN == "" {
			return fmt.Errorf("runlog.dsn is required for driver %s", c.RunLog.Driver)
		}
	default:
		return fmt.Errorf("runlog.driver must be one of: sqlite, postgres, none")
	}
	if c.RunLog.Retain < 0 {
		return fmt.Errorf("runlog.retain must not be negative")
	}

	if c.History.Enabled && !filepath.IsAbs(c.History.Path) {
		return fmt.Errorf("history.path must be an absolute path when history is enabled")
	}

	if c.Watch.PollInterval < time.Second {
		return fmt.Errorf("watch.poll_interval must be at least 1s")
	}

	return nil
}
