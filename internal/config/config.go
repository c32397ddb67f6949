// Package config holds proxfleetd runtime configuration: defaults, YAML
// loading, and live reload of the tunable subset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds proxfleetd runtime configuration.
type Config struct {
	// DataDir is the base directory for proxfleet runtime data.
	DataDir string `yaml:"data_dir"`

	// SocketPath is the unix socket path for the proxfleetd API.
	SocketPath string `yaml:"socket_path"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// ForwardProxyBin is the path to the forward proxy daemon binary.
	// Empty means search PATH for "squid".
	ForwardProxyBin string `yaml:"forward_proxy_bin"`

	// TLSTunnelBin is the path to the TLS tunnel daemon binary.
	// Empty means search PATH for "sniproxy".
	TLSTunnelBin string `yaml:"tls_tunnel_bin"`

	// BasicAuthHelper is the proxy's basic-auth helper program path,
	// substituted into generated forward proxy configs.
	BasicAuthHelper string `yaml:"basic_auth_helper"`

	// CoverSiteAddress is where tunnel cover-domain traffic is sent.
	CoverSiteAddress string `yaml:"cover_site_address"`

	// CertValidityDays is the self-signed certificate lifetime.
	CertValidityDays int `yaml:"cert_validity_days"`

	// CertKeySize is the RSA key size for generated certificates.
	CertKeySize int `yaml:"cert_key_size"`

	// CertExpiryWarn is how far ahead the sweeper warns about expiry.
	CertExpiryWarn time.Duration `yaml:"cert_expiry_warn"`

	// ReadyTimeout bounds the wait for a started instance's listener.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// StopTimeout bounds graceful shutdown before SIGKILL.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// MonitorInterval is the process liveness re-check cadence.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// EventRetention is how long audit events are kept.
	EventRetention time.Duration `yaml:"event_retention"`

	// SweepSchedule is the cron expression for the maintenance sweep
	// (certificate expiry checks, event pruning).
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".proxfleet")

	return &Config{
		DataDir:          filepath.Join(baseDir, "data"),
		SocketPath:       filepath.Join(baseDir, "proxfleetd.sock"),
		MetricsAddr:      "127.0.0.1:9309",
		BasicAuthHelper:  "/usr/lib/squid/basic_ncsa_auth",
		CoverSiteAddress: "127.0.0.1:8443",
		CertValidityDays: 365,
		CertKeySize:      2048,
		CertExpiryWarn:   30 * 24 * time.Hour,
		ReadyTimeout:     10 * time.Second,
		StopTimeout:      5 * time.Second,
		MonitorInterval:  10 * time.Second,
		EventRetention:   30 * 24 * time.Hour,
		SweepSchedule:    "@hourly",
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if c.CertValidityDays <= 0 {
		return fmt.Errorf("cert_validity_days must be positive")
	}
	switch c.CertKeySize {
	case 2048, 3072, 4096:
	default:
		return fmt.Errorf("cert_key_size must be 2048, 3072 or 4096")
	}
	for name, d := range map[string]time.Duration{
		"ready_timeout":    c.ReadyTimeout,
		"stop_timeout":     c.StopTimeout,
		"monitor_interval": c.MonitorInterval,
		"event_retention":  c.EventRetention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// InstancesDir is where per-instance directories live.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.DataDir, "instances")
}

// EventDBPath is the SQLite audit log location.
func (c *Config) EventDBPath() string {
	return filepath.Join(c.DataDir, "events.db")
}

// PIDFilePath is where the daemon records its pid.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "proxfleetd.pid")
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.InstancesDir(),
		filepath.Dir(c.SocketPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
