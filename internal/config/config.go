package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/launchgate/internal/model"
)

type Config struct {
	SocketPath string
	DBPath     string
	LogLevel   string

	GateURL            string
	ConfigEndpoint     string
	AttributionBaseURL string
	AppID              string
	DevKey             string
	BundleID           string
	ProjectID          string

	NoDataTimeout       time.Duration
	ConsolidationWindow time.Duration
	OrganicDelay        time.Duration
	GateDeniedDelay     time.Duration
	NetworkTimeout      time.Duration
	AuthPromptInterval  time.Duration
	WatchTimeout        time.Duration

	ProbeAddress         string
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	OfflineAfterFailures int
	OnlineAfterSuccesses int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		LogLevel:             "info",
		AttributionBaseURL:   "https://gcdsdk.appsflyer.com/install_data/v4.0",
		NoDataTimeout:        30 * time.Second,
		ConsolidationWindow:  10 * time.Second,
		OrganicDelay:         5 * time.Second,
		GateDeniedDelay:      500 * time.Millisecond,
		NetworkTimeout:       30 * time.Second,
		AuthPromptInterval:   259200 * time.Second,
		WatchTimeout:         25 * time.Second,
		ProbeAddress:         "connectivitycheck.gstatic.com:80",
		ProbeInterval:        5 * time.Second,
		ProbeTimeout:         3 * time.Second,
		OfflineAfterFailures: 2,
		OnlineAfterSuccesses: 1,
	}
}

// fileConfig mirrors Config for YAML files; durations are Go duration strings.
type fileConfig struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Remote struct {
		GateURL            string `yaml:"gate_url"`
		ConfigEndpoint     string `yaml:"config_endpoint"`
		AttributionBaseURL string `yaml:"attribution_base_url"`
		AppID              string `yaml:"app_id"`
		DevKey             string `yaml:"dev_key"`
		BundleID           string `yaml:"bundle_id"`
		ProjectID          string `yaml:"project_id"`
	} `yaml:"remote"`

	Timing struct {
		NoDataTimeout       string `yaml:"no_data_timeout"`
		ConsolidationWindow string `yaml:"consolidation_window"`
		OrganicDelay        string `yaml:"organic_delay"`
		GateDeniedDelay     string `yaml:"gate_denied_delay"`
		NetworkTimeout      string `yaml:"network_timeout"`
		AuthPromptInterval  string `yaml:"auth_prompt_interval"`
		WatchTimeout        string `yaml:"watch_timeout"`
	} `yaml:"timing"`

	Connectivity struct {
		ProbeAddress         string `yaml:"probe_address"`
		ProbeInterval        string `yaml:"probe_interval"`
		ProbeTimeout         string `yaml:"probe_timeout"`
		OfflineAfterFailures int    `yaml:"offline_after_failures"`
		OnlineAfterSuccesses int    `yaml:"online_after_successes"`
	} `yaml:"connectivity"`
}

// Load returns DefaultConfig overlaid with the YAML file at path. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.apply(fc); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(fc fileConfig) error {
	setString(&c.SocketPath, fc.SocketPath)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.GateURL, fc.Remote.GateURL)
	setString(&c.ConfigEndpoint, fc.Remote.ConfigEndpoint)
	setString(&c.AttributionBaseURL, fc.Remote.AttributionBaseURL)
	setString(&c.AppID, fc.Remote.AppID)
	setString(&c.DevKey, fc.Remote.DevKey)
	setString(&c.BundleID, fc.Remote.BundleID)
	setString(&c.ProjectID, fc.Remote.ProjectID)
	setString(&c.ProbeAddress, fc.Connectivity.ProbeAddress)
	if fc.Connectivity.OfflineAfterFailures > 0 {
		c.OfflineAfterFailures = fc.Connectivity.OfflineAfterFailures
	}
	if fc.Connectivity.OnlineAfterSuccesses > 0 {
		c.OnlineAfterSuccesses = fc.Connectivity.OnlineAfterSuccesses
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timing.no_data_timeout", fc.Timing.NoDataTimeout, &c.NoDataTimeout},
		{"timing.consolidation_window", fc.Timing.ConsolidationWindow, &c.ConsolidationWindow},
		{"timing.organic_delay", fc.Timing.OrganicDelay, &c.OrganicDelay},
		{"timing.gate_denied_delay", fc.Timing.GateDeniedDelay, &c.GateDeniedDelay},
		{"timing.network_timeout", fc.Timing.NetworkTimeout, &c.NetworkTimeout},
		{"timing.auth_prompt_interval", fc.Timing.AuthPromptInterval, &c.AuthPromptInterval},
		{"timing.watch_timeout", fc.Timing.WatchTimeout, &c.WatchTimeout},
		{"connectivity.probe_interval", fc.Connectivity.ProbeInterval, &c.ProbeInterval},
		{"connectivity.probe_timeout", fc.Connectivity.ProbeTimeout, &c.ProbeTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate rejects configurations the director cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"no_data_timeout":      c.NoDataTimeout,
		"consolidation_window": c.ConsolidationWindow,
		"network_timeout":      c.NetworkTimeout,
		"probe_interval":       c.ProbeInterval,
		"probe_timeout":        c.ProbeTimeout,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OrganicDelay < 0 || c.GateDeniedDelay < 0 || c.AuthPromptInterval < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	for name, raw := range map[string]string{
		"gate_url":             c.GateURL,
		"config_endpoint":      c.ConfigEndpoint,
		"attribution_base_url": c.AttributionBaseURL,
	} {
		if raw == "" {
			continue
		}
		if _, ok := model.NormalizeDestination(raw); !ok {
			errs = append(errs, fmt.Errorf("%s is not an absolute http(s) url: %q", name, raw))
		}
	}
	if c.OfflineAfterFailures <= 0 || c.OnlineAfterSuccesses <= 0 {
		errs = append(errs, errors.New("connectivity thresholds must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "launchgate", "launchgated.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".launchgated.sock"
	}
	return filepath.Join(home, ".local", "state", "launchgate", "launchgated.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "launchgate.db"
	}
	return filepath.Join(home, ".local", "state", "launchgate", "state.db")
}
