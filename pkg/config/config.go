// Package config gathers the exporter's settings from defaults, an optional
// YAML file and the environment.
//
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr       = ":3456"
	DefaultTelemetryPath  = "/metrics"
	DefaultLeaderboardURL = "https://leaderboard.celestia.tools"
	DefaultPollInterval   = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultPruneAfter     = 10

	DefaultLocalBinary         = "celestia"
	DefaultLocalNodeType       = "light"
	DefaultLocalCommandTimeout = 10 * time.Second
)

// Environment variables looked up by ApplyEnv.
//
const (
	EnvPrefix = "CELESTIA_EXPORTER_"

	EnvLeaderboardToken = "CELESTIA_LEADERBOARD_TOKEN"
	EnvNodeAuthToken    = "CELESTIA_NODE_AUTH_TOKEN"
)

// Config holds every setting of the exporter.
//
type Config struct {
	BindAddr       string        `yaml:"bind_addr"`
	TelemetryPath  string        `yaml:"telemetry_path"`
	LeaderboardURL string        `yaml:"leaderboard_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PruneAfter     uint64        `yaml:"prune_after"`

	// LeaderboardToken is a bearer token sent to the leaderboard, if set.
	//
	LeaderboardToken string `yaml:"leaderboard_token,omitempty"`

	Local LocalConfig `yaml:"local"`
}

// LocalConfig describes how to reach a node running next to the exporter.
//
type LocalConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Binary         string        `yaml:"binary"`
	NodeType       string        `yaml:"node_type"`
	Network        string        `yaml:"network,omitempty"`
	RPCURL         string        `yaml:"rpc_url,omitempty"`
	AuthToken      string        `yaml:"auth_token,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:       DefaultBindAddr,
		TelemetryPath:  DefaultTelemetryPath,
		LeaderboardURL: DefaultLeaderboardURL,
		PollInterval:   DefaultPollInterval,
		RequestTimeout: DefaultRequestTimeout,
		PruneAfter:     DefaultPruneAfter,
		Local: LocalConfig{
			Binary:         DefaultLocalBinary,
			NodeType:       DefaultLocalNodeType,
			CommandTimeout: DefaultLocalCommandTimeout,
		},
	}
}

// Load reads a YAML config file on top of the defaults: settings missing
// from the file keep their default values.
//
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read '%s': %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal '%s': %w", path, err)
	}

	return cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// that are already set are left alone.
//
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file '%s': %w", path, err)
	}

	return nil
}

// LookupFunc retrieves the value of an environment variable, reporting
// whether it is set (see os.LookupEnv).
//
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides `cfg` with the environment variables found through
// `lookup`.
//
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := &envReader{lookup: lookup}

	e.str(EnvPrefix+"BIND_ADDR", &cfg.BindAddr)
	e.str(EnvPrefix+"TELEMETRY_PATH", &cfg.TelemetryPath)
	e.str(EnvPrefix+"LEADERBOARD_URL", &cfg.LeaderboardURL)
	e.duration(EnvPrefix+"POLL_INTERVAL", &cfg.PollInterval)
	e.duration(EnvPrefix+"REQUEST_TIMEOUT", &cfg.RequestTimeout)
	e.number(EnvPrefix+"PRUNE_AFTER", &cfg.PruneAfter)
	e.str(EnvLeaderboardToken, &cfg.LeaderboardToken)

	e.toggle(EnvPrefix+"LOCAL_ENABLED", &cfg.Local.Enabled)
	e.str(EnvPrefix+"LOCAL_BINARY", &cfg.Local.Binary)
	e.str(EnvPrefix+"LOCAL_NODE_TYPE", &cfg.Local.NodeType)
	e.str(EnvPrefix+"LOCAL_NETWORK", &cfg.Local.Network)
	e.str(EnvPrefix+"LOCAL_RPC_URL", &cfg.Local.RPCURL)
	e.duration(EnvPrefix+"LOCAL_COMMAND_TIMEOUT", &cfg.Local.CommandTimeout)
	e.str(EnvNodeAuthToken, &cfg.Local.AuthToken)

	return e.err
}

// Validate checks that the configuration can be used to run the exporter.
//
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("bind address is required")
	}

	if !strings.HasPrefix(c.TelemetryPath, "/") {
		return fmt.Errorf("telemetry path must start with '/', got '%s'", c.TelemetryPath)
	}

	u, err := url.Parse(c.LeaderboardURL)
	if err != nil {
		return fmt.Errorf("leaderboard url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("leaderboard url must be http(s), got '%s'", c.LeaderboardURL)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}

	if c.Local.Enabled {
		if c.Local.Binary == "" {
			return errors.New("local binary is required when the local node is enabled")
		}
		if c.Local.NodeType == "" {
			return errors.New("local node type is required when the local node is enabled")
		}
		if c.Local.CommandTimeout <= 0 {
			return fmt.Errorf("local command timeout must be positive, got %s", c.Local.CommandTimeout)
		}
	}

	return nil
}

// envReader accumulates the first parsing error so that ApplyEnv reads as a
// flat list of variables.
//
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}

	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}

	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}

	*dst = d
}

func (e *envReader) number(key string, dst *uint64) {
	v, ok := e.get(key)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}

	*dst = n
}

func (e *envReader) toggle(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}

	*dst = b
}
