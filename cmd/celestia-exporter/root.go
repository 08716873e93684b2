package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cirocosta/celestia-exporter/pkg/collector"
	"github.com/cirocosta/celestia-exporter/pkg/config"
	"github.com/cirocosta/celestia-exporter/pkg/exporter"
	"github.com/cirocosta/celestia-exporter/pkg/leaderboard"
	"github.com/cirocosta/celestia-exporter/pkg/localnode"
	"github.com/cirocosta/celestia-exporter/pkg/refresher"
)

type command struct {
	configFile     string
	envFile        string
	logLevel       string
	logDevelopment bool

	telemetryPath    string
	bindAddr         string
	leaderboardURL   string
	leaderboardToken string
	pollInterval     time.Duration
	requestTimeout   time.Duration
	pruneAfter       uint64

	localEnabled        bool
	localBinary         string
	localNodeType       string
	localNetwork        string
	localRPCURL         string
	localAuthToken      string
	localCommandTimeout time.Duration
}

func (c *command) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "celestia-exporter",
		Short:        "Prometheus exporter for the celestia light node leaderboard",
		SilenceUsage: true,
		RunE:         c.RunE,
	}

	cmd.Flags().StringVar(&c.configFile, "config",
		"", "filepath of a yaml configuration file")
	_ = cmd.MarkFlagFilename("config", "yaml", "yml")

	cmd.Flags().StringVar(&c.envFile, "env-file",
		"", "filepath of a .env file to load secrets (e.g., "+
			config.EnvNodeAuthToken+") from")
	_ = cmd.MarkFlagFilename("env-file")

	cmd.Flags().StringVar(&c.logLevel, "log-level",
		"info", "minimum level of the logs to emit (debug, info, warn, error)")

	cmd.Flags().BoolVar(&c.logDevelopment, "log-development",
		false, "emit human friendly logs instead of json")

	cmd.Flags().StringVar(&c.bindAddr, "bind-addr",
		config.DefaultBindAddr, "address to bind the prometheus server to")

	cmd.Flags().StringVar(&c.telemetryPath, "telemetry-path",
		config.DefaultTelemetryPath, "endpoint at which prometheus metrics are served")

	cmd.Flags().StringVar(&c.leaderboardURL, "leaderboard-url",
		config.DefaultLeaderboardURL, "base url of the leaderboard api")

	cmd.Flags().StringVar(&c.leaderboardToken, "leaderboard-token",
		"", "bearer token to send to the leaderboard api")

	cmd.Flags().DurationVar(&c.pollInterval, "poll-interval",
		config.DefaultPollInterval, "time between leaderboard refreshes")

	cmd.Flags().DurationVar(&c.requestTimeout, "request-timeout",
		config.DefaultRequestTimeout, "maximum time to wait for a single leaderboard request")

	cmd.Flags().Uint64Var(&c.pruneAfter, "prune-after",
		config.DefaultPruneAfter, "number of consecutive polls a node may be missing "+
			"from before its series are removed (0 to never remove)")

	cmd.Flags().BoolVar(&c.localEnabled, "local",
		false, "also collect stats from a node running next to the exporter")

	cmd.Flags().StringVar(&c.localBinary, "local-binary",
		config.DefaultLocalBinary, "celestia binary used to query the local node")

	cmd.Flags().StringVar(&c.localNodeType, "local-node-type",
		config.DefaultLocalNodeType, "type of the local node (light, full, bridge)")

	cmd.Flags().StringVar(&c.localNetwork, "local-network",
		"", "network the local node is part of (e.g., mocha)")

	cmd.Flags().StringVar(&c.localRPCURL, "local-rpc-url",
		"", "rpc address of the local node (defaults to the binary's own)")

	cmd.Flags().StringVar(&c.localAuthToken, "local-auth-token",
		"", "auth token for the local node (issued through the binary if empty)")

	cmd.Flags().DurationVar(&c.localCommandTimeout, "local-command-timeout",
		config.DefaultLocalCommandTimeout, "maximum time to wait for a single local node query")

	return cmd
}

// resolveConfig layers the configuration sources: defaults, then the yaml
// file, then the environment and finally any flag explicitly set.
//
func (c *command) resolveConfig(cmd *cobra.Command, lookup config.LookupFunc) (config.Config, error) {
	cfg := config.DefaultConfig()

	if c.configFile != "" {
		var err error

		cfg, err = config.Load(c.configFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	if err := config.ApplyEnv(&cfg, lookup); err != nil {
		return config.Config{}, fmt.Errorf("apply env: %w", err)
	}

	flags := cmd.Flags()
	for name, apply := range map[string]func(){
		"bind-addr":             func() { cfg.BindAddr = c.bindAddr },
		"telemetry-path":        func() { cfg.TelemetryPath = c.telemetryPath },
		"leaderboard-url":       func() { cfg.LeaderboardURL = c.leaderboardURL },
		"leaderboard-token":     func() { cfg.LeaderboardToken = c.leaderboardToken },
		"poll-interval":         func() { cfg.PollInterval = c.pollInterval },
		"request-timeout":       func() { cfg.RequestTimeout = c.requestTimeout },
		"prune-after":           func() { cfg.PruneAfter = c.pruneAfter },
		"local":                 func() { cfg.Local.Enabled = c.localEnabled },
		"local-binary":          func() { cfg.Local.Binary = c.localBinary },
		"local-node-type":       func() { cfg.Local.NodeType = c.localNodeType },
		"local-network":         func() { cfg.Local.Network = c.localNetwork },
		"local-rpc-url":         func() { cfg.Local.RPCURL = c.localRPCURL },
		"local-auth-token":      func() { cfg.Local.AuthToken = c.localAuthToken },
		"local-command-timeout": func() { cfg.Local.CommandTimeout = c.localCommandTimeout },
	} {
		if flags.Changed(name) {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate: %w", err)
	}

	return cfg, nil
}

func (c *command) RunE(cmd *cobra.Command, _ []string) error {
	if c.envFile != "" {
		if err := config.LoadEnvFile(c.envFile); err != nil {
			return err
		}
	}

	cfg, err := c.resolveConfig(cmd, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	zapLogger, err := newZapLogger(c.logLevel, c.logDevelopment)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	log := zapr.NewLogger(zapLogger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, cfg, log)
}

func run(ctx context.Context, cfg config.Config, log logr.Logger) error {
	registry, err := collector.NewRegistry(
		collector.WithPruneAfter(cfg.PruneAfter),
		collector.WithLogger(log.WithName("collector")),
	)
	if err != nil {
		return fmt.Errorf("new registry: %w", err)
	}

	leaderboardOpts := []leaderboard.Option{
		leaderboard.WithTimeout(cfg.RequestTimeout),
		leaderboard.WithLogger(log.WithName("leaderboard")),
	}
	if cfg.LeaderboardToken != "" {
		leaderboardOpts = append(leaderboardOpts,
			leaderboard.WithBearerToken(cfg.LeaderboardToken),
		)
	}

	leaderboardClient, err := leaderboard.NewClient(cfg.LeaderboardURL, leaderboardOpts...)
	if err != nil {
		return fmt.Errorf("new leaderboard client '%s': %w", cfg.LeaderboardURL, err)
	}

	refresherOpts := []refresher.Option{
		refresher.WithInterval(cfg.PollInterval),
		refresher.WithLogger(log.WithName("refresher")),
	}

	if cfg.Local.Enabled {
		localClient, err := localnode.NewClient(
			localnode.WithBinary(cfg.Local.Binary),
			localnode.WithNodeType(cfg.Local.NodeType),
			localnode.WithNetwork(cfg.Local.Network),
			localnode.WithRPCURL(cfg.Local.RPCURL),
			localnode.WithAuthToken(cfg.Local.AuthToken),
			localnode.WithCommandTimeout(cfg.Local.CommandTimeout),
			localnode.WithLogger(log.WithName("localnode")),
		)
		if err != nil {
			return fmt.Errorf("new local node client: %w", err)
		}

		refresherOpts = append(refresherOpts, refresher.WithLocalFetcher(localClient))
	}

	poller, err := refresher.New(leaderboardClient, registry, refresherOpts...)
	if err != nil {
		return fmt.Errorf("new refresher: %w", err)
	}

	prometheusExporter, err := exporter.New(registry.Gatherer(),
		exporter.WithListenAddress(cfg.BindAddr),
		exporter.WithTelemetryPath(cfg.TelemetryPath),
		exporter.WithLogger(log.WithName("exporter")),
	)
	if err != nil {
		return fmt.Errorf("new exporter: %w", err)
	}
	defer prometheusExporter.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := poller.Run(gctx); err != nil {
			return fmt.Errorf("refresher run: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := prometheusExporter.Run(gctx); err != nil {
			return fmt.Errorf("prometheus exporter run: %w", err)
		}

		return nil
	})

	return g.Wait()
}

// newZapLogger builds the process-wide logger: json encoded unless
// `development` is set.
//
func newZapLogger(level string, development bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level '%s': %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}
