package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/screa/coin-finder/internal/config"
	logpkg "github.com/screa/coin-finder/internal/logger"
	"github.com/screa/coin-finder/pkg/scanner"
)

var (
	cfg        = config.NewConfig()
	configFile string
	logger     *logpkg.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coin-finder",
		Short: "Generate Ethereum key candidates and check their balances",
		Long: `coin-finder draws secp256k1 key candidates from a SHA3 counter-mode stream,
derives their addresses and checks balances with batched eth_getBalance calls.
Funded addresses are appended to a CSV file.`,
		SilenceUsage: true,
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run workers until interrupted",
		RunE:  runScan,
	}
	addScanFlags(scanCmd.Flags())
	scanCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.AddCommand(scanCmd)
	return rootCmd
}

func addScanFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&cfg.RPCURL, "rpc-url", "u", cfg.RPCURL, "Ethereum JSON-RPC endpoint (env ETH_RPC_URL)")
	fs.StringVar(&cfg.ProviderName, "provider", cfg.ProviderName, "Provider name recorded with each hit")
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of worker goroutines")
	fs.IntVarP(&cfg.BatchSize, "batch-size", "b", cfg.BatchSize, "Candidates per batch call")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "Timeout for a single batch request")
	fs.IntVar(&cfg.MaxOutstanding, "max-outstanding", cfg.MaxOutstanding, "Maximum concurrent batch requests")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum attempts per batch request")
	fs.DurationVar(&cfg.MaxRetryTime, "max-retry-time", cfg.MaxRetryTime, "Maximum total time spent retrying a batch")
	fs.DurationVar(&cfg.StatsRefreshInterval, "refresh", cfg.StatsRefreshInterval, "Dashboard refresh interval")
	fs.DurationVar(&cfg.StatsSaveInterval, "stats-save-interval", cfg.StatsSaveInterval, "Minimum time between lifetime stats writes")
	fs.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Directory for hits and lifetime stats")
	fs.StringVar(&cfg.HitsFilename, "hits-file", cfg.HitsFilename, "CSV file name for hits")
	fs.StringVar(&cfg.StatsFilename, "stats-file", cfg.StatsFilename, "Lifetime stats file name, empty to disable")
	fs.StringVarP(&cfg.Seed, "seed", "s", cfg.Seed, "Base seed mixed into every batch stream")
	fs.DurationVar(&cfg.FailureCooldown, "failure-cooldown", cfg.FailureCooldown, "Pause after a failed batch")
	fs.BoolVar(&cfg.AdvanceBatchOnFailure, "advance-batch-on-failure", cfg.AdvanceBatchOnFailure, "Use a new batch id after a failed batch")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVarP(&cfg.LogFile, "log-file", "l", cfg.LogFile, "Log file (default: stderr with dashboard, stdout without)")
	fs.BoolVar(&cfg.NoDashboard, "no-dashboard", cfg.NoDashboard, "Log progress lines instead of drawing the dashboard")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
}

// flagAliases maps long-form flag names to their canonical flags
var flagAliases = map[string]string{
	"eth-rpc-url":            "rpc-url",
	"provider-name":          "provider",
	"rpc-max-outstanding":    "max-outstanding",
	"stats-refresh-interval": "refresh",
	"hits-filename":          "hits-file",
}

func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if canonical, ok := flagAliases[name]; ok {
		name = canonical
	}
	return pflag.NormalizedName(name)
}

// loadConfig layers the YAML file and environment under any flags given
// explicitly on the command line
func loadConfig(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) error {
	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			explicit[f.Name] = f.Value.String()
		}
	})

	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return cfg.Validate()
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags(), os.LookupEnv); err != nil {
		return err
	}

	closeLog, err := setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	sessionID := uuid.NewString()
	logger.WithField("session", sessionID).Infof("Starting coin-finder with %d workers...", cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := scanner.NewScanner(cfg, logger.Component("scanner"), scanner.WithSessionID(sessionID))
	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	if ctx.Err() != nil {
		logger.Info("Stopped by signal.")
	}
	return nil
}

func setupLogging() (func(), error) {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if !cfg.NoDashboard {
		out = os.Stderr
	}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = file
		closeFn = func() { file.Close() }
	}

	logger = logpkg.NewWriter(out)
	if err := logger.SetLevelName(cfg.LogLevel); err != nil {
		closeFn()
		return nil, err
	}
	return closeFn, nil
}
