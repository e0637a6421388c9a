// Package cli provides the forge command-line driver: configuration
// loading, subcommand wiring, and the exit-code contract described in the
// core's external interfaces. The core packages (graph, cache, scheduler,
// coordinator, workerpool) know nothing about cobra or flags; this package
// is the thin adapter that turns process args into calls against them,
// adapted from cli/root.go viper+cobra bootstrap.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forge.build/internal/config"
	"forge.build/internal/obslog"
)

// Exit codes per the external-interfaces contract.
const (
	ExitSuccess       = 0
	ExitBuildFailure  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitInternalError = 4
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge is a polyglot, hermetic, incremental build system",
	Long: `forge builds a dependency graph of targets across language handlers,
fingerprints inputs content-addressably, and executes only what changed,
optionally distributing work across a coordinator/worker pool.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default search: $HOME/forge.yaml, ./forge.yaml)")
	RootCmd.PersistentFlags().String("cache-dir", "", "cache directory root")
	RootCmd.PersistentFlags().Int("threads", 0, "worker thread override (0 = logical CPU count)")
	RootCmd.PersistentFlags().Bool("trace", false, "enable execution tracing")
	RootCmd.PersistentFlags().Bool("no-simd", false, "disable SIMD hash dispatch")

	viper.BindPFlag("cache_dir", RootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("threads", RootCmd.PersistentFlags().Lookup("threads"))
	viper.BindPFlag("trace_enabled", RootCmd.PersistentFlags().Lookup("trace"))
	viper.BindPFlag("disable_simd", RootCmd.PersistentFlags().Lookup("no-simd"))

	RootCmd.AddCommand(buildCmd, testCmd, watchCmd, cleanCmd, cacheCmd, coordinatorCmd, workerCmd, remoteCacheCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("forge")
	}

	viper.SetEnvPrefix("FORGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// loadSettings wraps internal/config.Load with the config file initConfig
// settled on (--config, or the one found by the default search), then applies
// the --cache-dir and --threads overrides.
func loadSettings() (*config.CoreSettings, error) {
	s, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	if dir := viper.GetString("cache_dir"); dir != "" {
		s.CacheDir = dir
	}
	if n := viper.GetInt("threads"); n > 0 {
		s.MaxParallelism = n
	}
	return s, nil
}

func newLogger() *logrus.Entry {
	return obslog.Entry(obslog.New(obslog.DefaultConfig("cli")), "cli")
}

// Execute runs the root command and returns the process exit code; it
// never calls os.Exit itself so callers (tests, cmd/forge/main.go) decide
// how to terminate.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		if ce, ok := err.(*CLIError); ok {
			fmt.Fprintln(os.Stderr, "error:", ce.Err)
			return ce.Code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitInternalError
	}
	return ExitSuccess
}

// CLIError lets subcommands attach a specific exit code to a returned error.
type CLIError struct {
	Code int
	Err  error
}

func (e *CLIError) Error() string { return e.Err.Error() }
func (e *CLIError) Unwrap() error { return e.Err }

func usageErr(format string, args ...any) error {
	return &CLIError{Code: ExitUsageError, Err: fmt.Errorf(format, args...)}
}

func configErr(err error) error {
	return &CLIError{Code: ExitConfigError, Err: err}
}

func buildErr(err error) error {
	return &CLIError{Code: ExitBuildFailure, Err: err}
}
