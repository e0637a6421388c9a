// Package config reads the core's runtime settings from the environment and
// from a viper-backed config file, the way the rest of the ambient stack
// resolves settings: environment variables win, then config file, then
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfig reads prefixed environment variables, e.g. prefix "FORGE" turns
// GetString("cache_dir") into a lookup of FORGE_CACHE_DIR.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig returns an EnvConfig for the given prefix.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: strings.ToUpper(prefix)}
}

func (e *EnvConfig) key(name string) string {
	return e.prefix + "_" + strings.ToUpper(name)
}

// GetString returns the raw string value, or "" if unset.
func (e *EnvConfig) GetString(name string) string {
	return os.Getenv(e.key(name))
}

// MustGetString panics if the variable is unset. Reserved for settings the
// driver cannot run without.
func (e *EnvConfig) MustGetString(name string) string {
	v := e.GetString(name)
	if v == "" {
		panic(fmt.Sprintf("config: required environment variable %s is not set", e.key(name)))
	}
	return v
}

// GetInt parses the variable as an int, returning def on absence or parse
// failure.
func (e *EnvConfig) GetInt(name string, def int) int {
	v := e.GetString(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool parses the variable as a bool, returning def on absence or parse
// failure.
func (e *EnvConfig) GetBool(name string, def bool) bool {
	v := e.GetString(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetDuration parses the variable with time.ParseDuration, returning def on
// absence or parse failure.
func (e *EnvConfig) GetDuration(name string, def time.Duration) time.Duration {
	v := e.GetString(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// CoreSettings are the environment-tunable knobs: SIMD dispatch disable,
// thread-count override, tracing enable, and the workspace MAC key for
// shared-cache mode.
type CoreSettings struct {
	CacheDir       string
	OutputDir      string
	MaxParallelism int  // 0 = auto (logical CPU count)
	DisableSIMD    bool
	TracingEnabled bool
	MACKeyHex      string // external key for shared caches; empty means derive locally
	CoordinatorHost string
	FailFast       bool
}

// Load builds CoreSettings from a viper instance seeded with defaults, a
// config file (if present), and FORGE_-prefixed environment variables, in
// that ascending order of precedence.
func Load(configPath string) (*CoreSettings, error) {
	v := viper.New()
	v.SetEnvPrefix("FORGE")
	v.AutomaticEnv()

	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("output_dir", "out")
	v.SetDefault("max_parallelism", 0)
	v.SetDefault("disable_simd", false)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("mac_key_hex", "")
	// Literal per an open design question: the excerpt states the default
	// coordinator host is 0.0.0.0; this is a configuration default, not core
	// policy, and may be overridden.
	v.SetDefault("coordinator_host", "0.0.0.0")
	v.SetDefault("fail_fast", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	return &CoreSettings{
		CacheDir:        v.GetString("cache_dir"),
		OutputDir:       v.GetString("output_dir"),
		MaxParallelism:  v.GetInt("max_parallelism"),
		DisableSIMD:     v.GetBool("disable_simd"),
		TracingEnabled:  v.GetBool("tracing_enabled"),
		MACKeyHex:       v.GetString("mac_key_hex"),
		CoordinatorHost: v.GetString("coordinator_host"),
		FailFast:        v.GetBool("fail_fast"),
	}, nil
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forge-cache"
	}
	return home + "/.cache/forge"
}
