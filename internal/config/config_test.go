package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfig_GetStringUsesPrefixedUppercasedName(t *testing.T) {
	t.Setenv("FORGE_CACHE_DIR", "/tmp/cache")
	e := NewEnvConfig("forge")
	assert.Equal(t, "/tmp/cache", e.GetString("cache_dir"))
}

func TestEnvConfig_GetStringReturnsEmptyWhenUnset(t *testing.T) {
	e := NewEnvConfig("forge")
	assert.Equal(t, "", e.GetString("totally_unset_key"))
}

func TestEnvConfig_MustGetStringPanicsWhenUnset(t *testing.T) {
	e := NewEnvConfig("forge")
	assert.Panics(t, func() { e.MustGetString("totally_unset_key") })
}

func TestEnvConfig_GetIntFallsBackOnParseFailure(t *testing.T) {
	t.Setenv("FORGE_THREADS", "not-a-number")
	e := NewEnvConfig("forge")
	assert.Equal(t, 4, e.GetInt("threads", 4))
}

func TestEnvConfig_GetIntParsesValidValue(t *testing.T) {
	t.Setenv("FORGE_THREADS", "8")
	e := NewEnvConfig("forge")
	assert.Equal(t, 8, e.GetInt("threads", 4))
}

func TestEnvConfig_GetBoolParsesValidValue(t *testing.T) {
	t.Setenv("FORGE_TRACE", "true")
	e := NewEnvConfig("forge")
	assert.True(t, e.GetBool("trace", false))
}

func TestEnvConfig_GetDurationParsesValidValue(t *testing.T) {
	t.Setenv("FORGE_TIMEOUT", "30s")
	e := NewEnvConfig("forge")
	assert.Equal(t, 30*time.Second, e.GetDuration("timeout", time.Minute))
}

func TestEnvConfig_GetDurationFallsBackOnParseFailure(t *testing.T) {
	t.Setenv("FORGE_TIMEOUT", "not-a-duration")
	e := NewEnvConfig("forge")
	assert.Equal(t, time.Minute, e.GetDuration("timeout", time.Minute))
}

func TestLoad_AppliesDefaultsWithNoConfigFileOrEnv(t *testing.T) {
	settings, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "out", settings.OutputDir)
	assert.Equal(t, "0.0.0.0", settings.CoordinatorHost)
	assert.False(t, settings.DisableSIMD)
}

func TestLoad_EnvironmentOverridesConfigFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "forge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("output_dir: from-file\n"), 0o644))

	t.Setenv("FORGE_OUTPUT_DIR", "from-env")

	settings, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env", settings.OutputDir)
}

func TestLoad_ReadsConfigFileWhenEnvUnset(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "forge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("output_dir: from-file\nfail_fast: true\n"), 0o644))

	settings, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "from-file", settings.OutputDir)
	assert.True(t, settings.FailFast)
}

func TestLoad_ErrorsOnExplicitlyNamedMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/forge.yaml")
	assert.Error(t, err, "an explicitly named config path that doesn't exist is a real error, not absence")
}

func TestLoad_ToleratesNoConfigPathGiven(t *testing.T) {
	_, err := Load("")
	assert.NoError(t, err)
}
