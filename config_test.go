package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	require.Equal(t, defaultRuntime, cfg.Runtime)
	require.Equal(t, "precondition", cfg.ErasePolicy)
	require.True(t, cfg.Pin)
	require.True(t, cfg.LogBandwidth)
	require.NoError(t, cfg.validate())
}

func TestLoadConfigLoaderError(t *testing.T) {
	_, err := loadConfig("x.yaml", func(string, *Config) error { return errors.New("boom") })
	require.ErrorContains(t, err, "read configuration: boom")
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sptt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: D7-P5520
devices: [nvme0n1, nvme1n1]
runtime: 300
pin: false
erase_policy: never
`), 0o644))
	t.Setenv("SPTT_RUNTIME", "120")
	t.Setenv("SPTT_SPEC_TABLE", "/etc/sptt/spec.jsonc")

	cfg, err := loadConfig(path, cleanenvLoader)
	require.NoError(t, err)
	require.Equal(t, "D7-P5520", cfg.Model)
	require.Equal(t, []string{"nvme0n1", "nvme1n1"}, cfg.Devices)
	require.Equal(t, 120, cfg.Runtime)
	require.False(t, cfg.Pin)
	require.Equal(t, "never", cfg.ErasePolicy)
	require.Equal(t, "/etc/sptt/spec.jsonc", cfg.SpecTable)
	require.Equal(t, defaultTestPlan, cfg.TestPlan)
}

func TestLoadConfigEnvironmentOnly(t *testing.T) {
	t.Setenv("SPTT_DEVICES", "nvme2n1,nvme3n1")
	t.Setenv("SPTT_LOG_BANDWIDTH", "false")
	cfg, err := loadConfig("", cleanenvLoader)
	require.NoError(t, err)
	require.Equal(t, []string{"nvme2n1", "nvme3n1"}, cfg.Devices)
	require.False(t, cfg.LogBandwidth)
}

func TestConfigValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		err    string
	}{
		"runtime":     {func(c *Config) { c.Runtime = 0 }, "runtime must be positive"},
		"erase":       {func(c *Config) { c.ErasePolicy = "sometimes" }, "unknown erase policy"},
		"log level":   {func(c *Config) { c.LogLevel = "chatty" }, "unknown log level"},
		"empty root":  {func(c *Config) { c.ResultsRoot = "" }, ""},
		"trace level": {func(c *Config) { c.LogLevel = "trace" }, ""},
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := loadConfig("", nil)
			require.NoError(t, err)
			tc.mutate(&cfg)
			err = cfg.validate()
			if tc.err == "" {
				require.NoError(t, err)
				require.NotEmpty(t, cfg.ResultsRoot)
				return
			}
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestApplyFlagsOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{Use: "run", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().Int("runtime", defaultRuntime, "")
	cmd.Flags().Bool("pin", true, "")
	cmd.Flags().StringSlice("device", nil, "")
	cmd.Flags().String("erase", "precondition", "")
	require.NoError(t, cmd.ParseFlags([]string{"--runtime=30", "--device", "nvme0n1", "--device", "nvme1n1"}))

	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.Pin = false
	cfg.ErasePolicy = "always"
	require.NoError(t, cfg.applyFlags(cmd))

	require.Equal(t, 30, cfg.Runtime)
	require.Equal(t, []string{"nvme0n1", "nvme1n1"}, cfg.Devices)
	// untouched flags keep the configured values
	require.False(t, cfg.Pin)
	require.Equal(t, "always", cfg.ErasePolicy)

	require.NoError(t, cmd.ParseFlags([]string{"--erase=sometimes"}))
	require.ErrorContains(t, cfg.applyFlags(cmd), "unknown erase policy")
}
