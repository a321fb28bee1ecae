package main

import (
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/logutil"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/pipeline"
)

const (
	defaultResultsRoot = "."
	defaultTestPlan    = "testplan.jsonc"
	defaultRuntime     = 60
	defaultLogLevel    = "info"
)

// Config is read from an optional YAML file, then SPTT_* variables, then
// command line flags.
type Config struct {
	ResultsRoot  string   `yaml:"results_root" env:"SPTT_RESULTS_ROOT"`
	TestPlan     string   `yaml:"test_plan" env:"SPTT_TEST_PLAN"`
	Model        string   `yaml:"model" env:"SPTT_MODEL"`
	Product      string   `yaml:"product" env:"SPTT_PRODUCT"`
	Devices      []string `yaml:"devices" env:"SPTT_DEVICES" env-separator:","`
	Runtime      int      `yaml:"runtime" env:"SPTT_RUNTIME"`
	Pin          bool     `yaml:"pin" env:"SPTT_PIN"`
	ErasePolicy  string   `yaml:"erase_policy" env:"SPTT_ERASE_POLICY"`
	LogBandwidth bool     `yaml:"log_bandwidth" env:"SPTT_LOG_BANDWIDTH"`
	LogLevel     string   `yaml:"log_level" env:"SPTT_LOG_LEVEL"`
	SpecTable    string   `yaml:"spec_table" env:"SPTT_SPEC_TABLE"`
}

type configLoader func(path string, cfg *Config) error

// cleanenvLoader reads the YAML file when one is given and applies the
// environment on top.
func cleanenvLoader(path string, cfg *Config) error {
	if path != "" {
		return cleanenv.ReadConfig(path, cfg)
	}
	return cleanenv.ReadEnv(cfg)
}

func loadConfig(path string, loader configLoader) (Config, error) {
	cfg := Config{
		ResultsRoot:  defaultResultsRoot,
		TestPlan:     defaultTestPlan,
		Runtime:      defaultRuntime,
		Pin:          true,
		ErasePolicy:  string(pipeline.ErasePrecondition),
		LogBandwidth: true,
		LogLevel:     defaultLogLevel,
	}
	if loader == nil {
		loader = func(string, *Config) error { return nil }
	}
	if err := loader(path, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read configuration")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Runtime <= 0 {
		return errors.Errorf("runtime must be positive, got %d", c.Runtime)
	}
	if !pipeline.ErasePolicy(c.ErasePolicy).Valid() {
		return errors.Errorf("unknown erase policy %q (want precondition, always or never)", c.ErasePolicy)
	}
	if _, err := logutil.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ResultsRoot == "" {
		c.ResultsRoot = defaultResultsRoot
	}
	return nil
}

// applyFlags overrides config values with the flags the user actually set.
func (c *Config) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, fn func() error) {
		if err == nil && flags.Changed(name) {
			err = fn()
		}
	}
	set("results", func() (e error) { c.ResultsRoot, e = flags.GetString("results"); return })
	set("plan", func() (e error) { c.TestPlan, e = flags.GetString("plan"); return })
	set("model", func() (e error) { c.Model, e = flags.GetString("model"); return })
	set("product", func() (e error) { c.Product, e = flags.GetString("product"); return })
	set("device", func() (e error) { c.Devices, e = flags.GetStringSlice("device"); return })
	set("runtime", func() (e error) { c.Runtime, e = flags.GetInt("runtime"); return })
	set("pin", func() (e error) { c.Pin, e = flags.GetBool("pin"); return })
	set("erase", func() (e error) { c.ErasePolicy, e = flags.GetString("erase"); return })
	set("bw-log", func() (e error) { c.LogBandwidth, e = flags.GetBool("bw-log"); return })
	set("log-level", func() (e error) { c.LogLevel, e = flags.GetString("log-level"); return })
	set("spec", func() (e error) { c.SpecTable, e = flags.GetString("spec"); return })
	if err != nil {
		return err
	}
	return c.validate()
}

// configFor loads the configuration named by --config and layers the
// command's flags over it.
func configFor(cmd *cobra.Command) (Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path, cleanenvLoader)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(cmd); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
