package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/affinity"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/compliance"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/device"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/logutil"
)

var version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewCLI(hostEnvironment()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// NewCLI builds the sptt command tree on top of env.
func NewCLI(env environment) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sptt",
		Short: "Storage performance test tool",
		Long:  "Runs fio test sequences on NVMe and SATA devices in parallel, pinned to NUMA-local cores, and checks the results against datasheet values.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			noColor, _ := cmd.Flags().GetBool("no-color")
			initColors(noColor)
		},
	}
	rootCmd.SetOut(env.stdout)

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", defaultLogLevel, "Log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	cobra.EnableCommandSorting = false

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the model's test plan on the selected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			printHeader(env.stdout)
			out, err := runBenchmark(cmd.Context(), cfg, env)
			if err != nil {
				return err
			}
			fmt.Fprintln(env.stdout)
			printOutcomes(env.stdout, out.Summary)
			if len(out.Verdicts) > 0 {
				fmt.Fprintln(env.stdout)
				printVerdicts(env.stdout, out.Verdicts)
				printNote(env.stdout, "Analysis written to %s", out.Analysis)
			}
			printNote(env.stdout, "Results in %s", out.Dir)
			return out.Summary.Err()
		},
	}
	runCmd.Flags().String("results", defaultResultsRoot, "Directory the results folder is created in")
	runCmd.Flags().String("plan", defaultTestPlan, "Test plan file (JSONC)")
	runCmd.Flags().String("model", "", "SSD model key of the test plan, e.g. D7-P5520")
	runCmd.Flags().String("product", "", "Product name used for the ledger and analysis, e.g. D7-P5520-3.84TB")
	runCmd.Flags().StringSlice("device", nil, "Device to test (repeatable); default every unmounted disk")
	runCmd.Flags().Int("runtime", defaultRuntime, "Measurement runtime in seconds")
	runCmd.Flags().Bool("pin", true, "Pin each device's fio jobs to NUMA-local cores")
	runCmd.Flags().String("erase", "precondition", "Erase policy: precondition, always or never")
	runCmd.Flags().Bool("bw-log", true, "Write fio bandwidth logs averaged over 1s")
	runCmd.Flags().String("spec", "", "Datasheet table (JSONC); analyze the ledger when set")

	devicesCmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"list", "ls"},
		Short:   "List candidate disks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := device.Discover(cmd.Context(), env.runner)
			if err != nil {
				return err
			}
			printCandidates(env.stdout, candidates)
			return nil
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Show NUMA placement and the core partition without running fio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			logger, err := consoleLogger(cfg, env)
			if err != nil {
				return err
			}
			devices, err := selectDevices(cmd.Context(), cfg, env.runner)
			if err != nil {
				return err
			}
			names := deviceNames(devices)
			facts, err := env.topology(env.runner, logger).Resolve(cmd.Context(), names)
			if err != nil {
				return errors.Wrap(err, "resolving topology")
			}
			printTopology(env.stdout, facts, names)
			fmt.Fprintln(env.stdout)
			printPartition(env.stdout, affinity.Partition(names, facts, logger))
			return nil
		},
	}
	topologyCmd.Flags().StringSlice("device", nil, "Device to include (repeatable); default every unmounted disk")

	analyzeCmd := &cobra.Command{
		Use:   "analyze LEDGER",
		Short: "Classify a results ledger against datasheet values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			if cfg.SpecTable == "" {
				return errors.New("no datasheet table given (--spec or SPTT_SPEC_TABLE)")
			}
			product := cfg.Product
			if product == "" {
				var ok bool
				if product, ok = compliance.ProductFromLedger(args[0]); !ok {
					return errors.Errorf("cannot derive the product from %s; pass --product", args[0])
				}
			}
			path, verdicts, err := analyzeLedger(args[0], cfg.SpecTable, product)
			if err != nil {
				return err
			}
			printVerdicts(env.stdout, verdicts)
			printNote(env.stdout, "Analysis written to %s", path)
			return nil
		},
	}
	analyzeCmd.Flags().String("spec", "", "Datasheet table (JSONC)")
	analyzeCmd.Flags().String("product", "", "Product name, e.g. D7-P5520-3.84TB; default from the ledger file name")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(env.stdout, "sptt v%s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, devicesCmd, topologyCmd, analyzeCmd, versionCmd)
	return rootCmd
}

func consoleLogger(cfg Config, env environment) (*slog.Logger, error) {
	level, err := logutil.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logutil.NewLogger(env.logSink, level), nil
}
