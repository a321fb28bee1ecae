package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/affinity"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/compliance"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/coordinator"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/device"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/ledger"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/logutil"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/metrics"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/pipeline"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/testplan"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/topology"
)

// Files written into the results directory next to the ledger and logs.
const (
	bindingFile  = "CPU_Core_Binding.txt"
	writeLogFile = "nvme_write_log.txt"
	lspciDir     = "lspci_outputs"
	metricsFile  = "metrics.prom"
)

// environment holds what a run needs from the host. Tests swap in fakes.
type environment struct {
	runner   execx.Runner
	topology func(execx.Runner, *slog.Logger) topology.Provider
	clock    clock.Clock
	stdout   io.Writer
	logSink  io.Writer // console side of the run log
	newID    func() string
	lookPath func(string) string
}

func hostEnvironment() environment {
	return environment{
		runner: execx.OSRunner{},
		topology: func(r execx.Runner, logger *slog.Logger) topology.Provider {
			return topology.NewSystemProvider(r, logger)
		},
		clock:    clock.New(),
		stdout:   os.Stdout,
		logSink:  os.Stderr,
		newID:    uuid.NewString,
		lookPath: execx.LookPath,
	}
}

// Tools the run shells out to. Without the optional ones a device skips
// the step they serve: erase, endurance or the PCI snapshots.
var (
	requiredTools = []string{"fio", "lsblk"}
	optionalTools = []string{"nvme", "blkdiscard", "hdparm", "lspci", "lscpu"}
)

// checkTools fails when a required tool is missing from PATH and returns
// the missing optional ones.
func checkTools(lookPath func(string) string) ([]string, error) {
	var missing []string
	for _, t := range requiredTools {
		if lookPath(t) == "" {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("required tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	for _, t := range optionalTools {
		if lookPath(t) == "" {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// runOutcome is what a finished run leaves behind.
type runOutcome struct {
	Dir      string
	Ledger   string
	Analysis string
	Summary  *coordinator.Summary
	Verdicts []compliance.Verdict
}

// resultsDirName is "<model>_TestResults_<YYYYmmdd_HHMMSS>".
func resultsDirName(modelName string, env environment) string {
	return fmt.Sprintf("%s_TestResults_%s", modelName, env.clock.Now().Format("20060102_150405"))
}

// productName is the configured product, or "<model>-<capacity>TB" of the
// first device.
func productName(cfg Config, devices []model.Device) string {
	if cfg.Product != "" {
		return cfg.Product
	}
	if len(devices) == 0 || devices[0].SizeBytes <= 0 {
		return cfg.Model
	}
	return fmt.Sprintf("%s-%.2fTB", cfg.Model, float64(devices[0].SizeBytes)/1e12)
}

func selectDevices(ctx context.Context, cfg Config, r execx.Runner) ([]model.Device, error) {
	candidates, err := device.Discover(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(cfg.Devices) > 0 {
		return device.Select(candidates, cfg.Devices)
	}
	devices := device.Free(candidates)
	if len(devices) == 0 {
		return nil, errors.New("no free disks found")
	}
	return devices, nil
}

func deviceNames(devices []model.Device) []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return names
}

func runBenchmark(ctx context.Context, cfg Config, env environment) (*runOutcome, error) {
	if cfg.Model == "" {
		return nil, errors.New("no model given (--model or SPTT_MODEL)")
	}
	planFile, err := testplan.Load(cfg.TestPlan)
	if err != nil {
		return nil, err
	}
	plan, err := planFile.Plan(cfg.Model)
	if err != nil {
		return nil, err
	}
	missingTools, err := checkTools(env.lookPath)
	if err != nil {
		return nil, err
	}

	devices, err := selectDevices(ctx, cfg, env.runner)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.ResultsRoot, resultsDirName(cfg.Model, env))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating results directory")
	}
	level, _ := logutil.ParseLevel(cfg.LogLevel)
	logger, logFile, err := logutil.OpenRunLog(dir, env.logSink, level)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	runID := env.newID()
	logger = logger.With(slog.String("run", runID))
	logger.Info("starting run", "model", cfg.Model, "devices", strings.Join(deviceNames(devices), ","), "results", dir)
	if len(missingTools) > 0 {
		logger.Warn("optional tools not found, their steps will be skipped", "tools", strings.Join(missingTools, ","))
	}

	names := deviceNames(devices)
	facts, err := env.topology(env.runner, logger).Resolve(ctx, names)
	if err != nil {
		logger.Warn("topology unavailable, devices will run unpinned", "error", err)
		facts = nil
	}
	if facts != nil {
		for i := range devices {
			devices[i].BusAddress = facts.BusAddress[devices[i].Name]
			devices[i].Node = facts.Node(devices[i].Name)
		}
	}

	var assignment *affinity.Assignment
	if cfg.Pin {
		assignment = affinity.Partition(names, facts, logger)
		if err := writeBindings(filepath.Join(dir, bindingFile), assignment); err != nil {
			return nil, err
		}
	}

	product := productName(cfg, devices)
	ledgerPath := filepath.Join(dir, product+compliance.LedgerSuffix)
	sink, err := ledger.Open(ledgerPath, logger)
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	exporter := metrics.New()
	p := &pipeline.Pipeline{
		Config: pipeline.Config{
			ResultsDir:   dir,
			Runtime:      cfg.Runtime,
			Pinning:      cfg.Pin,
			ErasePolicy:  pipeline.ErasePolicy(cfg.ErasePolicy),
			LogBandwidth: cfg.LogBandwidth,
		},
		Runner:   env.runner,
		Eraser:   &device.Eraser{Runner: env.runner, Logger: logger},
		Sink:     sink,
		Affinity: assignment,
		Logger:   logger,
		Clock:    env.clock,
		Endurance: func(ctx context.Context, d model.Device) (uint64, error) {
			return device.DataUnitsWritten(ctx, env.runner, d)
		},
	}

	snap := &snapshots{runner: env.runner, dir: dir, devices: devices, logger: logger}
	coord := &coordinator.Coordinator{
		Before: []coordinator.Hook{
			{Name: "lspci before", Fn: snap.lspci("before")},
			{Name: "data units before", Fn: snap.unitsBefore},
		},
		After: []coordinator.Hook{
			{Name: "lspci after", Fn: snap.lspci("after")},
			{Name: "data units after", Fn: snap.unitsAfter},
		},
		OnDeviceDone: func(o coordinator.Outcome) {
			var written uint64
			known := false
			if o.Report != nil {
				for _, run := range o.Report.Runs {
					exporter.ObserveRun(run)
				}
				written, known = o.Report.BytesWritten(), o.Report.EnduranceKnown
			}
			exporter.ObserveDevice(o.Device.Name, o.OK(), o.Elapsed, written, known)
			fmt.Fprintf(env.stdout, "  %s\n", o)
		},
		Logger: logger,
		Clock:  env.clock,
	}

	summary, err := coord.Run(ctx, devices, func(ctx context.Context, d model.Device) (*pipeline.DeviceReport, error) {
		return p.Run(ctx, d, plan)
	})
	if err != nil {
		return nil, err
	}
	if err := sink.Close(); err != nil {
		summary.HookErrors = append(summary.HookErrors, err)
	}

	out := &runOutcome{Dir: dir, Ledger: ledgerPath, Summary: summary}
	report := newRunSummary(runID, cfg.Model, product, ledgerPath, summary)

	if cfg.SpecTable != "" {
		out.Analysis, out.Verdicts, err = analyzeLedger(ledgerPath, cfg.SpecTable, product)
		if err != nil {
			logger.Error("compliance analysis failed", "error", err)
		} else {
			report.addAnalysis(out.Analysis, out.Verdicts)
			counts := map[string]int{}
			for class, n := range compliance.Counts(out.Verdicts) {
				counts[string(class)] = n
			}
			exporter.ObserveCompliance(counts)
		}
	}

	exporter.ObserveElapsed(summary.Elapsed())
	if err := exporter.WriteTextfile(filepath.Join(dir, metricsFile)); err != nil {
		logger.Warn("metrics not written", "error", err)
	}
	if err := report.write(filepath.Join(dir, SummaryFile)); err != nil {
		logger.Warn("summary not written", "error", err)
	}
	logger.Info("total elapsed", "elapsed", summary.Elapsed(), "failed", strings.Join(summary.Failed(), ","))
	return out, nil
}

func writeBindings(path string, a *affinity.Assignment) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating core binding report")
	}
	if err := a.WriteBindings(f); err != nil {
		f.Close()
		return errors.Wrap(err, "writing core binding report")
	}
	return errors.Wrap(f.Close(), "closing core binding report")
}

func analyzeLedger(ledgerPath, specPath, product string) (string, []compliance.Verdict, error) {
	table, err := compliance.LoadSpecTable(specPath)
	if err != nil {
		return "", nil, err
	}
	return compliance.WriteFile(ledgerPath, table, product)
}

// snapshots records device state around the whole run: lspci dumps and
// the NVMe data-units-written counters.
type snapshots struct {
	runner  execx.Runner
	dir     string
	devices []model.Device
	logger  *slog.Logger

	before map[string]uint64
}

func (s *snapshots) lspci(stage string) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, d := range s.devices {
			if d.BusAddress == "" {
				continue
			}
			if _, err := device.SnapshotLspci(ctx, s.runner, filepath.Join(s.dir, lspciDir), d.Name, d.BusAddress, stage); err != nil {
				s.logger.Warn("lspci snapshot failed", "device", d.Name, "stage", stage, "error", err)
			}
		}
		return nil
	}
}

func (s *snapshots) unitsBefore(ctx context.Context) error {
	s.before = s.sampleUnits(ctx)
	return nil
}

func (s *snapshots) unitsAfter(ctx context.Context) error {
	after := s.sampleUnits(ctx)
	if len(s.before) == 0 && len(after) == 0 {
		return nil
	}
	f, err := os.Create(filepath.Join(s.dir, writeLogFile))
	if err != nil {
		return errors.Wrap(err, "creating write log")
	}
	if err := writeUnitsLog(f, s.before, after); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing write log")
}

func (s *snapshots) sampleUnits(ctx context.Context) map[string]uint64 {
	units := map[string]uint64{}
	for _, d := range s.devices {
		if !d.EnduranceTracked() {
			continue
		}
		n, err := device.DataUnitsWritten(ctx, s.runner, d)
		if err != nil {
			s.logger.Warn("data units written unavailable", "device", d.Name, "error", err)
			continue
		}
		units[d.Name] = n
	}
	return units
}

// writeUnitsLog writes one block per device with its counters before and
// after the run and the host writes in between.
func writeUnitsLog(w io.Writer, before, after map[string]uint64) error {
	names := make([]string, 0, len(before))
	for d := range before {
		names = append(names, d)
	}
	for d := range after {
		if _, ok := before[d]; !ok {
			names = append(names, d)
		}
	}
	sort.Strings(names)

	line := func(label string, units uint64, ok bool) string {
		if !ok {
			return fmt.Sprintf("  %-7s unavailable\n", label+":")
		}
		return fmt.Sprintf("  %-7s %s data units (%s)\n", label+":", humanize.Comma(int64(units)), humanize.Bytes(device.UnitsToBytes(units)))
	}
	for _, d := range names {
		b, bok := before[d]
		a, aok := after[d]
		text := d + "\n" + line("before", b, bok) + line("after", a, aok)
		if bok && aok && a >= b {
			text += fmt.Sprintf("  %-7s %s\n", "written:", humanize.Bytes(device.UnitsToBytes(a-b)))
		}
		if _, err := io.WriteString(w, text); err != nil {
			return errors.Wrap(err, "writing write log")
		}
	}
	return nil
}
