// Package pipeline runs the test sequence of one device: erase,
// precondition, measure and record for every case, in order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/affinity"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/device"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/fio"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/ledger"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/logutil"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/testplan"
)

// ErasePolicy selects the cases that are preceded by an erase.
type ErasePolicy string

const (
	ErasePrecondition ErasePolicy = "precondition" // only cases with a precondition
	EraseAlways       ErasePolicy = "always"
	EraseNever        ErasePolicy = "never"
)

// Valid reports whether the policy is known.
func (e ErasePolicy) Valid() bool {
	switch e {
	case ErasePrecondition, EraseAlways, EraseNever:
		return true
	}
	return false
}

// Eraser wipes a device before a preconditioning pass.
type Eraser interface {
	Erase(ctx context.Context, d model.Device) (string, error)
}

// Config is the part of the run configuration the pipeline needs.
type Config struct {
	ResultsDir   string
	Runtime      int // measure duration, seconds
	Pinning      bool
	ErasePolicy  ErasePolicy
	LogBandwidth bool // average the bandwidth log over 1s
}

// Pipeline executes test plans against single devices. One Pipeline is
// shared by all device workers; it holds no per-device state.
type Pipeline struct {
	Config   Config
	Runner   execx.Runner
	Eraser   Eraser
	Sink     ledger.Sink
	Affinity *affinity.Assignment
	Logger   *slog.Logger
	Clock    clock.Clock

	// Endurance reads the data units written counter; nil uses nvme-cli.
	Endurance func(ctx context.Context, d model.Device) (uint64, error)
}

// DeviceReport summarises one device's sequence.
type DeviceReport struct {
	Device      string
	CPUList     string
	Runs        []model.TestRun
	Passed      int
	Failed      int
	UnitsBefore uint64
	UnitsAfter  uint64
	// EnduranceKnown is set when both counter samples were read.
	EnduranceKnown bool
}

// BytesWritten is the host write volume measured by the device counter.
func (r *DeviceReport) BytesWritten() uint64 {
	if !r.EnduranceKnown || r.UnitsAfter < r.UnitsBefore {
		return 0
	}
	return device.UnitsToBytes(r.UnitsAfter - r.UnitsBefore)
}

// caseError aborts the device's remaining cases.
type caseError struct {
	phase model.Phase
	err   error
}

func (e *caseError) Error() string { return fmt.Sprintf("%s: %v", e.phase, e.err) }
func (e *caseError) Unwrap() error { return e.err }

// Run executes every case of plan on d. Tool failures and unparsable
// output fail only the case at hand; any other error stops the device and
// is returned together with the partial report.
func (p *Pipeline) Run(ctx context.Context, d model.Device, plan *testplan.Plan) (*DeviceReport, error) {
	log := p.Logger.With(slog.String("device", d.Name))
	report := &DeviceReport{Device: d.Name}
	if p.Config.Pinning {
		report.CPUList = p.Affinity.CPUList(d.Name)
	}

	log.Info("begin test sequence", "model", plan.Model, "cases", len(plan.Cases), "preconditioned", plan.Preconditioned(), "cpus", report.CPUList)
	for i, tc := range plan.Cases {
		log.Info(fmt.Sprintf("  %02d. %s", i+1, tc.Name), "rw", tc.RW, "bs", tc.BlockSize, "precondition", tc.Precondition != nil)
	}

	before, beforeErr := p.sampleEndurance(ctx, d, log)
	report.UnitsBefore = before

	// abort keeps the interrupted case in the report, unrecorded.
	abort := func(run model.TestRun, err error) {
		log.Error("device aborted", "test", run.TestName, "phase", run.Phase, "error", err)
		run.OK = false
		run.Error = err.Error()
		run.Finished = p.Clock.Now()
		report.Runs = append(report.Runs, run)
	}

	for _, tc := range plan.Cases {
		run, err := p.runCase(ctx, d, tc, report.CPUList, log)
		if err != nil {
			abort(run, err)
			return report, errors.Wrapf(err, "%s: test %s", d.Name, tc.Name)
		}
		if err := p.Sink.Submit(ctx, run); err != nil {
			run.Phase = model.PhaseRecord
			abort(run, err)
			return report, errors.Wrapf(err, "%s: recording %s", d.Name, tc.Name)
		}
		report.Runs = append(report.Runs, run)
		if run.OK {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	after, afterErr := p.sampleEndurance(ctx, d, log)
	report.UnitsAfter = after
	report.EnduranceKnown = d.EnduranceTracked() && beforeErr == nil && afterErr == nil
	if report.EnduranceKnown {
		log.Info("host writes during sequence", "written", humanize.Bytes(report.BytesWritten()))
	}
	log.Info("test sequence finished", "passed", report.Passed, "failed", report.Failed)
	return report, nil
}

// runCase walks one case through the state machine. A returned error
// aborts the device; a failed case comes back as a run with OK unset.
func (p *Pipeline) runCase(ctx context.Context, d model.Device, tc testplan.TestCase, cpus string, log *slog.Logger) (model.TestRun, error) {
	log = log.With(slog.String("test", tc.Name))
	run := model.TestRun{
		Device:   d.Name,
		TestName: tc.Name,
		Phase:    model.PhaseIdle,
		IODepth:  tc.IODepth,
		NumJobs:  tc.NumJobs,
		IOEngine: tc.IOEngine,
		Runtime:  "N/A",
		Started:  p.Clock.Now(),
	}
	finish := func() model.TestRun {
		run.Finished = p.Clock.Now()
		return run
	}
	fail := func(phase model.Phase, err error) model.TestRun {
		attrs := []any{"phase", phase, "state", model.PhaseFailed, "error", err}
		var te *execx.ToolError
		if errors.As(err, &te) {
			attrs = append(attrs, "command", te.Command())
		}
		log.Error("test failed", attrs...)
		run.Phase = phase
		run.Error = err.Error()
		return finish()
	}

	logDir := filepath.Join(p.Config.ResultsDir, d.Name+"_precondition_log", tc.Name)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return run, &caseError{phase: model.PhaseIdle, err: errors.Wrap(err, "creating bandwidth log directory")}
	}

	if p.shouldErase(tc) {
		run.Phase = model.PhaseErase
		if _, err := p.Eraser.Erase(ctx, d); err != nil {
			if ctx.Err() != nil {
				return run, &caseError{phase: model.PhaseErase, err: err}
			}
			if errors.Is(err, device.ErrNoEraseStrategy) {
				log.Info("erase skipped", "class", d.Class)
			} else {
				log.Warn("erase failed, continuing without it", "error", err)
			}
		}
	}

	if pc := tc.Precondition; pc != nil {
		run.Phase = model.PhasePrecondition
		job := fio.Job{
			Kind:        fio.KindPrecondition,
			Filename:    d.Path(),
			RW:          pc.RW,
			BlockSize:   pc.BlockSize,
			IODepth:     pc.IODepth,
			NumJobs:     pc.NumJobs,
			IOEngine:    pc.IOEngine,
			FillDevice:  pc.FillDevice,
			CPUsAllowed: pc.CPUsAllowed,
			LogDir:      logDir,
			LogAvgMsec:  p.logAvg(),
		}
		if pc.Mode == testplan.ModeLoop {
			job.Loops = pc.Value
		} else {
			job.Runtime = pc.Value
		}
		if cpus != "" {
			job.CPUsAllowed = cpus
		}
		log.Info("preconditioning", "mode", pc.Mode, "value", pc.Value, "rw", pc.RW, "bs", pc.BlockSize)
		if _, err := fio.Run(ctx, p.Runner, job); err != nil {
			if !recoverable(ctx, err) {
				return run, &caseError{phase: model.PhasePrecondition, err: err}
			}
			return fail(model.PhasePrecondition, err), nil
		}
		if d.EnduranceTracked() {
			if units, err := p.readEndurance(ctx, d); err == nil {
				log.Info("preconditioning complete", "total_written", humanize.Bytes(device.UnitsToBytes(units)))
			}
		}
	}

	run.Phase = model.PhaseMeasure
	job := fio.Job{
		Kind:        fio.KindMeasure,
		Name:        tc.Name,
		Filename:    d.Path(),
		RW:          tc.RW,
		BlockSize:   tc.BlockSize,
		IODepth:     tc.IODepth,
		NumJobs:     tc.NumJobs,
		IOEngine:    tc.IOEngine,
		RWMixRead:   tc.RWMixRead,
		Runtime:     p.Config.Runtime,
		CPUsAllowed: cpus,
		LogDir:      logDir,
		LogAvgMsec:  p.logAvg(),
	}
	log.Info("measuring", "rw", tc.RW, "bs", tc.BlockSize, "iodepth", tc.IODepth, "numjobs", tc.NumJobs)
	log.Debug("fio command", "args", job.Args())
	out, err := fio.Run(ctx, p.Runner, job)
	if err != nil {
		if !recoverable(ctx, err) {
			return run, &caseError{phase: model.PhaseMeasure, err: err}
		}
		return fail(model.PhaseMeasure, err), nil
	}

	log.Log(ctx, logutil.LevelTrace, "fio output", "stdout", out)
	raw := filepath.Join(p.Config.ResultsDir, fmt.Sprintf("fio_%s_%s.txt", tc.Name, d.Name))
	if err := os.WriteFile(raw, []byte(out), 0o644); err != nil {
		return run, &caseError{phase: model.PhaseMeasure, err: errors.Wrap(err, "saving fio output")}
	}

	run.Phase = model.PhaseRecord
	res, err := fio.ParseOutput(out)
	if err != nil {
		return fail(model.PhaseRecord, err), nil
	}
	run.Bandwidth = res.TotalBandwidth()
	run.IOPS = res.TotalIOPS()
	run.Runtime = res.Runtime()
	run.Phase = model.PhaseDone
	run.OK = true
	log.Info("test completed", "bandwidth", run.BandwidthString(), "iops", run.IOPS, "runtime", run.Runtime)
	return finish(), nil
}

func (p *Pipeline) shouldErase(tc testplan.TestCase) bool {
	switch p.Config.ErasePolicy {
	case EraseAlways:
		return true
	case EraseNever:
		return false
	default:
		return tc.Precondition != nil
	}
}

func (p *Pipeline) logAvg() int {
	if p.Config.LogBandwidth {
		return 1000
	}
	return 0
}

// recoverable reports whether err only fails the current case.
func recoverable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && execx.IsToolError(err)
}

func (p *Pipeline) readEndurance(ctx context.Context, d model.Device) (uint64, error) {
	if p.Endurance != nil {
		return p.Endurance(ctx, d)
	}
	return device.DataUnitsWritten(ctx, p.Runner, d)
}

func (p *Pipeline) sampleEndurance(ctx context.Context, d model.Device, log *slog.Logger) (uint64, error) {
	if !d.EnduranceTracked() {
		return 0, device.ErrNotTracked
	}
	units, err := p.readEndurance(ctx, d)
	if err != nil {
		log.Warn("data units written unavailable", "error", err)
	}
	return units, err
}
