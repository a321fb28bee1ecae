// Package coordinator runs one pipeline worker per device and joins them.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/pipeline"
)

// Task runs the whole test sequence of one device.
type Task func(ctx context.Context, d model.Device) (*pipeline.DeviceReport, error)

// Hook is a run-level step outside the device workers.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Outcome is how one device's sequence ended.
type Outcome struct {
	Device  model.Device
	Report  *pipeline.DeviceReport
	Err     error
	Elapsed time.Duration
}

// OK reports whether the device finished without an unexpected failure.
// Individual failed cases do not count.
func (o Outcome) OK() bool { return o.Err == nil }

// Summary is the result of a coordinated run.
type Summary struct {
	Outcomes   []Outcome // in device order
	HookErrors []error
	Started    time.Time
	Finished   time.Time
}

// Elapsed is the wall time of the run, hooks included.
func (s *Summary) Elapsed() time.Duration {
	return s.Finished.Sub(s.Started)
}

// Failed lists the devices that aborted.
func (s *Summary) Failed() []string {
	var out []string
	for _, o := range s.Outcomes {
		if !o.OK() {
			out = append(out, o.Device.Name)
		}
	}
	return out
}

// Err aggregates the device and after-hook errors, nil when there are none.
func (s *Summary) Err() error {
	var result *multierror.Error
	for _, o := range s.Outcomes {
		if o.Err != nil {
			result = multierror.Append(result, o.Err)
		}
	}
	result = multierror.Append(result, s.HookErrors...)
	return result.ErrorOrNil()
}

// Coordinator fans a Task out to every device.
type Coordinator struct {
	// Before hooks run in order before any worker starts; the first error
	// cancels the run.
	Before []Hook
	// After hooks run once every worker has returned, even when devices
	// failed or the run was cancelled.
	After []Hook
	// OnDeviceDone is called as each device finishes, one call at a time.
	OnDeviceDone func(Outcome)

	Logger *slog.Logger
	Clock  clock.Clock
}

// Run executes task for every device concurrently, one worker per device,
// and waits for all of them before running the After hooks.
func (c *Coordinator) Run(ctx context.Context, devices []model.Device, task Task) (*Summary, error) {
	summary := &Summary{
		Outcomes: make([]Outcome, len(devices)),
		Started:  c.Clock.Now(),
	}

	for _, h := range c.Before {
		if err := h.Fn(ctx); err != nil {
			return nil, errors.Wrapf(err, "before hook %s", h.Name)
		}
	}

	var (
		g      errgroup.Group
		doneMu sync.Mutex
	)
	g.SetLimit(max(len(devices), 1))
	for i, d := range devices {
		g.Go(func() error {
			out := c.runDevice(ctx, d, task)
			summary.Outcomes[i] = out

			doneMu.Lock()
			defer doneMu.Unlock()
			if out.OK() {
				c.Logger.Info("device finished", "device", d.Name, "elapsed", out.Elapsed)
			} else {
				c.Logger.Error("device failed", "device", d.Name, "elapsed", out.Elapsed, "error", out.Err)
			}
			if c.OnDeviceDone != nil {
				c.OnDeviceDone(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	teardown := context.WithoutCancel(ctx)
	for _, h := range c.After {
		if err := h.Fn(teardown); err != nil {
			c.Logger.Warn("after hook failed", "hook", h.Name, "error", err)
			summary.HookErrors = append(summary.HookErrors, errors.Wrapf(err, "after hook %s", h.Name))
		}
	}
	summary.Finished = c.Clock.Now()
	c.Logger.Info("run finished", "devices", len(devices), "failed", len(summary.Failed()), "elapsed", summary.Elapsed())
	return summary, nil
}

func (c *Coordinator) runDevice(ctx context.Context, d model.Device, task Task) (out Outcome) {
	start := c.Clock.Now()
	out.Device = d
	defer func() {
		if r := recover(); r != nil {
			out.Err = errors.Errorf("%s: panic: %v", d.Name, r)
		}
		out.Elapsed = c.Clock.Since(start)
	}()
	report, err := task(ctx, d)
	out.Report = report
	if err != nil {
		out.Err = err
	}
	return out
}

// String renders a one-line outcome for logs.
func (o Outcome) String() string {
	if o.OK() {
		return fmt.Sprintf("%s: ok (%s)", o.Device.Name, o.Elapsed.Round(time.Second))
	}
	return fmt.Sprintf("%s: failed: %v", o.Device.Name, o.Err)
}
