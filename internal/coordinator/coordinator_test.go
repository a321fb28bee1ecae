package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/pipeline"
)

func newCoordinator(clk clock.Clock) *Coordinator {
	return &Coordinator{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clk,
	}
}

func devices(names ...string) []model.Device {
	out := make([]model.Device, len(names))
	for i, n := range names {
		out[i] = model.Device{Name: n, Class: model.ClassNVMe}
	}
	return out
}

func TestHungDeviceDoesNotDelayOtherReports(t *testing.T) {
	c := newCoordinator(clock.NewMock())

	release := make(chan struct{})
	aReported := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	c.OnDeviceDone = func(o Outcome) {
		record("done:" + o.Device.Name)
		if o.Device.Name == "nvme0n1" {
			close(aReported)
		}
	}
	c.After = []Hook{{Name: "snapshot", Fn: func(context.Context) error {
		record("after")
		return nil
	}}}

	task := func(ctx context.Context, d model.Device) (*pipeline.DeviceReport, error) {
		if d.Name == "nvme1n1" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &pipeline.DeviceReport{Device: d.Name, Passed: 1}, nil
	}

	type runResult struct {
		s   *Summary
		err error
	}
	result := make(chan runResult, 1)
	go func() {
		s, err := c.Run(context.Background(), devices("nvme0n1", "nvme1n1"), task)
		result <- runResult{s, err}
	}()

	select {
	case <-aReported:
	case <-time.After(5 * time.Second):
		t.Fatal("nvme0n1 was not reported while nvme1n1 was still running")
	}
	mu.Lock()
	require.Equal(t, []string{"done:nvme0n1"}, order)
	mu.Unlock()

	close(release)
	res := <-result
	require.NoError(t, res.err)
	s := res.s
	require.Equal(t, []string{"done:nvme0n1", "done:nvme1n1", "after"}, order)
	require.NoError(t, s.Err())
	require.Empty(t, s.Failed())
	require.Equal(t, "nvme0n1", s.Outcomes[0].Report.Device)
	require.Equal(t, "nvme1n1", s.Outcomes[1].Report.Device)
}

func TestFailuresAreIsolatedAndAggregated(t *testing.T) {
	c := newCoordinator(clock.NewMock())
	c.After = []Hook{{Name: "metrics", Fn: func(context.Context) error { return errors.New("write metrics.prom") }}}

	task := func(_ context.Context, d model.Device) (*pipeline.DeviceReport, error) {
		switch d.Name {
		case "nvme1n1":
			return &pipeline.DeviceReport{Device: d.Name}, errors.New("ledger closed")
		case "nvme2n1":
			panic("nil pointer in parser")
		}
		return &pipeline.DeviceReport{Device: d.Name, Passed: 3}, nil
	}

	s, err := c.Run(context.Background(), devices("nvme0n1", "nvme1n1", "nvme2n1"), task)
	require.NoError(t, err)
	require.True(t, s.Outcomes[0].OK())
	require.Equal(t, 3, s.Outcomes[0].Report.Passed)
	require.Equal(t, []string{"nvme1n1", "nvme2n1"}, s.Failed())
	require.Contains(t, s.Outcomes[2].Err.Error(), "panic: nil pointer in parser")

	err = s.Err()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger closed")
	require.Contains(t, err.Error(), "panic")
	require.Contains(t, err.Error(), "write metrics.prom")
	require.Len(t, s.HookErrors, 1)
}

func TestBeforeHookFailureStopsRun(t *testing.T) {
	c := newCoordinator(clock.NewMock())
	c.Before = []Hook{{Name: "lspci before", Fn: func(context.Context) error { return errors.New("lspci missing") }}}
	ran := false
	_, err := c.Run(context.Background(), devices("nvme0n1"), func(context.Context, model.Device) (*pipeline.DeviceReport, error) {
		ran = true
		return nil, nil
	})
	require.ErrorContains(t, err, "lspci before")
	require.False(t, ran)
}

func TestElapsedUsesClock(t *testing.T) {
	mock := clock.NewMock()
	c := newCoordinator(mock)
	c.Before = []Hook{{Name: "tick", Fn: func(context.Context) error {
		mock.Add(time.Minute)
		return nil
	}}}
	s, err := c.Run(context.Background(), devices("nvme0n1"), func(context.Context, model.Device) (*pipeline.DeviceReport, error) {
		mock.Add(90 * time.Second)
		return &pipeline.DeviceReport{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 150*time.Second, s.Elapsed())
	require.Equal(t, 90*time.Second, s.Outcomes[0].Elapsed)
	require.Equal(t, "nvme0n1: ok (1m30s)", s.Outcomes[0].String())
}

func TestAfterHooksRunWhenCancelled(t *testing.T) {
	c := newCoordinator(clock.NewMock())
	var hookCtxErr error
	c.After = []Hook{{Name: "endurance", Fn: func(ctx context.Context) error {
		hookCtxErr = ctx.Err()
		return nil
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := c.Run(ctx, devices("nvme0n1"), func(ctx context.Context, d model.Device) (*pipeline.DeviceReport, error) {
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	require.ErrorIs(t, s.Outcomes[0].Err, context.Canceled)
	require.NoError(t, hookCtxErr)
}
