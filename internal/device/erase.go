package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

// ErrNoEraseStrategy is returned for device classes that are never erased.
var ErrNoEraseStrategy = errors.New("no erase strategy for device class")

// Strategy is one way of erasing a device. All of its commands must
// succeed, in order.
type Strategy struct {
	Name     string
	Commands [][]string
}

// Strategies returns the ordered erase chain for a device. Later entries
// are fallbacks tried only when the previous one failed.
func Strategies(d model.Device) []Strategy {
	path := d.Path()
	switch d.Class {
	case model.ClassNVMe:
		return []Strategy{
			{Name: "blkdiscard", Commands: [][]string{{"blkdiscard", path}}},
			{Name: "nvme-format", Commands: [][]string{{"nvme", "format", path, "-s", "1", "-n", "1"}}},
		}
	case model.ClassSATA:
		return []Strategy{{
			Name: "hdparm-secure-erase",
			Commands: [][]string{
				{"hdparm", "--user-master", "u", "--security-set-pass", "NULL", path},
				{"hdparm", "--user-master", "u", "--security-erase", "NULL", path},
			},
		}}
	}
	return nil
}

// Eraser runs the erase chain of a device.
type Eraser struct {
	Runner execx.Runner
	Logger *slog.Logger
}

// Erase tries each strategy until one succeeds and returns its name.
// When every strategy fails the combined tool errors are returned; a
// cancelled context is returned as is.
func (e *Eraser) Erase(ctx context.Context, d model.Device) (string, error) {
	chain := Strategies(d)
	if len(chain) == 0 {
		return "", errors.Wrapf(ErrNoEraseStrategy, "%s (%s)", d.Name, d.Class)
	}
	var failures *multierror.Error
	for _, s := range chain {
		err := e.run(ctx, s)
		if err == nil {
			e.Logger.Info("erase completed", "device", d.Name, "strategy", s.Name)
			return s.Name, nil
		}
		if ctx.Err() != nil {
			return "", errors.Wrapf(ctx.Err(), "erasing %s", d.Name)
		}
		e.Logger.Warn("erase strategy failed", "device", d.Name, "strategy", s.Name, "error", err)
		failures = multierror.Append(failures, errors.Wrap(err, s.Name))
	}
	return "", failures.ErrorOrNil()
}

func (e *Eraser) run(ctx context.Context, s Strategy) error {
	for _, cmd := range s.Commands {
		e.Logger.Debug("erase command", "command", strings.Join(cmd, " "))
		if _, _, err := e.Runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}
	return nil
}
