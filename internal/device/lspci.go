package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
)

// SnapshotLspci stores `lspci -vvvs <bdf>` of a device in
// dir/<device>_<stage>.txt and returns the file path.
func SnapshotLspci(ctx context.Context, r execx.Runner, dir, device, bdf, stage string) (string, error) {
	if bdf == "" {
		return "", errors.Errorf("no PCI address for %s", device)
	}
	out, err := execx.Query(ctx, r, "lspci", "-vvvs", bdf)
	if err != nil {
		return "", errors.Wrapf(err, "lspci %s", bdf)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating lspci output directory")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", device, stage))
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %s", path)
	}
	return path, nil
}
