package device

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

// DataUnitBytes is the size of one NVMe "data unit": 1000 sectors of 512 bytes.
// smart-log reports thousands of sectors, not single 512-byte units, so
// the plain units*512 and the binary /1024 conversions both under-count.
const DataUnitBytes = 512 * 1000

var dataUnitsText = regexp.MustCompile(`Data Units Written\s*:\s*([\d,]+)`)

// ErrNotTracked is returned for devices without a write counter.
var ErrNotTracked = errors.New("device does not report data units written")

// DataUnitsWritten reads the lifetime write counter of an NVMe device.
func DataUnitsWritten(ctx context.Context, r execx.Runner, d model.Device) (uint64, error) {
	if !d.EnduranceTracked() {
		return 0, ErrNotTracked
	}
	out, err := execx.Query(ctx, r, "nvme", "smart-log", d.Path(), "-o", "json")
	if err != nil || strings.TrimSpace(out) == "" {
		// older nvme-cli builds lack -o json
		out, err = execx.Query(ctx, r, "nvme", "smart-log", d.Path())
		if err != nil {
			return 0, errors.Wrapf(err, "reading smart-log of %s", d.Name)
		}
	}
	return ParseSmartLog([]byte(out))
}

// ParseSmartLog extracts data_units_written from nvme smart-log output,
// JSON first, then the plain text form "Data Units Written : 1,234".
func ParseSmartLog(out []byte) (uint64, error) {
	if gjson.ValidBytes(out) {
		if v := gjson.GetBytes(out, "data_units_written"); v.Exists() {
			return v.Uint(), nil
		}
	}
	m := dataUnitsText.FindSubmatch(out)
	if m == nil {
		return 0, errors.New("no Data Units Written in smart-log output")
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(string(m[1]), ",", ""), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing Data Units Written")
	}
	return n, nil
}

// UnitsToBytes converts data units to bytes.
func UnitsToBytes(units uint64) uint64 {
	return units * DataUnitBytes
}
