package fio

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoMetrics is returned when fio output holds neither a read nor a
// write summary line.
var ErrNoMetrics = errors.New("no IOPS or bandwidth found in fio output")

var (
	iopsLine    = regexp.MustCompile(`(?m)^\s*(read|write)\s*:.*?IOPS=([0-9.]+)([kKmM]?)`)
	bwLine      = regexp.MustCompile(`(?m)^\s*(read|write)\s*:.*?BW=([0-9.]+)([kKMG]?i?B/s)`)
	runtimeLine = regexp.MustCompile(`run=([0-9]+)-[0-9]+msec`)
)

// bandwidth units to MB/s (10^6 bytes per second)
var toMBps = map[string]float64{
	"B/s":   1e-6,
	"kB/s":  1e-3,
	"KB/s":  1e-3,
	"KiB/s": 1024 / 1e6,
	"kiB/s": 1024 / 1e6,
	"MB/s":  1,
	"MiB/s": 1.048576,
	"GB/s":  1000,
	"GiB/s": 1073.741824,
}

// Result holds the per direction totals of one fio run.
type Result struct {
	ReadIOPS       int64
	WriteIOPS      int64
	ReadBandwidth  float64 // MB/s
	WriteBandwidth float64 // MB/s
	RuntimeMsec    int64   // -1 when fio did not report one
}

// TotalIOPS is read plus write IOPS.
func (r Result) TotalIOPS() int64 {
	return r.ReadIOPS + r.WriteIOPS
}

// TotalBandwidth is read plus write bandwidth in MB/s.
func (r Result) TotalBandwidth() float64 {
	return r.ReadBandwidth + r.WriteBandwidth
}

// Runtime renders the run duration in whole seconds, "N/A" when unknown.
func (r Result) Runtime() string {
	if r.RuntimeMsec < 0 {
		return "N/A"
	}
	return strconv.FormatInt(r.RuntimeMsec/1000, 10)
}

// ParseOutput extracts IOPS, bandwidth and runtime from fio's default
// output. Only the first read and the first write summary are used; with
// --group_reporting there is exactly one of each.
func ParseOutput(out string) (Result, error) {
	res := Result{RuntimeMsec: -1}
	found := false

	seen := map[string]bool{}
	for _, m := range iopsLine.FindAllStringSubmatch(out, -1) {
		dir := m[1]
		if seen[dir] {
			continue
		}
		seen[dir] = true
		v, err := parseIOPS(m[2], m[3])
		if err != nil {
			return Result{}, err
		}
		if dir == "read" {
			res.ReadIOPS = v
		} else {
			res.WriteIOPS = v
		}
		found = true
	}

	seen = map[string]bool{}
	for _, m := range bwLine.FindAllStringSubmatch(out, -1) {
		dir := m[1]
		if seen[dir] {
			continue
		}
		seen[dir] = true
		v, err := parseBandwidth(m[2], m[3])
		if err != nil {
			return Result{}, err
		}
		if dir == "read" {
			res.ReadBandwidth = v
		} else {
			res.WriteBandwidth = v
		}
		found = true
	}

	if !found {
		return Result{}, ErrNoMetrics
	}
	if m := runtimeLine.FindStringSubmatch(out); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			res.RuntimeMsec = ms
		}
	}
	return res, nil
}

func parseIOPS(value, suffix string) (int64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid IOPS %q", value)
	}
	switch strings.ToLower(suffix) {
	case "k":
		v *= 1e3
	case "m":
		v *= 1e6
	}
	return int64(math.Round(v)), nil
}

func parseBandwidth(value, unit string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid bandwidth %q", value)
	}
	factor, ok := toMBps[unit]
	if !ok {
		return 0, errors.Errorf("unknown bandwidth unit %q", unit)
	}
	return v * factor, nil
}
