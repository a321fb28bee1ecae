// Package fio builds fio command lines and parses the human readable
// summary fio prints on stdout.
package fio

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
)

// Binary is the fio executable looked up on PATH.
const Binary = "fio"

// Kind selects the command line layout of a job.
type Kind int

const (
	KindMeasure Kind = iota
	KindPrecondition
)

// Job is one fio invocation against a raw block device.
type Job struct {
	Kind      Kind
	Name      string
	Filename  string // /dev path
	RW        string
	BlockSize string
	IODepth   int
	NumJobs   int
	IOEngine  string
	RWMixRead *int

	// Runtime is the time based duration in seconds. Measure jobs always
	// set it; precondition jobs set either Runtime or Loops.
	Runtime    int
	Loops      int
	FillDevice bool

	CPUsAllowed string // "a-b", empty for no pinning
	LogDir      string // directory for the bandwidth log, empty disables it
	LogAvgMsec  int
}

// Mixed reports whether the access pattern interleaves reads and writes.
func Mixed(rw string) bool {
	switch rw {
	case "rw", "readwrite", "randrw":
		return true
	}
	return false
}

// Args returns the fio arguments for the job.
func (j Job) Args() []string {
	if j.Kind == KindPrecondition {
		return j.preconditionArgs()
	}
	return j.measureArgs()
}

func (j Job) preconditionArgs() []string {
	args := []string{
		"--name=Preconditioning",
		"--filename=" + j.Filename,
		"--ioengine=" + j.IOEngine,
		"--direct=1",
		"--bs=" + j.BlockSize,
		"--rw=" + j.RW,
		"--iodepth=" + strconv.Itoa(j.IODepth),
		"--numjobs=" + strconv.Itoa(j.NumJobs),
		"--randrepeat=0",
		"--norandommap",
		"--group_reporting",
	}
	args = append(args, j.bandwidthLog("precondition_bw")...)
	switch {
	case j.Loops > 0:
		args = append(args, "--loops="+strconv.Itoa(j.Loops))
	case j.Runtime > 0:
		args = append(args, "--runtime="+strconv.Itoa(j.Runtime), "--time_based")
	}
	if j.FillDevice {
		args = append(args, "--size=100%", "--fill_device=1")
	}
	if j.CPUsAllowed != "" {
		args = append(args, "--cpus_allowed="+j.CPUsAllowed)
	}
	return args
}

func (j Job) measureArgs() []string {
	args := []string{
		"--name=" + j.Name,
		"--filename=" + j.Filename,
		"--rw=" + j.RW,
		"--bs=" + j.BlockSize,
		"--iodepth=" + strconv.Itoa(j.IODepth),
		"--numjobs=" + strconv.Itoa(j.NumJobs),
		"--ioengine=" + j.IOEngine,
		"--runtime=" + strconv.Itoa(j.Runtime),
		"--direct=1",
		"--group_reporting",
		"--norandommap",
		"--log_hist_msec=1000",
		"--cpus_allowed_policy=split",
	}
	args = append(args, j.bandwidthLog("test_bw")...)
	if j.RWMixRead != nil && Mixed(j.RW) {
		args = append(args, "--rwmixread="+strconv.Itoa(*j.RWMixRead))
	}
	if j.CPUsAllowed != "" {
		args = append(args, "--cpus_allowed="+j.CPUsAllowed)
	}
	return args
}

func (j Job) bandwidthLog(prefix string) []string {
	if j.LogDir == "" {
		return nil
	}
	args := []string{"--write_bw_log=" + filepath.Join(j.LogDir, prefix)}
	if j.LogAvgMsec > 0 {
		args = append(args, "--log_avg_msec="+strconv.Itoa(j.LogAvgMsec))
	}
	return args
}

// Run executes the job and returns fio's stdout. The call is not bounded
// by a timeout; only ctx cancellation stops it.
func Run(ctx context.Context, r execx.Runner, j Job) (string, error) {
	out, _, err := r.Run(ctx, Binary, j.Args()...)
	return string(out), err
}
