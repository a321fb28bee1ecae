package fio

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
)

const mixedOutput = `4KB_RandRW_70r_30w: (g=0): rw=randrw, bs=(R) 4096B-4096B, (W) 4096B-4096B, (T) 4096B-4096B, ioengine=libaio, iodepth=256
fio-3.35
Starting 4 processes

4KB_RandRW_70r_30w: (groupid=0, jobs=4): err= 0: pid=4121: Mon Mar  3 10:12:44 2025
  read: IOPS=13.0k, BW=500MiB/s (524MB/s)(29.3GiB/60001msec)
    slat (nsec): min=1203, max=91235, avg=2531.16, stdev=811.20
  write: IOPS=500, BW=50.0MiB/s (52.4MB/s)(2930MiB/60001msec); 0 zone resets
   bw (  KiB/s): min=48112, max=53760, per=100.00%, avg=51200.11, stdev=190.42, samples=476

Run status group 0 (all jobs):
   READ: bw=500MiB/s (524MB/s), 500MiB/s-500MiB/s (524MB/s-524MB/s), io=29.3GiB (31.5GB), run=60001-60001msec
  WRITE: bw=50.0MiB/s (52.4MB/s), 50.0MiB/s-50.0MiB/s (52.4MB/s-52.4MB/s), io=2930MiB (3072MB), run=60001-60001msec
`

func TestParseOutputMixed(t *testing.T) {
	res, err := ParseOutput(mixedOutput)
	require.NoError(t, err)
	require.Equal(t, int64(13500), res.TotalIOPS())
	require.InDelta(t, 550*1.048576, res.TotalBandwidth(), 1e-9)
	require.Equal(t, "60", res.Runtime())
}

func TestParseOutputUnits(t *testing.T) {
	cases := map[string]struct {
		line string
		iops int64
		bw   float64
	}{
		"KiB":      {line: "  read: IOPS=812, BW=3248KiB/s (3326kB/s)", iops: 812, bw: 3248 * 0.001024},
		"MiB":      {line: "  read: IOPS=1.5k, BW=100MiB/s (105MB/s)", iops: 1500, bw: 104.8576},
		"GiB":      {line: "  read: IOPS=51.2k, BW=6.25GiB/s (6711MB/s)", iops: 51200, bw: 6.25 * 1073.741824},
		"decimal":  {line: "  write: IOPS=2m, BW=7000MB/s", iops: 2000000, bw: 7000},
		"GB":       {line: "  write: IOPS=10, BW=1.5GB/s", iops: 10, bw: 1500},
		"rounding": {line: "  read: IOPS=1.2346k, BW=1kB/s", iops: 1235, bw: 0.001},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := ParseOutput(tc.line + "\n")
			require.NoError(t, err)
			require.Equal(t, tc.iops, res.TotalIOPS())
			require.InDelta(t, tc.bw, res.TotalBandwidth(), 1e-9)
			require.Equal(t, "N/A", res.Runtime())
		})
	}
}

func TestParseOutputNoMetrics(t *testing.T) {
	_, err := ParseOutput("fio: failed to open /dev/nvme9n1: No such file or directory\n")
	require.ErrorIs(t, err, ErrNoMetrics)

	// the job header names a read test but carries no summary
	_, err = ParseOutput("seq_read: (groupid=0, jobs=1): err= 5\n")
	require.ErrorIs(t, err, ErrNoMetrics)
}

func TestMeasureArgs(t *testing.T) {
	mix := 70
	j := Job{
		Name: "4KB_RandRW", Filename: "/dev/nvme0n1", RW: "randrw", BlockSize: "4k",
		IODepth: 64, NumJobs: 4, IOEngine: "libaio", RWMixRead: &mix, Runtime: 300,
		CPUsAllowed: "8-23", LogDir: "/tmp/r/nvme0n1_precondition_log/4KB_RandRW", LogAvgMsec: 1000,
	}
	args := j.Args()
	require.Equal(t, []string{
		"--name=4KB_RandRW", "--filename=/dev/nvme0n1", "--rw=randrw", "--bs=4k",
		"--iodepth=64", "--numjobs=4", "--ioengine=libaio", "--runtime=300",
		"--direct=1", "--group_reporting", "--norandommap", "--log_hist_msec=1000",
		"--cpus_allowed_policy=split",
		"--write_bw_log=/tmp/r/nvme0n1_precondition_log/4KB_RandRW/test_bw", "--log_avg_msec=1000",
		"--rwmixread=70", "--cpus_allowed=8-23",
	}, args)

	j.RW = "randread"
	j.CPUsAllowed = ""
	args = j.Args()
	require.NotContains(t, strings.Join(args, " "), "rwmixread")
	require.NotContains(t, strings.Join(args, " "), "--cpus_allowed=")
}

func TestPreconditionArgs(t *testing.T) {
	j := Job{
		Kind: KindPrecondition, Filename: "/dev/nvme1n1", RW: "write", BlockSize: "128k",
		IODepth: 128, NumJobs: 1, IOEngine: "libaio", Loops: 2, FillDevice: true,
		CPUsAllowed: "24-39", LogDir: "/tmp/pc", LogAvgMsec: 1000,
	}
	require.Equal(t, []string{
		"--name=Preconditioning", "--filename=/dev/nvme1n1", "--ioengine=libaio", "--direct=1",
		"--bs=128k", "--rw=write", "--iodepth=128", "--numjobs=1", "--randrepeat=0",
		"--norandommap", "--group_reporting",
		"--write_bw_log=/tmp/pc/precondition_bw", "--log_avg_msec=1000",
		"--loops=2", "--size=100%", "--fill_device=1", "--cpus_allowed=24-39",
	}, j.Args())

	j.Loops = 0
	j.Runtime = 1800
	j.FillDevice = false
	line := strings.Join(j.Args(), " ")
	require.Contains(t, line, "--runtime=1800 --time_based")
	require.NotContains(t, line, "fill_device")
}

func TestRun(t *testing.T) {
	runner := execx.NewFake().On(execx.Response{Stdout: mixedOutput}, "fio", "--name=t1")
	out, err := Run(context.Background(), runner, Job{Name: "t1", Filename: "/dev/nvme0n1", RW: "read"})
	require.NoError(t, err)
	require.Equal(t, mixedOutput, out)
	require.Len(t, runner.CallsMatching("--filename=/dev/nvme0n1"), 1)

	runner.On(execx.Response{Exit: 1, Stderr: "fio: io_u error"}, "fio")
	_, err = Run(context.Background(), runner, Job{Name: "t2"})
	require.True(t, execx.IsToolError(err))
}
