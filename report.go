package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/affinity"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/compliance"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/coordinator"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/device"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/topology"
)

// ANSI color codes.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorYellow = "\033[93m"
	colorBlue   = "\033[94m"
	colorDim    = "\033[2m"
	useUnicode  = true
)

// initColors disables colours when noColor is true or stdout is not a terminal.
func initColors(noColor bool) {
	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		colorReset = ""
		colorBold = ""
		colorRed = ""
		colorGreen = ""
		colorYellow = ""
		colorBlue = ""
		colorDim = ""
		useUnicode = false
	}

	switch os.Getenv("TERM") {
	case "dumb", "linux":
		useUnicode = false
	}
}

func classColor(c compliance.Class) string {
	switch c {
	case compliance.Pass:
		return colorGreen
	case compliance.Marginal:
		return colorYellow
	case compliance.Fail:
		return colorRed
	default:
		return colorDim
	}
}

func paint(color, s string) string {
	if color == "" {
		return s
	}
	return color + s + colorReset
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	if !useUnicode {
		table.SetBorder(false)
		table.SetColumnSeparator(" ")
		table.SetCenterSeparator(" ")
		table.SetHeaderLine(false)
	}
	return table
}

func printHeader(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", paint(colorBold, "sptt v"+version))
	fmt.Fprintf(w, "  %s\n", paint(colorDim, "Storage performance test tool (fio driver)"))
	fmt.Fprintf(w, "  %s\n\n", paint(colorDim, fmt.Sprintf("System: %s (%s) | Go %s", kernelRelease(), runtime.GOARCH, runtime.Version())))
}

func printCandidates(w io.Writer, candidates []device.Candidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, "  No disks detected.")
		return
	}
	table := newTable(w, "Device", "Model", "Class", "Transport", "Size", "Serial", "Note")
	for _, c := range candidates {
		note := ""
		switch {
		case c.System():
			note = paint(colorYellow, "system ("+c.SystemMount+")")
		case c.Mounted():
			note = paint(colorYellow, "mounted ("+c.MountPoint+")")
		}
		table.Append([]string{
			c.Name,
			c.Model,
			strings.ToUpper(string(c.Class)),
			c.Transport,
			humanize.Bytes(uint64(max(c.SizeBytes, 0))),
			c.Serial,
			note,
		})
	}
	table.Render()
}

func printTopology(w io.Writer, facts *topology.Facts, devices []string) {
	table := newTable(w, "NUMA node", "Cores")
	for _, n := range facts.Nodes() {
		segs := make([]string, 0, len(facts.NodeSegments[n]))
		for _, s := range facts.NodeSegments[n] {
			segs = append(segs, s.String())
		}
		table.Append([]string{strconv.Itoa(n), strings.Join(segs, ",")})
	}
	table.Render()
	fmt.Fprintln(w)

	table = newTable(w, "Device", "PCI address", "NUMA node")
	for _, d := range devices {
		node := "unknown"
		if n := facts.Node(d); n >= 0 {
			node = strconv.Itoa(n)
		}
		table.Append([]string{d, facts.BusAddress[d], node})
	}
	table.Render()
}

func printPartition(w io.Writer, a *affinity.Assignment) {
	table := newTable(w, "Device", "NUMA node", "Cores", "Width")
	for _, d := range a.Devices() {
		seg, _ := a.Lookup(d)
		table.Append([]string{d, strconv.Itoa(a.Node(d)), seg.String(), strconv.Itoa(seg.Width())})
	}
	unpinned := a.Unpinned()
	names := make([]string, 0, len(unpinned))
	for d := range unpinned {
		names = append(names, d)
	}
	sort.Strings(names)
	for _, d := range names {
		table.Append([]string{d, "-", paint(colorYellow, "unpinned"), unpinned[d]})
	}
	table.Render()
}

func printOutcomes(w io.Writer, s *coordinator.Summary) {
	table := newTable(w, "Device", "Cores", "Passed", "Failed", "Host writes", "Elapsed", "Status")
	for _, o := range s.Outcomes {
		row := []string{o.Device.Name, "-", "0", "0", "-", o.Elapsed.Round(time.Second).String(), paint(colorGreen, "ok")}
		if r := o.Report; r != nil {
			if r.CPUList != "" {
				row[1] = r.CPUList
			}
			row[2] = strconv.Itoa(r.Passed)
			row[3] = strconv.Itoa(r.Failed)
			if r.EnduranceKnown {
				row[4] = humanize.Bytes(r.BytesWritten())
			}
		}
		if !o.OK() {
			row[6] = paint(colorRed, "failed: "+o.Err.Error())
		} else if o.Report != nil && o.Report.Failed > 0 {
			row[6] = paint(colorYellow, "ok with failed cases")
		}
		table.Append(row)
	}
	table.Render()
	fmt.Fprintf(w, "\n  Total elapsed: %s\n", s.Elapsed().Round(time.Second))
}

func printVerdicts(w io.Writer, verdicts []compliance.Verdict) {
	table := newTable(w, "Device", "Test Name", "Metric", "Actual", "Spec", "Result")
	for _, v := range verdicts {
		spec, actual := "-", "-"
		if v.Spec > 0 {
			spec = strconv.FormatFloat(v.Spec, 'f', 2, 64)
		}
		if v.Class != compliance.Unclassified || v.Actual != 0 {
			actual = strconv.FormatFloat(v.Actual, 'f', 2, 64)
		}
		result := string(v.Class)
		if v.Reason != "" {
			result += " (" + v.Reason + ")"
		}
		table.Append([]string{v.Entry.Device, v.Entry.TestName, v.Metric, actual, spec, paint(classColor(v.Class), result)})
	}
	table.Render()

	counts := compliance.Counts(verdicts)
	fmt.Fprintf(w, "\n  %s %d  %s %d  %s %d  %s %d\n",
		paint(colorGreen, "PASS"), counts[compliance.Pass],
		paint(colorYellow, "MARGINAL"), counts[compliance.Marginal],
		paint(colorRed, "FAIL"), counts[compliance.Fail],
		paint(colorDim, "UNCLASSIFIED"), counts[compliance.Unclassified])
}

func printNote(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", paint(colorBlue, fmt.Sprintf(format, args...)))
}
