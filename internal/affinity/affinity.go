// Package affinity splits each NUMA node's CPU cores among the devices
// attached to it so concurrent fio workers do not share cores.
package affinity

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/topology"
)

// ReservedCores is the number of leading cores of every segment left for
// interrupt and management work.
const ReservedCores = 4

// Assignment maps devices to core ranges. It is built once by Partition
// and only read afterwards.
type Assignment struct {
	ranges   map[string]topology.Segment
	nodes    map[string]int
	order    []string
	unpinned map[string]string
}

// Lookup returns the core range assigned to a device.
func (a *Assignment) Lookup(device string) (topology.Segment, bool) {
	if a == nil {
		return topology.Segment{}, false
	}
	seg, ok := a.ranges[device]
	return seg, ok
}

// CPUList returns the fio/taskset core list for a device, or "" when unpinned.
func (a *Assignment) CPUList(device string) string {
	seg, ok := a.Lookup(device)
	if !ok {
		return ""
	}
	return seg.String()
}

// Devices returns the pinned devices in assignment order.
func (a *Assignment) Devices() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.order...)
}

// Node returns the NUMA node the device was partitioned under.
func (a *Assignment) Node(device string) int {
	if a == nil {
		return model.UnknownNode
	}
	if n, ok := a.nodes[device]; ok {
		return n
	}
	return model.UnknownNode
}

// Unpinned returns the devices left without a range and why.
func (a *Assignment) Unpinned() map[string]string {
	out := map[string]string{}
	if a == nil {
		return out
	}
	for k, v := range a.unpinned {
		out[k] = v
	}
	return out
}

// Len returns the number of pinned devices.
func (a *Assignment) Len() int {
	if a == nil {
		return 0
	}
	return len(a.ranges)
}

// WriteBindings writes one "<dev> (NUMA node N): taskset -c a-b" line
// per pinned device.
func (a *Assignment) WriteBindings(w io.Writer) error {
	for _, d := range a.Devices() {
		if _, err := fmt.Fprintf(w, "%s (NUMA node %d): taskset -c %s\n", d, a.Node(d), a.CPUList(d)); err != nil {
			return err
		}
	}
	return nil
}

type partitioner struct {
	a      *Assignment
	logger *slog.Logger
}

// Partition assigns core ranges to devices.
//
// Devices are grouped per NUMA node in the order given. For single
// segment nodes the block width is derived from the first segment of the
// lowest numbered node, minus the reserved cores, divided by the smallest
// per-node device count across all populated nodes, so every such node
// hands out equally sized blocks. A node with two segments sizes its
// blocks from the end of its own first segment instead and splits its
// devices: the first half (rounded up) goes to the base pool, the rest to
// the accelerated pool, and the divisor becomes half the smallest count
// (plus one when the node holds an odd number of devices). Each pool
// starts ReservedCores past its segment start.
//
// A block that would overlap an already issued range is not handed out;
// the device runs unpinned. Devices on unknown nodes are never pinned.
func Partition(devices []string, facts *topology.Facts, logger *slog.Logger) *Assignment {
	p := &partitioner{
		a: &Assignment{
			ranges:   map[string]topology.Segment{},
			nodes:    map[string]int{},
			unpinned: map[string]string{},
		},
		logger: logger,
	}
	if facts == nil {
		for _, d := range devices {
			p.skip(d, "no topology facts")
		}
		return p.a
	}

	groups := map[int][]string{}
	for _, d := range devices {
		node := facts.Node(d)
		if node == model.UnknownNode {
			p.skip(d, "NUMA node unknown")
			continue
		}
		if _, dup := p.a.nodes[d]; dup {
			continue
		}
		p.a.nodes[d] = node
		groups[node] = append(groups[node], d)
	}
	if len(groups) == 0 {
		return p.a
	}

	minDrives := 0
	for _, devs := range groups {
		if minDrives == 0 || len(devs) < minDrives {
			minDrives = len(devs)
		}
	}

	ref, ok := referenceSegment(facts)
	if !ok {
		for _, devs := range groups {
			for _, d := range devs {
				p.skip(d, "no CPU core list reported")
			}
		}
		return p.a
	}
	base := ref.End - (ReservedCores - 1)

	populated := make([]int, 0, len(groups))
	for n := range groups {
		populated = append(populated, n)
	}
	sort.Ints(populated)

	for _, node := range populated {
		devs := groups[node]
		segs := facts.NodeSegments[node]
		switch {
		case len(segs) == 0:
			for _, d := range devs {
				p.skip(d, fmt.Sprintf("NUMA node %d reports no cores", node))
			}
		case len(segs) == 1:
			p.fill(devs, segs[0], base/minDrives)
		default:
			divisor := minDrives / 2
			if len(devs)%2 == 1 {
				divisor++
			}
			divisor = max(divisor, 1)
			width := (segs[0].End - (ReservedCores - 1)) / divisor
			half := (len(devs) + 1) / 2
			p.fill(devs[:half], segs[0], width)
			p.fill(devs[half:], segs[1], width)
		}
	}
	return p.a
}

// referenceSegment is the first segment of the lowest numbered node.
func referenceSegment(facts *topology.Facts) (topology.Segment, bool) {
	for _, n := range facts.Nodes() {
		if segs := facts.NodeSegments[n]; len(segs) > 0 {
			return segs[0], true
		}
	}
	return topology.Segment{}, false
}

// fill hands out consecutive blocks of width cores starting ReservedCores
// into seg.
func (p *partitioner) fill(devs []string, seg topology.Segment, width int) {
	cursor := seg.Start + ReservedCores
	for _, d := range devs {
		if width < 1 {
			p.skip(d, "core budget too small")
			continue
		}
		candidate := topology.Segment{Start: cursor, End: cursor + width - 1}
		cursor += width
		if owner, clash := p.overlapping(candidate); clash {
			p.skip(d, fmt.Sprintf("range %s overlaps %s", candidate, owner))
			continue
		}
		p.a.ranges[d] = candidate
		p.a.order = append(p.a.order, d)
	}
}

func (p *partitioner) overlapping(candidate topology.Segment) (string, bool) {
	for _, d := range p.a.order {
		if seg := p.a.ranges[d]; seg.Overlaps(candidate) {
			return d, true
		}
	}
	return "", false
}

func (p *partitioner) skip(device, reason string) {
	p.a.unpinned[device] = reason
	if p.logger != nil {
		p.logger.Warn("device left unpinned", "device", device, "reason", reason)
	}
}
