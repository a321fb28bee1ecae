// Package topology discovers which NUMA node each device hangs off and
// which CPU core ranges each node owns.
package topology

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

// Segment is an inclusive range of logical CPU indices.
type Segment struct {
	Start int
	End   int
}

func (s Segment) String() string {
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// Width returns the number of cores in the segment.
func (s Segment) Width() int {
	return s.End - s.Start + 1
}

// Overlaps reports whether two inclusive ranges share a core.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start <= o.End && o.Start <= s.End
}

// ParseSegments parses an lscpu style core list such as "0-17,36-53".
// A single core "5" is the segment 5-5.
func ParseSegments(list string) ([]Segment, error) {
	var segments []Segment
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid core range %q", part)
		}
		end := start
		if found {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid core range %q", part)
			}
		}
		if end < start {
			return nil, errors.Errorf("invalid core range %q: end before start", part)
		}
		segments = append(segments, Segment{Start: start, End: end})
	}
	if len(segments) == 0 {
		return nil, errors.Errorf("empty core list %q", list)
	}
	return segments, nil
}

// Facts is everything the partitioner needs to know about the platform.
type Facts struct {
	DeviceNode   map[string]int    // device -> NUMA node, model.UnknownNode if unresolved
	BusAddress   map[string]string // device -> PCI BDF
	NodeSegments map[int][]Segment // NUMA node -> ordered core segments
}

// NewFacts returns empty Facts ready to be filled.
func NewFacts() *Facts {
	return &Facts{
		DeviceNode:   map[string]int{},
		BusAddress:   map[string]string{},
		NodeSegments: map[int][]Segment{},
	}
}

// Node returns the node of a device, model.UnknownNode when absent.
func (f *Facts) Node(device string) int {
	if n, ok := f.DeviceNode[device]; ok {
		return n
	}
	return model.UnknownNode
}

// Nodes returns the NUMA node ids that report CPU segments, ascending.
func (f *Facts) Nodes() []int {
	nodes := make([]int, 0, len(f.NodeSegments))
	for n := range f.NodeSegments {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	return nodes
}

// Provider resolves topology facts for the selected devices.
type Provider interface {
	Resolve(ctx context.Context, devices []string) (*Facts, error)
}

// Static is a Provider returning fixed facts.
type Static struct {
	Facts *Facts
}

func (s Static) Resolve(_ context.Context, devices []string) (*Facts, error) {
	if s.Facts == nil {
		return nil, errors.New("no topology facts")
	}
	out := NewFacts()
	for n, segs := range s.Facts.NodeSegments {
		out.NodeSegments[n] = append([]Segment(nil), segs...)
	}
	for _, d := range devices {
		out.DeviceNode[d] = s.Facts.Node(d)
		if bdf, ok := s.Facts.BusAddress[d]; ok {
			out.BusAddress[d] = bdf
		}
	}
	return out, nil
}
