package topology

import (
	"bufio"
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

var (
	bdfPattern      = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)
	numaLinePattern = regexp.MustCompile(`(?i)NUMA node:\s*(\d+)`)
	lscpuNodeLine   = regexp.MustCompile(`^NUMA node(\d+) CPU\(s\):\s*(.+)$`)
	nvmeController  = regexp.MustCompile(`^(nvme\d+)`)
)

// SystemProvider resolves topology from sysfs, lspci and lscpu.
type SystemProvider struct {
	SysRoot string // "/sys" in production
	Runner  execx.Runner
	Logger  *slog.Logger
}

// NewSystemProvider returns a provider reading the live system.
func NewSystemProvider(runner execx.Runner, logger *slog.Logger) *SystemProvider {
	return &SystemProvider{SysRoot: "/sys", Runner: runner, Logger: logger}
}

func (p *SystemProvider) Resolve(ctx context.Context, devices []string) (*Facts, error) {
	facts := NewFacts()

	segments, err := p.nodeSegments(ctx)
	if err != nil {
		return nil, err
	}
	facts.NodeSegments = segments

	for _, dev := range devices {
		facts.DeviceNode[dev] = model.UnknownNode

		bdf, err := p.busAddress(dev)
		if err != nil {
			p.Logger.Warn("bus path unresolved, device will run unpinned", "device", dev, "error", err)
			continue
		}
		facts.BusAddress[dev] = bdf

		node, err := p.deviceNode(ctx, bdf)
		if err != nil {
			p.Logger.Warn("NUMA node unresolved, device will run unpinned", "device", dev, "bdf", bdf, "error", err)
			continue
		}
		facts.DeviceNode[dev] = node
	}
	return facts, nil
}

// busAddress follows the device's sysfs link and returns the last PCI
// address on the resolved path, e.g. 0000:02:00.0 for
// /sys/devices/pci0000:00/0000:00:01.0/0000:02:00.0/nvme/nvme0.
func (p *SystemProvider) busAddress(dev string) (string, error) {
	name := filepath.Base(dev)
	link := filepath.Join(p.SysRoot, "block", name, "device")
	if m := nvmeController.FindStringSubmatch(name); m != nil {
		link = filepath.Join(p.SysRoot, "class", "nvme", m[1])
	}
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", link)
	}
	parts := strings.Split(filepath.ToSlash(resolved), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if bdfPattern.MatchString(parts[i]) {
			return strings.ToLower(parts[i]), nil
		}
	}
	return "", errors.Errorf("no PCI address in %s", resolved)
}

func (p *SystemProvider) deviceNode(ctx context.Context, bdf string) (int, error) {
	out, err := execx.Query(ctx, p.Runner, "lspci", "-vvv", "-s", bdf)
	if err != nil {
		return model.UnknownNode, err
	}
	return ParseLspciNode(out)
}

func (p *SystemProvider) nodeSegments(ctx context.Context) (map[int][]Segment, error) {
	out, err := execx.Query(ctx, p.Runner, "lscpu")
	if err != nil {
		return nil, errors.Wrap(err, "querying CPU topology")
	}
	return ParseLscpu(out)
}

// ParseLspciNode extracts the NUMA node from `lspci -vvv -s <bdf>` output.
func ParseLspciNode(out string) (int, error) {
	m := numaLinePattern.FindStringSubmatch(out)
	if m == nil {
		return model.UnknownNode, errors.New("no NUMA node in lspci output")
	}
	return strconv.Atoi(m[1])
}

// ParseLscpu extracts the per-node core lists from lscpu output:
//
//	NUMA node0 CPU(s):   0-17,36-53
func ParseLscpu(out string) (map[int][]Segment, error) {
	nodes := map[int][]Segment{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := lscpuNodeLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid NUMA node id %q", m[1])
		}
		segs, err := ParseSegments(m[2])
		if err != nil {
			return nil, errors.Wrapf(err, "NUMA node%d", id)
		}
		nodes[id] = segs
	}
	if len(nodes) == 0 {
		return nil, errors.New("lscpu reported no NUMA nodes")
	}
	return nodes, nil
}
