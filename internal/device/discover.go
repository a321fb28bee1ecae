// Package device finds the disks a run can use and wraps the per-device
// tools around a benchmark: erase, write endurance and PCI snapshots.
package device

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/execx"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

// systemMounts marks a disk as carrying the running OS.
var systemMounts = map[string]bool{
	"/": true, "/boot": true, "/boot/efi": true, "/home": true, "[SWAP]": true,
}

// Candidate is a whole disk reported by lsblk.
type Candidate struct {
	model.Device
	Transport string
	// SystemMount is the OS mount point found on the disk or one of its
	// partitions, empty for a free disk.
	SystemMount string
}

// System reports whether the disk holds the running OS.
func (c Candidate) System() bool {
	return c.SystemMount != ""
}

// Discover lists the whole disks of the host.
func Discover(ctx context.Context, r execx.Runner) ([]Candidate, error) {
	out, err := execx.Query(ctx, r, "lsblk", "-J", "-b", "-o", "NAME,TYPE,SIZE,MODEL,SERIAL,TRAN,ROTA,MOUNTPOINT")
	if err != nil {
		return nil, errors.Wrap(err, "listing block devices")
	}
	return ParseLsblk([]byte(out))
}

// ParseLsblk reads `lsblk -J -b` output. Older lsblk releases print sizes
// and the rotational flag as strings, newer ones as numbers and booleans;
// both are accepted.
func ParseLsblk(data []byte) ([]Candidate, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("lsblk output is not JSON")
	}
	var disks []Candidate
	gjson.GetBytes(data, "blockdevices").ForEach(func(_, dev gjson.Result) bool {
		if dev.Get("type").String() != "disk" {
			return true
		}
		name := dev.Get("name").String()
		tran := strings.ToLower(dev.Get("tran").String())
		rota := true
		if r := dev.Get("rota"); r.Exists() && r.Type != gjson.Null {
			rota = r.Bool()
		}
		class := model.ClassOf(name, rota)
		if tran == "nvme" {
			class = model.ClassNVMe
		}

		c := Candidate{
			Device: model.Device{
				Name:       name,
				Node:       model.UnknownNode,
				Class:      class,
				Model:      strings.TrimSpace(dev.Get("model").String()),
				Serial:     strings.TrimSpace(dev.Get("serial").String()),
				SizeBytes:  dev.Get("size").Int(),
				MountPoint: firstMount(dev),
			},
			Transport: tran,
		}
		if c.Model == "" {
			c.Model = "Unknown"
		}
		c.SystemMount = systemMount(dev)
		disks = append(disks, c)
		return true
	})
	sort.SliceStable(disks, func(i, j int) bool { return disks[i].Name < disks[j].Name })
	return disks, nil
}

// mounts returns the mount points of a node, handling both the
// "mountpoint" string and the "mountpoints" array forms.
func mounts(dev gjson.Result) []string {
	var out []string
	if m := dev.Get("mountpoint").String(); m != "" {
		out = append(out, m)
	}
	dev.Get("mountpoints").ForEach(func(_, m gjson.Result) bool {
		if s := m.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func firstMount(dev gjson.Result) string {
	if m := mounts(dev); len(m) > 0 {
		return m[0]
	}
	found := ""
	dev.Get("children").ForEach(func(_, child gjson.Result) bool {
		found = firstMount(child)
		return found == ""
	})
	return found
}

func systemMount(dev gjson.Result) string {
	for _, m := range mounts(dev) {
		if systemMounts[m] {
			return m
		}
	}
	found := ""
	dev.Get("children").ForEach(func(_, child gjson.Result) bool {
		found = systemMount(child)
		return found == ""
	})
	return found
}

// Select picks the named disks out of the candidates in the order given.
// Names may carry a /dev/ prefix. System disks are refused.
func Select(candidates []Candidate, names []string) ([]model.Device, error) {
	byName := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byName[c.Name] = c
	}
	var (
		out  []model.Device
		seen = map[string]bool{}
	)
	for _, n := range names {
		n = filepath.Base(strings.TrimSpace(n))
		if n == "" || n == "." || seen[n] {
			continue
		}
		seen[n] = true
		c, ok := byName[n]
		if !ok {
			return nil, errors.Errorf("device %s not found", n)
		}
		if c.System() {
			return nil, errors.Errorf("device %s holds %s and cannot be benchmarked", n, c.SystemMount)
		}
		out = append(out, c.Device)
	}
	if len(out) == 0 {
		return nil, errors.New("no devices selected")
	}
	return out, nil
}

// Mounted reports whether the disk or one of its partitions is mounted.
func (c Candidate) Mounted() bool {
	return c.MountPoint != "" || c.System()
}

// Free returns every candidate with nothing mounted on it. Mounted data
// disks are only tested when named explicitly through Select.
func Free(candidates []Candidate) []model.Device {
	var out []model.Device
	for _, c := range candidates {
		if !c.Mounted() {
			out = append(out, c.Device)
		}
	}
	return out
}
