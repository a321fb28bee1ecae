// Package model holds the domain types shared by the benchmark packages.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DeviceClass tells the pipeline which erase and telemetry tools apply.
type DeviceClass string

const (
	ClassNVMe    DeviceClass = "nvme" // block protocol, write-endurance tracked
	ClassSATA    DeviceClass = "ssd"  // legacy protocol, solid state
	ClassHDD     DeviceClass = "hdd"
	ClassUnknown DeviceClass = "unknown"
)

// UnknownNode marks a device whose NUMA node could not be resolved.
const UnknownNode = -1

// Device represents a block device selected for benchmarking.
type Device struct {
	Name       string // kernel name, e.g. nvme0n1
	BusAddress string // PCI BDF, e.g. 0000:02:00.0
	Node       int    // NUMA node, UnknownNode when unresolved
	Class      DeviceClass
	Model      string
	Serial     string
	SizeBytes  int64
	MountPoint string
}

// Path returns the /dev path of the device.
func (d Device) Path() string {
	if strings.HasPrefix(d.Name, "/dev/") {
		return d.Name
	}
	return "/dev/" + d.Name
}

// EnduranceTracked reports whether the device exposes a data-units-written counter.
func (d Device) EnduranceTracked() bool {
	return d.Class == ClassNVMe
}

// ClassOf guesses the device class from its kernel name and rotational flag.
func ClassOf(name string, rotational bool) DeviceClass {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return ClassNVMe
	case rotational:
		return ClassHDD
	default:
		return ClassSATA
	}
}

// Phase is a step of the per-device benchmark state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseErase
	PhasePrecondition
	PhaseMeasure
	PhaseRecord
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:         "idle",
	PhaseErase:        "erase",
	PhasePrecondition: "precondition",
	PhaseMeasure:      "measure",
	PhaseRecord:       "record",
	PhaseDone:         "done",
	PhaseFailed:       "failed_step",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// TestRun is the outcome of one test case on one device. It is never
// modified after it has been submitted to the ledger.
type TestRun struct {
	Device    string
	TestName  string
	Phase     Phase // last phase reached
	OK        bool
	Error     string
	Bandwidth float64 // MB/s, read + write
	IOPS      int64   // read + write
	Runtime   string  // seconds reported by fio, "N/A" when absent
	IODepth   int
	NumJobs   int
	IOEngine  string
	Started   time.Time
	Finished  time.Time
}

// BandwidthString renders the bandwidth the way the ledger stores it.
func (r TestRun) BandwidthString() string {
	return fmt.Sprintf("%.2fMB/s", r.Bandwidth)
}

// Recorded reports whether the run reached the record phase and belongs in the ledger file.
func (r TestRun) Recorded() bool {
	return r.Phase >= PhaseRecord && r.Phase != PhaseFailed
}
