// Package testplan loads per-model fio test sequences from JSONC files.
//
// A plan file maps SSD models to their cases and to the precondition
// profile of every access pattern:
//
//	{
//	  "_comment": "keys starting with an underscore are ignored",
//	  "D7-P5520": {
//	    "test_cases": [
//	      {"name": "128KB_Seq_Write", "rw": "write", "bs": "128k", "iodepth": 128, "numjobs": 1, "precondition": true}
//	    ],
//	    "precondition": {
//	      "write": {"rw": "write", "bs": "128k", "iodepth": 128, "numjobs": 1, "mode": "loop", "value": 2, "fill_device": true}
//	    }
//	  }
//	}
//
// A case's precondition is either true (use the model profile for the
// case's rw pattern), false, or an inline profile object.
package testplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/fio"
)

// DefaultIOEngine is used when a case or precondition names no engine.
const DefaultIOEngine = "libaio"

const (
	ModeRuntime = "runtime"
	ModeLoop    = "loop"
)

var patterns = map[string]bool{
	"read": true, "write": true, "randread": true, "randwrite": true,
	"rw": true, "readwrite": true, "randrw": true,
}

// Precondition describes the fio job that brings a device to steady state
// before a measurement.
type Precondition struct {
	IOEngine    string `json:"ioengine,omitempty"`
	RW          string `json:"rw"`
	BlockSize   string `json:"bs"`
	IODepth     int    `json:"iodepth"`
	NumJobs     int    `json:"numjobs"`
	Mode        string `json:"mode"`
	Value       int    `json:"value"`
	FillDevice  bool   `json:"fill_device,omitempty"`
	CPUsAllowed string `json:"cpus_allowed,omitempty"`
}

// TestCase is one measurement of a sequence.
type TestCase struct {
	Name         string        `json:"name"`
	RW           string        `json:"rw"`
	BlockSize    string        `json:"bs"`
	IODepth      int           `json:"iodepth"`
	NumJobs      int           `json:"numjobs"`
	IOEngine     string        `json:"ioengine,omitempty"`
	RWMixRead    *int          `json:"rwmixread,omitempty"`
	Precondition *Precondition `json:"-"`
}

// Plan is the ordered test sequence of one model.
type Plan struct {
	Model string
	Cases []TestCase
}

// Preconditioned counts the cases that carry a precondition.
func (p *Plan) Preconditioned() int {
	n := 0
	for _, c := range p.Cases {
		if c.Precondition != nil {
			n++
		}
	}
	return n
}

// File is a parsed plan file.
type File struct {
	plans map[string]*Plan
}

// Models lists the models of the file, sorted.
func (f *File) Models() []string {
	models := make([]string, 0, len(f.plans))
	for m := range f.plans {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Plan returns the sequence of a model.
func (f *File) Plan(model string) (*Plan, error) {
	p, ok := f.plans[model]
	if !ok {
		return nil, errors.Errorf("model %q not in test plan (have %s)", model, strings.Join(f.Models(), ", "))
	}
	return p, nil
}

// Load reads and validates a plan file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading test plan")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return f, nil
}

type rawModel struct {
	TestCases    []rawCase                  `json:"test_cases"`
	Precondition map[string]json.RawMessage `json:"precondition"`
}

type rawCase struct {
	TestCase
	Precondition json.RawMessage `json:"precondition"`
}

// Parse decodes JSONC plan data and validates every case.
func Parse(data []byte) (*File, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &top); err != nil {
		return nil, errors.Wrap(err, "parsing test plan")
	}

	f := &File{plans: map[string]*Plan{}}
	for model, raw := range top {
		if strings.HasPrefix(model, "_") {
			continue
		}
		plan, err := parseModel(model, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "model %q", model)
		}
		f.plans[model] = plan
	}
	if len(f.plans) == 0 {
		return nil, errors.New("test plan defines no models")
	}
	return f, nil
}

func parseModel(model string, raw json.RawMessage) (*Plan, error) {
	var rm rawModel
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, errors.Wrap(err, "decoding")
	}
	if len(rm.TestCases) == 0 {
		return nil, errors.New("no test_cases")
	}

	profiles := map[string]*Precondition{}
	for rw, body := range rm.Precondition {
		if strings.HasPrefix(rw, "_") {
			continue
		}
		pc, err := decodePrecondition(body)
		if err != nil {
			return nil, errors.Wrapf(err, "precondition %q", rw)
		}
		profiles[rw] = pc
	}

	plan := &Plan{Model: model}
	names := map[string]bool{}
	for i, rc := range rm.TestCases {
		tc := rc.TestCase
		if err := validateCase(&tc); err != nil {
			return nil, errors.Wrapf(err, "test case %d (%s)", i+1, tc.Name)
		}
		if names[tc.Name] {
			return nil, errors.Errorf("test case %d: duplicate name %q", i+1, tc.Name)
		}
		names[tc.Name] = true

		pc, err := resolvePrecondition(rc.Precondition, tc.RW, profiles)
		if err != nil {
			return nil, errors.Wrapf(err, "test case %d (%s)", i+1, tc.Name)
		}
		tc.Precondition = pc
		plan.Cases = append(plan.Cases, tc)
	}
	return plan, nil
}

func resolvePrecondition(raw json.RawMessage, rw string, profiles map[string]*Precondition) (*Precondition, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")), bytes.Equal(raw, []byte("false")):
		return nil, nil
	case bytes.Equal(raw, []byte("true")):
		pc, ok := profiles[rw]
		if !ok {
			return nil, errors.Errorf("precondition requested but no profile for rw %q", rw)
		}
		cp := *pc
		return &cp, nil
	default:
		return decodePrecondition(raw)
	}
}

func decodePrecondition(raw json.RawMessage) (*Precondition, error) {
	var pc Precondition
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, errors.Wrap(err, "decoding precondition")
	}
	if err := validatePrecondition(&pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func validateCase(tc *TestCase) error {
	var problems []string
	switch {
	case tc.Name == "":
		problems = append(problems, "name is required")
	case strings.ContainsAny(tc.Name, `/\`), tc.Name == ".", tc.Name == "..":
		// names end up in result file paths
		problems = append(problems, fmt.Sprintf("name %q must not contain path separators", tc.Name))
	}
	if !patterns[tc.RW] {
		problems = append(problems, fmt.Sprintf("rw %q is not a fio pattern", tc.RW))
	}
	if err := validBlockSize(tc.BlockSize); err != nil {
		problems = append(problems, err.Error())
	}
	if tc.IODepth <= 0 {
		problems = append(problems, "iodepth must be positive")
	}
	if tc.NumJobs <= 0 {
		problems = append(problems, "numjobs must be positive")
	}
	if tc.RWMixRead != nil {
		switch {
		case !fio.Mixed(tc.RW):
			problems = append(problems, fmt.Sprintf("rwmixread set for non-mixed rw %q", tc.RW))
		case *tc.RWMixRead < 0 || *tc.RWMixRead > 100:
			problems = append(problems, "rwmixread must be within 0-100")
		}
	}
	if tc.IOEngine == "" {
		tc.IOEngine = DefaultIOEngine
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func validatePrecondition(pc *Precondition) error {
	var problems []string
	if !patterns[pc.RW] {
		problems = append(problems, fmt.Sprintf("rw %q is not a fio pattern", pc.RW))
	}
	if err := validBlockSize(pc.BlockSize); err != nil {
		problems = append(problems, err.Error())
	}
	if pc.IODepth <= 0 {
		problems = append(problems, "iodepth must be positive")
	}
	if pc.NumJobs <= 0 {
		problems = append(problems, "numjobs must be positive")
	}
	if pc.Mode != ModeRuntime && pc.Mode != ModeLoop {
		problems = append(problems, fmt.Sprintf("mode %q must be %q or %q", pc.Mode, ModeRuntime, ModeLoop))
	}
	if pc.Value <= 0 {
		problems = append(problems, "value must be positive")
	}
	if pc.IOEngine == "" {
		pc.IOEngine = DefaultIOEngine
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// validBlockSize accepts fio sizes such as 4k, 128k, 1m or 4096.
func validBlockSize(bs string) error {
	if bs == "" {
		return errors.New("bs is required")
	}
	n, err := humanize.ParseBytes(bs)
	if err != nil || n == 0 {
		return errors.Errorf("bs %q is not a block size", bs)
	}
	return nil
}
