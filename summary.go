package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/compliance"
	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/coordinator"
)

// SummaryFile is written into every results directory.
const SummaryFile = "summary.yaml"

type runSummary struct {
	RunID      string          `yaml:"run_id"`
	Version    string          `yaml:"version"`
	Model      string          `yaml:"model"`
	Product    string          `yaml:"product"`
	Started    time.Time       `yaml:"started"`
	Finished   time.Time       `yaml:"finished"`
	Elapsed    string          `yaml:"elapsed"`
	Ledger     string          `yaml:"ledger"`
	Analysis   string          `yaml:"analysis,omitempty"`
	Compliance map[string]int  `yaml:"compliance,omitempty"`
	HookErrors []string        `yaml:"hook_errors,omitempty"`
	Devices    []deviceSummary `yaml:"devices"`
}

type deviceSummary struct {
	Name         string        `yaml:"name"`
	Cores        string        `yaml:"cores,omitempty"`
	Status       string        `yaml:"status"`
	Error        string        `yaml:"error,omitempty"`
	Elapsed      string        `yaml:"elapsed"`
	Passed       int           `yaml:"passed"`
	Failed       int           `yaml:"failed"`
	BytesWritten *uint64       `yaml:"host_written_bytes,omitempty"`
	Cases        []caseSummary `yaml:"cases,omitempty"`
}

type caseSummary struct {
	Name      string `yaml:"name"`
	Phase     string `yaml:"phase"`
	OK        bool   `yaml:"ok"`
	Bandwidth string `yaml:"bandwidth,omitempty"`
	IOPS      int64  `yaml:"iops,omitempty"`
	Runtime   string `yaml:"runtime,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

func newRunSummary(runID, model, product, ledgerPath string, s *coordinator.Summary) *runSummary {
	out := &runSummary{
		RunID:    runID,
		Version:  version,
		Model:    model,
		Product:  product,
		Started:  s.Started,
		Finished: s.Finished,
		Elapsed:  s.Elapsed().Round(time.Second).String(),
		Ledger:   ledgerPath,
	}
	for _, err := range s.HookErrors {
		out.HookErrors = append(out.HookErrors, err.Error())
	}
	for _, o := range s.Outcomes {
		ds := deviceSummary{
			Name:    o.Device.Name,
			Status:  "ok",
			Elapsed: o.Elapsed.Round(time.Second).String(),
		}
		if !o.OK() {
			ds.Status = "failed"
			ds.Error = o.Err.Error()
		}
		if r := o.Report; r != nil {
			ds.Cores = r.CPUList
			ds.Passed = r.Passed
			ds.Failed = r.Failed
			if r.EnduranceKnown {
				written := r.BytesWritten()
				ds.BytesWritten = &written
			}
			for _, run := range r.Runs {
				cs := caseSummary{Name: run.TestName, Phase: run.Phase.String(), OK: run.OK, Error: run.Error}
				if run.OK {
					cs.Bandwidth = run.BandwidthString()
					cs.IOPS = run.IOPS
					cs.Runtime = run.Runtime
				}
				ds.Cases = append(ds.Cases, cs)
			}
		}
		out.Devices = append(out.Devices, ds)
	}
	return out
}

func (s *runSummary) addAnalysis(path string, verdicts []compliance.Verdict) {
	s.Analysis = path
	s.Compliance = map[string]int{}
	for class, n := range compliance.Counts(verdicts) {
		s.Compliance[string(class)] = n
	}
}

func (s *runSummary) write(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding run summary")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing run summary")
}
