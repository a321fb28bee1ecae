// Package metrics exports the results of a run in the Prometheus text
// format, for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

const namespace = "sptt"

// Exporter collects run results into a private registry.
type Exporter struct {
	registry *prometheus.Registry

	bandwidth     *prometheus.GaugeVec
	iops          *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	deviceSeconds *prometheus.GaugeVec
	deviceOK      *prometheus.GaugeVec
	bytesWritten  *prometheus.GaugeVec
	verdicts      *prometheus.GaugeVec
	runSeconds    prometheus.Gauge
}

// New returns an Exporter with every metric registered.
func New() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_bandwidth_megabytes_per_second",
			Help:      "Read plus write bandwidth of a test case in MB/s.",
		}, []string{"device", "test"}),
		iops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_iops",
			Help:      "Read plus write IOPS of a test case.",
		}, []string{"device", "test"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_runs_total",
			Help:      "Test cases grouped by outcome and the phase they ended in.",
		}, []string{"device", "status", "phase"}),
		deviceSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_duration_seconds",
			Help:      "Wall time of a device's test sequence.",
		}, []string{"device"}),
		deviceOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_success",
			Help:      "1 when the device finished its sequence, 0 when it aborted.",
		}, []string{"device"}),
		bytesWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_host_written_bytes",
			Help:      "Host writes during the sequence from the NVMe data units written counter.",
		}, []string{"device"}),
		verdicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compliance_results",
			Help:      "Analyzed results per datasheet class.",
		}, []string{"class"}),
		runSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the whole run.",
		}),
	}
	e.registry.MustRegister(e.bandwidth, e.iops, e.runs, e.deviceSeconds, e.deviceOK, e.bytesWritten, e.verdicts, e.runSeconds)
	return e
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// ObserveRun records one test case.
func (e *Exporter) ObserveRun(run model.TestRun) {
	status := "ok"
	if !run.OK {
		status = "failed"
	}
	e.runs.WithLabelValues(run.Device, status, run.Phase.String()).Inc()
	if run.OK {
		e.bandwidth.WithLabelValues(run.Device, run.TestName).Set(run.Bandwidth)
		e.iops.WithLabelValues(run.Device, run.TestName).Set(float64(run.IOPS))
	}
}

// ObserveDevice records how a device's sequence ended.
func (e *Exporter) ObserveDevice(device string, ok bool, elapsed time.Duration, bytesWritten uint64, enduranceKnown bool) {
	e.deviceSeconds.WithLabelValues(device).Set(elapsed.Seconds())
	v := 0.0
	if ok {
		v = 1
	}
	e.deviceOK.WithLabelValues(device).Set(v)
	if enduranceKnown {
		e.bytesWritten.WithLabelValues(device).Set(float64(bytesWritten))
	}
}

// ObserveCompliance records analysis counts per class.
func (e *Exporter) ObserveCompliance(counts map[string]int) {
	for class, n := range counts {
		e.verdicts.WithLabelValues(class).Set(float64(n))
	}
}

// ObserveElapsed records the run's wall time.
func (e *Exporter) ObserveElapsed(d time.Duration) {
	e.runSeconds.Set(d.Seconds())
}

// WriteTextfile atomically writes all metrics to path.
func (e *Exporter) WriteTextfile(path string) error {
	return errors.Wrap(prometheus.WriteToTextfile(path, e.registry), "writing metrics")
}
