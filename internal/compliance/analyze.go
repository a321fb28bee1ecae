package compliance

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/ledger"
)

// Class is the verdict of one result.
type Class string

const (
	Pass         Class = "PASS"
	Marginal     Class = "MARGINAL" // within 10% below target
	Fail         Class = "FAIL"
	Unclassified Class = "UNCLASSIFIED"
)

// MarginalRatio is the fraction of the target a marginal result reaches.
const MarginalRatio = 0.9

// Classify grades actual against spec.
func Classify(actual, spec float64) Class {
	switch {
	case actual >= spec:
		return Pass
	case actual >= MarginalRatio*spec:
		return Marginal
	default:
		return Fail
	}
}

// Kind tells which ledger column a metric is compared with.
type Kind int

const (
	Bandwidth Kind = iota // MB/s
	KIOPS                 // IOPS / 1000
)

// Metric is a datasheet row name and how to measure it.
type Metric struct {
	Name string
	Kind Kind
}

var blockSize = regexp.MustCompile(`(?i)(\d+)KB`)

// MetricFor maps a test name such as "4KB_Random_Read" to its datasheet
// metric. Mixed patterns are recognised before pure reads and writes.
func MetricFor(testName string) (Metric, bool) {
	m := blockSize.FindStringSubmatch(testName)
	if m == nil {
		return Metric{}, false
	}
	bs := m[1] + "KB"
	name := strings.ToLower(testName)
	has := func(keys ...string) bool {
		for _, k := range keys {
			if strings.Contains(name, k) {
				return true
			}
		}
		return false
	}
	switch {
	case has("randrw", "random_mixed", "70r_30w"):
		return Metric{Name: bs + " Random Mixed 70/30 RR/RW (KIOPs)", Kind: KIOPS}, true
	case has("seq_read"):
		return Metric{Name: bs + " Seq Read (MB/s)", Kind: Bandwidth}, true
	case has("seq_write"):
		return Metric{Name: bs + " Seq Write (MB/s)", Kind: Bandwidth}, true
	case has("random_read", "randread"):
		return Metric{Name: bs + " Random Read (KIOPs)", Kind: KIOPS}, true
	case has("random_write", "randwrite"):
		return Metric{Name: bs + " Random Write (KIOPs)", Kind: KIOPS}, true
	}
	return Metric{}, false
}

// Verdict is the grade of one ledger entry.
type Verdict struct {
	Entry  ledger.Entry
	Metric string
	Spec   float64 // 0 when unclassified
	Actual float64
	Class  Class
	Reason string // why a result is unclassified
}

// Analyze grades every entry of a ledger for the given product. Entries
// that cannot be matched to a datasheet value are unclassified.
func Analyze(entries []ledger.Entry, table SpecTable, product string) []Verdict {
	out := make([]Verdict, 0, len(entries))

	index := -1
	family, capacity, err := ParseProduct(product)
	if err == nil {
		index, err = table.CapacityIndex(family, capacity)
	}
	for _, e := range entries {
		v := Verdict{Entry: e, Class: Unclassified}
		if err != nil {
			v.Reason = err.Error()
			out = append(out, v)
			continue
		}
		metric, ok := MetricFor(e.TestName)
		if !ok {
			v.Reason = "no datasheet metric for test name"
			out = append(out, v)
			continue
		}
		v.Metric = metric.Name
		spec, ok := table.Value(family, metric.Name, index)
		if !ok {
			v.Reason = "metric not in datasheet"
			out = append(out, v)
			continue
		}
		actual, ok := measured(e, metric.Kind)
		if !ok {
			v.Reason = "result not parsed"
			out = append(out, v)
			continue
		}
		v.Spec, v.Actual, v.Class = spec, actual, Classify(actual, spec)
		out = append(out, v)
	}
	return out
}

func measured(e ledger.Entry, k Kind) (float64, bool) {
	if k == Bandwidth {
		return e.BandwidthMBps()
	}
	iops, ok := e.IOPSValue()
	return iops / 1000, ok
}

// Counts tallies verdicts per class.
func Counts(verdicts []Verdict) map[Class]int {
	out := map[Class]int{}
	for _, v := range verdicts {
		out[v.Class]++
	}
	return out
}

// WriteCSV writes the ledger columns followed by Result and Spec Value.
func WriteCSV(w io.Writer, verdicts []Verdict) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, ledger.Header...), "Result", "Spec Value")); err != nil {
		return errors.Wrap(err, "writing analysis header")
	}
	for _, v := range verdicts {
		spec := ""
		if v.Class != Unclassified {
			spec = strconv.FormatFloat(v.Spec, 'f', -1, 64)
		}
		if err := cw.Write(append(v.Entry.Columns(), string(v.Class), spec)); err != nil {
			return errors.Wrap(err, "writing analysis row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "writing analysis")
}

// LedgerSuffix ends the file name of every ledger.
const LedgerSuffix = "_fio_summary_results.csv"

// ProductFromLedger recovers the product name from a ledger path such as
// "D7-P5520-7.68TB_fio_summary_results.csv".
func ProductFromLedger(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, LedgerSuffix) {
		return "", false
	}
	return strings.TrimSuffix(base, LedgerSuffix), true
}

// AnalyzedPath is where the analysis of a ledger is written.
func AnalyzedPath(ledgerPath string) string {
	return strings.TrimSuffix(ledgerPath, ".csv") + "_analyzed.csv"
}

// WriteFile analyzes a ledger file and writes the result next to it.
func WriteFile(ledgerPath string, table SpecTable, product string) (string, []Verdict, error) {
	entries, err := ledger.ReadFile(ledgerPath)
	if err != nil {
		return "", nil, err
	}
	verdicts := Analyze(entries, table, product)
	out := AnalyzedPath(ledgerPath)
	f, err := os.Create(out)
	if err != nil {
		return "", nil, errors.Wrap(err, "creating analysis file")
	}
	if err := WriteCSV(f, verdicts); err != nil {
		f.Close()
		return "", nil, err
	}
	return out, verdicts, errors.Wrap(f.Close(), "closing analysis file")
}
