package ledger

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one row read back from a ledger file.
type Entry struct {
	Device    string
	TestName  string
	Bandwidth string
	IOPS      string
	IODepth   string
	NumJobs   string
	IOEngine  string
	Runtime   string
}

// BandwidthMBps parses the Bandwidth column ("1234.56MB/s").
func (e Entry) BandwidthMBps() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(e.Bandwidth), "MB/s"), 64)
	return v, err == nil
}

// IOPSValue parses the IOPS column.
func (e Entry) IOPSValue() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(e.IOPS), 64)
	return v, err == nil
}

// Columns returns the entry in Header order.
func (e Entry) Columns() []string {
	return []string{e.Device, e.TestName, e.Bandwidth, e.IOPS, e.IODepth, e.NumJobs, e.IOEngine, e.Runtime}
}

// ReadFile reads a ledger CSV.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger")
	}
	defer f.Close()
	entries, err := Read(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return entries, nil
}

// Read parses ledger rows. Columns are located by header name so files
// with extra or reordered columns still load.
func Read(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty ledger")
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading ledger header")
	}
	index := map[string]int{}
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, h := range []string{"Device", "Test Name", "Bandwidth", "IOPS"} {
		if _, ok := index[h]; !ok {
			return nil, errors.Errorf("ledger header lacks %q", h)
		}
	}
	col := func(rec []string, name string) string {
		if i, ok := index[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var out []Entry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading ledger row")
		}
		out = append(out, Entry{
			Device:    col(rec, "Device"),
			TestName:  col(rec, "Test Name"),
			Bandwidth: col(rec, "Bandwidth"),
			IOPS:      col(rec, "IOPS"),
			IODepth:   col(rec, "IO Depth"),
			NumJobs:   col(rec, "Num Jobs"),
			IOEngine:  col(rec, "IO Engine"),
			Runtime:   col(rec, "Runtime"),
		})
	}
}
