// Package compliance grades measured results against vendor datasheet
// targets indexed by product family and capacity.
package compliance

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// CapacityTolerance is the largest capacity difference, in TB, accepted
// when matching a drive to a datasheet column.
const CapacityTolerance = 0.5

var (
	ErrUnknownFamily = errors.New("product family not in spec table")
	ErrNoCapacity    = errors.New("no datasheet capacity within tolerance")
)

// Family holds the datasheet values of one product family. Every metric
// array is aligned with Capacity.
type Family struct {
	Capacity []string
	Metrics  map[string][]float64
}

// SpecTable maps family names such as "D7-P5520" to their datasheet.
type SpecTable map[string]Family

// LoadSpecTable reads a JSONC spec table:
//
//	{"D7-P5520": {"Capacity": ["3.84TB", "7.68TB"], "4KB Random Read (KIOPs)": [930, 1000]}}
func LoadSpecTable(path string) (SpecTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading spec table")
	}
	t, err := ParseSpecTable(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// ParseSpecTable decodes and validates spec table data.
func ParseSpecTable(data []byte) (SpecTable, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, errors.Wrap(err, "parsing spec table")
	}
	table := SpecTable{}
	for name, fields := range raw {
		if strings.HasPrefix(name, "_") {
			continue
		}
		capRaw, ok := fields["Capacity"]
		if !ok {
			return nil, errors.Errorf("family %s: missing Capacity", name)
		}
		fam := Family{Metrics: map[string][]float64{}}
		if err := json.Unmarshal(capRaw, &fam.Capacity); err != nil {
			return nil, errors.Wrapf(err, "family %s: Capacity", name)
		}
		for _, c := range fam.Capacity {
			if _, err := parseTB(c); err != nil {
				return nil, errors.Wrapf(err, "family %s", name)
			}
		}
		for metric, v := range fields {
			if metric == "Capacity" || strings.HasPrefix(metric, "_") {
				continue
			}
			var values []float64
			if err := json.Unmarshal(v, &values); err != nil {
				return nil, errors.Wrapf(err, "family %s: %s", name, metric)
			}
			if len(values) != len(fam.Capacity) {
				return nil, errors.Errorf("family %s: %s has %d values for %d capacities",
					name, metric, len(values), len(fam.Capacity))
			}
			fam.Metrics[metric] = values
		}
		table[name] = fam
	}
	return table, nil
}

// Families lists the table's families, sorted.
func (t SpecTable) Families() []string {
	out := make([]string, 0, len(t))
	for f := range t {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// CapacityIndex returns the datasheet column closest to capacity.
func (t SpecTable) CapacityIndex(family, capacity string) (int, error) {
	fam, ok := t[family]
	if !ok {
		return -1, errors.Wrapf(ErrUnknownFamily, "%s (have %s)", family, strings.Join(t.Families(), ", "))
	}
	want, err := parseTB(capacity)
	if err != nil {
		return -1, err
	}
	best, bestDiff := -1, math.Inf(1)
	for i, c := range fam.Capacity {
		have, err := parseTB(c)
		if err != nil {
			continue
		}
		if d := math.Abs(have - want); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if best < 0 || bestDiff > CapacityTolerance {
		return -1, errors.Wrapf(ErrNoCapacity, "%s %s", family, capacity)
	}
	return best, nil
}

// Value returns the datasheet value of a metric at a capacity column.
// Missing metrics and zero entries report false.
func (t SpecTable) Value(family, metric string, index int) (float64, bool) {
	values, ok := t[family].Metrics[metric]
	if !ok || index < 0 || index >= len(values) || values[index] <= 0 {
		return 0, false
	}
	return values[index], true
}

// ParseProduct splits a product name such as "D7-P5520-7.68TB" into its
// family ("D7-P5520") and normalised capacity ("7.68TB").
func ParseProduct(product string) (family, capacity string, err error) {
	parts := strings.Split(strings.TrimSpace(product), "-")
	if len(parts) < 3 {
		return "", "", errors.Errorf("product %q is not <series>-<model>-<capacity>", product)
	}
	tb, err := parseTB(parts[len(parts)-1])
	if err != nil {
		return "", "", errors.Wrapf(err, "product %q", product)
	}
	return parts[0] + "-" + parts[1], strconv.FormatFloat(tb, 'f', 2, 64) + "TB", nil
}

func parseTB(s string) (float64, error) {
	v := strings.TrimSpace(strings.ToUpper(s))
	v = strings.TrimSuffix(strings.TrimSuffix(v, "B"), "T")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, errors.Errorf("capacity %q is not <n>TB", s)
	}
	return f, nil
}
