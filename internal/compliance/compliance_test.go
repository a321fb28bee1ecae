package compliance

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/ledger"
)

const specJSON = `{
  // D7 datasheet, MB/s and KIOPs
  "D7-P5520": {
    "Capacity": ["3.84TB", "7.68TB", "15.36TB"],
    "128KB Seq Read (MB/s)":  [7100, 7100, 7100],
    "128KB Seq Write (MB/s)": [4200, 4200, 4200],
    "4KB Random Read (KIOPs)":  [930, 1000, 1000],
    "4KB Random Write (KIOPs)": [190, 210, 210],
    "4KB Random Mixed 70/30 RR/RW (KIOPs)": [390, 0, 450],
  },
  "_source": "product brief",
}`

func table(t *testing.T) SpecTable {
	t.Helper()
	st, err := ParseSpecTable([]byte(specJSON))
	require.NoError(t, err)
	return st
}

func TestParseSpecTableRejectsMisalignedArrays(t *testing.T) {
	_, err := ParseSpecTable([]byte(`{"D5-P5336": {"Capacity": ["7.68TB", "15.36TB"], "4KB Random Read (KIOPs)": [1005]}}`))
	require.ErrorContains(t, err, "1 values for 2 capacities")

	_, err = ParseSpecTable([]byte(`{"D5-P5336": {"4KB Random Read (KIOPs)": [1005]}}`))
	require.ErrorContains(t, err, "missing Capacity")

	require.Equal(t, []string{"D7-P5520"}, table(t).Families())
}

func TestParseProduct(t *testing.T) {
	family, capacity, err := ParseProduct("D7-P5520-7.68TB")
	require.NoError(t, err)
	require.Equal(t, "D7-P5520", family)
	require.Equal(t, "7.68TB", capacity)

	_, capacity, err = ParseProduct("D5-P5336-U.2-61.44TB")
	require.NoError(t, err)
	require.Equal(t, "61.44TB", capacity)

	_, capacity, err = ParseProduct("D7-P5520-4TB")
	require.NoError(t, err)
	require.Equal(t, "4.00TB", capacity)

	_, _, err = ParseProduct("P5520")
	require.Error(t, err)
	_, _, err = ParseProduct("D7-P5520-big")
	require.Error(t, err)
}

func TestCapacityIndex(t *testing.T) {
	st := table(t)
	idx, err := st.CapacityIndex("D7-P5520", "3.84TB")
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx, err = st.CapacityIndex("D7-P5520", "7.50TB")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	_, err = st.CapacityIndex("D7-P5520", "30.72TB")
	require.ErrorIs(t, err, ErrNoCapacity)

	_, err = st.CapacityIndex("D3-S4520", "3.84TB")
	require.ErrorIs(t, err, ErrUnknownFamily)
	require.ErrorContains(t, err, "have D7-P5520")
}

func TestMetricFor(t *testing.T) {
	cases := map[string]Metric{
		"128KB_Seq_Read":         {Name: "128KB Seq Read (MB/s)", Kind: Bandwidth},
		"128KB_Seq_Write":        {Name: "128KB Seq Write (MB/s)", Kind: Bandwidth},
		"4KB_Random_Read":        {Name: "4KB Random Read (KIOPs)", Kind: KIOPS},
		"4kb_randwrite_qd256":    {Name: "4KB Random Write (KIOPs)", Kind: KIOPS},
		"16KB_RandRW_70r_30w":    {Name: "16KB Random Mixed 70/30 RR/RW (KIOPs)", Kind: KIOPS},
		"4KB_Random_Mixed_Read":  {Name: "4KB Random Mixed 70/30 RR/RW (KIOPs)", Kind: KIOPS},
		"64KB_70r_30w_Read_Test": {Name: "64KB Random Mixed 70/30 RR/RW (KIOPs)", Kind: KIOPS},
	}
	for name, want := range cases {
		got, ok := MetricFor(name)
		require.True(t, ok, name)
		require.Equal(t, want, got, name)
	}
	for _, name := range []string{"Seq_Read", "128KB_Trim", "latency_probe"} {
		_, ok := MetricFor(name)
		require.False(t, ok, name)
	}
}

func TestClassifyThresholds(t *testing.T) {
	require.Equal(t, Pass, Classify(1000, 1000))
	require.Equal(t, Marginal, Classify(900, 1000))
	require.Equal(t, Marginal, Classify(999.9, 1000))
	require.Equal(t, Fail, Classify(899.9, 1000))
}

func TestClassifyMonotonic(t *testing.T) {
	rank := map[Class]int{Fail: 0, Marginal: 1, Pass: 2}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		spec := 1 + rng.Float64()*10000
		a := rng.Float64() * 2 * spec
		b := a + rng.Float64()*spec
		require.LessOrEqual(t, rank[Classify(a, spec)], rank[Classify(b, spec)], "spec %f: %f vs %f", spec, a, b)
	}
}

func entries() []ledger.Entry {
	return []ledger.Entry{
		{Device: "nvme0n1", TestName: "128KB_Seq_Read", Bandwidth: "7200.10MB/s", IOPS: "54900"},
		{Device: "nvme0n1", TestName: "128KB_Seq_Write", Bandwidth: "3900.00MB/s", IOPS: "29750"},
		{Device: "nvme0n1", TestName: "4KB_Random_Read", Bandwidth: "3800.00MB/s", IOPS: "700000"},
		{Device: "nvme0n1", TestName: "4KB_RandRW_70r_30w", Bandwidth: "1700.00MB/s", IOPS: "400000"},
		{Device: "nvme0n1", TestName: "4KB_Random_Write", Bandwidth: ledger.Unparsed, IOPS: ledger.Unparsed},
		{Device: "nvme0n1", TestName: "1MB_Seq_Read", Bandwidth: "7000MB/s", IOPS: "7000"},
	}
}

func TestAnalyze(t *testing.T) {
	verdicts := Analyze(entries(), table(t), "D7-P5520-3.84TB")
	require.Len(t, verdicts, 6)

	require.Equal(t, Pass, verdicts[0].Class)
	require.Equal(t, 7100.0, verdicts[0].Spec)
	require.Equal(t, Marginal, verdicts[1].Class) // 3900 >= 0.9*4200
	require.Equal(t, Fail, verdicts[2].Class)     // 700 < 0.9*930
	require.InDelta(t, 700, verdicts[2].Actual, 1e-9)
	require.Equal(t, Pass, verdicts[3].Class)
	require.Equal(t, Unclassified, verdicts[4].Class)
	require.Equal(t, "result not parsed", verdicts[4].Reason)
	require.Equal(t, Unclassified, verdicts[5].Class)

	require.Equal(t, map[Class]int{Pass: 2, Marginal: 1, Fail: 1, Unclassified: 2}, Counts(verdicts))
}

func TestAnalyzeUnresolvedProduct(t *testing.T) {
	for _, product := range []string{"D3-S4520-3.84TB", "D7-P5520-30.72TB", "garbage"} {
		for _, v := range Analyze(entries(), table(t), product) {
			require.Equal(t, Unclassified, v.Class, product)
			require.NotEmpty(t, v.Reason, product)
		}
	}

	// zero datasheet entry for the 7.68TB mixed workload
	verdicts := Analyze(entries()[3:4], table(t), "D7-P5520-7.68TB")
	require.Equal(t, Unclassified, verdicts[0].Class)
	require.Equal(t, "metric not in datasheet", verdicts[0].Reason)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, Analyze(entries()[:1], table(t), "D7-P5520-3.84TB")))
	require.Equal(t,
		"Device,Test Name,Bandwidth,IOPS,IO Depth,Num Jobs,IO Engine,Runtime,Result,Spec Value\n"+
			"nvme0n1,128KB_Seq_Read,7200.10MB/s,54900,,,,,PASS,7100\n",
		buf.String())
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "D7-P5520-3.84TB"+LedgerSuffix)
	var buf bytes.Buffer
	buf.WriteString(strings.Join(ledger.Header, ",") + "\n")
	buf.WriteString("nvme0n1,128KB_Seq_Read,7000.00MB/s,53400,128,1,libaio,60\n")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	product, ok := ProductFromLedger(path)
	require.True(t, ok)
	require.Equal(t, "D7-P5520-3.84TB", product)
	_, ok = ProductFromLedger(filepath.Join(dir, "notes.csv"))
	require.False(t, ok)

	out, verdicts, err := WriteFile(path, table(t), product)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "D7-P5520-3.84TB_fio_summary_results_analyzed.csv"), out)
	require.Equal(t, Marginal, verdicts[0].Class)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "nvme0n1,128KB_Seq_Read,7000.00MB/s,53400,128,1,libaio,60,MARGINAL,7100")
}
