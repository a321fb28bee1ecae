package testplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const d7Plan = `{
  // shipped with the D7 family
  "_comment": "ignored",
  "D7-P5520": {
    "test_cases": [
      {"name": "128KB_Seq_Write", "rw": "write", "bs": "128k", "iodepth": 128, "numjobs": 1, "precondition": true},
      {"name": "128KB_Seq_Read", "rw": "read", "bs": "128k", "iodepth": 128, "numjobs": 1},
      {"name": "4KB_RandRW_70r_30w", "rw": "randrw", "bs": "4k", "iodepth": 64, "numjobs": 4,
       "ioengine": "io_uring", "rwmixread": 70,
       "precondition": {"rw": "randwrite", "bs": "4k", "iodepth": 128, "numjobs": 4, "mode": "runtime", "value": 1800}},
    ],
    "precondition": {
      "_note": "keyed by the rw of the case",
      "write": {"rw": "write", "bs": "128k", "iodepth": 128, "numjobs": 1, "mode": "loop", "value": 2, "fill_device": true},
    },
  },
}`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(d7Plan))
	require.NoError(t, err)
	require.Equal(t, []string{"D7-P5520"}, f.Models())

	plan, err := f.Plan("D7-P5520")
	require.NoError(t, err)
	require.Len(t, plan.Cases, 3)
	require.Equal(t, 2, plan.Preconditioned())

	seqWrite := plan.Cases[0]
	require.Equal(t, DefaultIOEngine, seqWrite.IOEngine)
	require.NotNil(t, seqWrite.Precondition)
	require.Equal(t, ModeLoop, seqWrite.Precondition.Mode)
	require.Equal(t, 2, seqWrite.Precondition.Value)
	require.True(t, seqWrite.Precondition.FillDevice)
	require.Equal(t, DefaultIOEngine, seqWrite.Precondition.IOEngine)

	require.Nil(t, plan.Cases[1].Precondition)

	mixed := plan.Cases[2]
	require.Equal(t, "io_uring", mixed.IOEngine)
	require.NotNil(t, mixed.RWMixRead)
	require.Equal(t, 70, *mixed.RWMixRead)
	require.Equal(t, ModeRuntime, mixed.Precondition.Mode)
	require.Equal(t, "randwrite", mixed.Precondition.RW)

	_, err = f.Plan("D5-P5336")
	require.ErrorContains(t, err, "D7-P5520")
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		plan string
		msg  string
	}{
		"no models": {
			plan: `{"_comment": "x"}`,
			msg:  "no models",
		},
		"missing name": {
			plan: `{"M": {"test_cases": [{"rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1}]}}`,
			msg:  "name is required",
		},
		"name with slash": {
			plan: `{"M": {"test_cases": [{"name": "../../etc/x", "rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1}]}}`,
			msg:  "must not contain path separators",
		},
		"dot dot name": {
			plan: `{"M": {"test_cases": [{"name": "..", "rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1}]}}`,
			msg:  "must not contain path separators",
		},
		"bad rw": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "sideways", "bs": "4k", "iodepth": 1, "numjobs": 1}]}}`,
			msg:  `rw "sideways"`,
		},
		"bad bs": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "read", "bs": "huge", "iodepth": 1, "numjobs": 1}]}}`,
			msg:  `bs "huge"`,
		},
		"zero iodepth": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "read", "bs": "4k", "iodepth": 0, "numjobs": 1}]}}`,
			msg:  "iodepth must be positive",
		},
		"rwmixread on read": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1, "rwmixread": 70}]}}`,
			msg:  "non-mixed",
		},
		"rwmixread range": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "randrw", "bs": "4k", "iodepth": 1, "numjobs": 1, "rwmixread": 170}]}}`,
			msg:  "0-100",
		},
		"missing profile": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "randread", "bs": "4k", "iodepth": 1, "numjobs": 1, "precondition": true}]}}`,
			msg:  `no profile for rw "randread"`,
		},
		"bad mode": {
			plan: `{"M": {"test_cases": [{"name": "a", "rw": "write", "bs": "4k", "iodepth": 1, "numjobs": 1}],
			        "precondition": {"write": {"rw": "write", "bs": "128k", "iodepth": 1, "numjobs": 1, "mode": "forever", "value": 1}}}}`,
			msg:  `mode "forever"`,
		},
		"duplicate": {
			plan: `{"M": {"test_cases": [
			  {"name": "a", "rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1},
			  {"name": "a", "rw": "read", "bs": "4k", "iodepth": 1, "numjobs": 1}]}}`,
			msg: "duplicate",
		},
		"empty cases": {
			plan: `{"M": {"test_cases": []}}`,
			msg:  "no test_cases",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.plan))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "D7_family_test_cases.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(d7Plan), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"D7-P5520"}, f.Models())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
