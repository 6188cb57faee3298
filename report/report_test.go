package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masephi/treetrack/clonefreq"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/marker"
)

func testEnsemble(t *testing.T) *ensemble.Ensemble {
	d := ensemble.Distribution{
		TreeStructure: []map[int][]int{{0: {1}, 1: {2}}, {0: {1, 2}}},
		NodeDict:      []map[int][]string{{1: {"s0"}, 2: {"s1"}}, {1: {"s0"}, 2: {"s1"}}},
		Freq:          []float64{0.75, 0.25},
		ClonalFreq: []map[int][]float64{
			{1: {0.6}, 2: {0.3}},
			{1: {0.6}, 2: {0.3}},
		},
	}
	ens, err := d.Ensemble()
	require.NoError(t, err)
	return ens
}

func TestTimepointRoundTrip(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "256", "fixed"))
	require.NoError(t, err)
	ens := testEnsemble(t)

	tp := &Timepoint{
		Index:     3,
		Timepoint: "2020-01-01",
		Status:    "updated",
		Selection: &marker.Selection{Keys: []string{"A", "B"}, Status: marker.Fixed},
		Prior:     []float64{0.5, 0.5},
		Posterior: ens.Weights(),
		Ensemble:  ens,
	}
	path, err := w.Timepoint(tp)
	require.NoError(t, err)
	assert.Equal(t, "timepoint_03_2020-01-01.json", filepath.Base(path))

	var got Timepoint
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, tp.Selection.Keys, got.Selection.Keys)
	require.NotNil(t, got.Ensemble)
	assert.Equal(t, ens.Weights(), got.Ensemble.Weights())
	assert.Equal(t, ens.Tree(0).String(), got.Ensemble.Tree(0).String())

	// No temporary files remain.
	entries, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTimepointFile(t *testing.T) {
	assert.Equal(t, "timepoint_00_week_1.json", TimepointFile(0, "week 1"))
	assert.Equal(t, "timepoint_12_a_b.json", TimepointFile(12, "a/b"))
}

func TestSummary(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	s := &Summary{
		RunID:      "run",
		PatientID:  "256",
		Mode:       "fixed",
		Timepoints: []string{"t1", "t2"},
		MarkerUsage: Usage([][]string{
			{"TP53", "KRAS"},
			{"KRAS", "APC"},
			{"APC"},
		}),
		NotFound: []string{"BRAF"},
	}
	s.SetEnsemble(testEnsemble(t))
	assert.Equal(t, 0, s.DominantTree)
	assert.Equal(t, 0.75, s.DominantWeight)
	assert.Equal(t, 2, s.Remaining)
	assert.Equal(t, 3, s.MarkerUsage.Unique)
	// APC and KRAS are used twice; APC sorts first.
	assert.Equal(t, "APC", s.MarkerUsage.MostUsed)

	require.NoError(t, w.Summary(s))
	var got Summary
	require.NoError(t, ReadJSON(w.Path(SummaryFile), &got))
	assert.Equal(t, *s, got)
}

func TestCloneFreq(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.CloneFreq([]clonefreq.Estimate{{Timepoint: "t1", Clone: "1", Freq: 0.5}}))
	b, err := os.ReadFile(w.Path(CloneFreqFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "t1\t1\t0.5")
}

func TestWriteJSONError(t *testing.T) {
	err := WriteJSON(filepath.Join(t.TempDir(), "missing", "x.json"), 1)
	assert.Error(t, err)
	err = WriteJSON(filepath.Join(t.TempDir(), "x.json"), func() {})
	assert.Error(t, err)
}
