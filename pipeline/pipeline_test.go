package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masephi/treetrack/config"
	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/marker"
	"github.com/masephi/treetrack/report"
	"github.com/masephi/treetrack/ssm"
)

// testInputs builds two equally likely trees. Marker A sits at VAF 0.4
// in the chain tree and 0.1 in the branching one; B and C share the
// second node.
func testInputs(t *testing.T, ms ...ddpcr.Measurement) *Inputs {
	d := ensemble.Distribution{
		TreeStructure: []map[int][]int{
			{0: {1}, 1: {2}},
			{0: {1, 2}},
		},
		NodeDict: []map[int][]string{
			{1: {"s0"}, 2: {"s1", "s2"}},
			{1: {"s0"}, 2: {"s1", "s2"}},
		},
		Freq: []float64{0.5, 0.5},
		ClonalFreq: []map[int][]float64{
			{1: {0.4}, 2: {0.2}},
			{1: {0.1}, 2: {0.3}},
		},
	}
	ens, err := d.Ensemble()
	require.NoError(t, err)
	table, err := ssm.NewTable([]*ssm.Mutation{
		{ID: "s0", Key: "A", Symbol: "A", Ref: []int{600}, Total: []int{1000}, MuR: 1},
		{ID: "s1", Key: "B", Symbol: "B", Ref: []int{800}, Total: []int{1000}, MuR: 1},
		{ID: "s2", Key: "C", Symbol: "C", Ref: []int{750}, Total: []int{1000}, MuR: 1},
	})
	require.NoError(t, err)
	return &Inputs{Ensemble: ens, SSM: table, Series: ddpcr.NewSeries(ms)}
}

func m(tp, marker string, mutant, total int) ddpcr.Measurement {
	return ddpcr.Measurement{Timepoint: tp, Marker: marker, Mutant: mutant, Total: total}
}

func testConfig(t *testing.T, mode string, markers ...string) *config.Config {
	cfg := config.Default()
	cfg.PatientID = "P1"
	cfg.AnalysisMode = mode
	cfg.FixedMarkers = markers
	cfg.Output.BaseDir = t.TempDir()
	return cfg
}

func execute(t *testing.T, cfg *config.Config, in *Inputs) (*Run, error) {
	r, err := New(cfg, in)
	require.NoError(t, err)
	return r, r.Execute(context.Background())
}

func TestFixedSingleTimepoint(t *testing.T) {
	cfg := testConfig(t, "fixed", "A", "B")
	cfg.Output.MetricsFile = filepath.Join(t.TempDir(), "treetrack.prom")
	r, err := execute(t, cfg, testInputs(t, m("t1", "A", 40, 100), m("t1", "B", 20, 100)))
	require.NoError(t, err)

	assert.Equal(t, Complete, r.State())
	assert.Greater(t, r.Ensemble().Weight(0), 0.6)

	s := r.Summary()
	assert.True(t, s.Complete)
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, []string{"t1"}, s.Timepoints)
	require.Len(t, s.Trajectory, 2)
	assert.Equal(t, []float64{0.5, 0.5}, s.Trajectory[0])
	assert.Equal(t, 2, s.MarkerUsage.Unique)

	dir := cfg.OutputDir()
	var tp report.Timepoint
	require.NoError(t, report.ReadJSON(filepath.Join(dir, report.TimepointFile(0, "t1")), &tp))
	assert.Equal(t, StatusUpdated, tp.Status)
	assert.Equal(t, []string{"A", "B"}, tp.Selection.Keys)
	assert.Equal(t, marker.Fixed, tp.Selection.Status)
	assert.Len(t, tp.Measurements, 2)
	assert.Len(t, tp.Traces, 2)

	var got report.Summary
	require.NoError(t, report.ReadJSON(filepath.Join(dir, report.SummaryFile), &got))
	assert.True(t, got.Complete)
	assert.FileExists(t, filepath.Join(dir, report.CloneFreqFile))
	assert.FileExists(t, filepath.Join(dir, report.StateFile))
	assert.FileExists(t, cfg.Output.MetricsFile)
}

func TestMissingMeasurements(t *testing.T) {
	cfg := testConfig(t, "fixed", "A", "B")
	r, err := execute(t, cfg, testInputs(t,
		m("t1", "A", 40, 100),
		m("t2", "D", 10, 100),
	))
	require.NoError(t, err)

	s := r.Summary()
	require.Len(t, s.Trajectory, 3)
	assert.Equal(t, s.Trajectory[1], s.Trajectory[2])

	var tp report.Timepoint
	require.NoError(t, report.ReadJSON(filepath.Join(cfg.OutputDir(), report.TimepointFile(1, "t2")), &tp))
	assert.Equal(t, StatusUnchanged, tp.Status)
	assert.Equal(t, []string{"A", "B"}, tp.Skipped)
}

func TestMarkersNotFound(t *testing.T) {
	cfg := testConfig(t, "fixed", "A", "Z", "C")
	r, err := execute(t, cfg, testInputs(t, m("t1", "A", 40, 100), m("t1", "C", 20, 100)))
	require.NoError(t, err)
	assert.Equal(t, []string{"Z"}, r.Summary().NotFound)
	assert.Equal(t, 2, r.Summary().MarkerUsage.Unique)

	cfg = testConfig(t, "fixed", "X", "Y")
	r, err = execute(t, cfg, testInputs(t, m("t1", "A", 40, 100)))
	var nf *MarkerNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{"X", "Y"}, nf.Missing)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindInput, se.Kind)
	assert.Equal(t, Failed, r.State())
}

func TestDegenerate(t *testing.T) {
	cfg := testConfig(t, "fixed", "A", "B")
	r, err := execute(t, cfg, testInputs(t,
		m("t1", "A", 40, 100),
		m("t2", "A", 59000, 60000),
	))
	require.ErrorIs(t, err, ensemble.ErrDegenerate)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindDegenerate, se.Kind)
	assert.Equal(t, "t2", se.Timepoint)
	assert.Equal(t, Failed, r.State())

	dir := cfg.OutputDir()
	assert.FileExists(t, filepath.Join(dir, report.TimepointFile(0, "t1")))
	assert.NoFileExists(t, filepath.Join(dir, report.TimepointFile(1, "t2")))

	var s report.Summary
	require.NoError(t, report.ReadJSON(filepath.Join(dir, report.SummaryFile), &s))
	assert.False(t, s.Complete)
	assert.Contains(t, s.Error, "degenerate")
	assert.Equal(t, []string{"t1"}, s.Timepoints)
}

func TestDynamic(t *testing.T) {
	cfg := testConfig(t, "dynamic")
	cfg.Parameters.ExcludeUsed = true
	cfg.Parameters.NMarkers = 1
	r, err := execute(t, cfg, testInputs(t,
		m("t1", "A", 40, 100), m("t1", "B", 20, 100), m("t1", "C", 20, 100),
		m("t2", "A", 40, 100), m("t2", "B", 20, 100), m("t2", "C", 20, 100),
	))
	require.NoError(t, err)
	assert.Equal(t, Complete, r.State())
	assert.Len(t, r.Summary().Timepoints, 2)

	var first, second report.Timepoint
	dir := cfg.OutputDir()
	require.NoError(t, report.ReadJSON(filepath.Join(dir, report.TimepointFile(0, "t1")), &first))
	require.NoError(t, report.ReadJSON(filepath.Join(dir, report.TimepointFile(1, "t2")), &second))
	require.Len(t, first.Selection.Keys, 1)
	require.Len(t, second.Selection.Keys, 1)
	assert.NotEqual(t, first.Selection.Keys, second.Selection.Keys)
	assert.Equal(t, 2, r.Summary().MarkerUsage.Unique)
}

func TestOnFailure(t *testing.T) {
	ms := []ddpcr.Measurement{m("t1", "A", 40, 100)}

	cfg := testConfig(t, "dynamic")
	cfg.Parameters.NMarkers = 5
	r, err := execute(t, cfg, testInputs(t, ms...))
	require.NoError(t, err)
	var tp report.Timepoint
	require.NoError(t, report.ReadJSON(filepath.Join(cfg.OutputDir(), report.TimepointFile(0, "t1")), &tp))
	assert.Equal(t, StatusSkipped, tp.Status)
	assert.NotEmpty(t, tp.Reason)
	assert.Equal(t, []float64{0.5, 0.5}, r.Ensemble().Weights())

	cfg = testConfig(t, "dynamic")
	cfg.Parameters.NMarkers = 5
	cfg.Parameters.OnFailure = "abort"
	r, err = execute(t, cfg, testInputs(t, ms...))
	require.ErrorIs(t, err, marker.ErrInsufficientMarkers)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindOptimization, se.Kind)
	assert.Equal(t, Failed, r.State())
}

func TestInvalidObjectiveAborts(t *testing.T) {
	cfg := testConfig(t, "dynamic")
	cfg.Parameters.Lambda1 = 1
	_, err := execute(t, cfg, testInputs(t, m("t1", "A", 40, 100)))
	require.ErrorIs(t, err, marker.ErrInvalidObjective)
}

func TestResume(t *testing.T) {
	cfg := testConfig(t, "fixed", "A", "B")
	first, err := execute(t, cfg, testInputs(t, m("t1", "A", 40, 100)))
	require.NoError(t, err)

	cfg.Resume = true
	in := testInputs(t, m("t1", "A", 40, 100), m("t2", "A", 41, 100))
	second, err := execute(t, cfg, in)
	require.NoError(t, err)

	s := second.Summary()
	assert.Equal(t, first.Summary().RunID, s.RunID)
	assert.Equal(t, []string{"t1", "t2"}, s.Timepoints)
	require.Len(t, s.Trajectory, 3)
	assert.InDeltaSlice(t, first.Ensemble().Weights(), s.Trajectory[1], 1e-12)
	assert.Greater(t, second.Ensemble().Weight(0), first.Ensemble().Weight(0))

	// A fresh run restarts from the prior.
	cfg.Resume = false
	third, err := execute(t, cfg, testInputs(t, m("t1", "A", 40, 100), m("t2", "A", 41, 100)))
	require.NoError(t, err)
	assert.NotEqual(t, s.RunID, third.Summary().RunID)
	assert.InDeltaSlice(t, second.Ensemble().Weights(), third.Ensemble().Weights(), 1e-9)
}

func TestCanceled(t *testing.T) {
	cfg := testConfig(t, "fixed", "A")
	r, err := New(cfg, testInputs(t, m("t1", "A", 40, 100)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCanceled, se.Kind)
}

func TestTransitions(t *testing.T) {
	r := &Run{cfg: testConfig(t, "fixed"), state: Initialized}
	assert.Panics(t, func() { r.transition(Updating) })
	r.transition(AwaitingMarkers)
	r.transition(Persisted)
	assert.Panics(t, func() { r.transition(Updating) })
	r.transition(Complete)
	assert.Panics(t, func() { r.transition(Failed) })
	assert.Equal(t, "Complete", r.State().String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	d := ensemble.Distribution{
		TreeStructure: []map[int][]int{{0: {1}}},
		NodeDict:      []map[int][]string{{1: {"s0"}}},
		Freq:          []float64{1},
		ClonalFreq:    []map[int][]float64{{1: {0.5}}},
	}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	cfg := testConfig(t, "fixed", "TP53")
	cfg.InputFiles.TreeDistribution = write("trees.json", string(b))
	cfg.InputFiles.SSMFile = write("ssm.txt", "id\tgene\ta\td\tmu_r\tmu_v\ns0\tTP53\t50\t100\t0.999\t0.499\n")
	cfg.InputFiles.LongitudinalData = write("ddpcr.csv",
		"date,gene,mutant_droplets,total_droplets\n2021-01-01,TP53,10,100\n2021-02-01,TP53,12,100\n")
	cfg.Filtering.Timepoints = []string{"2021-02-01"}

	in, err := LoadInputs(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Ensemble.Len())
	assert.Equal(t, 1, in.SSM.Len())
	assert.Equal(t, []string{"2021-02-01"}, in.Series.Timepoints())

	cfg.InputFiles.SSMFile = filepath.Join(dir, "missing.txt")
	_, err = LoadInputs(cfg)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindInput, se.Kind)
	assert.Equal(t, "ssm", se.Component)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCheckInputs(t *testing.T) {
	in := testInputs(t,
		m("t1", "A", 40, 90000),
		m("t1", "B", 40, 200000),
		m("t2", "A", 40, 30000),
		m("t2", "Z", 1, 90000),
	)
	p := config.Default().Parameters
	p.FocusSample = 0
	// B too deep, A too shallow at t2, Z unknown.
	assert.Equal(t, 3, in.Check(p))
	p.FocusSample = 1
	assert.Equal(t, 4, in.Check(p))

	assert.False(t, implausibleDepth(60000, 90000))
	assert.True(t, implausibleDepth(40000, 90000))
	assert.False(t, implausibleDepth(0, 90000))
}
