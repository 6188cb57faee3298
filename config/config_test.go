package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masephi/treetrack/config"
)

const dynamicYAML = `
patient_id: "256"
analysis_mode: dynamic
input_files:
  tree_distribution: trees.json
  ssm_file: ssm.tsv
  longitudinal_data: ddpcr.csv
output:
  base_dir: out
parameters:
  n_markers: 3
  lambda1: 0
  lambda2: 1
  solver_timeout: 5s
`

func TestDecodeDefaults(t *testing.T) {
	cfg, err := config.Decode(strings.NewReader(dynamicYAML), map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "256", cfg.PatientID)
	assert.Equal(t, 3, cfg.Parameters.NMarkers)
	assert.Equal(t, 90000.0, cfg.Parameters.ReadDepth)
	assert.Equal(t, -1, cfg.Parameters.FocusSample)
	assert.Equal(t, "bayes", cfg.Parameters.Method)
	assert.Equal(t, "skip", cfg.Parameters.OnFailure)
	assert.Equal(t, 5*time.Second, cfg.Parameters.SolverTimeout)
	assert.True(t, cfg.Parameters.TrackCloneFreq)
	assert.False(t, cfg.Resume)
	assert.Equal(t, filepath.Join("out", "256", "dynamic"), cfg.OutputDir())

	mode, ok := cfg.Mode().(config.Dynamic)
	require.True(t, ok)
	assert.Equal(t, 3, mode.PanelSize)
	assert.Equal(t, 1.0, mode.Objective.Lambda2)

	sc, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sc.Timeout)
}

func TestEnvOverrides(t *testing.T) {
	environ := map[string]string{
		"TREETRACK_N_MARKERS":         "4",
		"TREETRACK_OUTPUT_BASE_DIR":   "/tmp/results",
		"TREETRACK_INPUT_SSM_FILE":    "other.tsv",
		"TREETRACK_TIMEPOINTS":        "2020-01-01,2020-03-01",
		"TREETRACK_RESUME":            "true",
		"TREETRACK_METHOD":            "wald",
		"UNRELATED_N_MARKERS":         "9",
		"TREETRACK_TRACK_CLONE_FREQ":  "false",
		"TREETRACK_SOLVER_TIMEOUT":    "2m",
		"TREETRACK_FOCUS_SAMPLE":      "0",
		"TREETRACK_ALPHA":             "0.01",
		"TREETRACK_ON_FAILURE":        "abort",
		"TREETRACK_SOLVER":            "mip",
		"TREETRACK_READ_DEPTH":        "1000",
		"TREETRACK_EXCLUDE_USED":      "true",
		"TREETRACK_LONGITUDINAL_DATA": "ignored.csv",
	}
	cfg, err := config.Decode(strings.NewReader(dynamicYAML), environ)
	require.NoError(t, err)

	p := cfg.Parameters
	assert.Equal(t, 4, p.NMarkers)
	assert.Equal(t, "/tmp/results", cfg.Output.BaseDir)
	assert.Equal(t, "other.tsv", cfg.InputFiles.SSMFile)
	// Input files are only overridden with the INPUT_ prefix.
	assert.Equal(t, "ddpcr.csv", cfg.InputFiles.LongitudinalData)
	assert.Equal(t, []string{"2020-01-01", "2020-03-01"}, cfg.Filtering.Timepoints)
	assert.True(t, cfg.Resume)
	assert.Equal(t, "wald", p.Method)
	assert.False(t, p.TrackCloneFreq)
	assert.Equal(t, 2*time.Minute, p.SolverTimeout)
	assert.Equal(t, 0, p.FocusSample)
	assert.Equal(t, 0.01, p.Alpha)
	assert.Equal(t, "abort", p.OnFailure)
	assert.Equal(t, "mip", p.Solver)
	assert.Equal(t, 1000.0, p.ReadDepth)
	assert.True(t, p.ExcludeUsed)
}

func TestFixedMode(t *testing.T) {
	y := strings.Replace(dynamicYAML, "analysis_mode: dynamic", "analysis_mode: fixed\nfixed_markers: [TP53, KRAS]", 1)
	cfg, err := config.Decode(strings.NewReader(y), map[string]string{})
	require.NoError(t, err)
	mode, ok := cfg.Mode().(config.Fixed)
	require.True(t, ok)
	assert.Equal(t, []string{"TP53", "KRAS"}, mode.Markers)
	assert.Equal(t, "fixed", mode.Name())
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		old, new string
	}{
		"both lambdas":     {"lambda1: 0", "lambda1: 1"},
		"no lambda":        {"lambda2: 1", "lambda2: 0"},
		"negative lambda":  {"lambda1: 0", "lambda1: -1"},
		"bad mode":         {"analysis_mode: dynamic", "analysis_mode: adaptive"},
		"fixed no markers": {"analysis_mode: dynamic", "analysis_mode: fixed"},
		"zero markers":     {"n_markers: 3", "n_markers: 0"},
		"missing input":    {"ssm_file: ssm.tsv", "ssm_file: \"\""},
		"unknown key":      {"n_markers: 3", "n_markers: 3\n  n_marker: 2"},
		"bad patient":      {`patient_id: "256"`, `patient_id: "../256"`},
		"bad solver":       {"solver_timeout: 5s", "solver: cplex"},
		"bad timeout":      {"solver_timeout: 5s", "solver_timeout: soon"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			y := strings.Replace(dynamicYAML, c.old, c.new, 1)
			require.NotEqual(t, dynamicYAML, y)
			_, err := config.Decode(strings.NewReader(y), map[string]string{})
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}

	_, err := config.Decode(strings.NewReader(dynamicYAML), map[string]string{"TREETRACK_N_MARKERS": "two"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dynamicYAML), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "256", cfg.PatientID)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
