// Package report writes the artifacts of an analysis run.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/op/go-logging"

	"github.com/masephi/treetrack/clonefreq"
	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/marker"
)

var log = logging.MustGetLogger("report")

const (
	SummaryFile   = "summary.json"
	CloneFreqFile = "clone_freq.tsv"
	StateFile     = "state.db"
)

// CallSummary describes the invocation.
type CallSummary struct {
	// Version stores treetrack version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Time is the computations time in seconds.
	TotalTime float64 `json:"time"`
}

// Timepoint is the record of one processed timepoint.
type Timepoint struct {
	Index     int    `json:"index"`
	Timepoint string `json:"timepoint"`
	// Status is "updated", "unchanged" or "skipped".
	Status string `json:"status"`
	// Selection is the marker record of the timepoint.
	Selection    *marker.Selection   `json:"selection,omitempty"`
	Measurements []ddpcr.Measurement `json:"measurements,omitempty"`
	Used         []string            `json:"used,omitempty"`
	Skipped      []string            `json:"skipped,omitempty"`
	Prior        []float64           `json:"prior"`
	Posterior    []float64           `json:"posterior"`
	// Ensemble is the posterior tree distribution.
	Ensemble       *ensemble.Ensemble   `json:"ensemble,omitempty"`
	Traces         []likelihood.Trace   `json:"traces,omitempty"`
	CloneFreq      []clonefreq.Estimate `json:"cloneFreq,omitempty"`
	Entropy        float64              `json:"entropy"`
	DominantTree   int                  `json:"dominantTree"`
	DominantWeight float64              `json:"dominantWeight"`
	NSignificant   int                  `json:"nSignificant"`
	// Reason explains a skipped timepoint.
	Reason string `json:"reason,omitempty"`
}

// MarkerUsage summarizes the markers measured over a run.
type MarkerUsage struct {
	Unique   int            `json:"unique"`
	Counts   map[string]int `json:"counts"`
	MostUsed string         `json:"mostUsed,omitempty"`
}

// Summary is the final report of a run.
type Summary struct {
	Call      CallSummary `json:"call"`
	RunID     string      `json:"runId"`
	PatientID string      `json:"patientId"`
	Mode      string      `json:"mode"`
	// Timepoints lists processed timepoints in order.
	Timepoints []string `json:"timepoints"`
	// Trajectory[i] holds the tree weights after timepoint i; the prior
	// comes first.
	Trajectory     [][]float64 `json:"weightTrajectory"`
	FinalEntropy   float64     `json:"finalEntropy"`
	DominantTree   int         `json:"dominantTree"`
	DominantWeight float64     `json:"dominantWeight"`
	// Remaining counts trees with weight above ensemble.SignificantWeight.
	Remaining   int         `json:"treesRemaining"`
	MarkerUsage MarkerUsage `json:"markerUsage"`
	NotFound    []string    `json:"markersNotFound,omitempty"`
	Complete    bool        `json:"complete"`
	// Error is the reason a run stopped early.
	Error string `json:"error,omitempty"`
}

// SetEnsemble fills the final ensemble statistics.
func (s *Summary) SetEnsemble(ens *ensemble.Ensemble) {
	s.FinalEntropy = ens.Entropy()
	s.DominantTree, s.DominantWeight = ens.Dominant()
	s.Remaining = ens.NSignificant(ensemble.SignificantWeight)
}

// Usage counts how often each marker was measured. Ties for the most
// used marker go to the smallest key.
func Usage(history [][]string) MarkerUsage {
	u := MarkerUsage{Counts: make(map[string]int)}
	for _, markers := range history {
		for _, m := range markers {
			u.Counts[m]++
		}
	}
	keys := make([]string, 0, len(u.Counts))
	for k := range u.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := 0
	for _, k := range keys {
		if u.Counts[k] > best {
			u.MostUsed, best = k, u.Counts[k]
		}
	}
	u.Unique = len(keys)
	return u
}

// Writer writes artifacts into a run directory.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the path of a file in the run directory.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// TimepointFile is the artifact name of a timepoint.
func TimepointFile(index int, tp string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, tp)
	return fmt.Sprintf("timepoint_%02d_%s.json", index, safe)
}

// Timepoint writes a timepoint artifact and returns its path.
func (w *Writer) Timepoint(t *Timepoint) (string, error) {
	path := w.Path(TimepointFile(t.Index, t.Timepoint))
	if err := WriteJSON(path, t); err != nil {
		return "", err
	}
	log.Debugf("Wrote %s", path)
	return path, nil
}

// Summary writes the run summary.
func (w *Writer) Summary(s *Summary) error {
	return WriteJSON(w.Path(SummaryFile), s)
}

// CloneFreq writes the clone frequency table.
func (w *Writer) CloneFreq(est []clonefreq.Estimate) error {
	return atomic(w.Path(CloneFreqFile), func(f *os.File) error {
		return clonefreq.WriteTSV(f, est)
	})
}

// WriteJSON writes v as indented JSON. The file is replaced atomically
// so a failed run never leaves a truncated artifact.
func WriteJSON(path string, v interface{}) error {
	return atomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// ReadJSON reads a JSON artifact into v.
func ReadJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func atomic(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
