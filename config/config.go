// Package config loads per patient analysis configurations.
//
// A configuration is read from YAML, then overridden by TREETRACK_*
// environment variables, then validated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/masephi/treetrack/marker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TREETRACK_"

var ErrInvalidConfig = errors.New("invalid configuration")

type InputFiles struct {
	TreeDistribution string `yaml:"tree_distribution" env:"TREE_DISTRIBUTION" validate:"required"`
	SSMFile          string `yaml:"ssm_file" env:"SSM_FILE" validate:"required"`
	LongitudinalData string `yaml:"longitudinal_data" env:"LONGITUDINAL_DATA" validate:"required"`
}

type Output struct {
	BaseDir string `yaml:"base_dir" env:"BASE_DIR" validate:"required"`
	// MetricsFile is written in the Prometheus text format when set.
	MetricsFile string `yaml:"metrics_file" env:"METRICS_FILE"`
}

type Parameters struct {
	NMarkers       int           `yaml:"n_markers" env:"N_MARKERS" validate:"gte=1"`
	ReadDepth      float64       `yaml:"read_depth" env:"READ_DEPTH" validate:"gt=0"`
	Lambda1        float64       `yaml:"lambda1" env:"LAMBDA1" validate:"gte=0"`
	Lambda2        float64       `yaml:"lambda2" env:"LAMBDA2" validate:"gte=0"`
	FocusSample    int           `yaml:"focus_sample" env:"FOCUS_SAMPLE" validate:"gte=-1"`
	Method         string        `yaml:"method" env:"METHOD" validate:"oneof=bayes wald chisq"`
	Alpha          float64       `yaml:"alpha" env:"ALPHA" validate:"gt=0,lt=1"`
	Solver         string        `yaml:"solver" env:"SOLVER" validate:"oneof=auto enumerate mip"`
	SolverTimeout  time.Duration `yaml:"solver_timeout" env:"SOLVER_TIMEOUT" validate:"gte=0"`
	OnFailure      string        `yaml:"on_failure" env:"ON_FAILURE" validate:"oneof=skip abort"`
	ExcludeUsed    bool          `yaml:"exclude_used" env:"EXCLUDE_USED"`
	TrackCloneFreq bool          `yaml:"track_clone_freq" env:"TRACK_CLONE_FREQ"`
}

type Filtering struct {
	// Timepoints restricts the analysis; empty keeps all.
	Timepoints []string `yaml:"timepoints" env:"TIMEPOINTS" envSeparator:","`
}

// Config is a single patient analysis.
type Config struct {
	PatientID    string     `yaml:"patient_id" env:"PATIENT_ID" validate:"required,excludesall=/\\"`
	AnalysisMode string     `yaml:"analysis_mode" env:"ANALYSIS_MODE" validate:"required,oneof=fixed dynamic"`
	FixedMarkers []string   `yaml:"fixed_markers" env:"FIXED_MARKERS" envSeparator:","`
	InputFiles   InputFiles `yaml:"input_files" envPrefix:"INPUT_"`
	Output       Output     `yaml:"output" envPrefix:"OUTPUT_"`
	Parameters   Parameters `yaml:"parameters"`
	Filtering    Filtering  `yaml:"filtering"`
	Resume       bool       `yaml:"resume" env:"RESUME"`
}

// Default returns a configuration holding every default value.
func Default() *Config {
	return &Config{
		Parameters: Parameters{
			NMarkers:       2,
			ReadDepth:      90000,
			Lambda1:        0,
			Lambda2:        1,
			FocusSample:    -1,
			Method:         "bayes",
			Alpha:          0.05,
			Solver:         "auto",
			SolverTimeout:  time.Minute,
			OnFailure:      "skip",
			TrackCloneFreq: true,
		},
	}
}

// Load reads a configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Decode(f, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r. Overrides are taken from environ, or from
// the process environment when environ is nil.
func Decode(r io.Reader, environ map[string]string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the constraints between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.AnalysisMode {
	case "fixed":
		if len(c.FixedMarkers) == 0 {
			return fmt.Errorf("%w: fixed analysis needs fixed_markers", ErrInvalidConfig)
		}
	case "dynamic":
		if err := c.Objective().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Mode is the analysis mode: Fixed or Dynamic.
type Mode interface {
	// Name returns "fixed" or "dynamic".
	Name() string
}

// Fixed measures the same markers at every timepoint.
type Fixed struct {
	Markers []string
}

func (Fixed) Name() string { return "fixed" }

// Dynamic selects PanelSize markers at every timepoint.
type Dynamic struct {
	PanelSize int
	Objective marker.Objective
}

func (Dynamic) Name() string { return "dynamic" }

// Mode returns the analysis mode variant.
func (c *Config) Mode() Mode {
	if c.AnalysisMode == "fixed" {
		return Fixed{Markers: append([]string(nil), c.FixedMarkers...)}
	}
	return Dynamic{PanelSize: c.Parameters.NMarkers, Objective: c.Objective()}
}

// Objective returns the marker selection weights.
func (c *Config) Objective() marker.Objective {
	return marker.Objective{Lambda1: c.Parameters.Lambda1, Lambda2: c.Parameters.Lambda2}
}

// OutputDir is the directory receiving all artifacts of the run.
func (c *Config) OutputDir() string {
	return filepath.Join(c.Output.BaseDir, c.PatientID, c.AnalysisMode)
}

// SessionConfig returns solver settings.
func (c *Config) SessionConfig() (marker.SessionConfig, error) {
	s, err := marker.ParseSolver(c.Parameters.Solver)
	if err != nil {
		return marker.SessionConfig{}, err
	}
	sc := marker.DefaultSessionConfig()
	sc.Solver = s
	sc.Timeout = c.Parameters.SolverTimeout
	return sc, nil
}
