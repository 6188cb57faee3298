package pipeline

import (
	"github.com/masephi/treetrack/config"
	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/ssm"
)

// Inputs are the data of a run.
type Inputs struct {
	Ensemble *ensemble.Ensemble
	SSM      *ssm.Table
	Series   *ddpcr.Series
}

// LoadInputs reads the files named by cfg. Failures are input errors.
func LoadInputs(cfg *config.Config) (*Inputs, error) {
	fail := func(component string, err error) (*Inputs, error) {
		return nil, &StepError{Component: component, Kind: KindInput, Err: err}
	}
	ens, err := ensemble.ReadFile(cfg.InputFiles.TreeDistribution)
	if err != nil {
		return fail("tree distribution", err)
	}
	table, err := ssm.ReadFile(cfg.InputFiles.SSMFile)
	if err != nil {
		return fail("ssm", err)
	}
	series, err := ddpcr.ReadFile(cfg.InputFiles.LongitudinalData)
	if err != nil {
		return fail("longitudinal data", err)
	}
	series, err = series.Filter(cfg.Filtering.Timepoints)
	if err != nil {
		return fail("longitudinal data", err)
	}
	log.Infof("Loaded %d trees, %d mutations and %d timepoints", ens.Len(), table.Len(), len(series.Timepoints()))
	return &Inputs{Ensemble: ens, SSM: table, Series: series}, nil
}

// depthRatio bounds observed ddPCR depths relative to read_depth.
const depthRatio = 2

// Check logs implausible inputs: measured markers missing from the SSM
// table, depths far from the expected read depth and a focus sample the
// trees do not have. It returns the number of warnings.
func (in *Inputs) Check(p config.Parameters) (n int) {
	for _, k := range in.Series.Markers() {
		if _, ok := in.SSM.Lookup(k); !ok {
			log.Warningf("Measured marker %s is not in the SSM table", k)
			n++
		}
		for _, tp := range in.Series.Timepoints() {
			m, ok := in.Series.Get(tp, k)
			if ok && implausibleDepth(m.Total, p.ReadDepth) {
				log.Warningf("Depth %d of %s at %s differs from read_depth %g by more than %dx",
					m.Total, k, tp, p.ReadDepth, depthRatio)
				n++
			}
		}
	}
	if p.FocusSample >= 0 {
		for i, t := range in.Ensemble.Trees() {
			if p.FocusSample >= t.NSamples() {
				log.Warningf("Tree %d has %d samples, focus sample %d falls back to the mean",
					i, t.NSamples(), p.FocusSample)
				n++
				break
			}
		}
	}
	return
}

func implausibleDepth(total int, expected float64) bool {
	if total <= 0 || expected <= 0 {
		return false
	}
	d := float64(total)
	return d > depthRatio*expected || d < expected/depthRatio
}
