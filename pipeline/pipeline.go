// Package pipeline runs the sequential analysis of one patient in one
// analysis mode: select markers, collect measurements, update the tree
// ensemble and persist the result, for every timepoint in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/op/go-logging"

	"github.com/masephi/treetrack/checkpoint"
	"github.com/masephi/treetrack/clonefreq"
	"github.com/masephi/treetrack/config"
	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/marker"
	"github.com/masephi/treetrack/metrics"
	"github.com/masephi/treetrack/report"
	"github.com/masephi/treetrack/ssm"
	"github.com/masephi/treetrack/tree"
	"github.com/masephi/treetrack/update"
)

var log = logging.MustGetLogger("pipeline")

// Timepoint outcomes.
const (
	StatusUpdated   = "updated"
	StatusUnchanged = "unchanged"
	StatusSkipped   = "skipped"
)

// Run is the state of one analysis.
type Run struct {
	cfg  *config.Config
	in   *Inputs
	mode config.Mode

	// Call is copied into the summary.
	Call report.CallSummary

	state     State
	ens       *ensemble.Ensemble
	engine    *likelihood.Engine
	updater   *update.Updater
	session   *marker.Session
	estimator *clonefreq.Estimator
	store     *checkpoint.Store
	writer    *report.Writer
	metrics   *metrics.Run
	summary   *report.Summary

	// panel is the validated fixed marker panel.
	panel     []*ssm.Mutation
	used      map[string]bool
	history   [][]string
	cloneFreq []clonefreq.Estimate
}

// New prepares a run. No file is written until Execute.
func New(cfg *config.Config, in *Inputs) (*Run, error) {
	method, err := update.ParseMethod(cfg.Parameters.Method)
	if err != nil {
		return nil, &StepError{Component: "config", Kind: KindInput, Err: err}
	}
	engine := likelihood.NewEngine(cfg.Parameters.FocusSample)
	return &Run{
		cfg:       cfg,
		in:        in,
		mode:      cfg.Mode(),
		state:     Initialized,
		ens:       in.Ensemble,
		engine:    engine,
		updater:   update.New(engine, method, cfg.Parameters.Alpha),
		estimator: clonefreq.NewEstimator(),
		used:      make(map[string]bool),
		summary: &report.Summary{
			PatientID: cfg.PatientID,
			Mode:      cfg.AnalysisMode,
		},
	}, nil
}

// State returns the current state.
func (r *Run) State() State {
	return r.state
}

// Ensemble returns the current ensemble.
func (r *Run) Ensemble() *ensemble.Ensemble {
	return r.ens
}

// Summary returns the run summary.
func (r *Run) Summary() *report.Summary {
	return r.summary
}

// Metrics returns the run metrics, nil before Execute.
func (r *Run) Metrics() *metrics.Run {
	return r.metrics
}

func (r *Run) transition(to State) {
	if !canTransition(r.state, to) {
		panic(fmt.Sprintf("illegal state transition %s -> %s", r.state, to))
	}
	log.Debugf("%s/%s: %s -> %s", r.cfg.PatientID, r.cfg.AnalysisMode, r.state, to)
	r.state = to
}

// fail moves the run to Failed and records err in the summary, which
// is written without touching earlier timepoint artifacts.
func (r *Run) fail(err error) error {
	r.transition(Failed)
	r.summary.Error = err.Error()
	r.summary.Complete = false
	if r.writer != nil {
		r.finishSummary()
		if werr := r.writer.Summary(r.summary); werr != nil {
			log.Errorf("Error writing summary: %v", werr)
		}
	}
	return err
}

// Execute processes every remaining timepoint.
func (r *Run) Execute(ctx context.Context) (err error) {
	start := time.Now()
	if r.state != Initialized {
		return fmt.Errorf("run already executed (state %s)", r.state)
	}

	r.writer, err = report.NewWriter(r.cfg.OutputDir())
	if err != nil {
		return r.fail(&StepError{Component: "report", Kind: KindPersistence, Err: err})
	}
	r.store, err = checkpoint.Open(r.writer.Path(report.StateFile))
	if err != nil {
		return r.fail(&StepError{Component: "checkpoint", Kind: KindPersistence, Err: err})
	}
	defer r.store.Close()
	meta, err := r.store.Begin(r.cfg.PatientID, r.cfg.AnalysisMode, r.cfg.Resume)
	if err != nil {
		return r.fail(&StepError{Component: "checkpoint", Kind: KindInput, Err: err})
	}
	r.summary.RunID = meta.RunID
	log.Infof("Checkpoint %s, run %s", r.store.Path(), meta.RunID)
	r.metrics = metrics.New(r.cfg.PatientID, r.cfg.AnalysisMode)
	defer r.writeMetrics()

	sc, err := r.cfg.SessionConfig()
	if err != nil {
		return r.fail(&StepError{Component: "marker", Kind: KindInput, Err: err})
	}
	r.session, err = marker.Acquire(sc)
	if err != nil {
		return r.fail(&StepError{Component: "marker", Kind: KindInput, Err: err})
	}
	defer r.session.Close()

	r.summary.Trajectory = [][]float64{r.ens.Weights()}
	r.in.Check(r.cfg.Parameters)
	if fixed, ok := r.mode.(config.Fixed); ok {
		if err := r.validatePanel(fixed.Markers); err != nil {
			return r.fail(err)
		}
	}

	tps := r.in.Series.Timepoints()
	next := 0
	if r.cfg.Resume {
		if next, err = r.restore(tps); err != nil {
			return r.fail(err)
		}
	}

	for i := next; i < len(tps); i++ {
		if err := ctx.Err(); err != nil {
			return r.fail(&StepError{Timepoint: tps[i], Component: "pipeline", Kind: KindCanceled, Err: err})
		}
		if err := r.step(ctx, i, tps[i]); err != nil {
			return r.fail(err)
		}
	}

	if len(r.cloneFreq) > 0 {
		if err := r.writer.CloneFreq(r.cloneFreq); err != nil {
			return r.fail(&StepError{Component: "report", Kind: KindPersistence, Err: err})
		}
	}
	r.summary.Complete = true
	r.Call.TotalTime = time.Since(start).Seconds()
	r.finishSummary()
	if err := r.writer.Summary(r.summary); err != nil {
		return r.fail(&StepError{Component: "report", Kind: KindPersistence, Err: err})
	}
	r.transition(Complete)
	if err := r.store.Finish(); err != nil {
		log.Errorf("Error finishing checkpoint: %v", err)
	}
	i, w := r.ens.Dominant()
	log.Noticef("%s/%s: %d timepoints, dominant tree %d (weight %.4f), entropy %.4f",
		r.cfg.PatientID, r.cfg.AnalysisMode, len(r.summary.Timepoints), i, w, r.summary.FinalEntropy)
	log.Debugf("Dominant tree:\n%s", r.ens.Tree(i).FullString())
	return nil
}

func (r *Run) finishSummary() {
	r.summary.Call = r.Call
	r.summary.SetEnsemble(r.ens)
	r.summary.MarkerUsage = report.Usage(r.history)
}

func (r *Run) writeMetrics() {
	path := r.cfg.Output.MetricsFile
	if path == "" || r.metrics == nil {
		return
	}
	if err := r.metrics.WriteTextfile(path); err != nil {
		log.Errorf("Error writing metrics: %v", err)
	}
}

// validatePanel resolves the fixed markers once. Missing markers are
// recorded; the run aborts only when none is left.
func (r *Run) validatePanel(keys []string) error {
	var missing []string
	seen := make(map[string]bool)
	for _, k := range keys {
		m, ok := r.in.SSM.Lookup(k)
		if ok && !r.placed(m) {
			ok = false
		}
		if !ok {
			missing = append(missing, k)
			continue
		}
		if seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		r.panel = append(r.panel, m)
	}
	if len(missing) > 0 {
		nf := &MarkerNotFoundError{Missing: missing}
		r.summary.NotFound = missing
		r.metrics.MissingMarkers(len(missing))
		if len(r.panel) == 0 {
			return &StepError{Component: "marker", Kind: KindInput, Err: nf}
		}
		log.Warningf("%v; continuing with %d markers", nf, len(r.panel))
	}
	return nil
}

// placed reports whether every tree places m.
func (r *Run) placed(m *ssm.Mutation) bool {
	return r.ens.HasMutation(m.ID) || r.ens.HasMutation(m.Key)
}

// restore continues from the checkpoint and returns the index of the
// first timepoint to process.
func (r *Run) restore(tps []string) (int, error) {
	last, err := r.store.Last()
	if err != nil {
		return 0, &StepError{Component: "checkpoint", Kind: KindPersistence, Err: err}
	}
	if last == nil {
		return 0, nil
	}
	recs, err := r.store.Records()
	if err != nil {
		return 0, &StepError{Component: "checkpoint", Kind: KindPersistence, Err: err}
	}
	for i, rec := range recs {
		if rec.Index != i || i >= len(tps) || rec.Timepoint != tps[i] {
			return 0, &StepError{
				Timepoint: rec.Timepoint,
				Component: "checkpoint",
				Kind:      KindInput,
				Err:       errors.New("checkpoint does not match the longitudinal data"),
			}
		}
		r.summary.Timepoints = append(r.summary.Timepoints, rec.Timepoint)
		r.summary.Trajectory = append(r.summary.Trajectory, rec.Weights)
		r.history = append(r.history, rec.Used)
		for _, k := range rec.Markers {
			r.used[k] = true
		}
		var tp report.Timepoint
		if err := report.ReadJSON(r.writer.Path(report.TimepointFile(rec.Index, rec.Timepoint)), &tp); err == nil {
			r.cloneFreq = append(r.cloneFreq, tp.CloneFreq...)
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warningf("Cannot read artifact of %s: %v", rec.Timepoint, err)
		}
	}
	ens, err := r.ens.Reweight(last.Weights)
	if err != nil {
		return 0, &StepError{Timepoint: last.Timepoint, Component: "checkpoint", Kind: KindInput, Err: err}
	}
	r.ens = ens
	log.Noticef("Resumed after timepoint %s (%d of %d done)", last.Timepoint, len(recs), len(tps))
	return len(recs), nil
}

// step processes one timepoint.
func (r *Run) step(ctx context.Context, index int, tp string) error {
	r.transition(AwaitingMarkers)
	prior := r.ens
	rep := &report.Timepoint{
		Index:     index,
		Timepoint: tp,
		Prior:     prior.Weights(),
	}

	sel, err := r.selectMarkers(ctx, tp)
	if err != nil {
		if errors.Is(err, marker.ErrInvalidObjective) || r.cfg.Parameters.OnFailure == "abort" {
			return err
		}
		log.Warningf("Skipping timepoint %s: %v", tp, err)
		rep.Status = StatusSkipped
		rep.Reason = err.Error()
		r.metrics.Timepoint(StatusSkipped)
		return r.persist(rep, nil)
	}
	rep.Selection = sel

	r.transition(AwaitingMeasurements)
	meas := r.measurements(tp)
	for _, m := range sel.Markers {
		if v, ok := meas[m.Key]; ok {
			rep.Measurements = append(rep.Measurements, v)
		}
	}

	r.transition(Updating)
	res, err := r.updater.Update(prior, sel.Markers, meas)
	if err != nil {
		kind := KindOptimization
		if errors.Is(err, ensemble.ErrDegenerate) {
			kind = KindDegenerate
		}
		return &StepError{Timepoint: tp, Component: "update", Kind: kind, Err: err}
	}
	rep.Used, rep.Skipped, rep.Traces = res.Used, res.Skipped, res.Traces
	r.ens = res.Ensemble
	rep.Status = StatusUnchanged
	if res.Applied {
		rep.Status = StatusUpdated
		r.metrics.Update(string(r.updater.Method), r.ens.Entropy(), r.ens.Weight(dominant(r.ens)), r.ens.NSignificant(ensemble.SignificantWeight))
		if r.cfg.Parameters.TrackCloneFreq {
			rep.CloneFreq = r.trackClones(sel.Markers, meas)
			r.cloneFreq = append(r.cloneFreq, rep.CloneFreq...)
		}
	}
	r.metrics.Timepoint(rep.Status)
	for _, k := range sel.Keys {
		r.used[k] = true
	}
	return r.persist(rep, sel)
}

func dominant(ens *ensemble.Ensemble) int {
	i, _ := ens.Dominant()
	return i
}

// selectMarkers returns the panel of a timepoint. Dynamic selections
// fall back to the variance heuristic when the solver fails.
func (r *Run) selectMarkers(ctx context.Context, tp string) (*marker.Selection, error) {
	switch mode := r.mode.(type) {
	case config.Fixed:
		sel := &marker.Selection{Status: marker.Fixed, Markers: r.panel}
		for _, m := range r.panel {
			sel.Keys = append(sel.Keys, m.Key)
		}
		r.metrics.Selection(string(marker.Fixed), "", 0)
		return sel, nil

	case config.Dynamic:
		var exclude map[string]bool
		if r.cfg.Parameters.ExcludeUsed {
			exclude = r.used
		}
		pool := marker.Pool(r.ens, r.in.SSM, r.engine, exclude)
		start := time.Now()
		sel, err := r.session.Select(ctx, r.ens, pool, marker.Request{
			PanelSize: mode.PanelSize,
			Objective: mode.Objective,
			ReadDepth: r.cfg.Parameters.ReadDepth,
		})
		if err == nil {
			r.metrics.Selection(string(sel.Status), sel.Solver, time.Since(start))
			return sel, nil
		}
		if errors.Is(err, marker.ErrInvalidObjective) {
			return nil, &StepError{Timepoint: tp, Component: "marker", Kind: KindInput, Err: err}
		}
		log.Warningf("Marker selection at %s failed, using fallback: %v", tp, err)
		sel, ferr := marker.Heuristic(r.ens, pool, mode.PanelSize)
		if ferr != nil {
			r.metrics.Selection("failed", "", 0)
			return nil, &StepError{Timepoint: tp, Component: "marker", Kind: KindOptimization, Err: errors.Join(err, ferr)}
		}
		sel.Reason = err.Error()
		r.metrics.Selection(string(sel.Status), sel.Solver, time.Since(start))
		return sel, nil
	}
	panic(fmt.Sprintf("unknown analysis mode %T", r.mode))
}

// measurements returns the measurements of a timepoint keyed by
// mutation key.
func (r *Run) measurements(tp string) map[string]ddpcr.Measurement {
	res := make(map[string]ddpcr.Measurement)
	for name, m := range r.in.Series.At(tp) {
		key := name
		if mut, ok := r.in.SSM.Lookup(name); ok {
			key = mut.Key
		}
		if old, ok := res[key]; ok {
			m.Mutant += old.Mutant
			m.Total += old.Total
		}
		res[key] = m
	}
	return res
}

// trackClones estimates clone frequencies on the dominant tree.
func (r *Run) trackClones(markers []*ssm.Mutation, meas map[string]ddpcr.Measurement) []clonefreq.Estimate {
	ti := dominant(r.ens)
	var obs []likelihood.Observation
	keys := make([]string, 0, len(markers))
	byKey := make(map[string]*ssm.Mutation)
	for _, m := range markers {
		keys = append(keys, m.Key)
		byKey[m.Key] = m
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := meas[k]; ok {
			obs = append(obs, likelihood.Observation{Mutation: byKey[k], Measurement: v})
		}
	}
	est, err := r.estimator.Estimate(r.ens.Tree(ti), obs, func(o likelihood.Observation) *tree.Node {
		node, ok := r.ens.MutationToNode(ti, o.Mutation.ID)
		if !ok {
			node, _ = r.ens.MutationToNode(ti, o.Mutation.Key)
		}
		return node
	})
	if err != nil {
		log.Warningf("Clone frequency estimation failed: %v", err)
		return nil
	}
	return est
}

// persist writes the timepoint artifact and checkpoint.
func (r *Run) persist(rep *report.Timepoint, sel *marker.Selection) error {
	r.transition(Persisted)
	rep.Posterior = r.ens.Weights()
	rep.Ensemble = r.ens
	rep.Entropy = r.ens.Entropy()
	rep.DominantTree, rep.DominantWeight = r.ens.Dominant()
	rep.NSignificant = r.ens.NSignificant(ensemble.SignificantWeight)
	r.metrics.Ensemble(rep.Entropy, rep.DominantWeight, rep.NSignificant)

	if _, err := r.writer.Timepoint(rep); err != nil {
		return &StepError{Timepoint: rep.Timepoint, Component: "report", Kind: KindPersistence, Err: err}
	}
	rec := &checkpoint.Record{
		Index:     rep.Index,
		Timepoint: rep.Timepoint,
		Status:    rep.Status,
		Used:      rep.Used,
		Skipped:   rep.Skipped,
		Weights:   rep.Posterior,
		Entropy:   rep.Entropy,
	}
	if sel != nil {
		rec.Markers = sel.Keys
	}
	for _, t := range rep.Traces {
		rec.LogL = append(rec.LogL, t.LogL)
	}
	if err := r.store.Save(rec); err != nil {
		return &StepError{Timepoint: rep.Timepoint, Component: "checkpoint", Kind: KindPersistence, Err: err}
	}

	r.summary.Timepoints = append(r.summary.Timepoints, rep.Timepoint)
	r.summary.Trajectory = append(r.summary.Trajectory, rep.Posterior)
	r.history = append(r.history, rep.Used)
	log.Infof("Timepoint %s %s: markers %v, entropy %.4f, dominant tree %d (%.4f)",
		rep.Timepoint, rep.Status, rec.Markers, rep.Entropy, rep.DominantTree, rep.DominantWeight)
	return nil
}
