package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/marker"
	"github.com/masephi/treetrack/report"
	"github.com/masephi/treetrack/ssm"
)

// selectPanel chooses one marker panel for a tree distribution and
// prints it as JSON.
func selectPanel(ctx context.Context) error {
	ens, err := ensemble.ReadFile(*selectTrees)
	if err != nil {
		return err
	}
	table, err := ssm.ReadFile(*selectSSM)
	if err != nil {
		return err
	}

	exclude := make(map[string]bool)
	for _, k := range *selectExclude {
		if m, ok := table.Lookup(k); ok {
			exclude[m.Key] = true
		} else {
			log.Warningf("Excluded marker %s not found", k)
		}
	}
	pool := marker.Pool(ens, table, likelihood.NewEngine(*selectFocus), exclude)
	log.Infof("%d candidate markers", len(pool))

	sc := marker.DefaultSessionConfig()
	sc.Solver = marker.Solver(*selectSolver)
	sc.Timeout = *selectTimeout
	session, err := marker.Acquire(sc)
	if err != nil {
		return err
	}
	defer session.Close()

	sel, err := session.Select(ctx, ens, pool, marker.Request{
		PanelSize: *selectK,
		Objective: marker.Objective{Lambda1: *selectLambda1, Lambda2: *selectLambda2},
		ReadDepth: *selectDepth,
	})
	if errors.Is(err, marker.ErrOptimizationFailed) && !*selectStrict {
		log.Warning("Solver failed, using the variance heuristic:", err)
		reason := err.Error()
		sel, err = marker.Heuristic(ens, pool, *selectK)
		if sel != nil {
			sel.Reason = reason
		}
	}
	if err != nil {
		return err
	}
	log.Noticef("Selected %v (%s, objective %.6g)", sel.Keys, sel.Status, sel.Objective)

	if *selectOut != "" {
		return report.WriteJSON(*selectOut, sel)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sel)
}
