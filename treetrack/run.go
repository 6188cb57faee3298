package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/masephi/treetrack/config"
	"github.com/masephi/treetrack/pipeline"
	"github.com/masephi/treetrack/report"
)

// runFile analyzes the patient described by a configuration file.
func runFile(ctx context.Context, path string, resume bool) error {
	startTime := time.Now()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if resume {
		cfg.Resume = true
	}
	log.Noticef("Patient %s, %s mode, output in %s", cfg.PatientID, cfg.AnalysisMode, cfg.OutputDir())

	in, err := pipeline.LoadInputs(cfg)
	if err != nil {
		return err
	}
	r, err := pipeline.New(cfg, in)
	if err != nil {
		return err
	}
	r.Call = report.CallSummary{
		Version:     version,
		CommandLine: os.Args,
	}
	if err := r.Execute(ctx); err != nil {
		return err
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	return nil
}

// batch runs independent analyses with at most jobs in flight. Every
// configuration is processed even if some fail.
func batch(ctx context.Context, paths []string, jobs int) error {
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	failed := make([]bool, len(paths))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := runFile(ctx, p, false); err != nil {
				log.Errorf("Analysis %s failed", p)
				logFailure(err)
				failed[i] = true
				return err
			}
			return nil
		})
	}
	if g.Wait() == nil {
		log.Noticef("Batch finished: %d analyses succeeded", len(paths))
		return nil
	}
	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return fmt.Errorf("%d of %d analyses failed", n, len(paths))
}
