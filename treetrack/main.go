/*

Treetrack follows the clonal evolution of a tumor over time. It keeps
a weighted ensemble of candidate clone trees, chooses ddPCR marker
mutations that discriminate between them and updates the tree weights
as measurements arrive.

The basic usage looks like this:

	treetrack run --config patient.yaml

, this processes every timepoint of the longitudinal data and writes
the results under <base_dir>/<patient>/<mode>/.

Several patients can be processed concurrently:

	treetrack batch --jobs 4 p1.yaml p2.yaml p3.yaml

A single marker panel can be chosen without running the pipeline:

	treetrack select --trees trees.json --ssm ssm.txt -k 2

To see all the options run:

	treetrack --help

*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/masephi/treetrack/pipeline"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("treetrack")
var formatter = logging.MustStringFormatter(`%{message}`)

// modules are the loggers whose level follows --loglevel.
var modules = []string{
	"treetrack", "pipeline", "marker", "likelihood", "update", "ensemble",
	"clonefreq", "checkpoint", "report", "ssm", "ddpcr",
}

// command-line options
var (
	// application
	app = kingpin.New("treetrack", "sequential clone tree tracking from ddPCR measurements").Version(version)

	// technical
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")

	// run
	runCmd    = app.Command("run", "analyze one patient")
	runConfig = runCmd.Flag("config", "YAML configuration file").Short('c').Required().ExistingFile()
	runResume = runCmd.Flag("resume", "continue from the checkpoint (overrides the configuration)").Bool()

	// batch
	batchCmd     = app.Command("batch", "analyze several patients concurrently")
	batchJobs    = batchCmd.Flag("jobs", "number of concurrent analyses").Short('j').Default("1").Int()
	batchConfigs = batchCmd.Arg("configs", "YAML configuration files").Required().ExistingFiles()

	// select
	selectCmd     = app.Command("select", "choose a marker panel for a tree distribution")
	selectTrees   = selectCmd.Flag("trees", "tree distribution JSON").Required().ExistingFile()
	selectSSM     = selectCmd.Flag("ssm", "SSM table").Required().ExistingFile()
	selectK       = selectCmd.Flag("k", "number of markers").Short('k').Default("2").Int()
	selectLambda1 = selectCmd.Flag("lambda1", "weight of the fraction objective").Default("0").Float64()
	selectLambda2 = selectCmd.Flag("lambda2", "weight of the structure objective").Default("1").Float64()
	selectDepth   = selectCmd.Flag("read-depth", "expected ddPCR read depth").Default("90000").Float64()
	selectFocus   = selectCmd.Flag("focus-sample", "tissue sample for predicted VAFs, -1 averages").Default("-1").Int()
	selectSolver  = selectCmd.Flag("solver", "solver to use").Default("auto").Enum("auto", "enumerate", "mip")
	selectTimeout = selectCmd.Flag("timeout", "solver time limit").Default("60s").Duration()
	selectExclude = selectCmd.Flag("exclude", "marker to exclude (repeatable)").Strings()
	selectOut     = selectCmd.Flag("out", "write the selection to a JSON file").String()
	selectStrict  = selectCmd.Flag("no-fallback", "fail instead of using the variance heuristic").Bool()

	// show
	showCmd   = app.Command("show", "print the checkpoint of a run")
	showDB    = showCmd.Flag("db", "checkpoint database (state.db)").Required().ExistingFile()
	showAll   = showCmd.Flag("weights", "print tree weights of every timepoint").Bool()
	showTrees = showCmd.Flag("trees", "tree distribution JSON, prints the current dominant tree").ExistingFile()
)

// setupLogging installs the log backend. The returned function closes
// the log file.
func setupLogging() (func(), error) {
	logging.SetFormatter(formatter)

	closer := func() {}
	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return closer, fmt.Errorf("creating log file: %w", err)
		}
		closer = func() { f.Close() }
		backend = logging.NewLogBackend(f, "", 0)
		logging.SetBackend(backend, logging.NewLogBackend(os.Stderr, "", 0))
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetBackend(backend)
	}

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		return closer, err
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}
	return closer, nil
}

// logFailure logs a failure once, naming the timepoint and component of
// pipeline errors.
func logFailure(err error) {
	var se *pipeline.StepError
	if errors.As(err, &se) {
		tp := se.Timepoint
		if tp == "" {
			tp = "-"
		}
		log.Errorf("Failed (timepoint=%s, component=%s, kind=%s): %v", tp, se.Component, se.Kind, se.Err)
		return
	}
	log.Error(err)
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	closeLog, err := setupLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	switch cmd {
	case runCmd.FullCommand():
		err = runFile(ctx, *runConfig, *runResume)
	case batchCmd.FullCommand():
		err = batch(ctx, *batchConfigs, *batchJobs)
	case selectCmd.FullCommand():
		err = selectPanel(ctx)
	case showCmd.FullCommand():
		err = show(os.Stdout, *showDB, *showAll, *showTrees)
	}
	stop()

	if err != nil {
		logFailure(err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
}
