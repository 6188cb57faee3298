package pipeline

import (
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindInput        Kind = "input"
	KindOptimization Kind = "optimization"
	KindDegenerate   Kind = "degenerate"
	KindPersistence  Kind = "persistence"
	KindCanceled     Kind = "canceled"
)

// StepError identifies where a run failed.
type StepError struct {
	// Timepoint is empty for failures before the first timepoint.
	Timepoint string
	Component string
	Kind      Kind
	Err       error
}

func (e *StepError) Error() string {
	tp := e.Timepoint
	if tp == "" {
		tp = "-"
	}
	return fmt.Sprintf("timepoint %s: %s (%s): %v", tp, e.Component, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// MarkerNotFoundError lists requested markers absent from the data.
type MarkerNotFoundError struct {
	Missing []string
}

func (e *MarkerNotFoundError) Error() string {
	return fmt.Sprintf("markers not found: %s", strings.Join(e.Missing, ", "))
}
