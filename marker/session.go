package marker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masephi/treetrack/ensemble"
)

// Solver selects the search strategy.
type Solver string

const (
	Auto      Solver = "auto"
	Enumerate Solver = "enumerate"
	MIP       Solver = "mip"
)

// ParseSolver converts a solver name.
func ParseSolver(s string) (Solver, error) {
	switch Solver(s) {
	case Auto, Enumerate, MIP:
		return Solver(s), nil
	case "":
		return Auto, nil
	}
	return "", fmt.Errorf("unknown solver: %s", s)
}

// SessionConfig holds solver settings shared by all selections.
type SessionConfig struct {
	Solver Solver
	// Timeout bounds every selection; zero disables it.
	Timeout time.Duration
	// EnumerateLimit is the largest number of subsets searched
	// exhaustively by the auto solver.
	EnumerateLimit int64
	// MaxMIPPool is the largest pool given to branch and bound.
	MaxMIPPool int
	// MaxNodes bounds branch and bound; zero disables it.
	MaxNodes int
}

// DefaultSessionConfig returns the default solver settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Solver:         Auto,
		Timeout:        time.Minute,
		EnumerateLimit: 200000,
		MaxMIPPool:     24,
		MaxNodes:       20000,
	}
}

var ErrSessionClosed = errors.New("solver session closed")

// Session is the solver handle. It is acquired once per run and must
// be closed when the run ends.
type Session struct {
	cfg    SessionConfig
	closed bool
	// Solves and Failures count selections for reporting.
	Solves   int
	Failures int
}

// Acquire opens a solver session.
func Acquire(cfg SessionConfig) (*Session, error) {
	if _, err := ParseSolver(string(cfg.Solver)); err != nil {
		return nil, err
	}
	if cfg.Solver == "" {
		cfg.Solver = Auto
	}
	def := DefaultSessionConfig()
	if cfg.EnumerateLimit <= 0 {
		cfg.EnumerateLimit = def.EnumerateLimit
	}
	if cfg.MaxMIPPool <= 1 {
		cfg.MaxMIPPool = def.MaxMIPPool
	}
	log.Debugf("Solver session opened (solver=%s, timeout=%v)", cfg.Solver, cfg.Timeout)
	return &Session{cfg: cfg}, nil
}

// Close releases the session.
func (s *Session) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	log.Debugf("Solver session closed after %d selections (%d failed)", s.Solves, s.Failures)
	return nil
}

// Config returns the session settings.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Select chooses req.PanelSize markers from pool. It returns
// ErrInvalidObjective, ErrInsufficientMarkers or ErrOptimizationFailed
// (wrapped); callers may recover from the latter with Heuristic.
func (s *Session) Select(ctx context.Context, ens *ensemble.Ensemble, pool []Candidate, req Request) (*Selection, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := req.Objective.Validate(); err != nil {
		return nil, err
	}
	if req.PanelSize <= 0 || len(pool) < req.PanelSize {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientMarkers, req.PanelSize, len(pool))
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	s.Solves++

	start := time.Now()
	p := newProblem(ens, pool, req)
	solver := s.cfg.Solver
	if solver == Auto {
		solver = MIP
		if binomial(p.n(), p.k) <= s.cfg.EnumerateLimit {
			solver = Enumerate
		}
	}

	var (
		idx   []int
		v     float64
		nodes int
		err   error
	)
	switch solver {
	case Enumerate:
		idx, v, err = p.enumerate(ctx)
	case MIP:
		keep := p.prefilter(s.cfg.MaxMIPPool)
		if len(keep) < p.n() {
			log.Infof("Branch and bound restricted to %d of %d candidates", len(keep), p.n())
		}
		var sub []int
		sub, v, nodes, err = p.sub(keep).branchAndBound(ctx, s.cfg.MaxNodes)
		for _, a := range sub {
			idx = append(idx, keep[a])
		}
	}
	if err != nil {
		s.Failures++
		return nil, fmt.Errorf("%w: %s solver: %w", ErrOptimizationFailed, solver, err)
	}

	sel := newSelection(pool, idx, v, Optimal, string(solver))
	sel.Nodes = nodes
	log.Infof("Selected %v (objective %.6g, %s, %v)", sel.Keys, v, solver, time.Since(start).Round(time.Millisecond))
	return sel, nil
}
