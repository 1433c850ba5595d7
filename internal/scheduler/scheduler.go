package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Defaults for Config.
const (
	DefaultInterval             = time.Minute
	DefaultStaleAfter           = 5 * time.Minute
	DefaultBatchSize            = 10
	DefaultHistorySize          = 50
	DefaultMinRegressionHistory = 10
)

// Skip reasons reported in CycleReport and the cycles_skipped metric.
const (
	SkipBusy = "busy"
)

// Analyzer names used in logs and the analyzer_failures metric.
const (
	AnalyzerAnomaly    = "anomaly"
	AnalyzerPredictive = "predictive"
	AnalyzerRegression = "regression"
)

// Store is the read side the scheduler needs. Checks and endpoint updates
// are written by the Prober.
type Store interface {
	ListActiveEndpoints(ctx context.Context) ([]*types.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	RecentChecks(ctx context.Context, endpointID string, limit int) ([]*types.Check, error)
}

// Prober runs one probe lifecycle and persists its Check.
type Prober interface {
	Probe(ctx context.Context, ep *types.Endpoint) (*types.Check, error)
}

// AnomalyAnalyzer inspects a fresh check against recent history.
type AnomalyAnalyzer interface {
	Analyze(ctx context.Context, ep *types.Endpoint, check *types.Check, history []*types.Check) ([]*types.Anomaly, error)
}

// RegressionAnalyzer compares long response time windows.
type RegressionAnalyzer interface {
	Detect(ctx context.Context, ep *types.Endpoint) (*types.Regression, error)
}

// PredictiveAnalyzer forecasts failures from leading indicators.
type PredictiveAnalyzer interface {
	Evaluate(ctx context.Context, ep *types.Endpoint) (*types.PredictiveAlert, error)
}

// Deps are the scheduler's collaborators. Any analyzer may be nil.
type Deps struct {
	Store      Store
	Prober     Prober
	Anomaly    AnomalyAnalyzer
	Regression RegressionAnalyzer
	Predictive PredictiveAnalyzer
}

// Config tunes the scheduler. Zero fields take the package defaults.
type Config struct {
	Interval             time.Duration
	StaleAfter           time.Duration
	BatchSize            int
	HistorySize          int
	MinRegressionHistory int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MinRegressionHistory <= 0 {
		c.MinRegressionHistory = DefaultMinRegressionHistory
	}
	return c
}

// Outcome is everything one probe produced.
type Outcome struct {
	Check      *types.Check           `json:"check"`
	Anomalies  []*types.Anomaly       `json:"anomalies"`
	Regression *types.Regression      `json:"regression,omitempty"`
	Alert      *types.PredictiveAlert `json:"predictiveAlert,omitempty"`
}

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Due        int           `json:"due"`
	Probed     int           `json:"probed"`
	Failed     int           `json:"failed"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Active              bool          `json:"active"`
	CycleRunning        bool          `json:"cycleRunning"`
	CycleStartedAt      *time.Time    `json:"cycleStartedAt"`
	LastCycleAt         *time.Time    `json:"lastCycleAt,omitempty"`
	LastCycleDuration   time.Duration `json:"lastCycleDuration"`
	LastCycleProbed     int           `json:"lastCycleProbed"`
	CyclesRun           int           `json:"cyclesRun"`
	StaleLockRecoveries int           `json:"staleLockRecoveries"`
}

// Scheduler owns the cycle lock and the analyzer pipeline.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu             sync.Mutex
	active         bool
	cycleRunning   bool
	cycleStartedAt time.Time
	generation     uint64
	last           CycleReport
	cyclesRun      int
	staleRecovered int
}

// New creates a Scheduler. deps.Store and deps.Prober are required.
func New(deps Deps, cfg Config) *Scheduler {
	return &Scheduler{deps: deps, cfg: cfg.withDefaults(), now: time.Now}
}

// Run runs a cycle immediately and then on every Interval tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.setActive(true)
	defer s.setActive(false)

	slog.Info("scheduler: started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one scheduling pass. It returns a skipped report when
// another cycle holds the lock and is not yet stale.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	gen, started, ok := s.acquire()
	if !ok {
		metrics.CycleSkipped(SkipBusy)
		slog.Debug("scheduler: cycle already running, skipping tick")
		return CycleReport{StartedAt: started, Skipped: true, SkipReason: SkipBusy}
	}

	rep := CycleReport{StartedAt: started}
	defer func() {
		rep.Duration = s.now().Sub(started)
		s.release(gen, rep)
		outcome := metrics.OutcomeCompleted
		if rep.Error != "" {
			outcome = metrics.OutcomeFailed
		}
		metrics.ObserveCycle(rep.Duration, outcome)
	}()

	endpoints, err := s.deps.Store.ListActiveEndpoints(ctx)
	if err != nil {
		rep.Error = err.Error()
		slog.Error("scheduler: list active endpoints", "err", err)
		return rep
	}

	var due []*types.Endpoint
	for _, ep := range endpoints {
		if ep.Due(started) {
			due = append(due, ep)
		}
	}
	rep.Due = len(due)

	var probed, failed atomic.Int64
	for start := 0; start < len(due); start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		batch := due[start:min(start+s.cfg.BatchSize, len(due))]

		var g errgroup.Group
		for _, ep := range batch {
			g.Go(func() error {
				out, err := s.process(ctx, ep)
				if out != nil && out.Check != nil {
					probed.Add(1)
				}
				if err != nil {
					failed.Add(1)
					slog.Warn("scheduler: endpoint processing failed", "endpoint", ep.ID, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	rep.Probed = int(probed.Load())
	rep.Failed = int(failed.Load())

	slog.Info("scheduler: cycle complete",
		"due", rep.Due,
		"probed", rep.Probed,
		"failed", rep.Failed,
		"duration", s.now().Sub(started),
	)
	return rep
}

// ErrEndpointNotFound is returned by CheckOnce for an unknown endpoint.
var ErrEndpointNotFound = errors.New("scheduler: endpoint not found")

// CheckOnce probes one endpoint and runs the full analyzer pipeline outside
// the schedule. Inactive endpoints are probed too.
func (s *Scheduler) CheckOnce(ctx context.Context, endpointID string) (*Outcome, error) {
	ep, err := s.deps.Store.GetEndpoint(ctx, endpointID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	case err != nil:
		return nil, fmt.Errorf("scheduler: get endpoint %s: %w", endpointID, err)
	}
	return s.process(ctx, ep)
}

// Status reports the lock state and the last cycle's figures.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Active:              s.active,
		CycleRunning:        s.cycleRunning,
		LastCycleDuration:   s.last.Duration,
		LastCycleProbed:     s.last.Probed,
		CyclesRun:           s.cyclesRun,
		StaleLockRecoveries: s.staleRecovered,
	}
	if s.cycleRunning {
		t := s.cycleStartedAt
		st.CycleStartedAt = &t
	}
	if !s.last.StartedAt.IsZero() {
		t := s.last.StartedAt
		st.LastCycleAt = &t
	}
	return st
}

// --- lock -------------------------------------------------------------------

func (s *Scheduler) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

// acquire takes the cycle lock, overriding it when the holder is stale. The
// returned generation identifies this holder to release.
func (s *Scheduler) acquire() (uint64, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.cycleRunning {
		held := now.Sub(s.cycleStartedAt)
		if held <= s.cfg.StaleAfter {
			return 0, now, false
		}
		s.staleRecovered++
		metrics.StaleLockRecovered()
		slog.Warn("scheduler: force-clearing stale cycle lock", "held_for", held, "started_at", s.cycleStartedAt)
	}
	s.cycleRunning = true
	s.cycleStartedAt = now
	s.generation++
	return s.generation, now, true
}

// release drops the lock only if no newer cycle has taken it over.
func (s *Scheduler) release(gen uint64, rep CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.cycleRunning = false
		s.cycleStartedAt = time.Time{}
	}
	s.last = rep
	s.cyclesRun++
}

// --- pipeline ---------------------------------------------------------------

// process probes ep and runs the analyzers. Panics are converted to errors
// so a single endpoint cannot take down its batch.
func (s *Scheduler) process(ctx context.Context, ep *types.Endpoint) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: panic processing %s: %v", ep.ID, r)
		}
	}()

	check, err := s.deps.Prober.Probe(ctx, ep)
	if check == nil {
		if err == nil {
			err = fmt.Errorf("scheduler: probe of %s returned no check", ep.ID)
		}
		return nil, err
	}
	out = &Outcome{Check: check}
	if err != nil {
		// The check was not persisted; analyzers read history from the store.
		return out, err
	}

	s.analyze(ctx, ep, out)
	return out, nil
}

func (s *Scheduler) analyze(ctx context.Context, ep *types.Endpoint, out *Outcome) {
	history, err := s.deps.Store.RecentChecks(ctx, ep.ID, s.cfg.HistorySize)
	if err != nil {
		slog.Warn("scheduler: load history", "endpoint", ep.ID, "err", err)
		history = nil
	}

	if s.deps.Anomaly != nil {
		s.guard(ep, AnalyzerAnomaly, func() error {
			found, err := s.deps.Anomaly.Analyze(ctx, ep, out.Check, history)
			out.Anomalies = found
			return err
		})
	}
	if s.deps.Predictive != nil {
		s.guard(ep, AnalyzerPredictive, func() error {
			alert, err := s.deps.Predictive.Evaluate(ctx, ep)
			out.Alert = alert
			return err
		})
	}
	if s.deps.Regression != nil && len(history) >= s.cfg.MinRegressionHistory {
		s.guard(ep, AnalyzerRegression, func() error {
			reg, err := s.deps.Regression.Detect(ctx, ep)
			out.Regression = reg
			return err
		})
	}
}

// guard runs one analyzer, logging and counting errors and panics.
func (s *Scheduler) guard(ep *types.Endpoint, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		metrics.AnalyzerFailed(name)
		slog.Warn("scheduler: analyzer failed", "analyzer", name, "endpoint", ep.ID, "err", err)
	}
}
