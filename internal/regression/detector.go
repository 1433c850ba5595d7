package regression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/narrative"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/stats"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Detection parameters.
const (
	BaselineWindow      = 7 * 24 * time.Hour
	CurrentWindow       = 24 * time.Hour
	MinSamples          = 10
	MinDegradation      = 20.0 // percent
	SignificanceLevel   = 0.05
	criticalDegradation = 50.0
)

// Store is the persistence the detector needs.
type Store interface {
	ChecksInRange(ctx context.Context, endpointID string, from, to time.Time) ([]*types.Check, error)
	OpenRegressionSince(ctx context.Context, endpointID string, since time.Time) (*types.Regression, error)
	SaveRegression(ctx context.Context, r *types.Regression) error
}

// Notifier announces new regressions.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Detector compares response time windows for an endpoint.
type Detector struct {
	store    Store
	gen      narrative.Generator
	notifier Notifier
	now      func() time.Time
}

// New creates a Detector. gen and n may be nil.
func New(st Store, gen narrative.Generator, n Notifier) *Detector {
	return &Detector{store: st, gen: gen, notifier: n, now: time.Now}
}

// Result is the statistical comparison of two windows.
type Result struct {
	Baseline           stats.Summary
	Current            stats.Summary
	DegradationPercent float64
	TTest              stats.TTestResult
}

// Regressed reports whether r crosses both the degradation and the
// significance thresholds.
func (r Result) Regressed() bool {
	return r.DegradationPercent >= MinDegradation && r.TTest.PValue < SignificanceLevel
}

// Evaluate compares current response times against baseline ones.
func Evaluate(baseline, current []float64) Result {
	res := Result{
		Baseline: stats.Summarize(baseline),
		Current:  stats.Summarize(current),
		TTest:    stats.WelchTTest(current, baseline),
	}
	if res.Baseline.Mean > 0 {
		res.DegradationPercent = (res.Current.Mean - res.Baseline.Mean) / res.Baseline.Mean * 100
	}
	return res
}

// Detect runs the comparison for ep. It returns (nil, nil) when there is not
// enough data or no regression, and the existing record when one is already
// open for the current window.
func (d *Detector) Detect(ctx context.Context, ep *types.Endpoint) (*types.Regression, error) {
	now := d.now().UTC()
	baseStart := now.Add(-BaselineWindow)
	curStart := now.Add(-CurrentWindow)

	baseChecks, err := d.store.ChecksInRange(ctx, ep.ID, baseStart, curStart)
	if err != nil {
		return nil, fmt.Errorf("regression: load baseline for %s: %w", ep.ID, err)
	}
	curChecks, err := d.store.ChecksInRange(ctx, ep.ID, curStart, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("regression: load current window for %s: %w", ep.ID, err)
	}

	baseline, current := successfulTimes(baseChecks, now), successfulTimes(curChecks, now)
	if len(baseline) < MinSamples || len(current) < MinSamples {
		return nil, nil
	}

	res := Evaluate(baseline, current)
	if !res.Regressed() {
		return nil, nil
	}

	existing, err := d.store.OpenRegressionSince(ctx, ep.ID, curStart)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("regression: look up open regression for %s: %w", ep.ID, err)
	}

	reg := &types.Regression{
		ID:                 uuid.NewString(),
		EndpointID:         ep.ID,
		UserID:             ep.UserID,
		Baseline:           window(res.Baseline, baseStart, curStart),
		Current:            window(res.Current, curStart, now),
		DegradationPercent: res.DegradationPercent,
		TStatistic:         res.TTest.T,
		DegreesOfFreedom:   res.TTest.DF,
		PValue:             res.TTest.PValue,
		ConfidenceLevel:    (1 - res.TTest.PValue) * 100,
		Status:             types.RegressionActive,
		DetectedAt:         now,
	}
	reg.Diagnosis = narrative.Describe(ctx, d.gen, prompt(ep, reg), narrative.FallbackDiagnosis)

	if err := d.store.SaveRegression(ctx, reg); err != nil {
		return nil, fmt.Errorf("regression: save for %s: %w", ep.ID, err)
	}
	metrics.RegressionRecorded()
	slog.Info("regression: detected",
		"endpoint", ep.ID,
		"degradation_pct", fmt.Sprintf("%.1f", reg.DegradationPercent),
		"p_value", reg.PValue,
	)

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, notification(ep, reg)); err != nil {
			slog.Warn("regression: notification failed", "endpoint", ep.ID, "err", err)
		}
	}
	return reg, nil
}

// successfulTimes returns response times of successful checks at or before now.
func successfulTimes(checks []*types.Check, now time.Time) []float64 {
	out := make([]float64, 0, len(checks))
	for _, c := range checks {
		if c.Success && !c.Timestamp.After(now) {
			out = append(out, float64(c.ResponseTime))
		}
	}
	return out
}

func window(s stats.Summary, start, end time.Time) types.WindowStats {
	return types.WindowStats{
		Start:      start,
		End:        end,
		SampleSize: s.N,
		Mean:       s.Mean,
		StdDev:     s.StdDev,
		P95:        s.P95,
		P99:        s.P99,
	}
}

// NotificationSeverity grades a regression by how much slower it is.
func NotificationSeverity(degradation float64) types.Severity {
	if degradation > criticalDegradation {
		return types.SeverityCritical
	}
	return types.SeverityHigh
}

func prompt(ep *types.Endpoint, r *types.Regression) narrative.Prompt {
	return narrative.Prompt{
		Task:     "Diagnose this API performance regression and list the most likely causes",
		Endpoint: ep.Name,
		URL:      ep.URL,
		Facts: map[string]string{
			"baseline_mean_ms": fmt.Sprintf("%.0f", r.Baseline.Mean),
			"current_mean_ms":  fmt.Sprintf("%.0f", r.Current.Mean),
			"baseline_p95_ms":  fmt.Sprintf("%.0f", r.Baseline.P95),
			"current_p95_ms":   fmt.Sprintf("%.0f", r.Current.P95),
			"degradation":      fmt.Sprintf("%.1f%%", r.DegradationPercent),
			"p_value":          fmt.Sprintf("%.4f", r.PValue),
		},
	}
}

func notification(ep *types.Endpoint, r *types.Regression) notify.Notification {
	name := ep.Name
	if name == "" {
		name = ep.URL
	}
	return notify.Notification{
		UserID:     ep.UserID,
		EndpointID: ep.ID,
		Kind:       notify.KindRegression,
		Severity:   NotificationSeverity(r.DegradationPercent),
		Title:      fmt.Sprintf("Performance regression: %s", name),
		Message: fmt.Sprintf("Mean response time rose %.1f%% (%.0fms -> %.0fms, p=%.4f).\n\n%s",
			r.DegradationPercent, r.Baseline.Mean, r.Current.Mean, r.PValue, r.Diagnosis),
		Metadata: map[string]any{
			"regressionId":       r.ID,
			"degradationPercent": r.DegradationPercent,
			"confidenceLevel":    r.ConfidenceLevel,
		},
		CreatedAt: r.DetectedAt,
	}
}
