package predictive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/stats"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Window and thresholds.
const (
	Window          = 6 * time.Hour
	AlertTTL        = 24 * time.Hour
	MinChecks       = 5
	MinProbability  = 30.0
	MaxProbability  = 95.0
	recentChecks    = 10
	trendRatio      = 1.3
	steepTrendRatio = 1.5
	variabilityCV   = 0.5
)

// Signal names.
const (
	SignalTrend       = "response_time_trend"
	SignalVariability = "high_variability"
	SignalFailures    = "recent_failures"
	SignalTimeouts    = "repeated_timeouts"
	SignalConsecutive = "consecutive_failures"
)

// Recommended actions.
const (
	ActionScale      = "Review capacity and scale resources before latency turns into errors."
	ActionLogs       = "Review application and server logs around the recent failures."
	ActionDependency = "Check upstream dependencies and network paths for degradation."
	ActionReadiness  = "Confirm on-call coverage and a rollback plan in case the endpoint fails."
)

var weights = map[types.Severity]float64{
	types.SeverityLow:      10,
	types.SeverityMedium:   20,
	types.SeverityHigh:     35,
	types.SeverityCritical: 50,
}

// Store is the persistence the engine needs.
type Store interface {
	ChecksInRange(ctx context.Context, endpointID string, from, to time.Time) ([]*types.Check, error)
	ActivePredictiveAlert(ctx context.Context, endpointID string, since time.Time) (*types.PredictiveAlert, error)
	SavePredictiveAlert(ctx context.Context, a *types.PredictiveAlert) error
}

// Notifier announces new alerts.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Engine evaluates endpoints for imminent failure.
type Engine struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

// New creates an Engine. n may be nil.
func New(st Store, n Notifier) *Engine {
	return &Engine{store: st, notifier: n, now: time.Now}
}

// Evaluate inspects the last Window of checks for ep and writes a predictive
// alert when the failure probability reaches MinProbability. It returns the
// created or updated alert, or nil when nothing was written.
func (e *Engine) Evaluate(ctx context.Context, ep *types.Endpoint) (*types.PredictiveAlert, error) {
	now := e.now().UTC()
	since := now.Add(-Window)

	checks, err := e.store.ChecksInRange(ctx, ep.ID, since, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("predictive: load checks for %s: %w", ep.ID, err)
	}
	if len(checks) < MinChecks {
		return nil, nil
	}

	signals := Signals(checks, ep.ConsecutiveFailures)
	if len(signals) == 0 {
		return nil, nil
	}
	prob := Probability(signals)
	if prob < MinProbability {
		return nil, nil
	}

	predicted := now.Add(Horizon(signals))
	actions := Actions(signals)

	existing, err := e.store.ActivePredictiveAlert(ctx, ep.ID, since)
	switch {
	case err == nil:
		existing.Signals = signals
		existing.FailureProbability = prob
		existing.PredictedFailureTime = predicted
		existing.RecommendedActions = actions
		existing.UpdatedAt = now
		if err := e.store.SavePredictiveAlert(ctx, existing); err != nil {
			return nil, fmt.Errorf("predictive: update alert for %s: %w", ep.ID, err)
		}
		metrics.PredictiveAlertWritten(false)
		slog.Debug("predictive: alert updated", "endpoint", ep.ID, "probability", prob)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("predictive: look up active alert for %s: %w", ep.ID, err)
	}

	alert := &types.PredictiveAlert{
		ID:                   uuid.NewString(),
		EndpointID:           ep.ID,
		UserID:               ep.UserID,
		FailureProbability:   prob,
		PredictedFailureTime: predicted,
		Signals:              signals,
		RecommendedActions:   actions,
		Status:               types.AlertActive,
		DetectedAt:           now,
		UpdatedAt:            now,
		ExpiresAt:            now.Add(AlertTTL),
	}
	if err := e.store.SavePredictiveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("predictive: save alert for %s: %w", ep.ID, err)
	}
	metrics.PredictiveAlertWritten(true)
	slog.Info("predictive: alert created", "endpoint", ep.ID, "probability", prob, "signals", len(signals))

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, notification(ep, alert)); err != nil {
			slog.Warn("predictive: notification failed", "endpoint", ep.ID, "err", err)
		}
	}
	return alert, nil
}

// Signals returns the warning signals fired by checks, which must be ordered
// oldest first, and the endpoint's current failure streak.
func Signals(checks []*types.Check, consecutive int) []types.WarningSignal {
	var out []types.WarningSignal

	times := make([]float64, 0, len(checks))
	for _, c := range checks {
		if c.Success {
			times = append(times, float64(c.ResponseTime))
		}
	}
	mean := stats.Mean(times)

	if n := len(times) / 3; n > 0 && mean > 0 {
		ratio := stats.Mean(times[len(times)-n:]) / mean
		if ratio > trendRatio {
			sev := types.SeverityMedium
			if ratio > steepTrendRatio {
				sev = types.SeverityHigh
			}
			out = append(out, types.WarningSignal{
				Signal:      SignalTrend,
				Severity:    sev,
				Value:       ratio,
				Threshold:   trendRatio,
				Description: fmt.Sprintf("recent response times average %.1fx the window mean of %.0fms", ratio, mean),
			})
		}
	}

	if sd := stats.StdDevAround(times, mean); mean > 0 && sd > variabilityCV*mean {
		sev := types.SeverityMedium
		if sd > mean {
			sev = types.SeverityHigh
		}
		out = append(out, types.WarningSignal{
			Signal:      SignalVariability,
			Severity:    sev,
			Value:       sd,
			Threshold:   variabilityCV * mean,
			Description: fmt.Sprintf("response time standard deviation %.0fms exceeds half the mean of %.0fms", sd, mean),
		})
	}

	recent := checks
	if len(recent) > recentChecks {
		recent = recent[len(recent)-recentChecks:]
	}
	// Timeouts feed their own signal and are not counted as failures.
	var failures, timeouts int
	for _, c := range recent {
		switch {
		case c.Success:
		case c.ErrorType == types.ErrorTimeout:
			timeouts++
		default:
			failures++
		}
	}

	if failures >= 2 {
		sev := types.SeverityMedium
		switch {
		case failures >= 4:
			sev = types.SeverityCritical
		case failures == 3:
			sev = types.SeverityHigh
		}
		out = append(out, types.WarningSignal{
			Signal:      SignalFailures,
			Severity:    sev,
			Value:       float64(failures),
			Threshold:   2,
			Description: fmt.Sprintf("%d of the last %d checks failed", failures, len(recent)),
		})
	}

	if timeouts >= 2 {
		sev := types.SeverityMedium
		if timeouts >= 3 {
			sev = types.SeverityHigh
		}
		out = append(out, types.WarningSignal{
			Signal:      SignalTimeouts,
			Severity:    sev,
			Value:       float64(timeouts),
			Threshold:   2,
			Description: fmt.Sprintf("%d of the last %d checks timed out", timeouts, len(recent)),
		})
	}

	if consecutive >= 2 {
		sev := types.SeverityHigh
		if consecutive >= 3 {
			sev = types.SeverityCritical
		}
		out = append(out, types.WarningSignal{
			Signal:      SignalConsecutive,
			Severity:    sev,
			Value:       float64(consecutive),
			Threshold:   2,
			Description: fmt.Sprintf("%d consecutive failed checks", consecutive),
		})
	}
	return out
}

// Probability sums the signal weights, capped at MaxProbability.
func Probability(signals []types.WarningSignal) float64 {
	var p float64
	for _, s := range signals {
		p += weights[s.Severity]
	}
	return min(p, MaxProbability)
}

// Horizon estimates time to failure from the number of severe signals.
func Horizon(signals []types.WarningSignal) time.Duration {
	var severe int
	for _, s := range signals {
		if s.Severity == types.SeverityHigh || s.Severity == types.SeverityCritical {
			severe++
		}
	}
	switch {
	case severe >= 2:
		return time.Hour
	case severe == 1:
		return 3 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Actions derives recommended actions from the fired signal categories.
func Actions(signals []types.WarningSignal) []string {
	fired := make(map[string]bool, len(signals))
	for _, s := range signals {
		fired[s.Signal] = true
	}

	var out []string
	if fired[SignalTrend] || fired[SignalVariability] {
		out = append(out, ActionScale)
	}
	if fired[SignalFailures] || fired[SignalTimeouts] {
		out = append(out, ActionLogs)
	}
	if fired[SignalTimeouts] || fired[SignalConsecutive] {
		out = append(out, ActionDependency)
	}
	return append(out, ActionReadiness)
}

// NotificationSeverity grades an alert by its failure probability.
func NotificationSeverity(prob float64) types.Severity {
	switch {
	case prob >= 70:
		return types.SeverityCritical
	case prob >= 50:
		return types.SeverityHigh
	default:
		return types.SeverityMedium
	}
}

func notification(ep *types.Endpoint, a *types.PredictiveAlert) notify.Notification {
	name := ep.Name
	if name == "" {
		name = ep.URL
	}
	lines := make([]string, 0, len(a.Signals))
	for _, s := range a.Signals {
		lines = append(lines, fmt.Sprintf("- [%s] %s", s.Severity, s.Description))
	}
	return notify.Notification{
		UserID:     ep.UserID,
		EndpointID: ep.ID,
		Kind:       notify.KindPredictiveAlert,
		Severity:   NotificationSeverity(a.FailureProbability),
		Title:      fmt.Sprintf("Failure predicted: %s (%.0f%%)", name, a.FailureProbability),
		Message: fmt.Sprintf("Likely failure by %s.\n%s",
			a.PredictedFailureTime.Format(time.RFC3339), strings.Join(lines, "\n")),
		Metadata: map[string]any{
			"alertId":            a.ID,
			"failureProbability": a.FailureProbability,
			"recommendedActions": a.RecommendedActions,
		},
		CreatedAt: a.DetectedAt,
	}
}
