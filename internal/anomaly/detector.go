package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/narrative"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/stats"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Spike thresholds.
const (
	MinSpikeHistory = 5
	spikeSigmas     = 2.0
	spikeMultiple   = 2.0
	highMultiple    = 3.0
)

// Store persists anomalies.
type Store interface {
	SaveAnomaly(ctx context.Context, a *types.Anomaly) error
}

// Notifier announces anomalies to the endpoint owner.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Emailer sends fire-and-forget email for high-severity anomalies.
type Emailer interface {
	Email(ctx context.Context, n notify.Notification)
}

// Detector finds and records anomalies for new checks.
type Detector struct {
	store    Store
	gen      narrative.Generator
	notifier Notifier
	emailer  Emailer
	now      func() time.Time
}

// New creates a Detector. gen and emailer may be nil.
func New(st Store, gen narrative.Generator, n Notifier, e Emailer) *Detector {
	return &Detector{store: st, gen: gen, notifier: n, emailer: e, now: time.Now}
}

// Analyze detects anomalies in check given the endpoint's recent history and
// records each one. History entries with check's ID are ignored, so the
// caller may pass a history that already contains check. The returned error
// joins persistence failures; anomalies that were saved are still returned.
func (d *Detector) Analyze(ctx context.Context, ep *types.Endpoint, check *types.Check, history []*types.Check) ([]*types.Anomaly, error) {
	found := Detect(ep, check, history)
	if len(found) == 0 {
		return nil, nil
	}

	var (
		saved []*types.Anomaly
		errs  []error
	)
	for _, a := range found {
		a.ID = uuid.NewString()
		a.DetectedAt = d.now().UTC()
		a.Narrative = narrative.Describe(ctx, d.gen, prompt(ep, a), narrative.FallbackInsight)

		if err := d.store.SaveAnomaly(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("anomaly: save %s for %s: %w", a.Type, ep.ID, err))
			continue
		}
		saved = append(saved, a)
		metrics.AnomalyRecorded(string(a.Type), string(a.Severity))

		n := notification(ep, a)
		if d.notifier != nil {
			if err := d.notifier.Notify(ctx, n); err != nil {
				slog.Warn("anomaly: notification failed", "endpoint", ep.ID, "type", a.Type, "err", err)
			}
		}
		if a.Severity == types.SeverityHigh && d.emailer != nil {
			d.emailer.Email(ctx, n)
		}
	}
	return saved, errors.Join(errs...)
}

// Detect returns the anomalies check reveals, without IDs, timestamps or
// narratives. A failed check yields only a downtime anomaly.
func Detect(ep *types.Endpoint, check *types.Check, history []*types.Check) []*types.Anomaly {
	if !check.Success {
		return []*types.Anomaly{downtime(ep, check)}
	}

	var out []*types.Anomaly
	if a := spike(ep, check, history); a != nil {
		out = append(out, a)
	}
	if a := drift(ep, check); a != nil {
		out = append(out, a)
	}
	return out
}

func downtime(ep *types.Endpoint, check *types.Check) *types.Anomaly {
	desc := fmt.Sprintf("%s is down", displayName(ep))
	switch {
	case check.ErrorMessage != "":
		desc += fmt.Sprintf(" (%s: %s)", check.ErrorType, check.ErrorMessage)
	case check.ErrorType != types.ErrorNone:
		desc += fmt.Sprintf(" (%s)", check.ErrorType)
	}
	expected := ep.ExpectedStatusCode
	if expected == 0 {
		expected = 200
	}
	return &types.Anomaly{
		EndpointID:    ep.ID,
		UserID:        ep.UserID,
		CheckID:       check.ID,
		Type:          types.AnomalyDowntime,
		Severity:      types.SeverityHigh,
		Description:   desc,
		CurrentValue:  float64(check.StatusCode),
		ExpectedValue: float64(expected),
	}
}

// SpikeSeverity grades a response time against the historical mean. It
// reports false when value is not a spike. A zero mean, as produced by a
// history of sub-millisecond responses, has no scale to compare against and
// never yields a spike.
func SpikeSeverity(value, mean, stdDev float64) (types.Severity, bool) {
	if mean <= 0 {
		return "", false
	}
	if !(value > mean+spikeSigmas*stdDev && value > spikeMultiple*mean) {
		return "", false
	}
	switch {
	case value > highMultiple*mean:
		return types.SeverityHigh, true
	case value > spikeMultiple*mean:
		return types.SeverityMedium, true
	default:
		return types.SeverityLow, true
	}
}

func spike(ep *types.Endpoint, check *types.Check, history []*types.Check) *types.Anomaly {
	times := make([]float64, 0, len(history))
	for _, h := range history {
		if h.ID == check.ID || !h.Success {
			continue
		}
		times = append(times, float64(h.ResponseTime))
	}
	if len(times) < MinSpikeHistory {
		return nil
	}

	mean := stats.Mean(times)
	sd := stats.StdDevAround(times, mean)
	v := float64(check.ResponseTime)
	sev, ok := SpikeSeverity(v, mean, sd)
	if !ok {
		return nil
	}
	return &types.Anomaly{
		EndpointID:    ep.ID,
		UserID:        ep.UserID,
		CheckID:       check.ID,
		Type:          types.AnomalyResponseSpike,
		Severity:      sev,
		Description:   fmt.Sprintf("response time %.0fms is %.1fx the recent average of %.0fms", v, v/mean, mean),
		CurrentValue:  v,
		ExpectedValue: mean,
	}
}

func drift(ep *types.Endpoint, check *types.Check) *types.Anomaly {
	if ep.BaselineSchema == nil || check.Truncated {
		return nil
	}
	current, ok := types.SchemaFromBody(check.ResponseBody)
	if !ok {
		return nil
	}
	changes := DiffSchemas(ep.BaselineSchema, current)
	if len(changes) == 0 {
		return nil
	}

	summary := make([]string, 0, len(changes))
	for _, c := range changes {
		summary = append(summary, c.String())
	}
	return &types.Anomaly{
		EndpointID:    ep.ID,
		UserID:        ep.UserID,
		CheckID:       check.ID,
		Type:          types.AnomalySchemaDrift,
		Severity:      types.SeverityMedium,
		Description:   fmt.Sprintf("response schema changed: %s", strings.Join(summary, "; ")),
		CurrentValue:  float64(len(changes)),
		ExpectedValue: 0,
		Changes:       changes,
	}
}

func prompt(ep *types.Endpoint, a *types.Anomaly) narrative.Prompt {
	return narrative.Prompt{
		Task:     "Explain this API anomaly and suggest a likely cause: " + string(a.Type),
		Endpoint: displayName(ep),
		URL:      ep.URL,
		Facts: map[string]string{
			"description":    a.Description,
			"severity":       string(a.Severity),
			"current_value":  fmt.Sprintf("%.0f", a.CurrentValue),
			"expected_value": fmt.Sprintf("%.0f", a.ExpectedValue),
		},
	}
}

func notification(ep *types.Endpoint, a *types.Anomaly) notify.Notification {
	title := map[types.AnomalyType]string{
		types.AnomalyDowntime:      "Endpoint down",
		types.AnomalyResponseSpike: "Response time spike",
		types.AnomalySchemaDrift:   "Response schema drift",
	}[a.Type]
	return notify.Notification{
		UserID:     ep.UserID,
		EndpointID: ep.ID,
		Kind:       notify.KindAnomaly,
		Severity:   a.Severity,
		Title:      fmt.Sprintf("%s: %s", title, displayName(ep)),
		Message:    a.Description + "\n\n" + a.Narrative,
		Metadata: map[string]any{
			"anomalyId":    a.ID,
			"type":         a.Type,
			"checkId":      a.CheckID,
			"currentValue": a.CurrentValue,
		},
		CreatedAt: a.DetectedAt,
	}
}

func displayName(ep *types.Endpoint) string {
	if ep.Name != "" {
		return ep.Name
	}
	return ep.URL
}
