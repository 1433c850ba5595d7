package types

import (
	"fmt"
	"time"
)

// Frequency is one of the fixed probe intervals an endpoint may be scheduled at.
type Frequency string

const (
	Every1Min   Frequency = "1m"
	Every5Min   Frequency = "5m"
	Every15Min  Frequency = "15m"
	Every30Min  Frequency = "30m"
	Every1Hour  Frequency = "1h"
	Every6Hour  Frequency = "6h"
	Every24Hour Frequency = "24h"
)

var frequencies = map[Frequency]time.Duration{
	Every1Min:   time.Minute,
	Every5Min:   5 * time.Minute,
	Every15Min:  15 * time.Minute,
	Every30Min:  30 * time.Minute,
	Every1Hour:  time.Hour,
	Every6Hour:  6 * time.Hour,
	Every24Hour: 24 * time.Hour,
}

// Duration returns the interval for f. Unknown values map to 5 minutes.
func (f Frequency) Duration() time.Duration {
	if d, ok := frequencies[f]; ok {
		return d
	}
	return 5 * time.Minute
}

// Valid reports whether f is one of the fixed intervals.
func (f Frequency) Valid() bool {
	_, ok := frequencies[f]
	return ok
}

// Severity ranks anomalies, signals and notifications.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorType classifies why a probe failed. The zero value means no error.
type ErrorType string

const (
	ErrorNone    ErrorType = ""
	ErrorTimeout ErrorType = "timeout"
	ErrorNetwork ErrorType = "network"
	ErrorServer  ErrorType = "server"
	ErrorClient  ErrorType = "client"
)

// Transient reports whether a probe failing with e may be retried.
func (e ErrorType) Transient() bool {
	return e == ErrorTimeout || e == ErrorNetwork
}

// Endpoint is a monitored HTTP target. Configuration fields are set by the
// owner; the remaining fields are runtime state maintained by the prober.
type Endpoint struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               string            `json:"body,omitempty"`
	CheckFrequency     Frequency         `json:"checkFrequency"`
	Timeout            time.Duration     `json:"timeout"`
	ExpectedStatusCode int               `json:"expectedStatusCode"`
	IsActive           bool              `json:"isActive"`

	BaselineSchema      *Schema    `json:"baselineSchema,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastChecked         *time.Time `json:"lastChecked,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// Due reports whether ep should be probed at now: never checked, or the
// configured frequency has elapsed since the last check.
func (ep *Endpoint) Due(now time.Time) bool {
	if ep.LastChecked == nil {
		return true
	}
	return now.Sub(*ep.LastChecked) >= ep.CheckFrequency.Duration()
}

// ApplyCheck advances ep's runtime state with the outcome of c. The baseline
// schema is captured from the first successful, untruncated JSON body.
func (ep *Endpoint) ApplyCheck(c *Check) {
	at := c.Timestamp
	ep.LastChecked = &at
	if !c.Success {
		ep.ConsecutiveFailures++
		ep.LastFailureAt = &at
		return
	}
	ep.ConsecutiveFailures = 0
	ep.LastSuccessAt = &at
	if ep.BaselineSchema == nil && !c.Truncated {
		if s, ok := SchemaFromBody(c.ResponseBody); ok {
			ep.BaselineSchema = s
		}
	}
}

// CopyRuntime replaces ep's runtime state, including CreatedAt, with src's.
// Configuration fields are left alone.
func (ep *Endpoint) CopyRuntime(src *Endpoint) {
	ep.BaselineSchema = src.BaselineSchema
	ep.ConsecutiveFailures = src.ConsecutiveFailures
	ep.LastChecked = src.LastChecked
	ep.LastSuccessAt = src.LastSuccessAt
	ep.LastFailureAt = src.LastFailureAt
	ep.CreatedAt = src.CreatedAt
}

// Check is the immutable record of one probe lifecycle.
type Check struct {
	ID           string    `json:"id"`
	EndpointID   string    `json:"endpointId"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime int64     `json:"responseTime"` // milliseconds
	StatusCode   int       `json:"statusCode,omitempty"`
	Success      bool      `json:"success"`
	ErrorType    ErrorType `json:"errorType,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	ResponseSize int64     `json:"responseSize"`
	Truncated    bool      `json:"truncated,omitempty"`
	Attempts     int       `json:"attempts"`
}

// AnomalyType names what an anomaly describes.
type AnomalyType string

const (
	AnomalyDowntime      AnomalyType = "downtime"
	AnomalyResponseSpike AnomalyType = "response_time_spike"
	AnomalySchemaDrift   AnomalyType = "schema_drift"
	AnomalyErrorSpike    AnomalyType = "error_spike"
)

// SchemaChangeKind is the kind of one structural difference.
type SchemaChangeKind string

const (
	FieldAdded   SchemaChangeKind = "field_added"
	FieldRemoved SchemaChangeKind = "field_removed"
	TypeChanged  SchemaChangeKind = "type_changed"
)

// SchemaChange is one entry of a schema diff. Path is dotted from the root.
type SchemaChange struct {
	Kind    SchemaChangeKind `json:"kind"`
	Path    string           `json:"path"`
	OldType SchemaKind       `json:"oldType,omitempty"`
	NewType SchemaKind       `json:"newType,omitempty"`
}

func (c SchemaChange) String() string {
	switch c.Kind {
	case FieldAdded:
		return fmt.Sprintf("added %s (%s)", c.Path, c.NewType)
	case FieldRemoved:
		return fmt.Sprintf("removed %s (%s)", c.Path, c.OldType)
	default:
		return fmt.Sprintf("%s changed %s -> %s", c.Path, c.OldType, c.NewType)
	}
}

// Anomaly is a single detected deviation tied to the check that revealed it.
type Anomaly struct {
	ID            string         `json:"id"`
	EndpointID    string         `json:"endpointId"`
	UserID        string         `json:"userId"`
	CheckID       string         `json:"checkId"`
	Type          AnomalyType    `json:"type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	CurrentValue  float64        `json:"currentValue"`
	ExpectedValue float64        `json:"expectedValue"`
	Changes       []SchemaChange `json:"changes,omitempty"`
	Narrative     string         `json:"narrative"`
	DetectedAt    time.Time      `json:"detectedAt"`
}

// RegressionStatus tracks the lifecycle of a regression record.
type RegressionStatus string

const (
	RegressionActive        RegressionStatus = "active"
	RegressionInvestigating RegressionStatus = "investigating"
	RegressionResolved      RegressionStatus = "resolved"
)

// Open reports whether s still blocks a new record in the same window.
func (s RegressionStatus) Open() bool {
	return s == RegressionActive || s == RegressionInvestigating
}

// WindowStats summarizes response times in one comparison window.
type WindowStats struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SampleSize int       `json:"sampleSize"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"stdDev"`
	P95        float64   `json:"p95"`
	P99        float64   `json:"p99"`
}

// Regression is a statistically significant slowdown of the current window
// against the trailing baseline.
type Regression struct {
	ID                 string           `json:"id"`
	EndpointID         string           `json:"endpointId"`
	UserID             string           `json:"userId"`
	Baseline           WindowStats      `json:"baseline"`
	Current            WindowStats      `json:"current"`
	DegradationPercent float64          `json:"degradationPercent"`
	TStatistic         float64          `json:"tStatistic"`
	DegreesOfFreedom   float64          `json:"degreesOfFreedom"`
	PValue             float64          `json:"pValue"`
	ConfidenceLevel    float64          `json:"confidenceLevel"`
	Status             RegressionStatus `json:"status"`
	Diagnosis          string           `json:"diagnosis"`
	DetectedAt         time.Time        `json:"detectedAt"`
	ResolvedAt         *time.Time       `json:"resolvedAt,omitempty"`
}

// AlertStatus tracks the lifecycle of a predictive alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertMitigated    AlertStatus = "mitigated"
	AlertExpired      AlertStatus = "expired"
	AlertFalseAlarm   AlertStatus = "false_alarm"
)

// WarningSignal is one leading indicator contributing to a failure forecast.
type WarningSignal struct {
	Signal      string   `json:"signal"`
	Severity    Severity `json:"severity"`
	Value       float64  `json:"value"`
	Threshold   float64  `json:"threshold"`
	Description string   `json:"description"`
}

// PredictiveAlert forecasts an imminent failure from accumulated signals.
type PredictiveAlert struct {
	ID                   string          `json:"id"`
	EndpointID           string          `json:"endpointId"`
	UserID               string          `json:"userId"`
	FailureProbability   float64         `json:"failureProbability"`
	PredictedFailureTime time.Time       `json:"predictedFailureTime"`
	Signals              []WarningSignal `json:"signals"`
	RecommendedActions   []string        `json:"recommendedActions"`
	Status               AlertStatus     `json:"status"`
	DetectedAt           time.Time       `json:"detectedAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	ExpiresAt            time.Time       `json:"expiresAt"`
}

// Relationship describes how a source endpoint relies on its target.
type Relationship string

const (
	RelCalls       Relationship = "calls"
	RelAuthDepends Relationship = "auth_depends"
	RelDataDepends Relationship = "data_depends"
	RelSequential  Relationship = "sequential"
)

// Valid reports whether r is a known relationship.
func (r Relationship) Valid() bool {
	switch r {
	case RelCalls, RelAuthDepends, RelDataDepends, RelSequential:
		return true
	}
	return false
}

// DependsOnEdge is an outgoing edge: the owner depends on EndpointID.
type DependsOnEdge struct {
	EndpointID   string       `json:"endpointId"`
	Relationship Relationship `json:"relationship"`
	IsRequired   bool         `json:"isRequired"`
}

// DependentEdge is an incoming edge: EndpointID depends on the owner.
type DependentEdge struct {
	EndpointID   string       `json:"endpointId"`
	Relationship Relationship `json:"relationship"`
}

// CriticalPath is derived from the graph and recomputed after topology changes.
type CriticalPath struct {
	IsCritical       bool `json:"isCritical"`
	ImpactScore      int  `json:"impactScore"`
	AffectedServices int  `json:"affectedServices"`
}

// DependencyRecord is one node of a user's dependency graph. DependsOn and
// Dependents mirror each other across records.
type DependencyRecord struct {
	EndpointID   string          `json:"endpointId"`
	UserID       string          `json:"userId"`
	DependsOn    []DependsOnEdge `json:"dependsOn"`
	Dependents   []DependentEdge `json:"dependents"`
	CriticalPath CriticalPath    `json:"criticalPath"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
