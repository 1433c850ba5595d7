package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Notification kinds.
const (
	KindAnomaly         = "anomaly"
	KindRegression      = "regression"
	KindPredictiveAlert = "predictive_alert"
)

// Notification is a single message addressed to an endpoint owner.
type Notification struct {
	UserID     string         `json:"userId"`
	EndpointID string         `json:"endpointId"`
	Kind       string         `json:"kind"`
	Severity   types.Severity `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Sink delivers notifications somewhere.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Mailer sends a plain-text email.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

const (
	defaultDeliveryTimeout = 15 * time.Second
	errBufSize             = 64
)

// Dispatcher fans notifications out to sinks in the background.
type Dispatcher struct {
	sinks   []Sink
	mailer  Mailer
	mailTo  func(userID string) string
	timeout time.Duration

	errs chan error
	wg   sync.WaitGroup
}

// NewDispatcher creates a Dispatcher delivering to sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: defaultDeliveryTimeout,
		errs:    make(chan error, errBufSize),
	}
}

// WithMailer enables email delivery. to maps a user ID to an address; an
// empty address skips the email.
func (d *Dispatcher) WithMailer(m Mailer, to func(userID string) string) *Dispatcher {
	d.mailer = m
	d.mailTo = to
	return d
}

// Notify schedules delivery of n to every sink and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	for _, s := range d.sinks {
		s := s
		d.spawn(ctx, func(ctx context.Context) error {
			if err := s.Notify(ctx, n); err != nil {
				return fmt.Errorf("notify %s for %s: %w", n.Kind, n.EndpointID, err)
			}
			return nil
		})
	}
	return nil
}

// Email sends n to the owner's address in the background. It is a no-op
// without a mailer or an address.
func (d *Dispatcher) Email(ctx context.Context, n Notification) {
	if d.mailer == nil || d.mailTo == nil {
		return
	}
	to := d.mailTo(n.UserID)
	if to == "" {
		return
	}
	d.spawn(ctx, func(ctx context.Context) error {
		subject := fmt.Sprintf("%s %s", severityLabel(n.Severity), n.Title)
		if err := d.mailer.SendMail(ctx, to, subject, n.Message); err != nil {
			return fmt.Errorf("email %s for %s: %w", n.Kind, n.EndpointID, err)
		}
		return nil
	})
}

func (d *Dispatcher) spawn(parent context.Context, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			select {
			case d.errs <- err:
			default:
				slog.Warn("notify: error buffer full, dropping", "err", err)
			}
		}
	}()
}

// Run logs delivery errors until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.errs:
			slog.Warn("notify: delivery failed", "err", err)
		}
	}
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Errors exposes the delivery error channel for callers that do not use Run.
func (d *Dispatcher) Errors() <-chan error { return d.errs }

// LogSink writes each notification as a structured log line.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	slog.Info("notify: "+n.Kind,
		"user", n.UserID,
		"endpoint", n.EndpointID,
		"severity", n.Severity,
		"title", n.Title,
	)
	return nil
}

// Multi delivers to every sink synchronously and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "[CRITICAL]"
	case types.SeverityHigh:
		return "[HIGH]"
	case types.SeverityMedium:
		return "[MEDIUM]"
	default:
		return "[LOW]"
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityHigh:
		return "FF7A45"
	case types.SeverityMedium:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
