package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

var (
	// ErrNotFound is returned when a lookup by key matches nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidRecord is returned for a record without its key.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// Store is the full persistence surface. Consumers declare the subset they
// need as their own interface.
type Store interface {
	SaveEndpoint(ctx context.Context, ep *types.Endpoint) error
	// SyncEndpoint stores ep's configuration fields. The stored runtime state
	// of an existing endpoint is kept.
	SyncEndpoint(ctx context.Context, ep *types.Endpoint) error
	// RecordProbe adds c and applies its outcome to the stored endpoint in one
	// step, returning the updated endpoint. It returns ErrNotFound, and adds
	// nothing, when the endpoint does not exist.
	RecordProbe(ctx context.Context, c *types.Check) (*types.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*types.Endpoint, error)
	ListActiveEndpoints(ctx context.Context) ([]*types.Endpoint, error)
	ListUserEndpoints(ctx context.Context, userID string) ([]*types.Endpoint, error)

	AddCheck(ctx context.Context, c *types.Check) error
	// RecentChecks returns up to limit checks for the endpoint, newest first.
	RecentChecks(ctx context.Context, endpointID string, limit int) ([]*types.Check, error)
	// ChecksInRange returns checks with from <= Timestamp < to, oldest first.
	// A zero to leaves the range open-ended.
	ChecksInRange(ctx context.Context, endpointID string, from, to time.Time) ([]*types.Check, error)
	// FailedChecksSince returns failed checks of the given endpoints at or after
	// since, oldest first.
	FailedChecksSince(ctx context.Context, endpointIDs []string, since time.Time) ([]*types.Check, error)

	SaveAnomaly(ctx context.Context, a *types.Anomaly) error
	ListAnomalies(ctx context.Context, endpointID string, limit int) ([]*types.Anomaly, error)

	SaveRegression(ctx context.Context, r *types.Regression) error
	// OpenRegressionSince returns the newest active or investigating regression
	// detected at or after since, or ErrNotFound.
	OpenRegressionSince(ctx context.Context, endpointID string, since time.Time) (*types.Regression, error)
	ListRegressions(ctx context.Context, endpointID string) ([]*types.Regression, error)

	SavePredictiveAlert(ctx context.Context, a *types.PredictiveAlert) error
	// ActivePredictiveAlert returns the newest active alert detected at or
	// after since, or ErrNotFound.
	ActivePredictiveAlert(ctx context.Context, endpointID string, since time.Time) (*types.PredictiveAlert, error)
	ListPredictiveAlerts(ctx context.Context, endpointID string) ([]*types.PredictiveAlert, error)

	SaveDependency(ctx context.Context, rec *types.DependencyRecord) error
	// SaveDependencies writes all of recs or none of them.
	SaveDependencies(ctx context.Context, recs ...*types.DependencyRecord) error
	GetDependency(ctx context.Context, endpointID string) (*types.DependencyRecord, error)
	ListDependencies(ctx context.Context, userID string) ([]*types.DependencyRecord, error)

	Expire(ctx context.Context, now time.Time) (Expired, error)
	Close() error
}

// Expired reports what one Expire pass removed or closed.
type Expired struct {
	Checks int
	Alerts int
}

// RunRetention calls s.Expire every interval (minimum 1 second) until ctx is
// cancelled.
func RunRetention(ctx context.Context, s Store, interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.Expire(ctx, now)
			if err != nil {
				slog.Warn("store: retention pass failed", "err", err)
				continue
			}
			if n.Checks > 0 || n.Alerts > 0 {
				slog.Debug("store: retention pass", "checks_deleted", n.Checks, "alerts_expired", n.Alerts)
			}
		}
	}
}

// DefaultCheckRetention is how long checks are kept when no retention is
// configured.
const DefaultCheckRetention = 30 * 24 * time.Hour
