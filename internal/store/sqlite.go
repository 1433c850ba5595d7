package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Each row keeps the full entity as JSON in data; the other columns exist to
// be filtered and ordered on. Timestamps are unix milliseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS endpoints (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    is_active   INTEGER NOT NULL DEFAULT 1,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_endpoints_user ON endpoints(user_id);

CREATE TABLE IF NOT EXISTS checks (
    id          TEXT PRIMARY KEY,
    endpoint_id TEXT NOT NULL,
    ts          INTEGER NOT NULL,
    success     INTEGER NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checks_endpoint_ts ON checks(endpoint_id, ts);

CREATE TABLE IF NOT EXISTS anomalies (
    id          TEXT PRIMARY KEY,
    endpoint_id TEXT NOT NULL,
    detected_at INTEGER NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_endpoint ON anomalies(endpoint_id, detected_at DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS regressions (
    id          TEXT PRIMARY KEY,
    endpoint_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    detected_at INTEGER NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regressions_endpoint ON regressions(endpoint_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS predictive_alerts (
    id          TEXT PRIMARY KEY,
    endpoint_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    detected_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_endpoint ON predictive_alerts(endpoint_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_status_expiry ON predictive_alerts(status, expires_at);

CREATE TABLE IF NOT EXISTS dependencies (
    endpoint_id TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dependencies_user ON dependencies(user_id);
`,
	},
}

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db        *sql.DB
	retention time.Duration
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)

// NewSQLite opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string, retention time.Duration) (*SQLite, error) {
	if retention <= 0 {
		retention = DefaultCheckRetention
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer; also keeps :memory: on one connection

	s := &SQLite{db: db, retention: retention}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// --- endpoints --------------------------------------------------------------

func (s *SQLite) SaveEndpoint(ctx context.Context, ep *types.Endpoint) error {
	return saveEndpoint(ctx, s.db, ep)
}

func (s *SQLite) SyncEndpoint(ctx context.Context, ep *types.Endpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cp := *ep
		cur, err := queryOne[types.Endpoint](ctx, tx, `SELECT data FROM endpoints WHERE id = ?`, ep.ID)
		switch {
		case err == nil:
			cp.CopyRuntime(cur)
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return saveEndpoint(ctx, tx, &cp)
	})
}

func (s *SQLite) RecordProbe(ctx context.Context, c *types.Check) (*types.Endpoint, error) {
	var ep *types.Endpoint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := queryOne[types.Endpoint](ctx, tx, `SELECT data FROM endpoints WHERE id = ?`, c.EndpointID)
		if err != nil {
			return err
		}
		if err := addCheck(ctx, tx, c); err != nil {
			return err
		}
		cur.ApplyCheck(c)
		if err := saveEndpoint(ctx, tx, cur); err != nil {
			return err
		}
		ep = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func saveEndpoint(ctx context.Context, ex execer, ep *types.Endpoint) error {
	cp := *ep
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("store: encode endpoint: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO endpoints (id, user_id, is_active, data) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, is_active = excluded.is_active, data = excluded.data`,
		ep.ID, ep.UserID, boolInt(ep.IsActive), string(data))
	if err != nil {
		return fmt.Errorf("store: save endpoint %s: %w", ep.ID, err)
	}
	return nil
}

func (s *SQLite) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	return queryOne[types.Endpoint](ctx, s.db, `SELECT data FROM endpoints WHERE id = ?`, id)
}

func (s *SQLite) ListEndpoints(ctx context.Context) ([]*types.Endpoint, error) {
	return queryAll[types.Endpoint](ctx, s.db, `SELECT data FROM endpoints ORDER BY id`)
}

func (s *SQLite) ListActiveEndpoints(ctx context.Context) ([]*types.Endpoint, error) {
	return queryAll[types.Endpoint](ctx, s.db, `SELECT data FROM endpoints WHERE is_active = 1 ORDER BY id`)
}

func (s *SQLite) ListUserEndpoints(ctx context.Context, userID string) ([]*types.Endpoint, error) {
	return queryAll[types.Endpoint](ctx, s.db, `SELECT data FROM endpoints WHERE user_id = ? ORDER BY id`, userID)
}

// --- checks -----------------------------------------------------------------

func (s *SQLite) AddCheck(ctx context.Context, c *types.Check) error {
	return addCheck(ctx, s.db, c)
}

func addCheck(ctx context.Context, ex execer, c *types.Check) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encode check: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO checks (id, endpoint_id, ts, success, data) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.EndpointID, c.Timestamp.UnixMilli(), boolInt(c.Success), string(data))
	if err != nil {
		return fmt.Errorf("store: add check %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) RecentChecks(ctx context.Context, endpointID string, limit int) ([]*types.Check, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryAll[types.Check](ctx, s.db,
		`SELECT data FROM checks WHERE endpoint_id = ? ORDER BY ts DESC LIMIT ?`, endpointID, limit)
}

func (s *SQLite) ChecksInRange(ctx context.Context, endpointID string, from, to time.Time) ([]*types.Check, error) {
	if to.IsZero() {
		return queryAll[types.Check](ctx, s.db,
			`SELECT data FROM checks WHERE endpoint_id = ? AND ts >= ? ORDER BY ts`,
			endpointID, from.UnixMilli())
	}
	return queryAll[types.Check](ctx, s.db,
		`SELECT data FROM checks WHERE endpoint_id = ? AND ts >= ? AND ts < ? ORDER BY ts`,
		endpointID, from.UnixMilli(), to.UnixMilli())
}

func (s *SQLite) FailedChecksSince(ctx context.Context, endpointIDs []string, since time.Time) ([]*types.Check, error) {
	if len(endpointIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(endpointIDs)+1)
	for _, id := range endpointIDs {
		args = append(args, id)
	}
	args = append(args, since.UnixMilli())
	q := `SELECT data FROM checks WHERE endpoint_id IN (` + placeholders(len(endpointIDs)) +
		`) AND success = 0 AND ts >= ? ORDER BY ts`
	return queryAll[types.Check](ctx, s.db, q, args...)
}

// --- anomalies --------------------------------------------------------------

func (s *SQLite) SaveAnomaly(ctx context.Context, a *types.Anomaly) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode anomaly: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO anomalies (id, endpoint_id, detected_at, data) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		a.ID, a.EndpointID, a.DetectedAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("store: save anomaly %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLite) ListAnomalies(ctx context.Context, endpointID string, limit int) ([]*types.Anomaly, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryAll[types.Anomaly](ctx, s.db,
		`SELECT data FROM anomalies WHERE endpoint_id = ? ORDER BY detected_at DESC LIMIT ?`, endpointID, limit)
}

// --- regressions ------------------------------------------------------------

func (s *SQLite) SaveRegression(ctx context.Context, r *types.Regression) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode regression: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO regressions (id, endpoint_id, status, detected_at, data) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		r.ID, r.EndpointID, string(r.Status), r.DetectedAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("store: save regression %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) OpenRegressionSince(ctx context.Context, endpointID string, since time.Time) (*types.Regression, error) {
	return queryOne[types.Regression](ctx, s.db, `
SELECT data FROM regressions
WHERE endpoint_id = ? AND status IN (?, ?) AND detected_at >= ?
ORDER BY detected_at DESC LIMIT 1`,
		endpointID, string(types.RegressionActive), string(types.RegressionInvestigating), since.UnixMilli())
}

func (s *SQLite) ListRegressions(ctx context.Context, endpointID string) ([]*types.Regression, error) {
	return queryAll[types.Regression](ctx, s.db,
		`SELECT data FROM regressions WHERE endpoint_id = ? ORDER BY detected_at DESC`, endpointID)
}

// --- predictive alerts ------------------------------------------------------

func (s *SQLite) SavePredictiveAlert(ctx context.Context, a *types.PredictiveAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode predictive alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO predictive_alerts (id, endpoint_id, status, detected_at, expires_at, data) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, expires_at = excluded.expires_at, data = excluded.data`,
		a.ID, a.EndpointID, string(a.Status), a.DetectedAt.UnixMilli(), a.ExpiresAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("store: save predictive alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLite) ActivePredictiveAlert(ctx context.Context, endpointID string, since time.Time) (*types.PredictiveAlert, error) {
	return queryOne[types.PredictiveAlert](ctx, s.db, `
SELECT data FROM predictive_alerts
WHERE endpoint_id = ? AND status = ? AND detected_at >= ?
ORDER BY detected_at DESC LIMIT 1`,
		endpointID, string(types.AlertActive), since.UnixMilli())
}

func (s *SQLite) ListPredictiveAlerts(ctx context.Context, endpointID string) ([]*types.PredictiveAlert, error) {
	return queryAll[types.PredictiveAlert](ctx, s.db,
		`SELECT data FROM predictive_alerts WHERE endpoint_id = ? ORDER BY detected_at DESC`, endpointID)
}

// --- dependencies -----------------------------------------------------------

func (s *SQLite) SaveDependency(ctx context.Context, rec *types.DependencyRecord) error {
	return saveDependency(ctx, s.db, rec)
}

func (s *SQLite) SaveDependencies(ctx context.Context, recs ...*types.DependencyRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := saveDependency(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveDependency(ctx context.Context, ex execer, rec *types.DependencyRecord) error {
	if rec == nil || rec.EndpointID == "" {
		return fmt.Errorf("%w: dependency without endpoint id", ErrInvalidRecord)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode dependency: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO dependencies (endpoint_id, user_id, data) VALUES (?, ?, ?)
ON CONFLICT(endpoint_id) DO UPDATE SET user_id = excluded.user_id, data = excluded.data`,
		rec.EndpointID, rec.UserID, string(data))
	if err != nil {
		return fmt.Errorf("store: save dependency %s: %w", rec.EndpointID, err)
	}
	return nil
}

func (s *SQLite) GetDependency(ctx context.Context, endpointID string) (*types.DependencyRecord, error) {
	return queryOne[types.DependencyRecord](ctx, s.db, `SELECT data FROM dependencies WHERE endpoint_id = ?`, endpointID)
}

func (s *SQLite) ListDependencies(ctx context.Context, userID string) ([]*types.DependencyRecord, error) {
	return queryAll[types.DependencyRecord](ctx, s.db,
		`SELECT data FROM dependencies WHERE user_id = ? ORDER BY endpoint_id`, userID)
}

// --- retention --------------------------------------------------------------

// Expire deletes checks older than the retention window and marks active
// predictive alerts whose ExpiresAt has passed as expired.
func (s *SQLite) Expire(ctx context.Context, now time.Time) (Expired, error) {
	var n Expired

	res, err := s.db.ExecContext(ctx, `DELETE FROM checks WHERE ts < ?`, now.Add(-s.retention).UnixMilli())
	if err != nil {
		return n, fmt.Errorf("store: delete expired checks: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil {
		n.Checks = int(rows)
	}

	expired, err := queryAll[types.PredictiveAlert](ctx, s.db,
		`SELECT data FROM predictive_alerts WHERE status = ? AND expires_at <= ?`,
		string(types.AlertActive), now.UnixMilli())
	if err != nil {
		return n, err
	}
	for _, a := range expired {
		a.Status = types.AlertExpired
		a.UpdatedAt = now
		if err := s.SavePredictiveAlert(ctx, a); err != nil {
			return n, err
		}
		n.Alerts++
	}
	return n, nil
}

// --- helpers ----------------------------------------------------------------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryOne[T any](ctx context.Context, q querier, query string, args ...any) (*T, error) {
	var data string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: query: %w", err)
	}
	v := new(T)
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("store: decode row: %w", err)
	}
	return v, nil
}

func queryAll[T any](ctx context.Context, q querier, query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		v := new(T)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return nil, fmt.Errorf("store: decode row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate rows: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
