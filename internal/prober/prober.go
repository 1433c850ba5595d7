package prober

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Defaults applied to zero Config fields.
const (
	DefaultTimeout      = 30 * time.Second
	MaxTimeout          = 60 * time.Second
	DefaultRetries      = 2
	DefaultRetryDelay   = time.Second
	DefaultMaxBodyBytes = 1 << 20
	DefaultUserAgent    = "pulsewatch-prober/1.0"
)

// Config controls probe execution.
type Config struct {
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	Retries            int
	RetryDelay         time.Duration
	MaxBodyBytes       int64
	UserAgent          string
	InsecureSkipVerify bool
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = MaxTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Recorder persists the outcome of a probe lifecycle. RecordProbe must add
// the check and advance the stored endpoint's runtime state atomically.
type Recorder interface {
	RecordProbe(ctx context.Context, c *types.Check) (*types.Endpoint, error)
}

// Prober runs probe lifecycles. It is safe for concurrent use as long as no
// two goroutines probe the same *types.Endpoint at once.
type Prober struct {
	cfg    Config
	client *http.Client
	rec    Recorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Prober that records through rec.
func New(cfg Config, rec Recorder) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		cfg:    cfg,
		client: buildHTTPClient(cfg),
		rec:    rec,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// buildHTTPClient returns a client without its own timeout; each attempt is
// bounded by a context deadline instead.
func buildHTTPClient(cfg Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{Transport: transport}
}

// Timeout returns the per-attempt timeout for ep, capped at MaxTimeout.
func (p *Prober) Timeout(ep *types.Endpoint) time.Duration {
	d := ep.Timeout
	if d <= 0 {
		d = p.cfg.DefaultTimeout
	}
	if d > p.cfg.MaxTimeout {
		d = p.cfg.MaxTimeout
	}
	return d
}

// attemptResult is the raw outcome of one HTTP attempt.
type attemptResult struct {
	status    int
	elapsed   time.Duration
	body      string
	size      int64
	truncated bool
	errType   types.ErrorType
	errMsg    string
}

// Probe runs one lifecycle for ep and records the resulting Check. On success
// ep's runtime state is refreshed from the stored endpoint, so probes that
// overlap on one endpoint never overwrite each other's updates. A non-nil
// error means persistence failed; the returned Check still describes the
// probe and ep is left unchanged.
func (p *Prober) Probe(ctx context.Context, ep *types.Endpoint) (*types.Check, error) {
	timeout := p.Timeout(ep)

	var res attemptResult
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts++
		res = p.attempt(ctx, ep, timeout)
		if !res.errType.Transient() || attempt >= p.cfg.Retries || ctx.Err() != nil {
			break
		}
		delay := p.cfg.RetryDelay * time.Duration(attempt+1)
		slog.Debug("prober: transient failure, retrying",
			"endpoint", ep.ID, "attempt", attempts, "error_type", res.errType, "delay", delay)
		if err := p.sleep(ctx, delay); err != nil {
			break
		}
	}

	check := &types.Check{
		ID:           uuid.NewString(),
		EndpointID:   ep.ID,
		Timestamp:    p.now().UTC(),
		ResponseTime: res.elapsed.Milliseconds(),
		StatusCode:   res.status,
		Success:      res.errType == types.ErrorNone,
		ErrorType:    res.errType,
		ErrorMessage: res.errMsg,
		ResponseBody: res.body,
		ResponseSize: res.size,
		Truncated:    res.truncated,
		Attempts:     attempts,
	}
	metrics.ObserveProbe(check.Success, string(check.ErrorType), res.elapsed)

	stored, err := p.rec.RecordProbe(ctx, check)
	if err != nil {
		return check, fmt.Errorf("prober: record check for %s: %w", ep.ID, err)
	}
	ep.CopyRuntime(stored)
	return check, nil
}

func (p *Prober) attempt(ctx context.Context, ep *types.Endpoint, timeout time.Duration) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if ep.Body != "" {
		body = strings.NewReader(ep.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), ep.URL, body)
	if err != nil {
		return attemptResult{errType: types.ErrorClient, errMsg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return attemptResult{
			elapsed: time.Since(start),
			errType: Classify(err, 0, 0),
			errMsg:  err.Error(),
		}
	}
	defer resp.Body.Close()

	res := attemptResult{status: resp.StatusCode}
	if err := p.readBody(resp.Body, &res); err != nil {
		res.elapsed = time.Since(start)
		res.errType = Classify(err, 0, 0)
		res.errMsg = fmt.Sprintf("read body: %v", err)
		return res
	}
	res.elapsed = time.Since(start)

	expected := ep.ExpectedStatusCode
	if expected == 0 {
		expected = http.StatusOK
	}
	if res.errType = Classify(nil, resp.StatusCode, expected); res.errType != types.ErrorNone {
		res.errMsg = fmt.Sprintf("unexpected status %d, want %d", resp.StatusCode, expected)
	}
	return res
}

// readBody reads at most MaxBodyBytes into res.body. A larger body is
// drained to learn its size and replaced by a truncation marker.
func (p *Prober) readBody(r io.Reader, res *attemptResult) error {
	limit := p.cfg.MaxBodyBytes
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(buf)) <= limit {
		res.body = string(buf)
		res.size = int64(len(buf))
		return nil
	}

	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return err
	}
	res.size = int64(len(buf)) + rest
	res.truncated = true
	marker, _ := json.Marshal(types.TruncationMarker{
		Truncated:    true,
		OriginalSize: res.size,
		Message:      fmt.Sprintf("response body exceeds %d bytes", limit),
	})
	res.body = string(marker)
	return nil
}

// Classify maps a transport error or an HTTP status to an ErrorType. With a
// nil err, a status equal to expected is ErrorNone; 5xx is a server error and
// every other mismatch is a client error.
func Classify(err error, status, expected int) types.ErrorType {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.ErrorTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return types.ErrorTimeout
		}
		return types.ErrorNetwork
	}
	switch {
	case status == expected:
		return types.ErrorNone
	case status >= 500:
		return types.ErrorServer
	default:
		return types.ErrorClient
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
