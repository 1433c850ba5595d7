package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/narrative"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// --- helpers ----------------------------------------------------------------

type memStore struct {
	saved []*types.Anomaly
	err   error
}

func (s *memStore) SaveAnomaly(_ context.Context, a *types.Anomaly) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, a)
	return nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return f.err
}

type fakeEmailer struct{ sent []notify.Notification }

func (f *fakeEmailer) Email(_ context.Context, n notify.Notification) { f.sent = append(f.sent, n) }

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, narrative.Prompt) (string, error) {
	return "", errors.New("llm offline")
}

func endpoint() *types.Endpoint {
	return &types.Endpoint{ID: "ep1", UserID: "u1", Name: "checkout", URL: "https://api.example.com/checkout", ExpectedStatusCode: 200}
}

func history(times ...int64) []*types.Check {
	out := make([]*types.Check, len(times))
	for i, ms := range times {
		out[i] = &types.Check{ID: fmt.Sprintf("h%d", i), EndpointID: "ep1", ResponseTime: ms, Success: true}
	}
	return out
}

func okCheck(ms int64, body string) *types.Check {
	return &types.Check{ID: "cur", EndpointID: "ep1", ResponseTime: ms, StatusCode: 200, Success: true, ResponseBody: body}
}

func newDetector() (*Detector, *memStore, *fakeNotifier, *fakeEmailer) {
	st, n, e := &memStore{}, &fakeNotifier{}, &fakeEmailer{}
	d := New(st, narrative.Template{}, n, e)
	d.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return d, st, n, e
}

// --- tests ------------------------------------------------------------------

func TestAnalyze_SpikeHigh(t *testing.T) {
	d, st, n, e := newDetector()
	hist := history(100, 102, 98, 101, 99)

	got, err := d.Analyze(context.Background(), endpoint(), okCheck(350, ""), hist)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("anomalies: got %d, want 1", len(got))
	}
	a := got[0]
	if a.Type != types.AnomalyResponseSpike || a.Severity != types.SeverityHigh {
		t.Errorf("anomaly: got %s/%s, want spike/high", a.Type, a.Severity)
	}
	if a.CurrentValue != 350 || a.ExpectedValue != 100 {
		t.Errorf("values: current=%v expected=%v", a.CurrentValue, a.ExpectedValue)
	}
	if a.ID == "" || a.Narrative == "" || a.CheckID != "cur" {
		t.Errorf("anomaly not fully populated: %+v", a)
	}
	if len(st.saved) != 1 || len(n.got) != 1 {
		t.Errorf("saved=%d notified=%d, want 1 and 1", len(st.saved), len(n.got))
	}
	if len(e.sent) != 1 {
		t.Errorf("emails: got %d, want 1 for high severity", len(e.sent))
	}
}

func TestSpikeSeverity_Boundaries(t *testing.T) {
	cases := []struct {
		name    string
		value   float64
		want    types.Severity
		isSpike bool
	}{
		{"exactly 3x mean is medium", 300, types.SeverityMedium, true},
		{"just above 3x mean is high", 300.5, types.SeverityHigh, true},
		{"exactly 2x mean is not a spike", 200, "", false},
		{"just above 2x mean is medium", 201, types.SeverityMedium, true},
		{"normal", 105, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sev, ok := SpikeSeverity(tc.value, 100, 1.58)
			if ok != tc.isSpike || sev != tc.want {
				t.Errorf("SpikeSeverity(%v): got %q/%v, want %q/%v", tc.value, sev, ok, tc.want, tc.isSpike)
			}
		})
	}
}

func TestSpikeSeverity_SigmaGate(t *testing.T) {
	// Above 2x mean but within mean+2σ of a noisy history.
	if _, ok := SpikeSeverity(250, 100, 80); ok {
		t.Error("value within mean+2σ must not be a spike")
	}
}

func TestSpikeSeverity_ZeroMean(t *testing.T) {
	if sev, ok := SpikeSeverity(1, 0, 0); ok {
		t.Errorf("zero mean: got %q, want no spike", sev)
	}
}

func TestAnalyze_SubMillisecondHistoryIsNotASpike(t *testing.T) {
	d, st, n, _ := newDetector()
	got, err := d.Analyze(context.Background(), endpoint(), okCheck(1, ""), history(0, 0, 0, 0, 0))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got) != 0 || len(st.saved) != 0 || len(n.got) != 0 {
		t.Errorf("1ms after a 0ms history: got %d anomalies, want none", len(got))
	}
}

func TestAnalyze_SpikeNeedsHistory(t *testing.T) {
	for n := 0; n < MinSpikeHistory; n++ {
		times := make([]int64, n)
		for i := range times {
			times[i] = 100
		}
		d, st, _, _ := newDetector()
		got, _ := d.Analyze(context.Background(), endpoint(), okCheck(5000, ""), history(times...))
		if len(got) != 0 || len(st.saved) != 0 {
			t.Errorf("history of %d: got %d anomalies, want none", n, len(got))
		}
	}
}

func TestAnalyze_IgnoresCurrentCheckInHistory(t *testing.T) {
	d, _, _, _ := newDetector()
	cur := okCheck(350, "")
	hist := append(history(100, 102, 98, 101), cur)

	got, _ := d.Analyze(context.Background(), endpoint(), cur, hist)
	if len(got) != 0 {
		t.Errorf("4 prior checks plus the current one: got %d anomalies, want none", len(got))
	}
}

func TestAnalyze_Downtime(t *testing.T) {
	d, st, n, e := newDetector()
	failed := &types.Check{ID: "cur", EndpointID: "ep1", StatusCode: 503, ErrorType: types.ErrorServer, ErrorMessage: "unexpected status 503, want 200"}

	got, err := d.Analyze(context.Background(), endpoint(), failed, history(100, 100, 100, 100, 100))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got) != 1 || got[0].Type != types.AnomalyDowntime || got[0].Severity != types.SeverityHigh {
		t.Fatalf("got %+v, want one high downtime anomaly", got)
	}
	if got[0].CurrentValue != 503 || got[0].ExpectedValue != 200 {
		t.Errorf("values: current=%v expected=%v", got[0].CurrentValue, got[0].ExpectedValue)
	}
	if len(st.saved) != 1 || len(n.got) != 1 || len(e.sent) != 1 {
		t.Errorf("saved=%d notified=%d emailed=%d", len(st.saved), len(n.got), len(e.sent))
	}
}

func TestAnalyze_SchemaDrift(t *testing.T) {
	d, _, _, e := newDetector()
	ep := endpoint()
	ep.BaselineSchema, _ = types.SchemaFromBody(`{"id":1,"name":"a","price":9.5}`)

	got, err := d.Analyze(context.Background(), ep, okCheck(100, `{"id":"1","name":"a","currency":"EUR"}`), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("anomalies: got %d, want 1", len(got))
	}
	a := got[0]
	if a.Type != types.AnomalySchemaDrift || a.Severity != types.SeverityMedium {
		t.Errorf("anomaly: got %s/%s, want schema_drift/medium", a.Type, a.Severity)
	}
	if a.CurrentValue != 3 || len(a.Changes) != 3 {
		t.Errorf("changes: current=%v list=%v, want 3", a.CurrentValue, a.Changes)
	}
	if len(e.sent) != 0 {
		t.Error("medium severity must not send email")
	}
}

func TestAnalyze_NoDriftWithoutBaselineOrJSON(t *testing.T) {
	d, _, _, _ := newDetector()
	ep := endpoint()
	if got, _ := d.Analyze(context.Background(), ep, okCheck(100, `{"x":1}`), nil); len(got) != 0 {
		t.Errorf("no baseline: got %d anomalies", len(got))
	}
	ep.BaselineSchema, _ = types.SchemaFromBody(`{"x":1}`)
	if got, _ := d.Analyze(context.Background(), ep, okCheck(100, "<html>"), nil); len(got) != 0 {
		t.Errorf("non-JSON body: got %d anomalies", len(got))
	}
}

func TestAnalyze_FallbackNarrativeAndSinkFailure(t *testing.T) {
	st, n := &memStore{}, &fakeNotifier{err: errors.New("webhook down")}
	d := New(st, failingGenerator{}, n, nil)

	got, err := d.Analyze(context.Background(), endpoint(), okCheck(350, ""), history(100, 102, 98, 101, 99))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got) != 1 || len(st.saved) != 1 {
		t.Fatalf("anomaly must be persisted despite sink failure: got %d saved", len(st.saved))
	}
	if got[0].Narrative != narrative.FallbackInsight {
		t.Errorf("Narrative: got %q, want fallback", got[0].Narrative)
	}
}

func TestAnalyze_StoreFailure(t *testing.T) {
	st, n := &memStore{err: errors.New("db locked")}, &fakeNotifier{}
	d := New(st, nil, n, nil)

	got, err := d.Analyze(context.Background(), endpoint(), &types.Check{ID: "x", ErrorType: types.ErrorNetwork}, nil)
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(got) != 0 || len(n.got) != 0 {
		t.Errorf("unsaved anomaly must not be announced: got=%d notified=%d", len(got), len(n.got))
	}
}
