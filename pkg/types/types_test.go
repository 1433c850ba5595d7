package types

import (
	"testing"
	"time"
)

func TestFrequencyDuration(t *testing.T) {
	cases := []struct {
		f    Frequency
		want time.Duration
	}{
		{Every1Min, time.Minute},
		{Every15Min, 15 * time.Minute},
		{Every24Hour, 24 * time.Hour},
		{Frequency("weird"), 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := tc.f.Duration(); got != tc.want {
			t.Errorf("%q.Duration(): got %v, want %v", tc.f, got, tc.want)
		}
	}
}

func TestEndpointDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { ts := now.Add(-d); return &ts }

	cases := []struct {
		name        string
		lastChecked *time.Time
		freq        Frequency
		want        bool
	}{
		{"never checked", nil, Every5Min, true},
		{"just checked", at(time.Minute), Every5Min, false},
		{"exactly one interval", at(5 * time.Minute), Every5Min, true},
		{"overdue", at(2 * time.Hour), Every1Hour, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep := &Endpoint{CheckFrequency: tc.freq, LastChecked: tc.lastChecked}
			if got := ep.Due(now); got != tc.want {
				t.Errorf("Due: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEndpointApplyCheck(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ep := &Endpoint{ID: "ep"}

	ep.ApplyCheck(&Check{Timestamp: t0, ErrorType: ErrorServer})
	ep.ApplyCheck(&Check{Timestamp: t0.Add(time.Minute), ErrorType: ErrorTimeout})
	if ep.ConsecutiveFailures != 2 || ep.LastFailureAt == nil || !ep.LastFailureAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("after two failures: failures=%d lastFailure=%v", ep.ConsecutiveFailures, ep.LastFailureAt)
	}

	ep.ApplyCheck(&Check{Timestamp: t0.Add(2 * time.Minute), Success: true, ResponseBody: `{"id":1}`})
	if ep.ConsecutiveFailures != 0 || ep.LastSuccessAt == nil || !ep.LastChecked.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("after success: %+v", ep)
	}
	if ep.BaselineSchema == nil || ep.BaselineSchema.Properties["id"].Type != KindNumber {
		t.Fatalf("BaselineSchema: got %+v", ep.BaselineSchema)
	}

	ep.ApplyCheck(&Check{Timestamp: t0.Add(3 * time.Minute), Success: true, ResponseBody: `{"other":"x"}`})
	if _, ok := ep.BaselineSchema.Properties["other"]; ok {
		t.Error("baseline schema replaced by a later success")
	}
}

func TestEndpointCopyRuntime(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := &Endpoint{ID: "ep", URL: "https://old.example.com", IsActive: true, ConsecutiveFailures: 3, LastChecked: &at, CreatedAt: at}
	cfg := &Endpoint{ID: "ep", URL: "https://new.example.com", IsActive: false}

	cfg.CopyRuntime(stored)
	if cfg.URL != "https://new.example.com" || cfg.IsActive {
		t.Errorf("config fields overwritten: %+v", cfg)
	}
	if cfg.ConsecutiveFailures != 3 || cfg.LastChecked == nil || !cfg.CreatedAt.Equal(at) {
		t.Errorf("runtime fields not copied: %+v", cfg)
	}
}

func TestAnomalyTypeValues(t *testing.T) {
	cases := map[AnomalyType]string{
		AnomalyDowntime:      "downtime",
		AnomalyResponseSpike: "response_time_spike",
		AnomalySchemaDrift:   "schema_drift",
		AnomalyErrorSpike:    "error_spike",
	}
	for got, want := range cases {
		if string(got) != want {
			t.Errorf("AnomalyType: got %q, want %q", got, want)
		}
	}
}

func TestInferSchema_Object(t *testing.T) {
	s, ok := SchemaFromBody(`{"id":1,"name":"a","tags":["x"],"meta":null,"ok":true,"empty":[]}`)
	if !ok {
		t.Fatal("SchemaFromBody: expected ok")
	}
	if s.Type != KindObject {
		t.Fatalf("Type: got %q, want object", s.Type)
	}
	want := map[string]SchemaKind{
		"id": KindNumber, "name": KindString, "tags": KindArray,
		"meta": KindNull, "ok": KindBoolean, "empty": KindArray,
	}
	for k, kind := range want {
		if got := s.Properties[k].Type; got != kind {
			t.Errorf("%s: got %q, want %q", k, got, kind)
		}
	}
	if len(s.Required) != len(want) {
		t.Errorf("Required: got %v, want all %d keys", s.Required, len(want))
	}
	if s.Properties["tags"].Items == nil || s.Properties["tags"].Items.Type != KindString {
		t.Errorf("tags items: got %+v, want string", s.Properties["tags"].Items)
	}
	if s.Properties["empty"].Items != nil {
		t.Errorf("empty array items: got %+v, want nil", s.Properties["empty"].Items)
	}
}

func TestSchemaFromBody_Rejects(t *testing.T) {
	for _, body := range []string{"", "not json", `{"_truncated":true,"_originalSize":5000000}`} {
		if _, ok := SchemaFromBody(body); ok {
			t.Errorf("SchemaFromBody(%q): expected not ok", body)
		}
	}
}
