package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubGenerator struct {
	text string
	err  error
}

func (s stubGenerator) Generate(context.Context, Prompt) (string, error) { return s.text, s.err }

func TestDescribe(t *testing.T) {
	p := Prompt{Task: "Explain", Endpoint: "checkout"}
	cases := []struct {
		name string
		g    Generator
		want string
	}{
		{"nil generator", nil, FallbackInsight},
		{"error", stubGenerator{err: errors.New("down")}, FallbackInsight},
		{"blank", stubGenerator{text: "   "}, FallbackInsight},
		{"ok", stubGenerator{text: " Upstream slowed. "}, "Upstream slowed."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Describe(context.Background(), tc.g, p, FallbackInsight); got != tc.want {
				t.Errorf("Describe: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPromptText_SortedFacts(t *testing.T) {
	p := Prompt{Task: "Explain", URL: "https://x", Facts: map[string]string{"z": "1", "a": "2"}}
	got := p.Text()
	if strings.Index(got, "a: 2") > strings.Index(got, "z: 1") {
		t.Errorf("facts not sorted:\n%s", got)
	}
}

func TestTemplate(t *testing.T) {
	got, err := Template{}.Generate(context.Background(), Prompt{
		Task:     "response time spike",
		Endpoint: "checkout",
		Facts:    map[string]string{"current_ms": "900", "baseline_ms": "200"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := "checkout: response time spike; baseline ms 200, current ms 900."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"model %s says hi"}}]}`, req.Model)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(HTTPConfig{URL: srv.URL, APIKey: "k", Model: "m1"})
	got, err := g.Generate(context.Background(), Prompt{Task: "hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "model m1 says hi" {
		t.Errorf("got %q", got)
	}

	bad := NewHTTPGenerator(HTTPConfig{URL: srv.URL})
	if _, err := bad.Generate(context.Background(), Prompt{Task: "hello"}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestHTTPGenerator_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(HTTPConfig{URL: srv.URL, RatePerMinute: 1})
	if _, err := g.Generate(context.Background(), Prompt{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.Generate(context.Background(), Prompt{}); err == nil {
		t.Error("second call within a minute: expected rate limit error")
	}
}

func TestHTTPGenerator_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	g := NewHTTPGenerator(HTTPConfig{URL: srv.URL, Timeout: 30 * time.Millisecond})
	if _, err := g.Generate(context.Background(), Prompt{}); err == nil {
		t.Error("expected timeout error")
	}
}
