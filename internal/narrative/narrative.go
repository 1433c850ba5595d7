package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Fallback strings used when no narrative can be produced.
const (
	FallbackInsight   = "AI insight unavailable."
	FallbackDiagnosis = "AI diagnosis unavailable."
)

// Prompt is the context handed to a Generator.
type Prompt struct {
	// Task is the instruction, e.g. "Explain this response time spike".
	Task     string
	Endpoint string
	URL      string
	Facts    map[string]string
}

// Text renders p as plain lines with facts in key order.
func (p Prompt) Text() string {
	var b strings.Builder
	b.WriteString(p.Task)
	b.WriteString("\n")
	if p.Endpoint != "" {
		fmt.Fprintf(&b, "endpoint: %s\n", p.Endpoint)
	}
	if p.URL != "" {
		fmt.Fprintf(&b, "url: %s\n", p.URL)
	}
	keys := make([]string, 0, len(p.Facts))
	for k := range p.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p.Facts[k])
	}
	return b.String()
}

// Generator produces narrative text for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Describe asks g for a narrative and returns fallback on any failure.
func Describe(ctx context.Context, g Generator, p Prompt, fallback string) string {
	if g == nil {
		return fallback
	}
	text, err := g.Generate(ctx, p)
	if err != nil {
		slog.Warn("narrative: generation failed", "task", p.Task, "endpoint", p.Endpoint, "err", err)
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	return text
}

// Template is a Generator that states the prompt facts as one sentence.
type Template struct{}

func (Template) Generate(_ context.Context, p Prompt) (string, error) {
	keys := make([]string, 0, len(p.Facts))
	for k := range p.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", strings.ReplaceAll(k, "_", " "), p.Facts[k]))
	}
	name := p.Endpoint
	if name == "" {
		name = p.URL
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: %s.", name, p.Task), nil
	}
	return fmt.Sprintf("%s: %s; %s.", name, p.Task, strings.Join(parts, ", ")), nil
}
