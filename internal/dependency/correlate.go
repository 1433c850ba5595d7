package dependency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Correlation parameters.
const (
	CorrelationLookback = 7 * 24 * time.Hour
	CorrelationWindow   = 5 * time.Minute
	MinOccurrences      = 2
)

// Candidate is a suggested dependency: failures of Source tend to follow
// failures of Target.
type Candidate struct {
	Source          string        `json:"source"`
	Target          string        `json:"target"`
	Occurrences     int           `json:"occurrences"`
	AvgLeadTime     time.Duration `json:"avgLeadTime"`
	Confidence      float64       `json:"confidence"`
	AlreadyDeclared bool          `json:"alreadyDeclared"`
}

// DetectDependencies correlates the last seven days of failures across
// userID's endpoints. For each failure on A and each other endpoint B, the
// nearest failure of B that precedes it by at most CorrelationWindow counts
// as one occurrence of "A depends on B". Pairs seen at least MinOccurrences
// times are returned, most frequent first.
func (s *Service) DetectDependencies(ctx context.Context, userID string) ([]Candidate, error) {
	eps, err := s.store.ListUserEndpoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list endpoints for %s: %w", userID, err)
	}
	if len(eps) < 2 {
		return []Candidate{}, nil
	}
	ids := make([]string, len(eps))
	for i, ep := range eps {
		ids[i] = ep.ID
	}

	failures, err := s.store.FailedChecksSince(ctx, ids, s.now().Add(-CorrelationLookback))
	if err != nil {
		return nil, fmt.Errorf("dependency: load failures for %s: %w", userID, err)
	}
	records, err := s.store.ListDependencies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list for %s: %w", userID, err)
	}

	out := Correlate(failures)
	declared := declaredEdges(records)
	for i := range out {
		out[i].AlreadyDeclared = declared[[2]string{out[i].Source, out[i].Target}]
	}
	return out, nil
}

// Correlate runs the failure correlation over failures, which may be in any
// order.
func Correlate(failures []*types.Check) []Candidate {
	byEndpoint := make(map[string][]time.Time)
	for _, c := range failures {
		byEndpoint[c.EndpointID] = append(byEndpoint[c.EndpointID], c.Timestamp)
	}
	endpoints := make([]string, 0, len(byEndpoint))
	for id, ts := range byEndpoint {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		endpoints = append(endpoints, id)
	}
	sort.Strings(endpoints)

	type tally struct {
		count int
		lead  time.Duration
	}
	pairs := make(map[[2]string]*tally)

	for _, a := range endpoints {
		for _, at := range byEndpoint[a] {
			for _, b := range endpoints {
				if b == a {
					continue
				}
				lead, ok := precedingWithin(byEndpoint[b], at, CorrelationWindow)
				if !ok {
					continue
				}
				key := [2]string{a, b}
				t := pairs[key]
				if t == nil {
					t = &tally{}
					pairs[key] = t
				}
				t.count++
				t.lead += lead
			}
		}
	}

	out := []Candidate{}
	for key, t := range pairs {
		if t.count < MinOccurrences {
			continue
		}
		out = append(out, Candidate{
			Source:      key[0],
			Target:      key[1],
			Occurrences: t.count,
			AvgLeadTime: t.lead / time.Duration(t.count),
			Confidence:  float64(t.count) / float64(len(byEndpoint[key[0]])),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// precedingWithin finds the latest time in sorted ts strictly before at and
// no more than window earlier, returning the gap.
func precedingWithin(ts []time.Time, at time.Time, window time.Duration) (time.Duration, bool) {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(at) })
	if i == 0 {
		return 0, false
	}
	lead := at.Sub(ts[i-1])
	if lead > window {
		return 0, false
	}
	return lead, true
}

func declaredEdges(records []*types.DependencyRecord) map[[2]string]bool {
	out := make(map[[2]string]bool)
	for _, r := range records {
		for _, d := range r.DependsOn {
			out[[2]string{r.EndpointID, d.EndpointID}] = true
		}
	}
	return out
}
