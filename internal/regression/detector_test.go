package regression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/narrative"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

var now = time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, narrative.Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

// seed writes n successful checks evenly spread over [from, to) whose
// response times alternate mean-spread and mean+spread.
func seed(t *testing.T, st store.Store, from, to time.Time, n int, mean, spread int64) {
	t.Helper()
	step := to.Sub(from) / time.Duration(n)
	for i := 0; i < n; i++ {
		ms := mean + spread
		if i%2 == 0 {
			ms = mean - spread
		}
		require.NoError(t, st.AddCheck(context.Background(), &types.Check{
			ID:           fmt.Sprintf("%s-%d", from.Format("0102T15"), i),
			EndpointID:   "ep1",
			Timestamp:    from.Add(time.Duration(i) * step),
			ResponseTime: ms,
			Success:      true,
		}))
	}
}

func setup(t *testing.T, baseN int, baseMean int64, curN int, curMean int64) (*Detector, store.Store, *fakeNotifier) {
	t.Helper()
	st := store.NewMemory(30 * 24 * time.Hour)
	seed(t, st, now.Add(-7*24*time.Hour+time.Hour), now.Add(-25*time.Hour), baseN, baseMean, 20)
	seed(t, st, now.Add(-23*time.Hour), now.Add(-time.Minute), curN, curMean, 25)

	n := &fakeNotifier{}
	d := New(st, narrative.Template{}, n)
	d.now = func() time.Time { return now }
	return d, st, n
}

func endpoint() *types.Endpoint {
	return &types.Endpoint{ID: "ep1", UserID: "u1", Name: "search", URL: "https://api.example.com/search"}
}

func TestDetect_FlagsDegradation(t *testing.T) {
	d, st, n := setup(t, 50, 200, 30, 260)

	reg, err := d.Detect(context.Background(), endpoint())
	require.NoError(t, err)
	require.NotNil(t, reg)

	assert.InDelta(t, 30.0, reg.DegradationPercent, 1e-9)
	assert.Less(t, reg.PValue, SignificanceLevel)
	assert.InDelta(t, (1-reg.PValue)*100, reg.ConfidenceLevel, 1e-9)
	assert.Greater(t, reg.TStatistic, 0.0)
	assert.Equal(t, 50, reg.Baseline.SampleSize)
	assert.Equal(t, 30, reg.Current.SampleSize)
	assert.Equal(t, types.RegressionActive, reg.Status)
	assert.NotEmpty(t, reg.Diagnosis)
	assert.True(t, reg.Current.End.Equal(now))

	saved, err := st.ListRegressions(context.Background(), "ep1")
	require.NoError(t, err)
	assert.Len(t, saved, 1)

	require.Len(t, n.got, 1)
	assert.Equal(t, types.SeverityHigh, n.got[0].Severity)
	assert.Equal(t, notify.KindRegression, n.got[0].Kind)
}

func TestDetect_ReturnsExistingOpenRegression(t *testing.T) {
	d, st, n := setup(t, 50, 200, 30, 260)
	ctx := context.Background()

	first, err := d.Detect(ctx, endpoint())
	require.NoError(t, err)
	second, err := d.Detect(ctx, endpoint())
	require.NoError(t, err)

	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	saved, _ := st.ListRegressions(ctx, "ep1")
	assert.Len(t, saved, 1)
	assert.Len(t, n.got, 1, "duplicate detection must not notify again")
}

func TestDetect_CriticalAboveFiftyPercent(t *testing.T) {
	d, _, n := setup(t, 50, 200, 30, 320)

	reg, err := d.Detect(context.Background(), endpoint())
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Len(t, n.got, 1)
	assert.Equal(t, types.SeverityCritical, n.got[0].Severity)
}

func TestDetect_NoRegression(t *testing.T) {
	cases := []struct {
		name        string
		baseN, curN int
		curMean     int64
	}{
		{"small degradation", 50, 30, 220},
		{"faster", 50, 30, 150},
		{"too few current samples", 50, MinSamples - 1, 400},
		{"too few baseline samples", MinSamples - 1, 30, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _, n := setup(t, tc.baseN, 200, tc.curN, tc.curMean)
			reg, err := d.Detect(context.Background(), endpoint())
			require.NoError(t, err)
			assert.Nil(t, reg)
			assert.Empty(t, n.got)
		})
	}
}

func TestDetect_IgnoresFailedChecks(t *testing.T) {
	d, st, _ := setup(t, 50, 200, MinSamples-1, 400)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AddCheck(context.Background(), &types.Check{
			ID:           fmt.Sprintf("fail-%d", i),
			EndpointID:   "ep1",
			Timestamp:    now.Add(-time.Duration(i+1) * time.Hour),
			ResponseTime: 30000,
			ErrorType:    types.ErrorTimeout,
		}))
	}

	reg, err := d.Detect(context.Background(), endpoint())
	require.NoError(t, err)
	assert.Nil(t, reg, "failed checks must not count toward the current window")
}

func TestDetect_FallbackDiagnosis(t *testing.T) {
	d, _, _ := setup(t, 50, 200, 30, 260)
	d.gen = failingGenerator{}

	reg, err := d.Detect(context.Background(), endpoint())
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, narrative.FallbackDiagnosis, reg.Diagnosis)
}

func TestEvaluate_ZeroBaselineMean(t *testing.T) {
	res := Evaluate(make([]float64, 20), []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.Zero(t, res.DegradationPercent)
	assert.False(t, res.Regressed())
}

func TestNotificationSeverity(t *testing.T) {
	assert.Equal(t, types.SeverityHigh, NotificationSeverity(20))
	assert.Equal(t, types.SeverityHigh, NotificationSeverity(50))
	assert.Equal(t, types.SeverityCritical, NotificationSeverity(50.1))
}
