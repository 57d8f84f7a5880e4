package analytics

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func mkEvent(apiID, caller string, at time.Time, latencyMs int64, isError bool) models.UsageEvent {
	return models.UsageEvent{
		TimestampMs: at.UnixMilli(),
		RequestID:   fmt.Sprintf("%s-%s-%d", apiID, caller, at.UnixNano()),
		TenantID:    apiID,
		APIID:       apiID,
		Endpoint:    apiID,
		Directory:   "data",
		CallerID:    caller,
		Status:      200,
		LatencyMs:   latencyMs,
		BilledUSD:   0.01,
		IsError:     isError,
		Billable:    true,
		Countable:   true,
		Lifecycle:   models.LifecycleSettled,
	}
}

func TestTrendingScoreKnownValue(t *testing.T) {
	// Hand-computed for a clean aggregate: 100 calls, $2.00 revenue,
	// 20 callers, no errors, flat hour distribution, fast p95.
	stats := APIStats{
		Calls:          100,
		RevenueUSD:     2.00,
		UniqueCallers:  20,
		ErrorRatePct:   0,
		DiversityRatio: 0.20,
		TopCallerShare: 0.05,
		MaxHourShare:   0.10,
		P95LatencyMs:   120,
	}

	expected := 40*math.Log10(101) + 25*math.Log10(201) + 20*math.Log10(21) + 10
	assert.InDelta(t, expected, trendingScore(stats), 1e-9)
}

func TestTrendingScorePenalties(t *testing.T) {
	base := APIStats{
		Calls:          100,
		RevenueUSD:     2.00,
		UniqueCallers:  20,
		DiversityRatio: 0.20,
		TopCallerShare: 0.05,
		MaxHourShare:   0.10,
		P95LatencyMs:   120,
	}

	spam := base
	spam.UniqueCallers = 1
	spam.DiversityRatio = 0.01
	spam.TopCallerShare = 1.0
	spam.MaxHourShare = 1.0
	assert.Less(t, trendingScore(spam), trendingScore(base))

	slow := base
	slow.P95LatencyMs = 5000
	assert.InDelta(t, trendingScore(base)-15, trendingScore(slow), 1e-9, "latency penalty clamps at 15")

	flaky := base
	flaky.ErrorRatePct = 50
	assert.InDelta(t, trendingScore(base)-10, trendingScore(flaky), 1e-9, "quality bonus floors at 0")
}

func TestAntiSpamRanking(t *testing.T) {
	// 90 calls from a single caller on A vs 70 calls across 35 callers on B:
	// B must rank strictly above A.
	var events []models.UsageEvent
	at := testNow.Add(-time.Hour)
	for i := 0; i < 90; i++ {
		events = append(events, mkEvent("api-a", "lonely", at.Add(time.Duration(i)*time.Second), 100, false))
	}
	for i := 0; i < 70; i++ {
		caller := fmt.Sprintf("caller-%d", i%35)
		events = append(events, mkEvent("api-b", caller, at.Add(time.Duration(i)*time.Second), 100, false))
	}

	snap := BuildWindowSnapshot(events, WindowToday, testNow, 10)
	require.Len(t, snap.AllAPIs, 2)
	assert.Equal(t, "api-b", snap.AllAPIs[0].APIID, "diverse API must outrank single-caller API")
	assert.Greater(t, snap.AllAPIs[0].TrendingScore, snap.AllAPIs[1].TrendingScore)
}

func TestWindowFiltering(t *testing.T) {
	events := []models.UsageEvent{
		mkEvent("api-a", "c1", testNow.Add(-time.Hour), 100, false),           // today
		mkEvent("api-a", "c1", testNow.AddDate(0, 0, -3), 100, false),         // this week
		mkEvent("api-a", "c1", testNow.AddDate(0, 0, -30), 100, false),        // overall only
		mkEvent("api-a", "c1", testNow.Add(time.Hour), 100, false),            // future, excluded
	}

	today := BuildWindowSnapshot(events, WindowToday, testNow, 10)
	require.Len(t, today.AllAPIs, 1)
	assert.Equal(t, 1, today.AllAPIs[0].Calls)

	week := BuildWindowSnapshot(events, WindowWeek, testNow, 10)
	assert.Equal(t, 2, week.AllAPIs[0].Calls)

	overall := BuildWindowSnapshot(events, WindowOverall, testNow, 10)
	assert.Equal(t, 3, overall.AllAPIs[0].Calls)
}

func TestNonCountableEventsExcluded(t *testing.T) {
	challenge := mkEvent("api-a", "c1", testNow.Add(-time.Minute), 5, false)
	challenge.Countable = false
	challenge.Lifecycle = models.LifecycleChallenged

	snap := BuildWindowSnapshot([]models.UsageEvent{challenge}, WindowToday, testNow, 10)
	assert.Empty(t, snap.AllAPIs, "payment challenges must not influence analytics")
	assert.Equal(t, 0, snap.Hero.TotalCalls)
}

func TestNearestRankP95(t *testing.T) {
	assert.Equal(t, 0.0, nearestRankP95(nil))
	assert.Equal(t, 42.0, nearestRankP95([]float64{42}))

	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1)
	}
	assert.Equal(t, 95.0, nearestRankP95(samples))

	assert.Equal(t, 20.0, nearestRankP95([]float64{10, 20}))
}

func TestDerivedMetrics(t *testing.T) {
	at := testNow.Add(-time.Hour)
	events := []models.UsageEvent{
		mkEvent("api-a", "c1", at, 100, false),
		mkEvent("api-a", "c1", at.Add(time.Second), 200, false),
		mkEvent("api-a", "c2", at.Add(2*time.Second), 300, true),
		mkEvent("api-a", "c3", at.Add(3*time.Second), 400, false),
	}

	snap := BuildWindowSnapshot(events, WindowToday, testNow, 10)
	require.Len(t, snap.AllAPIs, 1)
	s := snap.AllAPIs[0]

	assert.Equal(t, 4, s.Calls)
	assert.Equal(t, 3, s.UniqueCallers)
	assert.InDelta(t, 25.0, s.ErrorRatePct, 1e-9)
	assert.InDelta(t, 75.0, s.UptimePct, 1e-9)
	assert.InDelta(t, 250.0, s.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 400.0, s.P95LatencyMs, 1e-9)
	assert.InDelta(t, 0.75, s.DiversityRatio, 1e-9)
	assert.InDelta(t, 0.5, s.TopCallerShare, 1e-9)
	assert.InDelta(t, 0.04, s.RevenueUSD, 1e-9)
}

func TestDirectoryAggregates(t *testing.T) {
	at := testNow.Add(-time.Hour)
	e1 := mkEvent("api-a", "c1", at, 100, false)
	e2 := mkEvent("api-b", "c2", at, 100, false)
	e2.Directory = "ml"
	e3 := mkEvent("api-c", "c3", at, 100, false)
	e3.Directory = "ml"

	snap := BuildWindowSnapshot([]models.UsageEvent{e1, e2, e3}, WindowToday, testNow, 10)
	require.Len(t, snap.Directories, 2)
	assert.Equal(t, "ml", snap.Directories[0].Name, "directory with more calls first")
	assert.Equal(t, 2, snap.Directories[0].Calls)
	assert.Equal(t, 2, snap.Directories[0].APIs)
}

func TestDeterministicTieBreak(t *testing.T) {
	at := testNow.Add(-time.Hour)
	// Two identical APIs except for endpoint name: alphabetical wins the tie
	events := []models.UsageEvent{
		mkEvent("zeta", "c1", at, 100, false),
		mkEvent("alpha", "c1", at, 100, false),
	}

	for i := 0; i < 5; i++ {
		snap := BuildWindowSnapshot(events, WindowToday, testNow, 10)
		require.Len(t, snap.AllAPIs, 2)
		assert.Equal(t, "alpha", snap.AllAPIs[0].Endpoint)
	}
}

func TestTopNBound(t *testing.T) {
	at := testNow.Add(-time.Hour)
	var events []models.UsageEvent
	for i := 0; i < 15; i++ {
		api := fmt.Sprintf("api-%02d", i)
		for j := 0; j <= i; j++ {
			events = append(events, mkEvent(api, fmt.Sprintf("c%d", j), at.Add(time.Duration(j)*time.Second), 100, false))
		}
	}

	snap := BuildWindowSnapshot(events, WindowToday, testNow, 5)
	assert.Len(t, snap.TopAPIs, 5)
	assert.Len(t, snap.AllAPIs, 15)
}
