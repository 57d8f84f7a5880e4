// Package analytics derives marketplace trending snapshots from the usage
// event log. Snapshots are pure functions of the event slice and "now":
// nothing here is cached or incrementally maintained, so there is no state
// to keep consistent with the log.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
	"github.com/ferdiboxman/402claw-sub000/pkg/money"
)

// Window names accepted by the analytics surface
const (
	WindowToday   = "today"
	WindowWeek    = "week"
	WindowOverall = "overall"
)

// ValidWindow reports whether name is a supported window
func ValidWindow(name string) bool {
	return name == WindowToday || name == WindowWeek || name == WindowOverall
}

// APIStats is one API's aggregate within a window
type APIStats struct {
	APIID           string  `json:"apiId"`
	Endpoint        string  `json:"endpoint"`
	Owner           string  `json:"owner"`
	Directory       string  `json:"directory"`
	Calls           int     `json:"calls"`
	RevenueUSD      float64 `json:"revenueUsd"`
	UniqueCallers   int     `json:"uniqueCallers"`
	ErrorRatePct    float64 `json:"errorRatePct"`
	UptimePct       float64 `json:"uptimePct"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	DiversityRatio  float64 `json:"diversityRatio"`
	TopCallerShare  float64 `json:"topCallerShare"`
	MaxHourShare    float64 `json:"maxHourShare"`
	TrendingScore   float64 `json:"trendingScore"`
}

// DirectoryStats is a directory's aggregate within a window
type DirectoryStats struct {
	Name       string  `json:"name"`
	Calls      int     `json:"calls"`
	RevenueUSD float64 `json:"revenueUsd"`
	APIs       int     `json:"apis"`
}

// HeroStats summarizes the whole window
type HeroStats struct {
	TotalCalls      int     `json:"totalCalls"`
	TotalRevenueUSD float64 `json:"totalRevenueUsd"`
	ActiveAPIs      int     `json:"activeApis"`
	UniqueCallers   int     `json:"uniqueCallers"`
}

// WindowSnapshot is the derived view for one window. Never persisted.
type WindowSnapshot struct {
	Window      string           `json:"window"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Hero        HeroStats        `json:"hero"`
	TopAPIs     []APIStats       `json:"topApis"`
	AllAPIs     []APIStats       `json:"allApis"`
	Directories []DirectoryStats `json:"directories"`
}

type apiAccumulator struct {
	apiID        string
	endpoint     string
	owner        string
	directory    string
	calls        int
	revenueUSD   float64
	errors       int
	latencies    []float64
	callerCounts map[string]int
	hourCounts   [24]int
}

// BuildWindowSnapshot filters events to the window, aggregates per API and
// per directory, and ranks APIs by trending score. topN bounds TopAPIs;
// topN<=0 defaults to 10.
func BuildWindowSnapshot(events []models.UsageEvent, window string, now time.Time, topN int) WindowSnapshot {
	if topN <= 0 {
		topN = 10
	}

	start := windowStart(window, now)
	byAPI := make(map[string]*apiAccumulator)
	globalCallers := make(map[string]struct{})

	for i := range events {
		e := &events[i]
		if !e.Countable {
			continue
		}
		ts := time.UnixMilli(e.TimestampMs).UTC()
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if ts.After(now) {
			continue
		}

		acc, ok := byAPI[e.APIID]
		if !ok {
			acc = &apiAccumulator{
				apiID:        e.APIID,
				endpoint:     e.Endpoint,
				owner:        e.Owner,
				directory:    e.Directory,
				callerCounts: make(map[string]int),
			}
			byAPI[e.APIID] = acc
		}

		acc.calls++
		acc.revenueUSD += e.BilledUSD
		acc.latencies = append(acc.latencies, float64(e.LatencyMs))
		if e.IsError {
			acc.errors++
		}
		if e.CallerID != "" {
			acc.callerCounts[e.CallerID]++
			globalCallers[e.CallerID] = struct{}{}
		}
		acc.hourCounts[ts.Hour()]++
	}

	all := make([]APIStats, 0, len(byAPI))
	hero := HeroStats{UniqueCallers: len(globalCallers)}
	dirAcc := make(map[string]*DirectoryStats)

	for _, acc := range byAPI {
		stats := acc.finalize()
		all = append(all, stats)

		hero.TotalCalls += stats.Calls
		hero.TotalRevenueUSD += stats.RevenueUSD
		hero.ActiveAPIs++

		dirName := stats.Directory
		if dirName == "" {
			dirName = "uncategorized"
		}
		d, ok := dirAcc[dirName]
		if !ok {
			d = &DirectoryStats{Name: dirName}
			dirAcc[dirName] = d
		}
		d.Calls += stats.Calls
		d.RevenueUSD = money.Round2(d.RevenueUSD + stats.RevenueUSD)
		d.APIs++
	}
	hero.TotalRevenueUSD = money.Round2(hero.TotalRevenueUSD)

	sortAPIs(all)

	directories := make([]DirectoryStats, 0, len(dirAcc))
	for _, d := range dirAcc {
		directories = append(directories, *d)
	}
	sort.Slice(directories, func(i, j int) bool {
		if directories[i].Calls != directories[j].Calls {
			return directories[i].Calls > directories[j].Calls
		}
		if directories[i].RevenueUSD != directories[j].RevenueUSD {
			return directories[i].RevenueUSD > directories[j].RevenueUSD
		}
		return directories[i].Name < directories[j].Name
	})

	top := all
	if len(top) > topN {
		top = top[:topN]
	}
	topCopy := make([]APIStats, len(top))
	copy(topCopy, top)

	return WindowSnapshot{
		Window:      window,
		GeneratedAt: now,
		Hero:        hero,
		TopAPIs:     topCopy,
		AllAPIs:     all,
		Directories: directories,
	}
}

// windowStart returns the inclusive lower bound for a window, zero for overall
func windowStart(window string, now time.Time) time.Time {
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	switch window {
	case WindowToday:
		return dayStart
	case WindowWeek:
		return dayStart.AddDate(0, 0, -6)
	default:
		return time.Time{}
	}
}

func (acc *apiAccumulator) finalize() APIStats {
	calls := float64(acc.calls)

	errorRatePct := 100 * float64(acc.errors) / calls

	var latencySum float64
	for _, l := range acc.latencies {
		latencySum += l
	}

	maxCaller := 0
	for _, c := range acc.callerCounts {
		if c > maxCaller {
			maxCaller = c
		}
	}
	maxHour := 0
	for _, c := range acc.hourCounts {
		if c > maxHour {
			maxHour = c
		}
	}

	stats := APIStats{
		APIID:          acc.apiID,
		Endpoint:       acc.endpoint,
		Owner:          acc.owner,
		Directory:      acc.directory,
		Calls:          acc.calls,
		RevenueUSD:     money.Round2(acc.revenueUSD),
		UniqueCallers:  len(acc.callerCounts),
		ErrorRatePct:   errorRatePct,
		UptimePct:      100 - errorRatePct,
		AvgLatencyMs:   latencySum / calls,
		P95LatencyMs:   nearestRankP95(acc.latencies),
		DiversityRatio: float64(len(acc.callerCounts)) / calls,
		TopCallerShare: float64(maxCaller) / calls,
		MaxHourShare:   float64(maxHour) / calls,
	}
	stats.TrendingScore = trendingScore(stats)
	return stats
}

// trendingScore is the versioned anti-spam ranking policy. The constants are
// fixed policy values; changing them changes marketplace ordering.
func trendingScore(s APIStats) float64 {
	score := 40*math.Log10(float64(s.Calls)+1) +
		25*math.Log10(s.RevenueUSD*100+1) +
		20*math.Log10(float64(s.UniqueCallers)+1) +
		math.Max(0, 10-s.ErrorRatePct*0.7)

	score -= clamp((0.18-s.DiversityRatio)*120, 0, 20)
	score -= clamp((s.TopCallerShare-0.45)*80, 0, 25)
	score -= clamp((s.MaxHourShare-0.4)*70, 0, 20)
	score -= clamp((s.P95LatencyMs-800)/75, 0, 15)

	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// nearestRankP95 computes the 95th percentile by the nearest-rank method
func nearestRankP95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(math.Ceil(0.95 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// sortAPIs applies the deterministic ranking order: score desc, calls desc,
// revenue desc, error rate asc, endpoint asc.
func sortAPIs(apis []APIStats) {
	sort.Slice(apis, func(i, j int) bool {
		a, b := apis[i], apis[j]
		if a.TrendingScore != b.TrendingScore {
			return a.TrendingScore > b.TrendingScore
		}
		if a.Calls != b.Calls {
			return a.Calls > b.Calls
		}
		if a.RevenueUSD != b.RevenueUSD {
			return a.RevenueUSD > b.RevenueUSD
		}
		if a.ErrorRatePct != b.ErrorRatePct {
			return a.ErrorRatePct < b.ErrorRatePct
		}
		return a.Endpoint < b.Endpoint
	})
}
