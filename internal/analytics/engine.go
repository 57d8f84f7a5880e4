package analytics

import (
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferdiboxman/402claw-sub000/internal/usage"
)

// Engine serves window snapshots over the usage pipeline. Snapshots are
// recomputed on every read; singleflight collapses concurrent requests for
// the same window so a burst of dashboard reads costs one aggregation.
type Engine struct {
	pipeline *usage.Pipeline
	group    singleflight.Group
	now      func() time.Time
}

// NewEngine creates an analytics engine over the pipeline
func NewEngine(pipeline *usage.Pipeline) *Engine {
	return &Engine{pipeline: pipeline, now: time.Now}
}

// Snapshot builds the snapshot for one window
func (e *Engine) Snapshot(window string, topN int) (WindowSnapshot, error) {
	if !ValidWindow(window) {
		return WindowSnapshot{}, fmt.Errorf("unsupported window %q", window)
	}

	key := fmt.Sprintf("%s:%d", window, topN)
	v, err, _ := e.group.Do(key, func() (any, error) {
		events := e.pipeline.Events(0)
		return BuildWindowSnapshot(events, window, e.now(), topN), nil
	})
	if err != nil {
		return WindowSnapshot{}, err
	}
	return v.(WindowSnapshot), nil
}

// Snapshots builds all three windows
func (e *Engine) Snapshots(topN int) (map[string]WindowSnapshot, error) {
	out := make(map[string]WindowSnapshot, 3)
	for _, w := range []string{WindowToday, WindowWeek, WindowOverall} {
		snap, err := e.Snapshot(w, topN)
		if err != nil {
			return nil, err
		}
		out[w] = snap
	}
	return out, nil
}
