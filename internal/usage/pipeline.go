// Package usage normalizes request outcomes into canonical usage events and
// keeps them in a bounded in-process log that the analytics engine reads.
// Events are deduplicated by (apiId, requestId) before they reach the log or
// any sink, so a replayed payment can never be billed twice.
package usage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

const (
	// DefaultMaxEvents bounds the in-process log
	DefaultMaxEvents = 5000
	// HardMaxEvents caps any configured bound
	HardMaxEvents = 20000
)

// Sink receives each accepted event, best-effort. Sink failures are logged
// and never block or fail the request path.
type Sink interface {
	Publish(ctx context.Context, event *models.UsageEvent) error
	Name() string
}

// Pipeline is the append-only usage event log
type Pipeline struct {
	mu        sync.Mutex
	events    []models.UsageEvent
	seen      map[string]struct{}
	maxEvents int
	sinks     []Sink
	logger    *logrus.Logger
}

// NewPipeline creates a pipeline bounded to maxEvents (0 means default)
func NewPipeline(maxEvents int, logger *logrus.Logger, sinks ...Sink) *Pipeline {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxEvents > HardMaxEvents {
		maxEvents = HardMaxEvents
	}
	return &Pipeline{
		seen:      make(map[string]struct{}),
		maxEvents: maxEvents,
		sinks:     sinks,
		logger:    logger,
	}
}

// Append records one event. Returns false when the (apiId, requestId) pair
// was already recorded; duplicates are dropped before aggregation and sinks.
func (p *Pipeline) Append(ctx context.Context, event models.UsageEvent) bool {
	key := event.APIID + "\x00" + event.RequestID

	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"api_id":     event.APIID,
				"request_id": event.RequestID,
			}).Debug("duplicate usage event dropped")
		}
		return false
	}
	p.seen[key] = struct{}{}
	p.events = append(p.events, event)
	if len(p.events) > p.maxEvents {
		evicted := p.events[:len(p.events)-p.maxEvents]
		for _, old := range evicted {
			delete(p.seen, old.APIID+"\x00"+old.RequestID)
		}
		p.events = append([]models.UsageEvent(nil), p.events[len(p.events)-p.maxEvents:]...)
	}
	p.mu.Unlock()

	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, &event); err != nil && p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"sink":       sink.Name(),
				"request_id": event.RequestID,
				"error":      err.Error(),
			}).Warn("usage sink publish failed")
		}
	}
	return true
}

// Events returns the most recent events, newest last. limit<=0 returns all.
func (p *Pipeline) Events(limit int) []models.UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.UsageEvent, n)
	copy(out, p.events[len(p.events)-n:])
	return out
}

// Len returns the number of retained events
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}
