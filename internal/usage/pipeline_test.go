package usage

import (
	"context"
	"fmt"
	"testing"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

func event(apiID, requestID string) models.UsageEvent {
	return models.UsageEvent{
		TimestampMs: 1700000000000,
		RequestID:   requestID,
		TenantID:    "t1",
		APIID:       apiID,
		Endpoint:    "weather",
		Status:      200,
		Countable:   true,
		Lifecycle:   models.LifecycleServed,
	}
}

func TestAppendDeduplicates(t *testing.T) {
	p := NewPipeline(0, nil)
	ctx := context.Background()

	if !p.Append(ctx, event("a", "r1")) {
		t.Fatal("first append should be accepted")
	}
	if p.Append(ctx, event("a", "r1")) {
		t.Fatal("duplicate (apiId, requestId) must be dropped")
	}
	// Same request id on a different api is a distinct fact
	if !p.Append(ctx, event("b", "r1")) {
		t.Fatal("different apiId should be accepted")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", p.Len())
	}
}

func TestBoundedLogEviction(t *testing.T) {
	p := NewPipeline(10, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		p.Append(ctx, event("a", fmt.Sprintf("r%d", i)))
	}
	if p.Len() != 10 {
		t.Fatalf("expected bound of 10, got %d", p.Len())
	}

	events := p.Events(0)
	if events[0].RequestID != "r15" || events[9].RequestID != "r24" {
		t.Fatalf("expected most recent events retained, got %s..%s", events[0].RequestID, events[9].RequestID)
	}

	// Evicted ids may legitimately recur once they fall out of the log
	if !p.Append(ctx, event("a", "r0")) {
		t.Fatal("evicted event id should be appendable again")
	}
}

func TestMaxEventsCapped(t *testing.T) {
	p := NewPipeline(1_000_000, nil)
	if p.maxEvents != HardMaxEvents {
		t.Fatalf("expected cap %d, got %d", HardMaxEvents, p.maxEvents)
	}
	p = NewPipeline(0, nil)
	if p.maxEvents != DefaultMaxEvents {
		t.Fatalf("expected default %d, got %d", DefaultMaxEvents, p.maxEvents)
	}
}

func TestEventsLimit(t *testing.T) {
	p := NewPipeline(0, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.Append(ctx, event("a", fmt.Sprintf("r%d", i)))
	}

	events := p.Events(2)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].RequestID != "r4" {
		t.Fatalf("expected newest event last, got %s", events[1].RequestID)
	}
}

type recordingSink struct {
	events []string
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, event *models.UsageEvent) error {
	if s.fail {
		return fmt.Errorf("sink down")
	}
	s.events = append(s.events, event.RequestID)
	return nil
}

func TestSinksReceiveAcceptedEventsOnly(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(0, nil, sink)
	ctx := context.Background()

	p.Append(ctx, event("a", "r1"))
	p.Append(ctx, event("a", "r1"))
	p.Append(ctx, event("a", "r2"))

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 sink publishes, got %d", len(sink.events))
	}
}

func TestSinkFailureDoesNotBlockAppend(t *testing.T) {
	p := NewPipeline(0, nil, &recordingSink{fail: true})
	if !p.Append(context.Background(), event("a", "r1")) {
		t.Fatal("append must succeed despite sink failure")
	}
	if p.Len() != 1 {
		t.Fatalf("event should still be in the log, got %d", p.Len())
	}
}
