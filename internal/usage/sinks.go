package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ferdiboxman/402claw-sub000/pkg/clients"
	"github.com/ferdiboxman/402claw-sub000/pkg/database"
	"github.com/ferdiboxman/402claw-sub000/pkg/kafka"
	"github.com/ferdiboxman/402claw-sub000/pkg/logging"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// KafkaSink publishes usage events to a Kafka topic keyed by tenant so a
// tenant's events stay ordered within a partition.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaSink creates a Kafka-backed usage sink
func NewKafkaSink(producer *kafka.Producer, topic string) *KafkaSink {
	if topic == "" {
		topic = "usage_events"
	}
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, event *models.UsageEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(event.TenantID), value)
}

// ClickHouseSink writes usage events into a ClickHouse table for long-term
// analytical queries beyond the bounded in-process log. Inserts go through a
// circuit breaker so a down warehouse sheds load instead of eating a
// connection attempt per request.
type ClickHouseSink struct {
	conn    database.ClickHouseNativeConn
	table   string
	breaker *clients.CircuitBreaker
}

// NewClickHouseSink creates a ClickHouse-backed usage sink
func NewClickHouseSink(conn database.ClickHouseNativeConn, table string, logger logging.Logger) *ClickHouseSink {
	if table == "" {
		table = "usage_events"
	}
	return &ClickHouseSink{
		conn:  conn,
		table: table,
		breaker: clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
			Name:   "clickhouse-usage",
			Logger: logger,
		}),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, event *models.UsageEvent) error {
	return s.breaker.Call(ctx, func() error {
		return s.insert(ctx, event)
	})
}

func (s *ClickHouseSink) insert(ctx context.Context, event *models.UsageEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(timestamp, request_id, tenant_id, api_id, endpoint, owner, directory,
		 caller_id, status, latency_ms, price_usd, billed_usd, is_error,
		 billable, countable, lifecycle)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	return s.conn.Exec(ctx, query,
		time.UnixMilli(event.TimestampMs),
		event.RequestID,
		event.TenantID,
		event.APIID,
		event.Endpoint,
		event.Owner,
		event.Directory,
		event.CallerID,
		uint16(event.Status),
		uint32(event.LatencyMs),
		event.PriceUSD,
		event.BilledUSD,
		event.IsError,
		event.Billable,
		event.Countable,
		string(event.Lifecycle),
	)
}
