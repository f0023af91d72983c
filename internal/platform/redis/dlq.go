package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/tracing"
)

const (
	DefaultDLQStream = "intake:dlq"

	// Oldest entries are trimmed past this length.
	DLQMaxLen = 10000
)

// DeadLetterQueue parks events on a Redis stream.
type DeadLetterQueue struct {
	client *Client
	stream string
}

func NewDeadLetterQueue(client *Client, stream string) *DeadLetterQueue {
	if stream == "" {
		stream = DefaultDLQStream
	}
	return &DeadLetterQueue{client: client, stream: stream}
}

// Park appends the entry and returns its stream id.
func (d *DeadLetterQueue) Park(ctx context.Context, entry *queue.DeadLetter) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Park")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.GetTraceID(ctx)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter: %w", err)
	}

	id, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":     string(data),
			"event_id": entry.EventID,
			"reason":   string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.client.logger.Error().Err(err).Str("event_id", entry.EventID).Msg("failed to park event")
		return "", fmt.Errorf("park event: %w", err)
	}

	metrics.DLQParked.WithLabelValues(string(entry.Reason)).Inc()
	d.client.logger.Warn().
		Str("event_id", entry.EventID).
		Str("reason", string(entry.Reason)).
		Str("stream_id", id).
		Msg("event parked")
	return id, nil
}

// List returns up to count entries, newest first.
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]queue.DeadLetter, error) {
	if count <= 0 {
		count = 100
	}

	msgs, err := d.client.rdb.XRevRangeN(ctx, d.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	entries, skipped := decodeEntries(msgs)
	for _, id := range skipped {
		d.client.logger.Warn().Str("stream_id", id).Msg("skipping unreadable dead letter")
	}
	return entries, nil
}

// decodeEntries returns the decoded entries and the ids of messages that
// could not be decoded.
func decodeEntries(msgs []redis.XMessage) ([]queue.DeadLetter, []string) {
	entries := make([]queue.DeadLetter, 0, len(msgs))
	var skipped []string
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			skipped = append(skipped, msg.ID)
			continue
		}
		var entry queue.DeadLetter
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			skipped = append(skipped, msg.ID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, skipped
}

func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.rdb.XLen(ctx, d.stream).Result()
}
