// Package kafka consumes queued registration events from a Kafka topic and
// applies the retry and parking policy to each outcome.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/platform/tracing"
)

// Dispatcher turns one decoded event into its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *queue.Event) *queue.Outcome
}

// Parker stores events that leave the live queue.
type Parker interface {
	Park(ctx context.Context, entry *queue.DeadLetter) (string, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxAttempts bounds how often an outcome with only retryable fatal
	// problems is re-run before the event is parked.
	MaxAttempts int
	// Backoff is the wait before the first re-run; it doubles each time.
	Backoff time.Duration
}

type Consumer struct {
	reader      messageReader
	dispatcher  Dispatcher
	parker      Parker
	logger      zerolog.Logger
	maxAttempts int
	backoff     time.Duration
	ready       atomic.Bool
}

func NewConsumer(cfg ConsumerConfig, d Dispatcher, p Parker, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(reader, cfg, d, p, logger.With().Str("topic", cfg.Topic).Logger())
}

func newConsumer(r messageReader, cfg ConsumerConfig, d Dispatcher, p Parker, logger zerolog.Logger) *Consumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		reader:      r,
		dispatcher:  d,
		parker:      p,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

// Ready reports whether the consume loop is running.
func (c *Consumer) Ready() bool {
	return c.ready.Load()
}

// Run consumes until ctx is cancelled. It returns an error only when an
// event can neither be processed nor parked; the offset is then left
// uncommitted so the event is redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.ready.Store(true)
	defer c.ready.Store(false)
	c.logger.Info().Msg("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info().Msg("kafka consumer stopping")
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to fetch message")
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	ctx = tracing.Extract(ctx, headers)
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.process")
	defer span.End()

	log := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		log = log.With().Str("trace_id", traceID).Logger()
	}

	ev, err := queue.DecodeEvent(msg.Value)
	if err != nil {
		log.Warn().Err(err).Msg("invalid event envelope")
		entry := c.deadLetter(msg, nil, queue.ParkInvalidEnvelope, 0)
		entry.Message = err.Error()
		if err := c.park(ctx, entry); err != nil {
			return err
		}
		c.commit(ctx, log, msg)
		return nil
	}
	log = log.With().Str("event_id", ev.ID).Str("discriminator", ev.Discriminator).Logger()

	out, attempts, err := c.dispatchWithRetry(ctx, log, ev)
	if err != nil {
		return err
	}

	if !out.Succeeded() {
		reason := parkReason(out)
		entry := c.deadLetter(msg, out, reason, attempts)
		if oerr := out.Err(); oerr != nil {
			entry.Message = oerr.Error()
		}
		if err := c.park(ctx, entry); err != nil {
			return err
		}
	}

	log.Info().
		Str("state", string(out.State)).
		Int("problems", len(out.Problems)).
		Int("attempts", attempts).
		Bool("replayed", out.Replayed).
		Msg("event processed")
	c.commit(ctx, log, msg)
	return nil
}

// dispatchWithRetry re-runs outcomes that failed only for transient reasons.
func (c *Consumer) dispatchWithRetry(ctx context.Context, log zerolog.Logger, ev *queue.Event) (*queue.Outcome, int, error) {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		out := c.dispatcher.Dispatch(ctx, ev)
		if !out.Retryable() || attempt >= c.maxAttempts {
			return out, attempt, nil
		}

		log.Warn().Err(out.Err()).Int("attempt", attempt).Dur("delay", delay).Msg("retrying event")
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func parkReason(out *queue.Outcome) queue.ParkReason {
	switch {
	case out.Retryable():
		return queue.ParkRetriesExhausted
	case out.HasFatal():
		return queue.ParkRejected
	default:
		return queue.ParkReported
	}
}

func (c *Consumer) deadLetter(msg kafka.Message, out *queue.Outcome, reason queue.ParkReason, attempts int) *queue.DeadLetter {
	entry := &queue.DeadLetter{
		Reason:    reason,
		Raw:       rawJSON(msg.Value),
		Attempts:  attempts,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if out != nil {
		entry.EventID = out.EventID
		entry.Discriminator = out.Discriminator
		entry.Problems = out.Problems
	}
	return entry
}

// rawJSON keeps a valid JSON message as is and quotes anything else so the
// entry still marshals.
func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func (c *Consumer) park(ctx context.Context, entry *queue.DeadLetter) error {
	if _, err := c.parker.Park(ctx, entry); err != nil {
		return fmt.Errorf("park event %s: %w", entry.EventID, err)
	}
	return nil
}

func (c *Consumer) commit(ctx context.Context, log zerolog.Logger, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("failed to commit message")
	}
}
