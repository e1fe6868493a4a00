package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/academy-platform/activity/pkg/common/config"
	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer commits a message only once its handler succeeded or the message
// was forwarded to the dead-letter topic. Anything else is redelivered after
// a pause, which holds back the partition until it goes through.
type Consumer struct {
	reader     messageReader
	deadLetter messageWriter
	retryable  func(error) bool
	maxRetries int
	backoff    time.Duration
	pause      time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader:     reader,
		retryable:  func(error) bool { return false },
		maxRetries: 5,
		backoff:    time.Second,
		pause:      cfg.KafkaRedeliveryPause,
	}
}

// WithRetry makes the consumer redeliver a message to the handler, with
// linear backoff, while the handler fails with an error the predicate accepts.
func (c *Consumer) WithRetry(retryable func(error) bool, maxRetries int, backoff time.Duration) *Consumer {
	c.retryable = retryable
	c.maxRetries = maxRetries
	c.backoff = backoff
	return c
}

// WithDeadLetter forwards messages failing with a non-retryable error to
// topic instead of redelivering them.
func (c *Consumer) WithDeadLetter(topic string) *Consumer {
	if topic == "" {
		return c
	}
	cfg := config.Load()
	c.deadLetter = &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("Failed to fetch message")
				continue
			}

			var event models.Event
			if err := json.Unmarshal(message.Value, &event); err != nil {
				logger.Log.WithError(err).Error("Failed to unmarshal event")
				if err := c.forward(ctx, message, err); err != nil {
					logger.Log.WithError(err).Error("Failed to dead-letter message")
				}
				c.commit(ctx, message)
				continue
			}

			if err := c.process(ctx, handler, message, event); err != nil {
				return err
			}
			c.commit(ctx, message)
		}
	}
}

// process returns nil once the message may be committed; the only error it
// returns is the context's.
func (c *Consumer) process(ctx context.Context, handler EventHandler, message kafka.Message, event models.Event) error {
	for round := 1; ; round++ {
		err := c.handle(ctx, handler, event)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry := logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"round":    round,
		})
		if !c.retryable(err) && c.deadLetter != nil {
			ferr := c.forward(ctx, message, err)
			if ferr == nil {
				entry.Warn("Event moved to dead-letter topic")
				return nil
			}
			entry = entry.WithField("dead_letter_error", ferr.Error())
		}
		entry.Error("Failed to process event, pausing before redelivery")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pause):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err = handler(ctx, event); err == nil || !c.retryable(err) {
			return err
		}
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"attempt":  attempt + 1,
		}).Warn("Retrying event")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func (c *Consumer) forward(ctx context.Context, message kafka.Message, cause error) error {
	if c.deadLetter == nil {
		return fmt.Errorf("no dead-letter topic configured")
	}
	headers := append([]kafka.Header{}, message.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dead-letter-reason", Value: []byte(cause.Error())},
		kafka.Header{Key: "source-topic", Value: []byte(message.Topic)},
	)
	return c.deadLetter.WriteMessages(ctx, kafka.Message{
		Key:     message.Key,
		Value:   message.Value,
		Headers: headers,
	})
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	if c.deadLetter != nil {
		c.deadLetter.Close()
	}
	return c.reader.Close()
}
