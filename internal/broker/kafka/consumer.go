package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic in a consumer group with at-least-once delivery:
// an offset is committed only after the handler accepted the message.
type Consumer struct {
	r messageReader

	attempts   int
	retryDelay time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg))
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r, attempts: 1}
}

// WithRetry lets a failing handler run up to attempts times per message,
// sleeping delay*n before the n-th retry.
func (c *Consumer) WithRetry(attempts int, delay time.Duration) *Consumer {
	if attempts > 0 {
		c.attempts = attempts
	}
	if delay > 0 {
		c.retryDelay = delay
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume runs until ctx is done, the reader fails, or a message exhausts its
// retries. In the last case the offset stays uncommitted so the group
// redelivers the message after restart.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := c.handle(ctx, msg, handler); err != nil {
			return errors.Wrapf(err, "handle %s[%d]@%d", msg.Topic, msg.Partition, msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler func(key, value []byte) error) error {
	var err error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			slog.Warn("retrying kafka message",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempt", i+1, "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i)):
			}
		}
		if err = handler(msg.Key, msg.Value); err == nil {
			return nil
		}
	}
	return err
}
