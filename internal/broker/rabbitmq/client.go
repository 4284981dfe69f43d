package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Client publishes JSON jobs to durable queues on the default exchange.
type Client struct {
	conn interface{ Close() error }
	ch   channel
}

func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "amqp channel")
	}
	return &Client{conn: conn, ch: ch}, nil
}

func newClientWithChannel(ch channel) *Client {
	return &Client{ch: ch}
}

func (c *Client) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return errors.Wrapf(err, "declare queue %s", name)
}

func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	return errors.Wrap(err, "amqp publish")
}

func (c *Client) PublishJSON(ctx context.Context, queue string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal amqp msg")
	}
	return c.Publish(ctx, queue, b)
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		return errors.Wrap(err, "close channel")
	}
	if c.conn != nil {
		return errors.Wrap(c.conn.Close(), "close connection")
	}
	return nil
}

// QueuePublisher binds a Client to one queue.
type QueuePublisher struct {
	c     *Client
	queue string
}

func NewQueuePublisher(c *Client, queue string) (*QueuePublisher, error) {
	if err := c.DeclareQueue(queue); err != nil {
		return nil, err
	}
	return &QueuePublisher{c: c, queue: queue}, nil
}

func (p *QueuePublisher) PublishJSON(ctx context.Context, v any) error {
	return p.c.PublishJSON(ctx, p.queue, v)
}
