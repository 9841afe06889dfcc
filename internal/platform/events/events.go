// Package events broadcasts rule pack changes over AMQP so every instance
// drops its cached copy of a pack written elsewhere.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingKey is used for every pack change message.
const RoutingKey = "rules.changed"

// PackChanged is the message body.
type PackChanged struct {
	ID         string    `json:"id"`
	PackID     string    `json:"pack_id"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Conn holds one AMQP connection and its channel.
type Conn struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
}

// Dial connects and opens a channel.
func Dial(url string) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return &Conn{Connection: conn, Channel: ch}, nil
}

// Ping reports whether the connection is still open.
func (c *Conn) Ping(context.Context) error {
	if c.Connection == nil || c.Connection.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (c *Conn) Close() error {
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	if c.Connection != nil {
		return c.Connection.Close()
	}
	return nil
}

// DeclareExchange creates the durable topic exchange pack changes go to.
func DeclareExchange(ch Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Publisher sends PackChanged messages. It satisfies rules.ChangeNotifier.
type Publisher struct {
	ch       Channel
	exchange string
	source   string
	now      func() time.Time
}

// NewPublisher publishes to exchange, tagging messages with source so the
// sending instance can ignore its own echoes.
func NewPublisher(ch Channel, exchange, source string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, source: source, now: time.Now}
}

func (p *Publisher) PackChanged(ctx context.Context, packID string) error {
	body, err := json.Marshal(PackChanged{
		ID:         uuid.NewString(),
		PackID:     packID,
		Source:     p.source,
		OccurredAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode pack change: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    p.now().UTC(),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish pack change: %w", err)
	}
	return nil
}

// Invalidator drops a cached pack.
type Invalidator interface {
	Invalidate(packID string)
}

// Consumer applies PackChanged messages from other instances.
type Consumer struct {
	ch          Channel
	exchange    string
	source      string
	invalidator Invalidator
	logger      zerolog.Logger
}

func NewConsumer(ch Channel, exchange, source string, inv Invalidator, logger zerolog.Logger) *Consumer {
	return &Consumer{
		ch:          ch,
		exchange:    exchange,
		source:      source,
		invalidator: inv,
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Run binds a private queue to the exchange and handles deliveries until ctx
// is done or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, RoutingKey, c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := c.ch.Consume(q.Name, "rxrules-"+c.source, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info().Str("queue", q.Name).Str("exchange", c.exchange).Msg("listening for pack changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(d)
		}
	}
}

func (c *Consumer) handle(d amqp.Delivery) {
	var evt PackChanged
	if err := json.Unmarshal(d.Body, &evt); err != nil || evt.PackID == "" {
		c.logger.Warn().Err(err).Msg("dropping malformed pack change message")
		_ = d.Nack(false, false)
		return
	}

	if evt.Source != c.source {
		c.invalidator.Invalidate(evt.PackID)
		c.logger.Debug().Str("pack_id", evt.PackID).Str("source", evt.Source).Msg("pack invalidated")
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn().Err(err).Msg("ack failed")
	}
}
