// ABOUTME: AMQP fan-out of session events to a topic exchange
// ABOUTME: Persistent JSON envelopes routed by {accountId}.{eventType}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/warelay/internal/event"
)

// DefaultExchange is the topic exchange session events are published to.
const DefaultExchange = "wa.events"

// Envelope is the published message body.
type Envelope struct {
	ID    string      `json:"id"`
	Type  string      `json:"type"`
	Time  time.Time   `json:"time"`
	Event event.Event `json:"event"`
}

// Publisher exports session events to RabbitMQ. Publishing is
// best-effort: a broker failure is logged and the event dropped, never
// blocking the bus.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewPublisher connects to the broker and declares the topic exchange.
func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "export"),
	}, nil
}

// RoutingKey builds the topic routing key for one event.
func RoutingKey(evt event.Event) string {
	return evt.AccountID + "." + string(evt.Type)
}

// Publish sends one event envelope.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	env := Envelope{
		ID:    uuid.New().String(),
		Type:  string(evt.Type),
		Time:  time.Now().UTC(),
		Event: evt,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(evt), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    env.Time,
	})
}

// Run drains the bus into the broker until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, bus *event.Bus) {
	events, _ := bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ctx, evt); err != nil {
				p.logger.Warn("event export failed",
					"type", evt.Type, "account_id", evt.AccountID, "error", err)
			}
		}
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
