package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// InboundEnvelope is the wire format of user messages arriving from the
// chat gateway.
type InboundEnvelope struct {
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	ExternalID string    `json:"external_id,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Enqueuer accepts inbound messages. The orchestrator satisfies it.
type Enqueuer interface {
	Enqueue(msg Inbound) error
}

const consumerRetryDelay = 5 * time.Second

// InboundConsumer reads user messages from a durable queue and feeds
// them into the pipeline. Connection loss triggers a reconnect loop.
type InboundConsumer struct {
	url    string
	queue  string
	dialer AMQPDialer
	sink   Enqueuer
	log    *logrus.Entry
}

// NewInboundConsumer creates a consumer against a real broker.
func NewInboundConsumer(url, queue string, sink Enqueuer, log *logrus.Logger) *InboundConsumer {
	return NewInboundConsumerWithDialer(url, queue, sink, RealAMQPDialer{}, log)
}

// NewInboundConsumerWithDialer allows injecting a dialer for tests.
func NewInboundConsumerWithDialer(url, queue string, sink Enqueuer, dialer AMQPDialer, log *logrus.Logger) *InboundConsumer {
	return &InboundConsumer{
		url:    url,
		queue:  queue,
		dialer: dialer,
		sink:   sink,
		log:    log.WithField("component", "inbound-consumer"),
	}
}

// Run consumes until the context ends, reconnecting on broker failures.
func (c *InboundConsumer) Run(ctx context.Context) {
	for {
		if err := c.consume(ctx); err != nil {
			c.log.WithError(err).Warn("consumer disconnected, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRetryDelay):
		}
	}
}

func (c *InboundConsumer) consume(ctx context.Context) error {
	conn, err := c.dialer.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.WithField("queue", c.queue).Info("consuming inbound messages")
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var envelope InboundEnvelope
			if err := json.Unmarshal(delivery.Body, &envelope); err != nil || envelope.UserID == "" {
				c.log.WithError(err).Warn("dropping malformed inbound message")
				_ = delivery.Nack(false, false)
				continue
			}
			if envelope.ReceivedAt.IsZero() {
				envelope.ReceivedAt = time.Now()
			}

			err := c.sink.Enqueue(Inbound{
				UserID:     envelope.UserID,
				Text:       envelope.Text,
				ExternalID: envelope.ExternalID,
				ReceivedAt: envelope.ReceivedAt,
			})
			if err != nil {
				// The pipeline refuses work during shutdown; requeue so
				// another instance picks the message up.
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}
