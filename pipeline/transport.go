package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"stagegate.evalgo.org/common"
)

// OutboundMessage is one chat bubble on its way to the user.
type OutboundMessage struct {
	UserID        string    `json:"user_id"`
	InteractionID string    `json:"interaction_id"`
	Text          string    `json:"text"`
	Sequence      int       `json:"sequence"`
	Total         int       `json:"total"`
	SentAt        time.Time `json:"sent_at"`
}

// Transport delivers bubbles to the user-facing channel.
type Transport interface {
	Publish(msg OutboundMessage) error
	Close() error
}

// AMQPConnection abstracts the broker connection for testing.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the broker channel for testing.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPDialer abstracts broker dialing for testing.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPDialer dials a real broker.
type RealAMQPDialer struct{}

func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realAMQPConnection{conn: conn}, nil
}

type realAMQPConnection struct {
	conn *amqp.Connection
}

func (r *realAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realAMQPChannel{ch: ch}, nil
}

func (r *realAMQPConnection) Close() error { return r.conn.Close() }

type realAMQPChannel struct {
	ch *amqp.Channel
}

func (r *realAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return r.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (r *realAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *realAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *realAMQPChannel) Close() error { return r.ch.Close() }

// AMQPTransport publishes bubbles to a durable topic exchange, routed by
// user id.
type AMQPTransport struct {
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
}

// NewAMQPTransport connects to the broker and declares the outbound
// exchange.
func NewAMQPTransport(url, exchange string) (*AMQPTransport, error) {
	return NewAMQPTransportWithDialer(url, exchange, RealAMQPDialer{})
}

// NewAMQPTransportWithDialer allows injecting a dialer for tests.
func NewAMQPTransportWithDialer(url, exchange string, dialer AMQPDialer) (*AMQPTransport, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPTransport{connection: conn, channel: ch, exchange: exchange}, nil
}

// Publish implements Transport.
func (t *AMQPTransport) Publish(msg OutboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return common.NewFailure(err, "failed to encode outbound message")
	}

	err = t.channel.Publish(
		t.exchange,
		"user."+msg.UserID, // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.SentAt,
			Body:         body,
		},
	)
	if err != nil {
		return common.NewTransient(err, "failed to publish outbound message")
	}
	return nil
}

// Close releases the channel and connection.
func (t *AMQPTransport) Close() error {
	if err := t.channel.Close(); err != nil {
		t.connection.Close()
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return t.connection.Close()
}
