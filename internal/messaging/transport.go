package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport is the subset of *amqp.Connection used by Conn.
type Transport interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel used by Conn and the dead-letter
// tooling. *amqp.Channel satisfies it as is.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(returns chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a Transport to the broker at url.
type Dialer func(url string) (Transport, error)

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &amqpTransport{conn: conn}, nil
}

type amqpTransport struct {
	conn *amqp.Connection
}

func (t *amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, nil
}

func (t *amqpTransport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return t.conn.NotifyClose(receiver)
}

func (t *amqpTransport) Close() error {
	return t.conn.Close()
}
