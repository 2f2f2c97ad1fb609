// Package deadletter inspects and replays the messages a service could not
// process. They sit in the service's dead-letter queue with the source queue
// name as routing key.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/postmesh/postmesh/internal/messaging"
)

var (
	// ErrReplayNacked is returned when the broker refuses a republished message.
	ErrReplayNacked = errors.New("broker refused replayed message")
	// ErrReplayReturned is returned when a republished message could not be
	// routed, typically because its source queue no longer exists.
	ErrReplayReturned = errors.New("replayed message returned unroutable")
)

// Message describes one dead-lettered message.
type Message struct {
	MessageID   string    `json:"messageId"`
	Type        string    `json:"type"`
	SourceQueue string    `json:"sourceQueue"`
	Reason      string    `json:"reason,omitempty"`
	Deaths      int64     `json:"deaths"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Body        string    `json:"body"`
}

// Inspector reads the dead-letter queue of one service.
type Inspector struct {
	ch     messaging.Channel
	queue  string
	logger *slog.Logger
}

// NewInspector creates an Inspector over ch for service.
func NewInspector(ch messaging.Channel, service string, logger *slog.Logger) *Inspector {
	return &Inspector{
		ch:     ch,
		queue:  messaging.DeadLetterQueue(service),
		logger: logger.With("component", "deadletter", "queue", messaging.DeadLetterQueue(service)),
	}
}

// List returns up to limit messages from the head of the queue. The
// messages are put back afterwards, so List changes nothing.
func (in *Inspector) List(ctx context.Context, limit int) ([]Message, error) {
	var (
		out  []Message
		last *amqp.Delivery
	)
	defer func() {
		if last == nil {
			return
		}
		if err := last.Nack(true, true); err != nil {
			in.logger.Warn("return messages to queue", "error", err)
		}
	}()

	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := in.ch.Get(in.queue, false)
		if err != nil {
			return out, fmt.Errorf("get from %s: %w", in.queue, err)
		}
		if !ok {
			break
		}
		last = &d
		out = append(out, describe(d))
	}
	return out, nil
}

// Replay moves up to limit messages (all when limit <= 0) back to the queue
// they were dead-lettered from, at most perSecond per second. Each message
// is acknowledged only after the broker confirmed its republish. It returns
// the number of messages replayed.
func (in *Inspector) Replay(ctx context.Context, limit int, perSecond float64) (int, error) {
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	if perSecond <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	if err := in.ch.Confirm(false); err != nil {
		return 0, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := in.ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := in.ch.NotifyReturn(make(chan amqp.Return, 1))

	replayed := 0
	for limit <= 0 || replayed < limit {
		if err := limiter.Wait(ctx); err != nil {
			return replayed, err
		}

		d, ok, err := in.ch.Get(in.queue, false)
		if err != nil {
			return replayed, fmt.Errorf("get from %s: %w", in.queue, err)
		}
		if !ok {
			break
		}

		if err := in.republish(ctx, d, confirms, returns); err != nil {
			if nerr := d.Nack(false, true); nerr != nil {
				in.logger.Warn("return message to queue", "message_id", d.MessageId, "error", nerr)
			}
			return replayed, err
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack %s: %w", d.MessageId, err)
		}

		replayed++
		in.logger.Info("message replayed", "message_id", d.MessageId, "queue", sourceQueue(d))
	}
	return replayed, nil
}

func (in *Inspector) republish(ctx context.Context, d amqp.Delivery, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) error {
	target := sourceQueue(d)
	if target == "" {
		return fmt.Errorf("message %s has no source queue", d.MessageId)
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		if k == "x-death" || k == "x-first-death-exchange" || k == "x-first-death-queue" || k == "x-first-death-reason" {
			continue
		}
		headers[k] = v
	}
	headers["x-replayed-from"] = in.queue

	// The default exchange routes by queue name.
	err := in.ch.PublishWithContext(ctx, "", target, true, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Body:         d.Body,
	})
	if err != nil {
		return fmt.Errorf("republish %s to %s: %w", d.MessageId, target, err)
	}

	select {
	case c, ok := <-confirms:
		if !ok {
			return fmt.Errorf("republish %s: %w", d.MessageId, amqp.ErrClosed)
		}
		if !c.Ack {
			return fmt.Errorf("republish %s: %w", d.MessageId, ErrReplayNacked)
		}
		// The broker sends basic.return ahead of the ack of an unroutable
		// mandatory message, so it is already queued here.
		select {
		case r, ok := <-returns:
			if ok {
				return fmt.Errorf("republish %s to %s: %s: %w", d.MessageId, target, r.ReplyText, ErrReplayReturned)
			}
		default:
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func describe(d amqp.Delivery) Message {
	m := Message{
		MessageID:   d.MessageId,
		Type:        d.Type,
		SourceQueue: sourceQueue(d),
		Timestamp:   d.Timestamp,
		Body:        string(d.Body),
	}
	if death, ok := firstDeath(d); ok {
		m.Reason, _ = death["reason"].(string)
		m.Deaths, _ = death["count"].(int64)
	}
	return m
}

// sourceQueue is the queue the message was dead-lettered from. Queues
// declared by messaging.Conn dead-letter with their own name as routing
// key; the x-death header covers queues declared elsewhere.
func sourceQueue(d amqp.Delivery) string {
	if death, ok := firstDeath(d); ok {
		if q, _ := death["queue"].(string); q != "" {
			return q
		}
	}
	return d.RoutingKey
}

func firstDeath(d amqp.Delivery) (amqp.Table, bool) {
	deaths, ok := d.Headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	death, ok := deaths[0].(amqp.Table)
	return death, ok
}
