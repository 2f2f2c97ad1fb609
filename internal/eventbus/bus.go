// Package eventbus is the typed publish/consume API services use to talk to
// each other over the broker.
//
// Handler authors must assume the following:
//
//   - Delivery is at least once. After a handler failure, a crash or a lost
//     connection the same event (same Event.ID) can arrive again, so every
//     handler MUST be idempotent: running it twice leaves the same state as
//     running it once.
//   - Events of one topic arrive in publish order while the connection is
//     stable. Nothing is guaranteed across topics or across a reconnect.
//   - A handler error or panic requeues the event once. If the redelivery
//     fails too the event goes to the service's dead-letter queue.
//   - Events whose topic has no handler are acknowledged and dropped.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postmesh/postmesh/internal/messaging"
)

// Broker is the transport the bus runs on. *messaging.Conn satisfies it.
type Broker interface {
	Publish(ctx context.Context, msg messaging.Message) error
	Subscribe(topic string, handler messaging.DeliveryHandler) error
}

// Bus emits and consumes events for one service.
type Bus struct {
	broker   Broker
	registry *Registry
	service  string
	source   string
	logger   *slog.Logger

	mu         sync.Mutex
	subscribed map[string]bool
}

// New creates a Bus for service. Events it emits carry the source
// "/postmesh/<service>".
func New(broker Broker, registry *Registry, service string, logger *slog.Logger) *Bus {
	return &Bus{
		broker:     broker,
		registry:   registry,
		service:    service,
		source:     "/postmesh/" + service,
		logger:     logger.With("component", "eventbus"),
		subscribed: make(map[string]bool),
	}
}

// Emit publishes payload under topic. It returns once the broker has
// accepted the event; any failure wraps ErrPublishFailed.
func (b *Bus) Emit(ctx context.Context, topic string, payload any) error {
	id, body, err := encodeEnvelope(topic, b.source, payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPublishFailed, topic, err)
	}

	err = b.broker.Publish(ctx, messaging.Message{
		ID:          id,
		Topic:       topic,
		ContentType: envelopeContentType,
		Body:        body,
	})
	if err != nil {
		b.logger.Error("emit failed", "topic", topic, "event_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	b.logger.Debug("event emitted", "topic", topic, "event_id", id)
	return nil
}

// On registers handler for topic and starts consuming it.
func (b *Bus) On(topic string, handler Handler) error {
	b.registry.Register(topic, handler)
	return b.subscribe(topic)
}

// Listen starts consuming every topic registered in the registry.
func (b *Bus) Listen() error {
	for _, topic := range b.registry.Topics() {
		if err := b.subscribe(topic); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribed[topic] {
		return nil
	}
	if err := b.broker.Subscribe(topic, b.deliver); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.subscribed[topic] = true
	b.logger.Info("listening", "topic", topic, "queue", messaging.QueueName(b.service, topic))
	return nil
}

// deliver turns one broker delivery into a registry dispatch. Whatever goes
// wrong comes back as a *HandlerError.
func (b *Bus) deliver(ctx context.Context, d messaging.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Topic: d.Topic, EventID: d.MessageID, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			b.logger.Warn("event handler failed",
				"topic", d.Topic,
				"event_id", d.MessageID,
				"redelivered", d.Redelivered,
				"error", err,
			)
		}
	}()

	evt, err := decodeEnvelope(d)
	if err != nil {
		return &HandlerError{Topic: d.Topic, EventID: d.MessageID, Err: err}
	}
	if err := b.registry.Dispatch(ctx, evt); err != nil {
		return &HandlerError{Topic: evt.Topic, EventID: evt.ID, Err: err}
	}
	return nil
}
