package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Handler processes one event.
type Handler func(ctx context.Context, evt Event) error

// Registry maps topics to handlers. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for topic, replacing any previous one.
func (r *Registry) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// Dispatch runs the handler registered for evt.Topic. Events of unknown
// topics are ignored and nil is returned so they get acknowledged.
func (r *Registry) Dispatch(ctx context.Context, evt Event) error {
	r.mu.RLock()
	h, ok := r.handlers[evt.Topic]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for topic, ignoring", "topic", evt.Topic, "event_id", evt.ID)
		return nil
	}
	return h(ctx, evt)
}

// Topics returns the registered topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// Typed adapts a handler of a concrete payload type. Undecodable data is
// reported as ErrMalformedPayload without calling fn.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, evt Event) error {
		var payload T
		if err := evt.Decode(&payload); err != nil {
			return err
		}
		return fn(ctx, payload)
	}
}
