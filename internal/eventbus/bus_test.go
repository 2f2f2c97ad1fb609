package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postmesh/postmesh/internal/messaging"
)

// memBroker routes published messages straight to the subscribed handler
// and returns the handler result, the way the connection would turn it into
// an ack or a nack.
type memBroker struct {
	mu         sync.Mutex
	publishErr error
	published  []messaging.Message
	handlers   map[string]messaging.DeliveryHandler
	subscribes int
}

func newMemBroker() *memBroker {
	return &memBroker{handlers: make(map[string]messaging.DeliveryHandler)}
}

func (m *memBroker) Publish(_ context.Context, msg messaging.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *memBroker) Subscribe(topic string, h messaging.DeliveryHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
	m.subscribes++
	return nil
}

// deliver hands the i-th published message to its subscriber.
func (m *memBroker) deliver(t *testing.T, i int, redelivered bool) error {
	t.Helper()
	m.mu.Lock()
	msg := m.published[i]
	h := m.handlers[msg.Topic]
	m.mu.Unlock()
	require.NotNil(t, h, "no subscriber for %s", msg.Topic)

	return h(context.Background(), messaging.Delivery{
		Topic:       msg.Topic,
		MessageID:   msg.ID,
		Body:        msg.Body,
		Redelivered: redelivered,
	})
}

func (m *memBroker) deliverRaw(topic string, body []byte) error {
	m.mu.Lock()
	h := m.handlers[topic]
	m.mu.Unlock()
	return h(context.Background(), messaging.Delivery{Topic: topic, MessageID: "raw", Body: body})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus() (*Bus, *memBroker) {
	broker := newMemBroker()
	return New(broker, NewRegistry(testLogger()), "media", testLogger()), broker
}

func TestBus_EmitBuildsCloudEvent(t *testing.T) {
	bus, broker := newTestBus()

	err := bus.Emit(context.Background(), messaging.TopicPostDeleted, messaging.PostDeletedEvent{PostID: "abc", UserID: "u1"})
	require.NoError(t, err)

	require.Len(t, broker.published, 1)
	msg := broker.published[0]
	assert.Equal(t, messaging.TopicPostDeleted, msg.Topic)
	assert.Equal(t, cloudevents.ApplicationCloudEventsJSON, msg.ContentType)

	var ce cloudevents.Event
	require.NoError(t, json.Unmarshal(msg.Body, &ce))
	assert.Equal(t, msg.ID, ce.ID())
	assert.Equal(t, "/postmesh/media", ce.Source())
	assert.Equal(t, messaging.TopicPostDeleted, ce.Type())
	assert.JSONEq(t, `{"postId":"abc","userId":"u1"}`, string(ce.Data()))
}

func TestBus_EmitFailure(t *testing.T) {
	bus, broker := newTestBus()
	broker.publishErr = &messaging.PublishError{Topic: messaging.TopicPostCreated, Err: messaging.ErrNotConnected}

	err := bus.Emit(context.Background(), messaging.TopicPostCreated, messaging.PostCreatedEvent{PostID: "p1"})

	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
}

func TestBus_EmitUnencodablePayload(t *testing.T) {
	bus, broker := newTestBus()

	err := bus.Emit(context.Background(), messaging.TopicPostCreated, make(chan int))

	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Empty(t, broker.published)
}

func TestBus_RoundTrip(t *testing.T) {
	bus, broker := newTestBus()

	var got messaging.PostDeletedEvent
	require.NoError(t, bus.On(messaging.TopicPostDeleted, Typed(func(_ context.Context, evt messaging.PostDeletedEvent) error {
		got = evt
		return nil
	})))

	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostDeleted, messaging.PostDeletedEvent{
		PostID:   "abc",
		UserID:   "u1",
		MediaIDs: []string{"m1", "m2"},
	}))
	require.NoError(t, broker.deliver(t, 0, false))

	assert.Equal(t, "abc", got.PostID)
	assert.Equal(t, []string{"m1", "m2"}, got.MediaIDs)
}

func TestBus_FailureSurfacesForRedelivery(t *testing.T) {
	bus, broker := newTestBus()

	var (
		calls   int
		deleted = map[string]bool{"abc": true}
	)
	require.NoError(t, bus.On(messaging.TopicPostDeleted, Typed(func(_ context.Context, evt messaging.PostDeletedEvent) error {
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		delete(deleted, evt.PostID)
		return nil
	})))
	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostDeleted, messaging.PostDeletedEvent{PostID: "abc"}))

	err := broker.deliver(t, 0, false)
	var hErr *HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, messaging.TopicPostDeleted, hErr.Topic)
	assert.Equal(t, broker.published[0].ID, hErr.EventID)

	require.NoError(t, broker.deliver(t, 0, true))
	assert.Empty(t, deleted)
	assert.Equal(t, 2, calls)
}

func TestBus_RedeliveredFlagReachesHandler(t *testing.T) {
	bus, broker := newTestBus()

	var seen []bool
	require.NoError(t, bus.On(messaging.TopicPostCreated, func(_ context.Context, evt Event) error {
		seen = append(seen, evt.Redelivered)
		return nil
	}))
	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostCreated, messaging.PostCreatedEvent{PostID: "p1"}))

	require.NoError(t, broker.deliver(t, 0, false))
	require.NoError(t, broker.deliver(t, 0, true))
	assert.Equal(t, []bool{false, true}, seen)
}

func TestBus_MalformedEnvelope(t *testing.T) {
	bus, broker := newTestBus()
	require.NoError(t, bus.On(messaging.TopicPostDeleted, func(context.Context, Event) error {
		t.Fatal("handler must not run")
		return nil
	}))

	err := broker.deliverRaw(messaging.TopicPostDeleted, []byte(`not json`))

	var hErr *HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestBus_MalformedData(t *testing.T) {
	bus, broker := newTestBus()
	require.NoError(t, bus.On(messaging.TopicPostDeleted, Typed(func(context.Context, messaging.PostDeletedEvent) error {
		t.Fatal("handler must not run")
		return nil
	})))
	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostDeleted, map[string]any{"postId": 42}))

	err := broker.deliver(t, 0, false)

	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestBus_HandlerPanicBecomesError(t *testing.T) {
	bus, broker := newTestBus()
	require.NoError(t, bus.On(messaging.TopicPostCreated, func(context.Context, Event) error {
		panic("nil map")
	}))
	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostCreated, messaging.PostCreatedEvent{PostID: "p1"}))

	var err error
	require.NotPanics(t, func() { err = broker.deliver(t, 0, false) })

	var hErr *HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.Contains(t, hErr.Error(), "nil map")
}

func TestBus_UnknownTopicIsAcknowledged(t *testing.T) {
	bus, broker := newTestBus()
	require.NoError(t, bus.On(messaging.TopicPostCreated, func(context.Context, Event) error { return nil }))

	// A producer emitting a newer event type onto a queue this service consumes.
	require.NoError(t, bus.Emit(context.Background(), messaging.TopicPostCreated, messaging.PostCreatedEvent{PostID: "p1"}))
	var ce cloudevents.Event
	require.NoError(t, json.Unmarshal(broker.published[0].Body, &ce))
	ce.SetType("post.archived")
	body, err := json.Marshal(ce)
	require.NoError(t, err)

	assert.NoError(t, broker.deliverRaw(messaging.TopicPostCreated, body))
}

func TestBus_ListenSubscribesOnce(t *testing.T) {
	bus, broker := newTestBus()
	noop := func(context.Context, Event) error { return nil }

	require.NoError(t, bus.On(messaging.TopicPostCreated, noop))
	bus.registry.Register(messaging.TopicPostDeleted, noop)

	require.NoError(t, bus.Listen())
	require.NoError(t, bus.Listen())

	assert.Equal(t, 2, broker.subscribes)
	assert.Contains(t, broker.handlers, messaging.TopicPostDeleted)
}
