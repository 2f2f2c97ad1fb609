package messaging

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out in-memory transports. Every dial creates a new
// transport, so a test can kill one and watch the Conn dial the next.
type fakeBroker struct {
	mu         sync.Mutex
	failDials  int
	failBinds  int
	dials      int
	nack       bool
	transports []*fakeTransport
	published  []fakePublish
}

type fakePublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (b *fakeBroker) dial(string) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("dial tcp: connection refused")
	}
	t := &fakeTransport{broker: b}
	b.transports = append(b.transports, t)
	return t, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) latest() *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.published...)
}

type fakeTransport struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	channels []*fakeChannel
	notify   []chan *amqp.Error
}

func (t *fakeTransport) Channel() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{
		transport: t,
		consumers: make(map[string]chan amqp.Delivery),
		queues:    make(map[string]string),
		args:      make(map[string]amqp.Table),
	}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *fakeTransport) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(c)
		return c
	}
	t.notify = append(t.notify, c)
	return c
}

func (t *fakeTransport) Close() error {
	return t.shutdown(nil)
}

// fail simulates the broker dropping the connection.
func (t *fakeTransport) fail() {
	_ = t.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
}

func (t *fakeTransport) shutdown(reason *amqp.Error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return amqp.ErrClosed
	}
	t.closed = true
	channels, notify := t.channels, t.notify
	t.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	return nil
}

// channel returns the i-th channel opened on t. Channel 0 carries the
// topology and the publisher.
func (t *fakeTransport) channel(i int) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[i]
}

func (t *fakeTransport) channelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// consumerFor returns the delivery channel consuming queue, if any.
func (t *fakeTransport) consumerFor(queue string) (chan amqp.Delivery, *fakeChannel) {
	t.mu.Lock()
	channels := append([]*fakeChannel(nil), t.channels...)
	t.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for tag, q := range ch.queues {
			if q == queue {
				d := ch.consumers[tag]
				ch.mu.Unlock()
				return d, ch
			}
		}
		ch.mu.Unlock()
	}
	return nil, nil
}

type fakeChannel struct {
	transport *fakeTransport

	mu        sync.Mutex
	closed    bool
	seq       uint64
	confirms  []chan amqp.Confirmation
	consumers map[string]chan amqp.Delivery // consumer tag -> deliveries
	queues    map[string]string             // consumer tag -> queue
	args      map[string]amqp.Table         // queue -> declare args
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return c.check()
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}
	c.mu.Lock()
	c.args[name] = args
	c.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error {
	return c.check()
}

func (c *fakeChannel) Qos(int, int, bool) error { return c.check() }

func (c *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	b := c.transport.broker
	b.mu.Lock()
	fail := b.failBinds > 0
	if fail {
		b.failBinds--
	}
	b.mu.Unlock()
	if fail {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: "RESOURCE_LOCKED"}
	}
	d := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = d
	c.queues[consumer] = queue
	return d, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.consumers[consumer]; ok {
		close(d)
		delete(c.consumers, consumer)
		delete(c.queues, consumer)
	}
	return nil
}

func (c *fakeChannel) Get(string, bool) (amqp.Delivery, bool, error) {
	return amqp.Delivery{}, false, c.check()
}

func (c *fakeChannel) Confirm(bool) error { return c.check() }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = append(c.confirms, confirm)
	return confirm
}

func (c *fakeChannel) NotifyReturn(returns chan amqp.Return) chan amqp.Return {
	return returns
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	b := c.transport.broker
	b.mu.Lock()
	b.published = append(b.published, fakePublish{exchange: exchange, key: key, msg: msg})
	nack := b.nack
	b.mu.Unlock()

	c.seq++
	for _, confirm := range c.confirms {
		confirm <- amqp.Confirmation{DeliveryTag: c.seq, Ack: !nack}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for tag, d := range c.consumers {
		close(d)
		delete(c.consumers, tag)
		delete(c.queues, tag)
	}
	for _, confirm := range c.confirms {
		close(confirm)
	}
	c.confirms = nil
	return nil
}

func (c *fakeChannel) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

// cancelConsumer cancels every consumer of queue on c, the way the broker
// does when the queue is deleted.
func (c *fakeChannel) cancelConsumer(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, q := range c.queues {
		if q == queue {
			close(c.consumers[tag])
			delete(c.consumers, tag)
			delete(c.queues, tag)
		}
	}
}

// ackResult records how a delivery was settled.
type ackResult struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcker struct {
	results chan ackResult
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{results: make(chan ackResult, 16)}
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.results <- ackResult{tag: tag, ack: true}
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}
