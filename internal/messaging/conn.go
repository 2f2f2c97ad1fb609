package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dial = d }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithStateChange registers a callback for state transitions. It runs under
// the connection lock and must not call back into the Conn.
func WithStateChange(fn func(from, to State)) Option {
	return func(c *Conn) { c.onState = fn }
}

// Conn is a broker connection that reconnects on its own. Subscriptions
// survive reconnects: they are re-declared and re-consumed on every new
// transport without any action from the caller.
type Conn struct {
	cfg     Config
	dial    Dialer
	logger  *slog.Logger
	metrics *Metrics
	onState func(from, to State)

	mu        sync.RWMutex
	state     State
	started   bool
	transport Transport
	pub       *publisher
	ready     chan struct{} // closed while connected
	subs      map[string]*subscription
	order     []string

	// pubMu serialises publish + confirm pairs.
	pubMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // supervisor
	consumers sync.WaitGroup
}

type publisher struct {
	ch       Channel
	confirms chan amqp.Confirmation
	seq      uint64 // guarded by Conn.pubMu
}

type subscription struct {
	topic string
	queue string
	tag   string

	mu      sync.RWMutex
	handler DeliveryHandler

	ch Channel // guarded by Conn.mu
}

func (s *subscription) setHandler(h DeliveryHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *subscription) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	return h(ctx, d)
}

// New creates a disconnected Conn. No I/O happens until Connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Conn {
	def := DefaultConfig()
	if cfg.Exchange == "" {
		cfg.Exchange = def.Exchange
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}

	c := &Conn{
		cfg:    cfg,
		dial:   DialAMQP,
		logger: logger.With("component", "broker"),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect establishes the connection, retrying with exponential backoff
// until Config.MaxAttempts is exhausted. It returns a *ConnectionError when
// the budget runs out. After the first success the Conn keeps itself
// connected until Close.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.RLock()
	state, started := c.state, c.started
	c.mu.RUnlock()
	if state == StateClosed {
		return ErrClosed
	}
	if started {
		return nil
	}

	var (
		attempt int
		lastErr error
	)
	for attempt = 1; ; attempt++ {
		c.setState(StateConnecting)
		notify, err := c.open()
		if err == nil {
			c.mu.Lock()
			c.started = true
			c.setStateLocked(StateConnected)
			c.mu.Unlock()

			c.wg.Add(1)
			go c.supervise(notify)

			c.logger.Info("connected to broker", "exchange", c.cfg.Exchange, "attempts", attempt)
			return nil
		}

		lastErr = err
		c.setState(StateDisconnected)
		if errors.Is(err, ErrClosed) {
			break
		}
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			break
		}

		delay := c.cfg.backoff(attempt)
		c.logger.Warn("broker connection failed, retrying",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return &ConnectionError{Attempts: attempt, Err: lastErr}
}

// Publish sends msg to the exchange with msg.Topic as routing key, marked
// persistent, and waits for the broker confirm. While the connection is
// being re-established it waits up to Config.PublishTimeout.
func (c *Conn) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return &PublishError{Err: errors.New("empty topic")}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err := c.publish(ctx, msg)
	if err != nil {
		c.metrics.published.WithLabelValues(msg.Topic, "error").Inc()
		return &PublishError{Topic: msg.Topic, Err: err}
	}
	c.metrics.published.WithLabelValues(msg.Topic, "ok").Inc()
	return nil
}

func (c *Conn) publish(ctx context.Context, msg Message) error {
	var deadline <-chan time.Time
	if c.cfg.PublishTimeout > 0 {
		t := time.NewTimer(c.cfg.PublishTimeout)
		defer t.Stop()
		deadline = t.C
	}

	var stale *publisher
	for {
		p, err := c.publishChannel(ctx, deadline, stale)
		if err != nil {
			return err
		}
		err = c.publishOn(ctx, p, msg)
		// The channel died under us. Replace it if the transport is still
		// up, otherwise wait for the supervisor, then try again.
		if errors.Is(err, errChannelGone) {
			c.renewPublisher(p)
			stale = p
			continue
		}
		return err
	}
}

var errChannelGone = errors.New("publish channel closed")

func (c *Conn) publishOn(ctx context.Context, p *publisher, msg Message) error {
	err := p.ch.PublishWithContext(ctx, c.cfg.Exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		AppId:        c.cfg.Service,
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		return errChannelGone
	}
	if err != nil {
		return err
	}
	p.seq++

	for {
		select {
		case conf, ok := <-p.confirms:
			if !ok {
				return errChannelGone
			}
			// Confirms of publishes abandoned by a cancelled context.
			if conf.DeliveryTag < p.seq {
				continue
			}
			if !conf.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// publishChannel waits for a connected publisher other than stale.
func (c *Conn) publishChannel(ctx context.Context, deadline <-chan time.Time, stale *publisher) (*publisher, error) {
	for {
		c.mu.RLock()
		state, p, ready := c.state, c.pub, c.ready
		c.mu.RUnlock()

		switch {
		case state == StateClosed:
			return nil, ErrClosed
		case state == StateConnected && p != nil && p != stale:
			return p, nil
		case deadline == nil:
			return nil, ErrNotConnected
		}

		wait := ready
		if state == StateConnected {
			// Still marked connected with a dead publisher.
			wait = nil
		}
		select {
		case <-wait:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return nil, ErrNotConnected
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe consumes topic with handler. Registering a topic twice replaces
// its handler and retries the bind if the first one failed. A subscription
// made while disconnected is bound on the next successful connect; once made
// it is never dropped.
func (c *Conn) Subscribe(topic string, handler DeliveryHandler) error {
	if topic == "" || handler == nil {
		return errors.New("subscribe: topic and handler are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if sub, ok := c.subs[topic]; ok {
		sub.setHandler(handler)
		if sub.ch != nil || c.transport == nil {
			return nil
		}
		if err := c.bindLocked(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		return nil
	}

	sub := &subscription{
		topic:   topic,
		queue:   QueueName(c.cfg.Service, topic),
		tag:     QueueName(c.cfg.Service, topic) + "-" + uuid.NewString()[:8],
		handler: handler,
	}
	c.subs[topic] = sub
	c.order = append(c.order, topic)

	if c.transport == nil {
		return nil
	}
	if err := c.bindLocked(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Close stops consuming, waits for in-flight handlers (bounded by ctx) and
// closes the transport. Deliveries received but not yet handled are left
// unacknowledged so the broker redelivers them.
func (c *Conn) Close(ctx context.Context) error {
	err := ErrClosed
	c.closeOnce.Do(func() { err = c.shutdown(ctx) })
	return err
}

func (c *Conn) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateClosed)
	close(c.done)
	t := c.transport
	c.transport = nil
	c.pub = nil
	var subs []*subscription
	for _, topic := range c.order {
		if s := c.subs[topic]; s.ch != nil {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := s.ch.Cancel(s.tag, false); err != nil {
			c.logger.Debug("cancel consumer", "queue", s.queue, "error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		c.consumers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("drain consumers: %w", ctx.Err())
	}

	if t != nil {
		if cerr := t.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = fmt.Errorf("close transport: %w", cerr)
		}
	}
	c.wg.Wait()

	c.logger.Info("broker connection closed")
	return err
}

// open dials, declares the topology and binds every subscription. It
// returns the close notification channel of the new transport.
func (c *Conn) open() (chan *amqp.Error, error) {
	t, err := c.dial(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	notify := t.NotifyClose(make(chan *amqp.Error, 1))

	fail := func(err error) (chan *amqp.Error, error) {
		_ = t.Close()
		return nil, err
	}

	ch, err := t.Channel()
	if err != nil {
		return fail(err)
	}
	if err := c.declareTopology(ch); err != nil {
		return fail(err)
	}
	p, err := newPublisher(ch)
	if err != nil {
		return fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return fail(ErrClosed)
	}
	c.transport = t
	for _, topic := range c.order {
		if err := c.bindLocked(c.subs[topic]); err != nil {
			c.transport = nil
			return fail(err)
		}
	}
	c.pub = p
	return notify, nil
}

func newPublisher(ch Channel) (*publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
	}, nil
}

// renewPublisher replaces stale when its channel closed while the transport
// stayed up. If no new channel can be opened the transport is closed and
// the supervisor rebuilds everything.
func (c *Conn) renewPublisher(stale *publisher) {
	c.mu.Lock()
	t := c.transport
	if c.pub != stale || t == nil || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	ch, err := t.Channel()
	if err == nil {
		var p *publisher
		if p, err = newPublisher(ch); err == nil {
			c.pub = p
			c.mu.Unlock()
			c.logger.Warn("publish channel closed, replaced")
			return
		}
		_ = ch.Close()
	}
	c.mu.Unlock()

	c.logger.Warn("publish channel closed, resetting connection", "error", err)
	_ = t.Close()
}

func (c *Conn) declareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	dlx := DeadLetterExchange(c.cfg.Exchange)
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	dlq := DeadLetterQueue(c.cfg.Service)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, c.cfg.Service+".#", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}
	return nil
}

// bindLocked declares and consumes the queue of sub on its own channel.
// c.mu must be held and c.transport set.
func (c *Conn) bindLocked(sub *subscription) error {
	ch, err := c.transport.Channel()
	if err != nil {
		return err
	}

	bindErr := func(what string, err error) error {
		_ = ch.Close()
		return fmt.Errorf("%s %s: %w", what, sub.queue, err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return bindErr("qos", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange(c.cfg.Exchange),
		"x-dead-letter-routing-key": sub.queue,
	}
	if _, err := ch.QueueDeclare(sub.queue, true, false, false, false, args); err != nil {
		return bindErr("declare queue", err)
	}
	if err := ch.QueueBind(sub.queue, sub.topic, c.cfg.Exchange, false, nil); err != nil {
		return bindErr("bind queue", err)
	}
	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		return bindErr("consume", err)
	}

	sub.ch = ch
	c.consumers.Add(1)
	go c.consume(sub, ch, deliveries)
	return nil
}

// consume runs until the delivery channel closes: on transport loss, on
// Cancel, on Close, or when the broker closes the channel or cancels the
// consumer. Handlers run one at a time per subscription.
func (c *Conn) consume(sub *subscription, ch Channel, deliveries <-chan amqp.Delivery) {
	defer c.consumers.Done()

	for d := range deliveries {
		select {
		case <-c.done:
			// Left unacknowledged; the broker requeues it when the channel closes.
			continue
		default:
		}
		c.handle(sub, d)
	}
	c.rebind(sub, ch)
}

// rebind restores a consumer lost while the transport stayed up, such as
// after a broker-side cancel or a consumer timeout. Consumers lost with the
// transport are left to the supervisor. When the rebind fails the transport
// is closed so the supervisor takes over.
func (c *Conn) rebind(sub *subscription, lost Channel) {
	c.mu.Lock()
	t := c.transport
	if c.state != StateConnected || t == nil || sub.ch != lost {
		c.mu.Unlock()
		return
	}
	sub.ch = nil
	_ = lost.Close()
	err := c.bindLocked(sub)
	c.mu.Unlock()

	if err == nil {
		c.metrics.rebinds.Inc()
		c.logger.Warn("consumer lost, rebound", "queue", sub.queue)
		return
	}
	c.logger.Warn("consumer lost, resetting connection", "queue", sub.queue, "error", err)
	_ = t.Close()
}

func (c *Conn) handle(sub *subscription, d amqp.Delivery) {
	delivery := Delivery{
		Topic:       d.RoutingKey,
		MessageID:   d.MessageId,
		Headers:     map[string]any(d.Headers),
		Body:        d.Body,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}
	if delivery.Topic == "" {
		delivery.Topic = sub.topic
	}

	err := sub.invoke(context.Background(), delivery)

	var (
		outcome string
		ackErr  error
	)
	switch {
	case err == nil:
		outcome = outcomeAck
		ackErr = d.Ack(false)
	case !d.Redelivered:
		outcome = outcomeRequeue
		c.logger.Warn("handler failed, requeueing",
			"topic", delivery.Topic,
			"message_id", delivery.MessageID,
			"error", err,
		)
		ackErr = d.Nack(false, true)
	default:
		outcome = outcomeDeadLetter
		c.logger.Error("handler failed on redelivery, dead-lettering",
			"topic", delivery.Topic,
			"message_id", delivery.MessageID,
			"dead_letter_queue", DeadLetterQueue(c.cfg.Service),
			"error", err,
		)
		ackErr = d.Nack(false, false)
	}

	if ackErr != nil {
		c.logger.Warn("acknowledgement failed, broker will redeliver",
			"topic", delivery.Topic,
			"message_id", delivery.MessageID,
			"outcome", outcome,
			"error", ackErr,
		)
		return
	}
	c.metrics.deliveries.WithLabelValues(sub.topic, outcome).Inc()
}

// supervise watches the transport and rebuilds it when it goes away.
func (c *Conn) supervise(notify chan *amqp.Error) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case amqpErr := <-notify:
			if c.closing() {
				return
			}
			c.logger.Warn("broker connection lost", "error", amqpErr)
		}

		c.dropTransport()
		notify = c.reconnect()
		if notify == nil {
			return
		}
	}
}

func (c *Conn) reconnect() chan *amqp.Error {
	for attempt := 1; ; attempt++ {
		if err := c.sleep(context.Background(), c.cfg.backoff(attempt)); err != nil {
			return nil
		}

		c.setState(StateConnecting)
		notify, err := c.open()
		if err == nil {
			c.setState(StateConnected)
			c.metrics.reconnects.Inc()
			c.logger.Info("reconnected to broker", "attempts", attempt, "subscriptions", c.subscriptionCount())
			return notify
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}

		c.setState(StateDisconnected)
		c.logger.Warn("broker reconnect failed", "attempt", attempt, "error", err)
	}
}

func (c *Conn) dropTransport() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.pub = nil
	for _, s := range c.subs {
		s.ch = nil
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
}

func (c *Conn) subscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked moves to s unless the Conn is closed. c.mu must be held.
func (c *Conn) setStateLocked(s State) {
	from := c.state
	if from == StateClosed || from == s {
		return
	}
	c.state = s

	switch {
	case s == StateConnected:
		close(c.ready)
	case from == StateConnected:
		c.ready = make(chan struct{})
	}

	c.metrics.state.Set(float64(s))
	if c.onState != nil {
		c.onState(from, s)
	}
}
