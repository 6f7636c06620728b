package rmqlink

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqlink/internal/rabbitmq"
)

// fakeBroker routes everything published on any of its channels to every
// consumer registered on any of its channels, in publish order.
type fakeBroker struct {
	mu         sync.Mutex
	targets    []rabbitmq.Target
	failAfter  int
	conflict   bool
	declareErr error
	dialErr    error

	messages  chan []byte
	published atomic.Int32
	acked     atomic.Int32
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{messages: make(chan []byte, 1024)}
}

func (b *fakeBroker) dial(_ context.Context, target rabbitmq.Target) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.targets = append(b.targets, target)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConnection{broker: b}, nil
}

func (b *fakeBroker) dialedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.targets))
	for _, target := range b.targets {
		names = append(names, target.Name)
	}
	return names
}

// publish reports false once when the configured failure point is reached.
func (b *fakeBroker) publish(body []byte) bool {
	b.mu.Lock()
	if b.failAfter > 0 && int(b.published.Load()) == b.failAfter {
		b.failAfter = 0
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.messages <- body
	return true
}

type fakeConnection struct {
	broker *fakeBroker
	closed atomic.Bool
}

func (c *fakeConnection) Channel() (rabbitmq.Channel, error) {
	return &fakeChannel{broker: c.broker, done: make(chan struct{})}, nil
}

func (c *fakeConnection) IsClosed() bool { return c.closed.Load() }

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
}

func (ch *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if ch.broker.declareErr != nil {
		return amqp.Queue{}, ch.broker.declareErr
	}
	if ch.broker.conflict {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-queue-type'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: len(ch.broker.messages)}, nil
}

func (ch *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (ch *fakeChannel) Qos(int, int, bool) error { return nil }

func (ch *fakeChannel) PublishWithContext(ctx context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.closed.Load() {
		return amqp.ErrClosed
	}
	if !ch.broker.publish(msg.Body) {
		_ = ch.Close()
		return amqp.ErrClosed
	}
	return nil
}

func (ch *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	out := make(chan amqp.Delivery)

	go func() {
		defer close(out)
		var tag uint64
		for {
			select {
			case <-ch.done:
				return
			case body := <-ch.broker.messages:
				tag++
				select {
				case out <- amqp.Delivery{DeliveryTag: tag, Body: body}:
				case <-ch.done:
					return
				}
			}
		}
	}()

	return out, nil
}

func (ch *fakeChannel) Cancel(string, bool) error {
	ch.stop()
	return nil
}

func (ch *fakeChannel) Ack(uint64, bool) error {
	if ch.closed.Load() {
		return amqp.ErrClosed
	}
	ch.broker.acked.Add(1)
	return nil
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return c }

func (ch *fakeChannel) IsClosed() bool { return ch.closed.Load() }

func (ch *fakeChannel) Close() error {
	ch.closed.Store(true)
	ch.stop()
	return nil
}

func (ch *fakeChannel) stop() {
	ch.once.Do(func() { close(ch.done) })
}
