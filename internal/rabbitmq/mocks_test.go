package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel is a testify fake of Channel
type mockChannel struct {
	mock.Mock

	mu          sync.Mutex
	notify      chan *amqp.Error
	closeReason *amqp.Error
	closeErr    error
	closed      atomic.Bool
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueInspect(name string) (amqp.Queue, error) {
	mockArgs := m.Called(name)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

// NotifyClose records c and, when a close reason is preset, delivers it
// the way the broker client does on a non graceful close.
func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = c
	if m.closeReason != nil {
		c <- m.closeReason
	}
	return c
}

func (m *mockChannel) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockChannel) Close() error {
	m.closed.Store(true)
	return m.closeErr
}

// mockConnection is a fake Connection handing out a fixed channel
type mockConnection struct {
	channel    Channel
	channelErr error
	closeErr   error
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func (m *mockConnection) Channel() (Channel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return m.channel, nil
}

func (m *mockConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	m.closeCalls.Add(1)
	return m.closeErr
}

// stalledConnection never finishes opening a channel until it is closed
type stalledConnection struct {
	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
}

func newStalledConnection() *stalledConnection {
	return &stalledConnection{done: make(chan struct{})}
}

func (m *stalledConnection) Channel() (Channel, error) {
	<-m.done
	return nil, amqp.ErrClosed
}

func (m *stalledConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *stalledConnection) Close() error {
	m.closed.Store(true)
	m.once.Do(func() { close(m.done) })
	return nil
}

// blockingDialer blocks every dial until ctx ends
func blockingDialer(dials *atomic.Int32) Dialer {
	return func(ctx context.Context, _ Target) (Connection, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// deliveryStream returns a closed, pre-filled delivery channel
func deliveryStream(tags ...uint64) <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery, len(tags))
	for _, tag := range tags {
		ch <- amqp.Delivery{
			DeliveryTag: tag,
			MessageId:   "msg",
			Body:        []byte(DefaultPayload),
		}
	}
	close(ch)
	return ch
}
