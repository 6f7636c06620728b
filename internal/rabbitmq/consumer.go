package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqlink/internal/metrics"
)

// Handler processes one delivery. Acknowledgment is done by the Consumer
// once the handler returns.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumerState is the position of the consume loop
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateWaitingForDelivery
	StateProcessing
	StateAcknowledging
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForDelivery:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateAcknowledging:
		return "acknowledging"
	}
	return "unknown"
}

// Consumer receives deliveries from a queue and acknowledges each one
// individually before taking the next.
type Consumer struct {
	queue       string
	consumerTag string
	args        amqp.Table
	prefetch    uint16
	handler     Handler
	logger      *slog.Logger
	state       atomic.Int32
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithQueue sets the queue to consume from
func WithQueue(queue string) ConsumerOption {
	return func(c *Consumer) {
		c.queue = queue
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumeArgs sets the arguments of the consume registration
func WithConsumeArgs(args amqp.Table) ConsumerOption {
	return func(c *Consumer) {
		c.args = args
	}
}

// WithConsumerPrefetch tells the consumer which prefetch the channel was
// provisioned with, bounding the outstanding deliveries it accepts.
func WithConsumerPrefetch(limit uint16) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = limit
	}
}

// WithHandler sets the delivery handler
func WithHandler(handler Handler) ConsumerOption {
	return func(c *Consumer) {
		c.handler = handler
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer reading the default stream queue from its
// first offset.
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:       QueueName,
		consumerTag: ConsumerTag,
		args:        StreamConsumeArgs(),
		prefetch:    DefaultPrefetch,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.handler == nil {
		c.handler = c.logDelivery
	}

	return c
}

// State returns where the consume loop currently is
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

func (c *Consumer) setState(s ConsumerState) {
	c.state.Store(int32(s))
}

// Run registers the consumer on ch and processes deliveries until ctx is
// cancelled (returns nil) or the delivery stream ends (returns a
// *ConsumerError). Acknowledgment failures are returned as *AckError.
func (c *Consumer) Run(ctx context.Context, ch Channel) error {
	tracker := NewDeliveryTracker(c.prefetch)
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		c.args,
	)
	if err != nil {
		return c.error("consume", err)
	}

	c.logger.Info("consumer started",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetch", c.prefetch)

	defer func() {
		c.setState(StateIdle)
		metrics.OutstandingDeliveries.WithLabelValues(c.queue).Set(0)
		received, acked := tracker.Stats()
		c.logger.Info("consumer stopped", "queue", c.queue, "received", received, "acked", acked)
	}()

	for {
		c.setState(StateWaitingForDelivery)

		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.consumerTag, false); err != nil && !ch.IsClosed() {
				c.logger.Warn("failed to cancel consumer", "consumerTag", c.consumerTag, "error", err)
			}
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return c.streamClosed(closed)
			}
			if err := c.handle(ctx, ch, tracker, delivery); err != nil {
				return err
			}
		}
	}
}

// handle processes one delivery and acknowledges its tag.
func (c *Consumer) handle(ctx context.Context, ch Channel, tracker *DeliveryTracker, delivery amqp.Delivery) error {
	metrics.DeliveriesReceivedTotal.WithLabelValues(c.queue).Inc()
	if err := tracker.Track(delivery.DeliveryTag); err != nil {
		return c.error("track", err)
	}
	metrics.OutstandingDeliveries.WithLabelValues(c.queue).Set(float64(tracker.Outstanding()))

	c.setState(StateProcessing)
	start := time.Now()
	if err := c.handler(ctx, delivery); err != nil {
		// stream queues do not requeue, so the delivery is acknowledged
		// anyway to give the prefetch credit back
		c.logger.Warn("delivery handler failed",
			"deliveryTag", delivery.DeliveryTag,
			"messageId", delivery.MessageId,
			"error", err)
	}
	metrics.ProcessingLatency.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())

	c.setState(StateAcknowledging)
	if err := c.ack(ch, tracker, delivery.DeliveryTag); err != nil {
		return err
	}
	metrics.DeliveriesAckedTotal.WithLabelValues(c.queue).Inc()
	metrics.OutstandingDeliveries.WithLabelValues(c.queue).Set(float64(tracker.Outstanding()))

	return nil
}

// ack acknowledges exactly one tag, after checking it against the ledger.
func (c *Consumer) ack(ch Channel, tracker *DeliveryTracker, tag uint64) error {
	if err := tracker.Ack(tag); err != nil {
		return &AckError{DeliveryTag: tag, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Ack(tag, false); err != nil {
		return &AckError{DeliveryTag: tag, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// streamClosed builds the error for a delivery stream that ended, carrying
// the channel close reason when the broker sent one.
func (c *Consumer) streamClosed(closed <-chan *amqp.Error) error {
	select {
	case reason, ok := <-closed:
		if ok && reason != nil {
			return c.error("receive", fmt.Errorf("%w: %w", ErrDeliveryStreamClosed, reason))
		}
	default:
	}
	return c.error("receive", ErrDeliveryStreamClosed)
}

func (c *Consumer) error(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

func (c *Consumer) logDelivery(_ context.Context, delivery amqp.Delivery) error {
	c.logger.Info("received message",
		"deliveryTag", delivery.DeliveryTag,
		"messageId", delivery.MessageId,
		"body", string(delivery.Body))
	return nil
}
