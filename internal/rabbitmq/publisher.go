package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqlink/internal/metrics"
)

const (
	// DefaultPayload is the body published on every tick
	DefaultPayload = "Hello world!"
	// DefaultPublishInterval is the pause between publishes
	DefaultPublishInterval = 100 * time.Millisecond
)

// Producer publishes a fixed payload to an exchange at a fixed cadence.
type Producer struct {
	exchange   string
	routingKey string
	payload    []byte
	interval   time.Duration
	limit      int
	appID      string
	logger     *slog.Logger
}

// ProducerOption configures the producer
type ProducerOption func(*Producer)

// WithPayload sets the published body
func WithPayload(payload []byte) ProducerOption {
	return func(p *Producer) {
		p.payload = payload
	}
}

// WithPublishInterval sets the pause between publishes
func WithPublishInterval(interval time.Duration) ProducerOption {
	return func(p *Producer) {
		p.interval = interval
	}
}

// WithPublishLimit stops the loop after n successful publishes. Zero means
// no limit.
func WithPublishLimit(n int) ProducerOption {
	return func(p *Producer) {
		p.limit = n
	}
}

// WithRoute sets the exchange and routing key
func WithRoute(exchange, routingKey string) ProducerOption {
	return func(p *Producer) {
		p.exchange = exchange
		p.routingKey = routingKey
	}
}

// WithAppID sets the AppId property of published messages
func WithAppID(appID string) ProducerOption {
	return func(p *Producer) {
		p.appID = appID
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a producer publishing DefaultPayload to the default
// exchange and routing key.
func NewProducer(options ...ProducerOption) *Producer {
	p := &Producer{
		exchange:   ExchangeName,
		routingKey: RoutingKey,
		payload:    []byte(DefaultPayload),
		interval:   DefaultPublishInterval,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Run publishes until ctx is cancelled, the publish limit is reached, or a
// publish fails. A failure is returned as a *PublishError and is not
// retried here; cancellation and reaching the limit return nil.
func (p *Producer) Run(ctx context.Context, ch Channel) error {
	if p.interval <= 0 || p.limit < 0 {
		return fmt.Errorf("%w: publish interval %s must be positive and limit %d not negative",
			ErrInvalidConfiguration, p.interval, p.limit)
	}

	p.logger.Info("producer started",
		"exchange", p.exchange,
		"routingKey", p.routingKey,
		"interval", p.interval)

	for seq := 0; p.limit == 0 || seq < p.limit; seq++ {
		msg := p.message()
		if err := ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
			if ctx.Err() != nil {
				p.logger.Info("producer stopped", "published", seq)
				return nil
			}
			metrics.PublishFailuresTotal.WithLabelValues(p.exchange).Inc()
			return &PublishError{
				Exchange:   p.exchange,
				RoutingKey: p.routingKey,
				Sequence:   seq,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		metrics.MessagesPublishedTotal.WithLabelValues(p.exchange).Inc()
		p.logger.Debug("message published", "messageId", msg.MessageId, "sequence", seq)

		if p.limit > 0 && seq+1 == p.limit {
			break
		}
		if !p.wait(ctx) {
			p.logger.Info("producer stopped", "published", seq+1)
			return nil
		}
	}

	p.logger.Info("producer reached publish limit", "published", p.limit)
	return nil
}

// wait pauses for the publish interval. It reports false if ctx ended first.
func (p *Producer) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// message builds the publishing for one tick. The body is copied so the
// broker client owns what it is handed.
func (p *Producer) message() amqp.Publishing {
	body := make([]byte, len(p.payload))
	copy(body, p.payload)

	return amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    uuid.NewString(),
		AppId:        p.appID,
		Body:         body,
	}
}
