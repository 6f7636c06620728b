package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names shared by the producer and the consumer.
const (
	ExchangeName = "baz_exchange"
	ExchangeKind = amqp.ExchangeDirect
	QueueName    = "foo_queue"
	RoutingKey   = "baz_exchange"
	ConsumerTag  = "foo_consumer"
)

// Stream queue limits.
const (
	StreamMaxLengthBytes  int64 = 600_000_000
	StreamMaxSegmentBytes int64 = 500_000_000
)

// StreamDeclareArgs returns the queue arguments selecting a stream queue
// with bounded retention.
func StreamDeclareArgs() amqp.Table {
	return amqp.Table{
		"x-queue-type":                    "stream",
		"x-max-length-bytes":              StreamMaxLengthBytes,
		"x-stream-max-segment-size-bytes": StreamMaxSegmentBytes,
	}
}

// StreamConsumeArgs returns the consume arguments reading the stream from
// its earliest retained offset.
func StreamConsumeArgs() amqp.Table {
	return amqp.Table{
		"x-stream-offset": "first",
	}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the entities one channel provisions
type Topology struct {
	Exchange ExchangeDeclaration
	Queue    QueueDeclaration
	Binding  Binding
}

// DefaultTopology returns the durable direct exchange, stream queue and
// binding the producer and consumer rely on.
func DefaultTopology() Topology {
	return Topology{
		Exchange: ExchangeDeclaration{
			Name:    ExchangeName,
			Type:    ExchangeKind,
			Durable: true,
		},
		Queue: QueueDeclaration{
			Name:      QueueName,
			Durable:   true,
			Arguments: StreamDeclareArgs(),
		},
		Binding: Binding{
			Queue:      QueueName,
			Exchange:   ExchangeName,
			RoutingKey: RoutingKey,
		},
	}
}

// Provisioner declares a Topology on a channel. Declarations are
// idempotent, so Provision runs on every freshly acquired channel.
type Provisioner struct {
	topology       Topology
	prefetch       uint16
	prefetchGlobal bool
	logger         *slog.Logger
}

// ProvisionerOption configures the Provisioner
type ProvisionerOption func(*Provisioner)

// WithTopology replaces the default topology
func WithTopology(topology Topology) ProvisionerOption {
	return func(p *Provisioner) {
		p.topology = topology
	}
}

// WithPrefetch sets the prefetch applied between the exchange and queue
// declarations. A zero limit skips the step.
func WithPrefetch(limit uint16, global bool) ProvisionerOption {
	return func(p *Provisioner) {
		p.prefetch = limit
		p.prefetchGlobal = global
	}
}

// WithProvisionerLogger sets the logger
func WithProvisionerLogger(logger *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// NewProvisioner creates a provisioner for the default topology with the
// default prefetch.
func NewProvisioner(options ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		topology: DefaultTopology(),
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Topology returns the topology this provisioner declares
func (p *Provisioner) Topology() Topology {
	return p.topology
}

// Provision declares the exchange, applies the prefetch, declares the queue
// and binds it, strictly in that order. A failure is returned as a
// *TopologyError naming the step; later steps are not attempted.
func (p *Provisioner) Provision(ctx context.Context, ch Channel) error {
	steps := []struct {
		name   string
		entity string
		run    func() error
		skip   bool
	}{
		{StepDeclareExchange, p.topology.Exchange.Name, func() error { return declareExchange(ch, p.topology.Exchange) }, false},
		{StepSetPrefetch, p.topology.Queue.Name, func() error { return SetPrefetch(ch, p.prefetch, p.prefetchGlobal) }, p.prefetch == 0},
		{StepDeclareQueue, p.topology.Queue.Name, func() error { return declareQueue(ch, p.topology.Queue) }, false},
		{StepBindQueue, p.topology.Binding.Queue, func() error { return bindQueue(ch, p.topology.Binding) }, false},
	}

	for _, step := range steps {
		if step.skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return &TopologyError{Step: step.name, Name: step.entity, Err: err, Timestamp: time.Now()}
		}
		if err := step.run(); err != nil {
			topoErr := &TopologyError{Step: step.name, Name: step.entity, Err: err, Timestamp: time.Now()}
			p.logger.Error("topology provisioning failed",
				"step", step.name,
				"name", step.entity,
				"conflict", topoErr.Conflict(),
				"error", err)
			return topoErr
		}
	}

	p.logger.Debug("topology provisioned",
		"exchange", p.topology.Exchange.Name,
		"queue", p.topology.Queue.Name,
		"prefetch", p.prefetch)

	return nil
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	return err
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
