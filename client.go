// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rmqlink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/rmqlink/interceptors"
	"github.com/glimte/rmqlink/internal/metrics"
	"github.com/glimte/rmqlink/internal/rabbitmq"
)

// Role names one supervised loop of the connector
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Connector runs a producer and a consumer against one broker. Each role
// owns its own connection and channel and goes through acquisition and
// provisioning on its own.
type Connector struct {
	url          string
	name         string
	supervisor   *rabbitmq.Supervisor
	provisioner  *rabbitmq.Provisioner
	producerOpts []rabbitmq.ProducerOption
	consumerOpts []rabbitmq.ConsumerOption
	handler      rabbitmq.Handler
	interceptors []interceptors.Interceptor
	prefetch     uint16
	restart      bool
	restartDelay time.Duration
	logger       *slog.Logger
}

type connectorConfig struct {
	logger         *slog.Logger
	name           string
	prefetch       uint16
	prefetchGlobal bool
	restart        bool
	restartDelay   time.Duration
	supervisorOpts []rabbitmq.SupervisorOption
	producerOpts   []rabbitmq.ProducerOption
	consumerOpts   []rabbitmq.ConsumerOption
	handler        rabbitmq.Handler
	interceptors   []interceptors.Interceptor
}

// Option configures a Connector
type Option func(*connectorConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *connectorConfig) {
		c.logger = logger
	}
}

// WithConnectionName sets the logical connection name. Roles register as
// <name>.producer and <name>.consumer.
func WithConnectionName(name string) Option {
	return func(c *connectorConfig) {
		c.name = name
	}
}

// WithPrefetch sets the prefetch applied to every provisioned channel
func WithPrefetch(limit uint16, global bool) Option {
	return func(c *connectorConfig) {
		c.prefetch = limit
		c.prefetchGlobal = global
	}
}

// WithRestart controls whether a role re-acquires a channel after a
// restartable failure
func WithRestart(enabled bool) Option {
	return func(c *connectorConfig) {
		c.restart = enabled
	}
}

// WithRestartDelay sets the pause before a role is restarted
func WithRestartDelay(delay time.Duration) Option {
	return func(c *connectorConfig) {
		c.restartDelay = delay
	}
}

// WithSupervisorOptions passes options to the channel supervisor
func WithSupervisorOptions(options ...rabbitmq.SupervisorOption) Option {
	return func(c *connectorConfig) {
		c.supervisorOpts = append(c.supervisorOpts, options...)
	}
}

// WithProducerOptions passes options to the producer loop
func WithProducerOptions(options ...rabbitmq.ProducerOption) Option {
	return func(c *connectorConfig) {
		c.producerOpts = append(c.producerOpts, options...)
	}
}

// WithConsumerOptions passes options to the consumer loop
func WithConsumerOptions(options ...rabbitmq.ConsumerOption) Option {
	return func(c *connectorConfig) {
		c.consumerOpts = append(c.consumerOpts, options...)
	}
}

// WithHandler sets the function every consumed delivery is passed to
func WithHandler(handler rabbitmq.Handler) Option {
	return func(c *connectorConfig) {
		c.handler = handler
	}
}

// WithInterceptors appends interceptors around the delivery handler. A
// recovery interceptor is always the outermost.
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(c *connectorConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}

// NewConnector creates a connector for the broker at url
func NewConnector(url string, options ...Option) *Connector {
	cfg := &connectorConfig{
		logger:       slog.Default(),
		name:         "connection_name",
		prefetch:     rabbitmq.DefaultPrefetch,
		restart:      true,
		restartDelay: rabbitmq.DefaultRetryInterval,
	}

	for _, opt := range options {
		opt(cfg)
	}

	supervisorOpts := append([]rabbitmq.SupervisorOption{rabbitmq.WithLogger(cfg.logger)}, cfg.supervisorOpts...)

	return &Connector{
		url:        url,
		name:       cfg.name,
		supervisor: rabbitmq.NewSupervisor(supervisorOpts...),
		provisioner: rabbitmq.NewProvisioner(
			rabbitmq.WithPrefetch(cfg.prefetch, cfg.prefetchGlobal),
			rabbitmq.WithProvisionerLogger(cfg.logger),
		),
		producerOpts: cfg.producerOpts,
		consumerOpts: cfg.consumerOpts,
		handler:      cfg.handler,
		interceptors: cfg.interceptors,
		prefetch:     cfg.prefetch,
		restart:      cfg.restart,
		restartDelay: cfg.restartDelay,
		logger:       cfg.logger,
	}
}

// Target returns the connection target used by role
func (c *Connector) Target(role Role) rabbitmq.Target {
	return rabbitmq.Target{
		URL:  c.url,
		Name: fmt.Sprintf("%s.%s", c.name, role),
	}
}

// Run runs the producer and the consumer concurrently until ctx is
// cancelled or one of them fails fatally, which stops the other.
func (c *Connector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.RunProducer(gctx)
	})
	g.Go(func() error {
		return c.RunConsumer(gctx)
	})

	return g.Wait()
}

// RunProducer runs only the producer role
func (c *Connector) RunProducer(ctx context.Context) error {
	opts := append([]rabbitmq.ProducerOption{
		rabbitmq.WithProducerLogger(c.logger.With("role", RoleProducer)),
		rabbitmq.WithAppID(c.Target(RoleProducer).Name),
	}, c.producerOpts...)
	producer := rabbitmq.NewProducer(opts...)

	return c.supervise(ctx, RoleProducer, producer.Run)
}

// RunConsumer runs only the consumer role
func (c *Connector) RunConsumer(ctx context.Context) error {
	logger := c.logger.With("role", RoleConsumer)

	chain := interceptors.NewInterceptorChain(logger).Add(interceptors.NewRecoveryInterceptor(logger))
	for _, i := range c.interceptors {
		chain.Add(i)
	}
	handler := c.handler
	if handler == nil {
		handler = func(_ context.Context, d amqp.Delivery) error {
			logger.Info("received message", "deliveryTag", d.DeliveryTag, "messageId", d.MessageId, "body", string(d.Body))
			return nil
		}
	}

	opts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithConsumerPrefetch(c.prefetch),
		rabbitmq.WithHandler(chain.Then(handler)),
	}, c.consumerOpts...)
	consumer := rabbitmq.NewConsumer(opts...)

	return c.supervise(ctx, RoleConsumer, consumer.Run)
}

// Provision acquires a channel, declares the topology and releases the
// channel again.
func (c *Connector) Provision(ctx context.Context) error {
	session, err := c.supervisor.AcquireChannel(ctx, rabbitmq.Target{URL: c.url, Name: c.name + ".provision"})
	if err != nil {
		return err
	}
	defer c.closeSession(c.logger, session)

	return c.provisioner.Provision(ctx, session.Channel)
}

// supervise runs acquire, provision and loop for role, starting over after
// restartable failures. Cancellation of ctx is a clean stop.
func (c *Connector) supervise(ctx context.Context, role Role, loop func(context.Context, rabbitmq.Channel) error) error {
	for run := 1; ; run++ {
		logger := c.logger.With("role", role, "run", run, "runID", uuid.NewString())

		err := c.runOnce(ctx, role, logger, loop)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if !c.restart || !rabbitmq.IsRestartable(err) {
			logger.Error("role failed", "error", err, "fatal", rabbitmq.IsFatal(err))
			return fmt.Errorf("%s: %w", role, err)
		}

		logger.Warn("role failed, restarting", "error", err, "restartIn", c.restartDelay)
		metrics.RoleRestartsTotal.WithLabelValues(string(role)).Inc()

		timer := time.NewTimer(c.restartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// runOnce is one full acquire, provision and loop sequence over a fresh
// session, which is closed on return.
func (c *Connector) runOnce(ctx context.Context, role Role, logger *slog.Logger, loop func(context.Context, rabbitmq.Channel) error) error {
	session, err := c.supervisor.AcquireChannel(ctx, c.Target(role))
	if err != nil {
		return err
	}
	defer c.closeSession(logger, session)

	if err := c.provisioner.Provision(ctx, session.Channel); err != nil {
		return err
	}

	logger.Info("role running", "connection", session.Target.Name, "attempts", session.Attempts)
	return loop(ctx, session.Channel)
}

func (c *Connector) closeSession(logger *slog.Logger, session *rabbitmq.Session) {
	if err := session.Close(); err != nil {
		logger.Debug("closing session", "error", err)
	}
}
