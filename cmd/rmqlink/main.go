package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rmqlink"
	"github.com/glimte/rmqlink/health"
	"github.com/glimte/rmqlink/internal/config"
	"github.com/glimte/rmqlink/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "rmqlink",
		Short: "Resilient RabbitMQ stream producer and consumer",
		Long: `rmqlink connects to RabbitMQ, declares baz_exchange and the foo_queue
stream, then publishes to it and consumes from it on separate connections.

Environment:
` + config.Usage(),
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&opts.url, "url", "u", "", "RabbitMQ connection URL, overrides AMQP_URL")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level, overrides LOG_LEVEL")

	rootCmd.AddCommand(
		newRunCmd(&opts),
		newProduceCmd(&opts),
		newConsumeCmd(&opts),
		newProvisionCmd(&opts),
		newHealthCmd(&opts),
	)

	return rootCmd
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run producer and consumer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnector(cmd.Context(), opts, func(ctx context.Context, c *rmqlink.Connector) error {
				return c.Run(ctx)
			})
		},
	}
}

func newProduceCmd(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Run only the producer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("count must not be negative, got %d", count)
			}
			return runConnector(cmd.Context(), opts, func(ctx context.Context, c *rmqlink.Connector) error {
				return c.RunProducer(ctx)
			}, rmqlink.WithProducerOptions(rabbitmq.WithPublishLimit(count)))
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages, 0 publishes forever")

	return cmd
}

func newConsumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Run only the consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnector(cmd.Context(), opts, func(ctx context.Context, c *rmqlink.Connector) error {
				return c.RunConsumer(ctx)
			})
		},
	}
}

func newProvisionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Declare the exchange, stream queue and binding, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnector(cmd.Context(), opts, func(ctx context.Context, c *rmqlink.Connector) error {
				return c.Provision(ctx)
			})
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker reachability and the stream queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			supervisor := rabbitmq.NewSupervisor(
				rabbitmq.WithLogger(logger),
				rabbitmq.WithRetryInterval(cfg.AMQP.RetryInterval),
				rabbitmq.WithAcquireDeadline(timeout),
			)
			report := newHealthRegistry(cfg, supervisor, logger).Check(ctx)

			printReport(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return errors.New("broker is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Overall time allowed for the checks")

	return cmd
}

// runConnector loads the config, starts the optional metrics endpoint and
// runs fn until it returns or the process is interrupted.
func runConnector(parent context.Context, opts *globalOptions, fn func(context.Context, *rmqlink.Connector) error, extra ...rmqlink.Option) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector := newConnector(cfg, logger, extra...)

	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, newHealthRegistry(cfg, rabbitmq.NewSupervisor(
			rabbitmq.WithLogger(logger),
			rabbitmq.WithRetryInterval(cfg.AMQP.RetryInterval),
			rabbitmq.WithAcquireDeadline(time.Second),
		), logger))
		go serveMetrics(srv, logger)
		defer shutdownMetrics(srv, logger)
	}

	logger.Info("connector starting",
		"url", rabbitmq.SanitizeURL(cfg.AMQP.URL),
		"connection", cfg.AMQP.ConnectionName,
		"prefetch", cfg.AMQP.Prefetch)

	if err := fn(ctx, connector); err != nil {
		logger.Error("connector stopped", "error", err)
		return err
	}

	logger.Info("connector stopped")
	return nil
}
