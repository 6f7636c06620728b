package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/rmqlink"
	"github.com/glimte/rmqlink/health"
	"github.com/glimte/rmqlink/internal/config"
	"github.com/glimte/rmqlink/internal/rabbitmq"
)

type globalOptions struct {
	configPath string
	url        string
	logLevel   string
	output     io.Writer
}

// load reads the config and applies flag overrides before validating again.
func (o *globalOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, configError(err)
	}

	if o.url != "" {
		cfg.AMQP.URL = o.url
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, configError(err)
	}

	out := o.output
	if out == nil {
		out = os.Stderr
	}
	logger, err := newLogger(cfg.Logger, out)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}

// configError points invalid settings at the variable reference in --help.
func configError(err error) error {
	if errors.Is(err, config.ErrInvalidConfig) {
		return fmt.Errorf("%w (run rmqlink --help for the environment variables)", err)
	}
	return err
}

func newLogger(cfg config.LoggerConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func newConnector(cfg *config.Config, logger *slog.Logger, extra ...rmqlink.Option) *rmqlink.Connector {
	opts := []rmqlink.Option{
		rmqlink.WithLogger(logger),
		rmqlink.WithConnectionName(cfg.AMQP.ConnectionName),
		rmqlink.WithPrefetch(cfg.PrefetchLimit(), cfg.AMQP.PrefetchGlobal),
		rmqlink.WithRestart(!cfg.DisableRestart),
		rmqlink.WithRestartDelay(cfg.AMQP.RetryInterval),
		rmqlink.WithSupervisorOptions(
			rabbitmq.WithRetryInterval(cfg.AMQP.RetryInterval),
			rabbitmq.WithAcquireDeadline(cfg.AMQP.AcquireDeadline),
		),
		rmqlink.WithProducerOptions(
			rabbitmq.WithPublishInterval(cfg.Publish.Interval),
			rabbitmq.WithPayload([]byte(cfg.Publish.Payload)),
		),
	}

	return rmqlink.NewConnector(cfg.AMQP.URL, append(opts, extra...)...)
}

func newHealthRegistry(cfg *config.Config, acquirer health.Acquirer, logger *slog.Logger) *health.Registry {
	target := rabbitmq.Target{URL: cfg.AMQP.URL, Name: cfg.AMQP.ConnectionName + ".health"}
	topology := rabbitmq.DefaultTopology()

	return health.NewRegistry(
		health.NewBrokerChecker(acquirer, target, topology.Exchange, logger),
		health.NewQueueChecker(acquirer, target, topology.Queue.Name, logger),
	)
}

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "Status: %s (%s)\n", report.Status, report.Duration.Round(time.Millisecond))
	for _, name := range report.Names() {
		check := report.Checks[name]
		fmt.Fprintf(w, "  %-20s %-10s %s", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, ": %s", check.Error)
		}
		fmt.Fprintln(w)
	}
}

func newMetricsServer(addr string, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serveMetrics(srv *http.Server, logger *slog.Logger) {
	logger.Info("metrics endpoint listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics endpoint shutdown", "error", err)
	}
}
