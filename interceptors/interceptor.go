package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqlink/internal/rabbitmq"
)

// ErrHandlerPanic wraps a panic recovered from a handler
var ErrHandlerPanic = errors.New("interceptors: handler panicked")

// Interceptor processes a delivery before it reaches the final handler
type Interceptor interface {
	// Intercept handles d and calls next to continue the chain
	Intercept(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{logger: logger}
}

// Add adds an interceptor to the end of the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then returns final wrapped by every interceptor, the first added being
// the outermost.
func (c *InterceptorChain) Then(final rabbitmq.Handler) rabbitmq.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, d amqp.Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		}
	}

	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	c.logger.Debug("interceptor chain built", "interceptors", names)

	return handler
}

// Built-in interceptors

// LoggingInterceptor logs every delivery with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error {
	start := time.Now()

	err := next(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("delivery processing failed",
			"deliveryTag", d.DeliveryTag,
			"messageId", d.MessageId,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("delivery processed",
			"deliveryTag", d.DeliveryTag,
			"messageId", d.MessageId,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time a handler gets per delivery
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler sees a context that ends
// after the timeout; a handler that ignores it is not interrupted.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, d)
	if err == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("delivery %d exceeded %s: %w", d.DeliveryTag, i.timeout, timeoutCtx.Err())
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error so the consume
// loop keeps running.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next rabbitmq.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panic recovered",
				"deliveryTag", d.DeliveryTag,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return next(ctx, d)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
