package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqlink/internal/rabbitmq"
)

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, s := range tt.statuses {
				registry.Register(staticChecker{name: string(rune('a' + i)), status: s})
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	registry := NewRegistry(
		staticChecker{name: "fast", status: StatusHealthy},
		staticChecker{name: "slow", status: StatusHealthy, delay: time.Second},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, []string{"fast", "slow"}, report.Names())
	assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
}

func TestHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHandler(NewRegistry(staticChecker{name: "a", status: StatusHealthy}), time.Second)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("unhealthy", func(t *testing.T) {
		h := NewHandler(NewRegistry(staticChecker{name: "a", status: StatusUnhealthy}), time.Second)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		h := NewHandler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

// inspectChannel answers the two calls the checkers make.
type inspectChannel struct {
	rabbitmq.Channel
	mock.Mock
}

func (c *inspectChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.Called(name, kind).Error(0)
}

func (c *inspectChannel) QueueInspect(name string) (amqp.Queue, error) {
	args := c.Called(name)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

func (c *inspectChannel) IsClosed() bool { return false }

func (c *inspectChannel) Close() error { return nil }

type nopConnection struct{}

func (nopConnection) Channel() (rabbitmq.Channel, error) { return nil, errors.New("unused") }
func (nopConnection) IsClosed() bool                     { return false }
func (nopConnection) Close() error                       { return nil }

type fakeAcquirer struct {
	channel rabbitmq.Channel
	err     error
}

func (a fakeAcquirer) AcquireChannel(_ context.Context, target rabbitmq.Target) (*rabbitmq.Session, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &rabbitmq.Session{Target: target, Conn: nopConnection{}, Channel: a.channel, Attempts: 1}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerChecker(t *testing.T) {
	target := rabbitmq.Target{URL: "amqp://localhost/", Name: "health"}
	exchange := rabbitmq.DefaultTopology().Exchange

	t.Run("healthy", func(t *testing.T) {
		ch := &inspectChannel{}
		ch.On("ExchangeDeclarePassive", rabbitmq.ExchangeName, amqp.ExchangeDirect).Return(nil)

		result := NewBrokerChecker(fakeAcquirer{channel: ch}, target, exchange, discardLogger()).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "broker", result.Name)
		assert.Equal(t, rabbitmq.ExchangeName, result.Details["exchange"])
		ch.AssertExpectations(t)
	})

	t.Run("missing exchange is degraded", func(t *testing.T) {
		ch := &inspectChannel{}
		ch.On("ExchangeDeclarePassive", rabbitmq.ExchangeName, amqp.ExchangeDirect).
			Return(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'baz_exchange'"})

		result := NewBrokerChecker(fakeAcquirer{channel: ch}, target, exchange, discardLogger()).Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Contains(t, result.Error, "NOT_FOUND")
	})

	t.Run("unreachable broker is unhealthy", func(t *testing.T) {
		acquirer := fakeAcquirer{err: rabbitmq.ErrAcquireDeadlineExceeded}

		result := NewBrokerChecker(acquirer, target, exchange, discardLogger()).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Failed to acquire channel", result.Message)
	})
}

func TestQueueChecker(t *testing.T) {
	target := rabbitmq.Target{URL: "amqp://localhost/", Name: "health"}

	tests := []struct {
		name   string
		queue  amqp.Queue
		err    error
		status Status
	}{
		{"consumed", amqp.Queue{Name: rabbitmq.QueueName, Messages: 12, Consumers: 1}, nil, StatusHealthy},
		{"no consumers", amqp.Queue{Name: rabbitmq.QueueName, Messages: 12}, nil, StatusDegraded},
		{"missing", amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &inspectChannel{}
			ch.On("QueueInspect", rabbitmq.QueueName).Return(tt.queue, tt.err)

			checker := NewQueueChecker(fakeAcquirer{channel: ch}, target, rabbitmq.QueueName, discardLogger())
			result := checker.Check(context.Background())

			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, "queue:foo_queue", result.Name)
			if tt.err == nil {
				assert.Equal(t, tt.queue.Messages, result.Details["messages"])
			}
		})
	}
}
