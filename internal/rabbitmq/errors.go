package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrAcquireDeadlineExceeded = errors.New("rabbitmq: channel acquisition deadline exceeded")
	ErrInvalidTarget           = errors.New("rabbitmq: invalid connection target")

	// Consumer errors
	ErrDeliveryStreamClosed = errors.New("rabbitmq: delivery stream closed")
	ErrDeliveryTagOrder     = errors.New("rabbitmq: delivery tag not increasing")
	ErrPrefetchExceeded     = errors.New("rabbitmq: outstanding deliveries exceed prefetch limit")

	// Acknowledgment errors
	ErrUnknownDeliveryTag = errors.New("rabbitmq: unknown or already acknowledged delivery tag")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError is returned when a channel could not be acquired.
type ConnectionError struct {
	Op        string        // Operation that failed
	URL       string        // Connection URL (sanitized)
	Name      string        // Logical connection name
	Err       error         // Underlying error
	Timestamp time.Time     // When the error occurred
	Attempts  int           // Number of attempts made
	Elapsed   time.Duration // Time spent since the first attempt
	LastErr   error         // Last attempt failure, if any
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("rabbitmq connection error: %s %q failed after %d attempts in %s: %v",
		e.Op, e.Name, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Topology steps, in declaration order.
const (
	StepDeclareExchange = "declare exchange"
	StepSetPrefetch     = "set prefetch"
	StepDeclareQueue    = "declare queue"
	StepBindQueue       = "bind queue"
)

// TopologyError names the provisioning step that failed.
type TopologyError struct {
	Step      string    // One of the Step* constants
	Name      string    // Exchange or queue name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: %s '%s' failed: %v", e.Step, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Conflict reports whether the broker rejected the declaration because an
// entity with the same name exists with different settings.
func (e *TopologyError) Conflict() bool {
	var amqpErr *amqp.Error
	if errors.As(e.Err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// Refused reports whether the broker denied the declaration outright, for
// missing permissions or an operation the server does not allow.
func (e *TopologyError) Refused() bool {
	var amqpErr *amqp.Error
	if errors.As(e.Err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed
	}
	return false
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Sequence   int       // Zero based index of the message within the loop
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %d to %s/%s: %v",
		e.Sequence, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// AckError is returned when a delivery could not be acknowledged.
type AckError struct {
	DeliveryTag uint64
	Err         error
	Timestamp   time.Time
}

func (e *AckError) Error() string {
	return fmt.Sprintf("rabbitmq ack error: delivery tag %d: %v", e.DeliveryTag, e.Err)
}

func (e *AckError) Unwrap() error {
	return e.Err
}

// IsTopologyConflict reports whether err carries a topology declaration
// rejected for mismatching an existing entity.
func IsTopologyConflict(err error) bool {
	var topoErr *TopologyError
	return errors.As(err, &topoErr) && topoErr.Conflict()
}

// IsTopologyRefused reports whether err carries a topology declaration the
// broker refused for permissions or policy. Retrying cannot succeed.
func IsTopologyRefused(err error) bool {
	var topoErr *TopologyError
	return errors.As(err, &topoErr) && topoErr.Refused()
}

// IsFatal reports whether err must stop the connector instead of
// re-running acquisition and provisioning.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrAcquireDeadlineExceeded):
		return true
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrInvalidTarget):
		return true
	case errors.Is(err, ErrUnknownDeliveryTag),
		errors.Is(err, ErrDeliveryTagOrder),
		errors.Is(err, ErrPrefetchExceeded):
		return true
	case IsTopologyConflict(err), IsTopologyRefused(err):
		return true
	}

	return false
}

// IsRestartable reports whether a role that failed with err may re-acquire
// a channel and start over.
func IsRestartable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return true
	}

	var consErr *ConsumerError
	if errors.As(err, &consErr) {
		return true
	}

	var topoErr *TopologyError
	if errors.As(err, &topoErr) {
		// broker went away between acquisition and provisioning
		return true
	}

	var ackErr *AckError
	if errors.As(err, &ackErr) {
		// the broker refused the ack frame, usually a closed channel
		return true
	}

	return false
}

// SanitizeURL masks the password of a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
