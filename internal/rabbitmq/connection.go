package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/glimte/rmqlink/internal/metrics"
	"github.com/glimte/rmqlink/internal/reliability"
)

const (
	// DefaultRetryInterval is the fixed wait between acquisition attempts
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultAcquireDeadline bounds a whole acquisition sequence
	DefaultAcquireDeadline = 2 * time.Minute

	defaultHeartbeat      = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Target identifies which broker to connect to and under what name.
type Target struct {
	URL  string
	Name string
}

// Session is one connection and the single channel derived from it.
// It is owned by one role; Close releases both.
type Session struct {
	Target   Target
	Conn     Connection
	Channel  Channel
	Attempts int
}

// Close closes the channel and then the connection.
func (s *Session) Close() error {
	var result *multierror.Error

	if s.Channel != nil && !s.Channel.IsClosed() {
		if err := s.Channel.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close channel: %w", err))
		}
	}
	if s.Conn != nil && !s.Conn.IsClosed() {
		if err := s.Conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Supervisor acquires channels, retrying at a fixed interval until a
// deadline measured from the first attempt.
type Supervisor struct {
	dial     Dialer
	interval time.Duration
	deadline time.Duration
	logger   *slog.Logger
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithDialer replaces the broker dialer
func WithDialer(dial Dialer) SupervisorOption {
	return func(s *Supervisor) {
		s.dial = dial
	}
}

// WithRetryInterval sets the wait between attempts
func WithRetryInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.interval = interval
	}
}

// WithAcquireDeadline sets how long an acquisition may take in total
func WithAcquireDeadline(deadline time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.deadline = deadline
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a new supervisor
func NewSupervisor(options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dial:     DialAMQP,
		interval: DefaultRetryInterval,
		deadline: DefaultAcquireDeadline,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// AcquireChannel opens a connection and one channel on it. Every failure
// is retried the same way; once the deadline would be crossed it returns a
// *ConnectionError wrapping ErrAcquireDeadlineExceeded. A successful call
// returns immediately.
func (s *Supervisor) AcquireChannel(ctx context.Context, target Target) (*Session, error) {
	if target.URL == "" {
		return nil, &ConnectionError{
			Op:        "acquire",
			Name:      target.Name,
			Err:       ErrInvalidTarget,
			Timestamp: time.Now(),
		}
	}
	if s.interval <= 0 || s.deadline <= 0 {
		return nil, &ConnectionError{
			Op:   "acquire",
			URL:  SanitizeURL(target.URL),
			Name: target.Name,
			Err: fmt.Errorf("%w: retry interval %s and acquire deadline %s must be positive",
				ErrInvalidConfiguration, s.interval, s.deadline),
			Timestamp: time.Now(),
		}
	}

	logger := s.logger.With("connection", target.Name, "url", SanitizeURL(target.URL))
	policy := reliability.NewDeadlineRetry(s.interval, s.deadline)
	started := time.Now()

	var session *Session
	state, err := reliability.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		sess, err := s.attempt(ctx, target)
		if err != nil {
			metrics.AcquireAttemptsTotal.WithLabelValues(target.Name, "failure").Inc()
			logger.Warn("channel acquisition failed",
				"attempt", attempt,
				"error", err,
				"nextRetryIn", s.interval)
			return err
		}
		metrics.AcquireAttemptsTotal.WithLabelValues(target.Name, "success").Inc()
		sess.Attempts = attempt
		session = sess
		return nil
	})

	if err != nil {
		if errors.Is(err, reliability.ErrDeadlineExceeded) {
			err = ErrAcquireDeadlineExceeded
		}
		logger.Error("giving up channel acquisition",
			"attempts", state.Attempts,
			"duration", time.Since(started),
			"error", err)
		return nil, &ConnectionError{
			Op:        "acquire",
			URL:       SanitizeURL(target.URL),
			Name:      target.Name,
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  state.Attempts,
			Elapsed:   time.Since(started),
			LastErr:   state.LastErr,
		}
	}

	metrics.AcquireDuration.WithLabelValues(target.Name).Observe(time.Since(started).Seconds())
	logger.Info("channel acquired", "attempts", state.Attempts, "duration", time.Since(started))

	return session, nil
}

// attempt makes one connection plus channel attempt, abandoned as a whole
// when ctx ends. A connection whose channel could not be opened is closed
// before returning.
func (s *Supervisor) attempt(ctx context.Context, target Target) (*Session, error) {
	conn, err := s.dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	type opened struct {
		ch  Channel
		err error
	}
	result := make(chan opened, 1)
	go func() {
		ch, err := conn.Channel()
		result <- opened{ch: ch, err: err}
	}()

	var ch Channel
	select {
	case r := <-result:
		ch, err = r.ch, r.err
	case <-ctx.Done():
		// closing the connection unblocks the pending channel open
		err = ctx.Err()
	}
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug("closing half-open connection", "error", closeErr)
		}
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Session{
		Target:  target,
		Conn:    conn,
		Channel: ch,
	}, nil
}
