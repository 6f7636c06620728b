package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineRetry(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		p := NewDeadlineRetry(100*time.Millisecond, 2*time.Minute)
		now := time.Now()
		state := p.Begin(now)

		outcome, delay := p.Next(state, now, nil)
		assert.Equal(t, Success, outcome)
		assert.Equal(t, time.Duration(0), delay)
		assert.Equal(t, 1, state.Attempts)
		assert.NoError(t, state.LastErr)
	})

	t.Run("failure within deadline retries at fixed interval", func(t *testing.T) {
		p := NewDeadlineRetry(100*time.Millisecond, 2*time.Minute)
		start := time.Now()
		state := p.Begin(start)

		for i := 0; i < 5; i++ {
			now := start.Add(time.Duration(i) * 100 * time.Millisecond)
			outcome, delay := p.Next(state, now, errors.New("connection refused"))
			assert.Equal(t, Retry, outcome)
			assert.Equal(t, 100*time.Millisecond, delay)
		}
		assert.Equal(t, 5, state.Attempts)
		assert.EqualError(t, state.LastErr, "connection refused")
	})

	t.Run("deadline shorter than interval is fatal after first failure", func(t *testing.T) {
		p := NewDeadlineRetry(100*time.Millisecond, 50*time.Millisecond)
		now := time.Now()
		state := p.Begin(now)

		outcome, _ := p.Next(state, now, errors.New("refused"))
		assert.Equal(t, Fatal, outcome)
		assert.Equal(t, 1, state.Attempts)
	})

	t.Run("elapsed past deadline is fatal", func(t *testing.T) {
		p := NewDeadlineRetry(100*time.Millisecond, 2*time.Minute)
		start := time.Now()
		state := p.Begin(start)

		outcome, _ := p.Next(state, start.Add(2*time.Minute), errors.New("refused"))
		assert.Equal(t, Fatal, outcome)
	})

	t.Run("outcome names", func(t *testing.T) {
		assert.Equal(t, "success", Success.String())
		assert.Equal(t, "retry", Retry.String())
		assert.Equal(t, "fatal", Fatal.String())
		assert.Equal(t, "unknown", Outcome(42).String())
	})
}

func TestDo(t *testing.T) {
	t.Run("N failures then success makes N+1 attempts", func(t *testing.T) {
		const failures = 3
		interval := 10 * time.Millisecond
		p := NewDeadlineRetry(interval, time.Minute)

		start := time.Now()
		state, err := Do(context.Background(), p, func(_ context.Context, attempt int) error {
			if attempt <= failures {
				return errors.New("refused")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, failures+1, state.Attempts)
		assert.GreaterOrEqual(t, time.Since(start), failures*interval)
	})

	t.Run("gives up when the deadline is crossed", func(t *testing.T) {
		p := NewDeadlineRetry(10*time.Millisecond, 35*time.Millisecond)

		state, err := Do(context.Background(), p, func(context.Context, int) error {
			return errors.New("refused")
		})

		assert.ErrorIs(t, err, ErrDeadlineExceeded)
		assert.GreaterOrEqual(t, state.Attempts, 2)
		assert.Error(t, state.LastErr)
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		p := NewDeadlineRetry(time.Hour, 2*time.Hour)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := Do(ctx, p, func(context.Context, int) error {
				return errors.New("refused")
			})
			done <- err
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Do did not return after cancel")
		}
	})

	t.Run("already cancelled context makes no attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		state, err := Do(ctx, NewDeadlineRetry(time.Millisecond, time.Second), func(context.Context, int) error {
			called = true
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
		assert.Equal(t, 0, state.Attempts)
	})

	t.Run("attempt context ends at the sequence deadline", func(t *testing.T) {
		p := NewDeadlineRetry(10*time.Millisecond, 50*time.Millisecond)

		start := time.Now()
		state, err := Do(context.Background(), p, func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.ErrorIs(t, err, ErrDeadlineExceeded)
		assert.Equal(t, 1, state.Attempts)
		assert.ErrorIs(t, state.LastErr, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("cancelling ctx interrupts a blocked attempt", func(t *testing.T) {
		p := NewDeadlineRetry(time.Millisecond, time.Hour)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := Do(ctx, p, func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrDeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}
