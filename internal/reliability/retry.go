package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrDeadlineExceeded is returned by Do when the retry deadline would be
// crossed by another attempt.
var ErrDeadlineExceeded = errors.New("reliability: retry deadline exceeded")

// Outcome is the decision taken after one attempt
type Outcome int

const (
	// Success stops the sequence with a result
	Success Outcome = iota
	// Retry waits the returned delay and attempts again
	Retry
	// Fatal stops the sequence without a result
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// RetryState is the explicit state of one attempt sequence. It is local to
// the sequence; nothing about it is shared between callers.
type RetryState struct {
	Attempts int
	Started  time.Time
	LastErr  error
}

// Elapsed returns the wall time since the first attempt started.
func (s *RetryState) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.Started)
}

// DeadlineRetry retries at a fixed interval, never branching on the kind of
// failure, until another attempt would start past the deadline.
type DeadlineRetry struct {
	Interval time.Duration
	Deadline time.Duration
}

// NewDeadlineRetry creates a fixed interval policy bounded by deadline
func NewDeadlineRetry(interval, deadline time.Duration) DeadlineRetry {
	return DeadlineRetry{
		Interval: interval,
		Deadline: deadline,
	}
}

// Begin starts a new attempt sequence at now.
func (p DeadlineRetry) Begin(now time.Time) *RetryState {
	return &RetryState{Started: now}
}

// Next records the attempt that just finished with err and decides what
// happens next.
func (p DeadlineRetry) Next(state *RetryState, now time.Time, err error) (Outcome, time.Duration) {
	state.Attempts++
	if err == nil {
		return Success, 0
	}
	state.LastErr = err

	if state.Elapsed(now)+p.Interval > p.Deadline {
		return Fatal, 0
	}
	return Retry, p.Interval
}

// Do runs fn until it succeeds, the policy gives up or ctx is done. Each
// attempt gets a context that ends with ctx or at the sequence deadline,
// whichever comes first. The returned state is never nil.
func Do(ctx context.Context, policy DeadlineRetry, fn func(ctx context.Context, attempt int) error) (*RetryState, error) {
	state := policy.Begin(time.Now())
	deadline := state.Started.Add(policy.Deadline)

	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		err := fn(attemptCtx, state.Attempts+1)
		cancel()

		outcome, delay := policy.Next(state, time.Now(), err)
		if outcome != Success {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return state, ctxErr
			}
		}

		switch outcome {
		case Success:
			return state, nil
		case Fatal:
			return state, ErrDeadlineExceeded
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return state, ctx.Err()
		}
	}
}
