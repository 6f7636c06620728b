// Package reliability holds the retry policy used while acquiring broker
// channels.
//
// The policy is deliberately simple: a fixed interval between attempts and
// a wall-clock deadline measured from the first attempt. Every failure is
// treated the same way. State is explicit and owned by the caller:
//
//	policy := NewDeadlineRetry(100*time.Millisecond, 2*time.Minute)
//	state, err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
//	    return dial(ctx)
//	})
package reliability
