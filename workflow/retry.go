package workflow

import "github.com/getlarge/themoltnet-sub004/backoff"

// RetryPolicy controls how a step reacts to a transient failure. The step
// function is invoked up to MaxAttempts times; between attempts the runner
// waits per the Backoff strategy. Exhausting the budget records the failure
// durably and surfaces it to the workflow.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations allowed, including
	// the first. Values below 1 are treated as 1.
	MaxAttempts int
	// Backoff computes the delay before each retry. Nil means no delay.
	Backoff backoff.Strategy
}

// maxAttempts normalizes the attempt budget.
func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NoRetry is the policy for pure, non-transient computation (signature
// verification, risk scanning) where retrying cannot change the outcome.
// The step runs at most once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// DefaultRetry is the policy for remote calls: three attempts with the
// default exponential backoff.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: backoff.DefaultStrategy()}
}
