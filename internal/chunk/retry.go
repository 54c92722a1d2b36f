package chunk

// RetryPolicy bounds the position-collision retry loop in Append: a stale
// sequence counter triggers a reload-and-retry, and the policy decides
// when to give up instead of livelocking against a persistently-stale
// allocator. Pure and stateless: no IO, no mutation, decided solely from
// the attempt count.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed. attempt is
	// 0 on the first retry after the initial failed try.
	ShouldRetry(attempt int) bool
}

// RetryPolicyFunc adapts an ordinary function to RetryPolicy.
type RetryPolicyFunc func(attempt int) bool

func (f RetryPolicyFunc) ShouldRetry(attempt int) bool { return f(attempt) }

// BoundedRetryPolicy allows up to Max retries before giving up.
type BoundedRetryPolicy struct {
	Max int
}

func (p BoundedRetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.Max
}

// DefaultMaxPositionRetries bounds the retry loop when a backend is
// constructed without an explicit RetryPolicy.
const DefaultMaxPositionRetries = 8

// DefaultRetryPolicy returns the policy backends fall back to.
func DefaultRetryPolicy() RetryPolicy {
	return BoundedRetryPolicy{Max: DefaultMaxPositionRetries}
}
