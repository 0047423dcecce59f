package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPolicy is returned by Configure when the policy fields
	// are out of range. The previously active policy stays in effect.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrUnconfigured is returned by Check and CurrentLimit before the
	// first successful Configure.
	ErrUnconfigured = errors.New("rate limit not configured")
)

// Policy is an immutable fixed-window rate limit: at most MaxRequests
// admissions per client per Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Validate checks field ranges. Both fields must be positive.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be > 0 (got %d)", ErrInvalidPolicy, p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0 (got %s)", ErrInvalidPolicy, p.Window)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%d per %s", p.MaxRequests, p.Window)
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool

	// Remaining is the admission budget left in the current window after
	// this decision.
	Remaining int

	// Reset is when the current window ends and the counter resets.
	Reset time.Time

	// RetryAfter is how long a denied client should wait before the
	// window resets. Zero when Allowed.
	RetryAfter time.Duration
}
