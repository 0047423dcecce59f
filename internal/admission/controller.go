package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount must be a power of two so the hash can be masked.
// 64 shards keeps same-shard contention negligible for single-instance traffic.
const shardCount = 64

// clientState tracks one client's current window.
type clientState struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
	// denied tracks whether we already fired the first-denial hook for
	// this window, resets when the window rolls over
	denied bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*clientState
}

// Controller gates requests by client key against a fixed-window policy.
// The key -> state mapping is owned exclusively by the controller; shards
// keep checks for distinct keys from contending on a single lock.
type Controller struct {
	shards [shardCount]shard

	// active policy, swapped atomically by Configure so Check never
	// observes a torn update. nil until the first Configure.
	policy atomic.Pointer[Policy]

	// retention controls how long an idle client stays in the map before
	// the sweep evicts it. 0 means derive from the active window.
	retention  time.Duration
	sweepEvery time.Duration

	// OnFirstDenied is called once per client per window on the first
	// denial, used for logging without per-request spam.
	OnFirstDenied func(key string)

	// OnDenied is called on every denied request, used for incrementing
	// the prometheus counter.
	OnDenied func(key string)

	// OnEvicted is called after each sweep with the number of entries removed.
	OnEvicted func(n int)
}

type Option func(*Controller)

// WithRetention controls how long an idle client entry stays in the map
// before the background sweep evicts it. Zero derives the retention from
// the active policy (3x the window, 1 minute floor).
func WithRetention(d time.Duration) Option {
	return func(c *Controller) { c.retention = d }
}

// WithSweepEvery controls the background sweep interval.
func WithSweepEvery(d time.Duration) Option {
	return func(c *Controller) { c.sweepEvery = d }
}

// WithOnFirstDenied sets a callback for the first denial per client per
// window. Intentionally separate from OnDenied - we log once, but increment
// counters on each denial.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(c *Controller) { c.OnFirstDenied = fn }
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(key string)) Option {
	return func(c *Controller) { c.OnDenied = fn }
}

// WithOnEvicted sets a callback reporting how many entries each sweep removed.
func WithOnEvicted(fn func(n int)) Option {
	return func(c *Controller) { c.OnEvicted = fn }
}

// New creates a Controller and starts the background sweep goroutine.
// The controller rejects all Check calls with ErrUnconfigured until
// Configure is called.
func New(ctx context.Context, opts ...Option) *Controller {
	c := &Controller{
		sweepEvery: 30 * time.Second,
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*clientState)
	}
	for _, o := range opts {
		o(c)
	}
	// provided context cancels the sweep on app shutdown
	go c.sweep(ctx)
	return c
}

// Configure validates and atomically swaps the active policy. Checks
// already in flight complete under the policy they loaded; active windows
// are not re-evaluated. On error the prior policy remains in effect.
func (c *Controller) Configure(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policy.Store(&p)
	return nil
}

// CurrentLimit returns a snapshot of the active policy.
func (c *Controller) CurrentLimit() (Policy, error) {
	p := c.policy.Load()
	if p == nil {
		return Policy{}, ErrUnconfigured
	}
	return *p, nil
}

// Len reports how many clients are currently tracked.
func (c *Controller) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (c *Controller) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()&(shardCount-1)]
}

// Check decides whether the request identified by key is admitted at time
// now. The lookup, window check, and increment happen as one atomic unit
// under the key's shard lock, so concurrent checks for the same key can
// never admit more than MaxRequests per window. Check never blocks on I/O.
func (c *Controller) Check(key string, now time.Time) (Decision, error) {
	p := c.policy.Load()
	if p == nil {
		return Decision{}, ErrUnconfigured
	}

	s := c.shardFor(key)
	s.mu.Lock()

	st, ok := s.entries[key]
	if !ok {
		st = &clientState{windowStart: now}
		s.entries[key] = st
	}
	st.lastSeen = now

	// the boundary instant belongs to the new window
	if now.Sub(st.windowStart) >= p.Window {
		st.windowStart = now
		st.count = 0
		st.denied = false
	}

	reset := st.windowStart.Add(p.Window)

	if st.count < p.MaxRequests {
		st.count++
		d := Decision{
			Allowed:   true,
			Remaining: p.MaxRequests - st.count,
			Reset:     reset,
		}
		s.mu.Unlock()
		return d, nil
	}

	first := !st.denied
	st.denied = true
	d := Decision{
		Allowed:    false,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: reset.Sub(now),
	}
	// release the shard before calling hooks, they may do slow work
	s.mu.Unlock()

	if first && c.OnFirstDenied != nil {
		c.OnFirstDenied(key)
	}
	if c.OnDenied != nil {
		c.OnDenied(key)
	}
	return d, nil
}

// sweep periodically evicts clients whose window has expired and who have
// been idle longer than the retention. An entry with an active window is
// never removed, even past the retention, so denial state stays visible
// until the window closes.
func (c *Controller) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.sweepOnce(now); n > 0 && c.OnEvicted != nil {
				c.OnEvicted(n)
			}
		}
	}
}

func (c *Controller) sweepOnce(now time.Time) int {
	p := c.policy.Load()
	if p == nil {
		return 0
	}

	retention := c.retention
	if retention <= 0 {
		retention = 3 * p.Window
		if retention < time.Minute {
			retention = time.Minute
		}
	}

	evicted := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, st := range s.entries {
			if now.Sub(st.windowStart) < p.Window {
				continue // window still active
			}
			if now.Sub(st.lastSeen) > retention {
				delete(s.entries, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}
