package pbft

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Timeout is a monotonic one-shot timer with explicit start/stop/check
// semantics (§4.1). It wraps time.Timer the way the teacher's raft.Raft
// wraps electionTimer/heartbeatTimer, but exposes a non-blocking
// CheckExpired instead of requiring the caller to select on a channel —
// the driver loop in internal/agent polls every Timeout alongside its
// event queue in one place.
type Timeout struct {
	mu      sync.Mutex
	timer   *time.Timer
	active  bool
	expired bool
}

// Start arms the timer for duration d, replacing any timer already
// running.
func (t *Timeout) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.expired = false
	t.active = true
	timer := time.NewTimer(d)
	t.timer = timer
	go func() {
		<-timer.C
		t.mu.Lock()
		if t.timer == timer {
			t.expired = true
		}
		t.mu.Unlock()
	}()
}

// Stop disarms the timer. It is a no-op if the timer isn't active.
func (t *Timeout) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.active = false
	t.expired = false
}

// IsActive reports whether the timer is currently armed (not yet
// stopped or expired-and-consumed).
func (t *Timeout) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// CheckExpired reports whether the timer has fired since the last Start,
// and clears the flag so a caller only observes each expiry once.
func (t *Timeout) CheckExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		t.expired = false
		t.active = false
		return true
	}
	return false
}

// Timeouts bundles the three timers the state machine drives: idle (the
// primary must produce a block), commit (the network must commit the
// currently-prepared block), and view-change (the new primary must
// deliver NewView). It also owns the absolute-wall-clock min-interval
// throttle on re-arming the view-change timer, so a flood of ViewChange
// messages from a faulty peer can't thrash it.
type Timeouts struct {
	Idle       Timeout
	Commit     Timeout
	ViewChange Timeout

	viewChangeLimiter *rate.Limiter
}

// NewTimeouts builds a Timeouts whose view-change timer will not rearm
// more often than once per minInterval, regardless of how many times
// StartViewChangeTimer is called.
func NewTimeouts(minInterval time.Duration) *Timeouts {
	var limit rate.Limit
	if minInterval <= 0 {
		limit = rate.Inf
	} else {
		limit = rate.Every(minInterval)
	}
	return &Timeouts{viewChangeLimiter: rate.NewLimiter(limit, 1)}
}

// StartViewChangeTimer arms the view-change timer for
// base * (target - current), per §4.1, unless the min-interval throttle
// says it's too soon — in which case it reports false and leaves any
// already-running timer untouched.
func (t *Timeouts) StartViewChangeTimer(base time.Duration, target, current View) bool {
	if !t.viewChangeLimiter.Allow() {
		return false
	}
	factor := uint64(target) - uint64(current)
	if factor == 0 {
		factor = 1
	}
	t.ViewChange.Start(time.Duration(factor) * base)
	return true
}
