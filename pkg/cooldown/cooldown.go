// Package cooldown throttles cell edits per connection.
package cooldown

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.Admitted || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Tracker remembers, per connection, when the next edit is allowed. Entries
// live as long as the connection and are never persisted.
type Tracker struct {
	duration time.Duration

	lk          sync.Mutex
	nextAllowed map[string]time.Time
}

func New(duration time.Duration) *Tracker {
	return &Tracker{
		duration:    duration,
		nextAllowed: make(map[string]time.Time),
	}
}

// Duration is the configured cooldown.
func (t *Tracker) Duration() time.Duration {
	return t.duration
}

// TryAdmit admits connID if its cooldown has elapsed and starts a new one.
// A denied attempt leaves the running cooldown untouched.
func (t *Tracker) TryAdmit(connID string, now time.Time) Decision {
	if t.duration <= 0 {
		return Decision{Admitted: true}
	}
	t.lk.Lock()
	defer t.lk.Unlock()
	if next, ok := t.nextAllowed[connID]; ok && now.Before(next) {
		return Decision{RetryAfter: next.Sub(now)}
	}
	t.nextAllowed[connID] = now.Add(t.duration)
	return Decision{Admitted: true}
}

// Release forgets connID.
func (t *Tracker) Release(connID string) {
	t.lk.Lock()
	defer t.lk.Unlock()
	delete(t.nextAllowed, connID)
}

// Len is the number of tracked connections.
func (t *Tracker) Len() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.nextAllowed)
}
