package canvas

import (
	"sync"
	"time"
)

type fakeClock struct {
	lk      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	clock   *fakeClock
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (f *fakeClock) Now() time.Time {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	f.lk.Lock()
	defer f.lk.Unlock()
	t := &fakeTicker{clock: f, c: make(chan time.Time, 1), period: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves time forward and fires every ticker that became due. Like
// time.Ticker, ticks are dropped when the receiver is behind.
func (f *fakeClock) Advance(d time.Duration) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.now = f.now.Add(d)
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

func (f *fakeClock) activeTickers() int {
	f.lk.Lock()
	defer f.lk.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.c
}

func (t *fakeTicker) Stop() {
	t.clock.lk.Lock()
	defer t.clock.lk.Unlock()
	t.stopped = true
}
