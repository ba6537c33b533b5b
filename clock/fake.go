package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the clock forward and fires any ticker whose period has
// elapsed at least once.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, t := range tickers {
		t.maybeFire(now)
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{period: d, ch: make(chan time.Time, 1), last: f.Now()}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

type fakeTicker struct {
	mu     sync.Mutex
	period time.Duration
	last   time.Time
	ch     chan time.Time
	active bool
	once   sync.Once
}

func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped() {
		return
	}
	if now.Sub(t.last) >= t.period {
		t.last = now
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (t *fakeTicker) stopped() bool {
	return t.ch == nil
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.ch = nil
	})
}
