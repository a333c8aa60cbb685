package events

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown.
// A success closes it; trip consecutive failures open it for base, doubling
// per further failure up to max.
type breaker struct {
	mu        sync.Mutex
	trip      int
	base      time.Duration
	max       time.Duration
	fails     int
	openUntil time.Time
}

func newBreaker(trip int, base, max time.Duration) *breaker {
	if trip <= 0 {
		return nil
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = 2 * time.Minute
	}
	return &breaker{trip: trip, base: base, max: max}
}

func (b *breaker) open(now time.Time) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		return
	}
	b.fails++
	if b.fails < b.trip {
		return
	}
	d := b.base
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.openUntil = now.Add(d)
}

func (b *breaker) failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
