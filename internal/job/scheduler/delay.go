package scheduler

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// delayedSchedule holds back the first activation of base until notBefore.
// Interval schedules fire exactly at notBefore; cron schedules fire at their
// first slot at or after it.
type delayedSchedule struct {
	base      cron.Schedule
	notBefore time.Time
	exact     bool
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if t.Before(s.notBefore) {
		if s.exact {
			return s.notBefore
		}
		return s.base.Next(s.notBefore.Add(-time.Second))
	}
	return s.base.Next(t)
}

// firstRunAt picks the first activation time: now + delay + a random share of spread.
func firstRunAt(now time.Time, delay, spread time.Duration, rng *rand.Rand) time.Time {
	first := now.Add(delay)
	if spread > 0 && rng != nil {
		first = first.Add(time.Duration(rng.Int63n(int64(spread))))
	}
	return first
}
