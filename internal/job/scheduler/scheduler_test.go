package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/job/engine"
	logx "taskpulse/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{in: "60s", kind: SpecInterval, every: time.Minute},
		{in: "every:2m", kind: SpecInterval, every: 2 * time.Minute},
		{in: "interval:00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "*/1 * * * *", kind: SpecCron, cron: "*/1 * * * *"},
		{in: "@every 1m", kind: SpecCron, cron: "@every 1m"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.every, got.Every)
			assert.Equal(t, tt.cron, got.Cron)
		})
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "00:75", "every:"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestDelayedScheduleInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	first := now.Add(10 * time.Second)
	s := &delayedSchedule{base: cron.Every(time.Minute), notBefore: first, exact: true}

	assert.Equal(t, first, s.Next(now))
	assert.Equal(t, first.Add(time.Minute), s.Next(first))
}

func TestDelayedScheduleCron(t *testing.T) {
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	base, err := p.Parse("*/5 * * * *")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &delayedSchedule{base: base, notBefore: now.Add(6 * time.Minute)}
	assert.Equal(t, now.Add(10*time.Minute), s.Next(now))
}

func TestFirstRunAtWithinSpread(t *testing.T) {
	now := time.Now()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := firstRunAt(now, 10*time.Second, 5*time.Second, rng)
		assert.False(t, got.Before(now.Add(10*time.Second)))
		assert.True(t, got.Before(now.Add(15*time.Second)))
	}
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []engine.Job
}

func (r *recordingSubmitter) Submit(j engine.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return "id", nil
}

func TestTriggerSharesOverlapGate(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	run := func(context.Context) error { return nil }
	require.NoError(t, s.Add("reconciler.tick", "60s", Options{Timeout: time.Second}, run))

	_, err := s.Trigger("reconciler.tick")
	require.NoError(t, err)
	_, err = s.Trigger("reconciler.tick")
	require.NoError(t, err)

	require.Len(t, sub.jobs, 2)
	assert.Same(t, sub.jobs[0].State, sub.jobs[1].State)
	assert.Equal(t, time.Second, sub.jobs[0].Timeout)

	_, err = s.Trigger("missing")
	assert.Error(t, err)
}

func TestStartRegistersAndSnapshots(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(Config{Timezone: "UTC"}, sub, logx.Nop())
	require.NoError(t, s.Add("a", "every:1h", Options{InitialDelay: time.Hour}, func(context.Context) error { return nil }))
	require.Error(t, s.Add("bad", "61 * * * *", Options{}, func(context.Context) error { return nil }))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "every 1h0m0s", snap[0].Spec)
	assert.True(t, snap[0].Next.After(time.Now().Add(59*time.Minute)))

	assert.True(t, s.Remove("a"))
	assert.Empty(t, s.Snapshot())
}

func TestReaddKeepsOverlapGate(t *testing.T) {
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	var running, peak atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	run := func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		return nil
	}

	s := New(Config{}, eng, logx.Nop())
	require.NoError(t, s.Add("reconciler.tick", "60s", Options{}, run))
	_, err := s.Trigger("reconciler.tick")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not start")
	}

	require.True(t, s.Remove("reconciler.tick"))
	require.NoError(t, s.Add("reconciler.tick", "60s", Options{}, run))
	_, err = s.Trigger("reconciler.tick")
	require.ErrorIs(t, err, engine.ErrOverlapSkip)

	close(release)
	require.Eventually(t, func() bool { return !s.Snapshot()[0].Running }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())

	_, err = s.Trigger("reconciler.tick")
	require.NoError(t, err)
}
