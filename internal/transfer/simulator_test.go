package transfer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// TestExpectedDuration tests latency + size*8/rate
func TestExpectedDuration(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		rate    int64
		latency time.Duration
		want    time.Duration
	}{
		{"1MiB at 64kb/s", 1 << 20, RateSlow, 0, 128 * time.Second},
		{"1MiB at 64kb/s plus latency", 1 << 20, RateSlow, 50 * time.Millisecond, 128*time.Second + 50*time.Millisecond},
		{"1MiB at 1mb/s", 1 << 20, RateMedium, 0, 8 * time.Second},
		{"fractional seconds", 1000, 16000, 0, 500 * time.Millisecond},
		{"empty", 0, RateFast, 10 * time.Millisecond, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpectedDuration(tt.size, tt.rate, tt.latency))
		})
	}
}

// TestSlowTransferScenario tests a 1MiB chunk at 64kb/s
func TestSlowTransferScenario(t *testing.T) {
	clock := newFakeClock()
	latency := 50 * time.Millisecond
	sim := NewSimulator(Config{RateBps: RateSlow, Latency: latency}, WithClock(clock.Now))

	tr, err := sim.Start(Request{ChunkID: "c0", SourceNodeID: "client", DestNodeID: "node-1", SizeBytes: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, tr.State)
	assert.Equal(t, 128*time.Second+latency, tr.Expected)
	assert.Equal(t, sim.ExpectedDuration(1<<20), tr.Expected)

	last := -1.0
	for elapsed := time.Duration(0); elapsed < tr.Expected; elapsed += 500 * time.Millisecond {
		p, err := sim.Progress(tr.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p, last, "progress is monotonic")
		require.Less(t, p, 1.0, "not complete at %v", elapsed)
		last = p
		clock.Advance(500 * time.Millisecond)
	}

	// back up to exactly one nanosecond before the deadline
	clock.t = tr.StartedAt.Add(tr.Expected - time.Nanosecond)
	p, err := sim.Progress(tr.ID)
	require.NoError(t, err)
	assert.Less(t, p, 1.0)

	clock.Advance(time.Nanosecond)
	p, err = sim.Progress(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)

	got, err := sim.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, tr.Due(), got.FinishedAt)
	assert.Equal(t, int64(1<<20), got.BytesSent)
}

// TestProgressDuringLatency tests that no bytes move before the latency elapses
func TestProgressDuringLatency(t *testing.T) {
	clock := newFakeClock()
	sim := NewSimulator(Config{RateBps: RateMedium, Latency: time.Second}, WithClock(clock.Now))

	tr, err := sim.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 1 << 20})
	require.NoError(t, err)

	clock.Advance(999 * time.Millisecond)
	p, _ := sim.Progress(tr.ID)
	assert.Equal(t, 0.0, p)

	clock.Advance(4*time.Second + time.Millisecond) // half of the 8s wire time
	p, _ = sim.Progress(tr.ID)
	assert.InDelta(t, 0.5, p, 0.001)
}

// TestTransferLoss tests the per-attempt loss check
func TestTransferLoss(t *testing.T) {
	clock := newFakeClock()
	sim := NewSimulator(Config{RateBps: RateFast, LossProbability: 0.5, Seed: 11}, WithClock(clock.Now))

	failed := 0
	for i := 0; i < 200; i++ {
		tr, err := sim.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 1024, Attempt: 2})
		if err != nil {
			assert.ErrorIs(t, err, ErrTransferFailed)
			assert.Equal(t, StateFailed, tr.State)
			assert.Contains(t, tr.Reason, "attempt 2")
			failed++
			continue
		}
		assert.Equal(t, StateInProgress, tr.State)
	}
	assert.Greater(t, failed, 50)
	assert.Less(t, failed, 150)

	clock.Advance(time.Minute)
	st := sim.Stats()
	assert.Equal(t, 200, st.Total)
	assert.Equal(t, failed, st.Failed)
	assert.Equal(t, 200-failed, st.Completed)
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, int64(200-failed)*1024, st.BytesMoved)
	assert.InDelta(t, float64(200-failed)/200, st.SuccessRate, 1e-9)
}

// TestCancel tests cancellation and state monotonicity
func TestCancel(t *testing.T) {
	clock := newFakeClock()
	sim := NewSimulator(Config{RateBps: RateSlow}, WithClock(clock.Now))

	tr, err := sim.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 1 << 20})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	before, _ := sim.Progress(tr.ID)
	require.NoError(t, sim.Cancel(tr.ID))

	clock.Advance(time.Hour)
	got, err := sim.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State, "a failed transfer never completes")
	assert.Equal(t, "cancelled", got.Reason)
	assert.Equal(t, before, got.Progress())

	assert.ErrorIs(t, sim.Cancel(tr.ID), ErrFinished)
	assert.ErrorIs(t, sim.Cancel("missing"), ErrNotFound)
	_, err = sim.Progress("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sim.Wait(context.Background(), tr.ID)
	assert.ErrorIs(t, err, ErrTransferFailed)
}

// TestCallbacks tests lifecycle events
func TestCallbacks(t *testing.T) {
	clock := newFakeClock()
	sim := NewSimulator(Config{RateBps: RateSlow}, WithClock(clock.Now))

	counts := map[EventType]int{}
	for _, ev := range []EventType{EventStarted, EventProgress, EventCompleted, EventFailed} {
		ev := ev
		sim.On(ev, func(e Event) {
			counts[ev]++
			assert.Equal(t, ev, e.Type)
		})
	}

	a, err := sim.Start(Request{ChunkID: "a", DestNodeID: "node-1", SizeBytes: 1 << 16}) // 8s
	require.NoError(t, err)
	b, err := sim.Start(Request{ChunkID: "b", DestNodeID: "node-2", SizeBytes: 1 << 16})
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	sim.Advance()
	require.NoError(t, sim.Cancel(b.ID))

	clock.Advance(4 * time.Second)
	done := sim.AdvanceFor("node-1")
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	assert.Equal(t, 2, counts[EventStarted])
	assert.Equal(t, 2, counts[EventProgress])
	assert.Equal(t, 1, counts[EventCompleted])
	assert.Equal(t, 1, counts[EventFailed])

	list := sim.Transfers()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ChunkID)
	assert.Equal(t, StateCompleted, list[0].State)
	assert.Equal(t, StateFailed, list[1].State)
}

// TestWait tests blocking until completion on the real clock
func TestWait(t *testing.T) {
	sim := NewSimulator(Config{RateBps: RateVeryFast})

	tr, err := sim.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 64 << 10})
	require.NoError(t, err)

	got, err := sim.Wait(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 1.0, got.Progress())

	slow := NewSimulator(Config{RateBps: RateSlow})
	tr, err = slow.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 1 << 20})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Wait(ctx, tr.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestParseRate tests preset lookup
func TestParseRate(t *testing.T) {
	for in, want := range map[string]int64{
		"slow":       65536,
		"64kb/s":     65536,
		"1MB/s":      1 << 20,
		"fast":       10 << 20,
		" very_fast": 100 << 20,
	} {
		got, err := ParseRate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRate("warp")
	assert.Error(t, err)
}

// TestStateJSON tests that transfer records decode after encoding
func TestStateJSON(t *testing.T) {
	for _, st := range []State{StatePending, StateInProgress, StateCompleted, StateFailed} {
		t.Run(st.String(), func(t *testing.T) {
			b, err := json.Marshal(st)
			require.NoError(t, err)
			assert.Equal(t, `"`+st.String()+`"`, string(b))
			var got State
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, st, got)
		})
	}
	var bad State
	assert.Error(t, json.Unmarshal([]byte(`"STALLED"`), &bad))

	clock := newFakeClock()
	sim := NewSimulator(Config{RateBps: RateSlow}, WithClock(clock.Now))
	tr, err := sim.Start(Request{ChunkID: "c", DestNodeID: "node-1", SizeBytes: 1 << 20})
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	live, err := sim.Get(tr.ID)
	require.NoError(t, err)

	b, err := json.Marshal(live)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"IN_PROGRESS"`)
	var decoded Transfer
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, live.ID, decoded.ID)
	assert.Equal(t, StateInProgress, decoded.State)
	assert.Equal(t, live.BytesSent, decoded.BytesSent)
	assert.Equal(t, live.Expected, decoded.Expected)
	assert.True(t, live.StartedAt.Equal(decoded.StartedAt))
}
