package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/network"
)

// fakeClock is a settable clock safe for concurrent use
type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestHealthMonitorSweeps verifies that silent nodes are moved to Offline by the sweep loop
func TestHealthMonitorSweeps(t *testing.T) {
	clock := newFakeClock()
	lv := network.NewLiveness(time.Second, 2, clock.Now)
	lv.Track("node-1")
	lv.Track("node-2")

	monitor := NewHealthMonitor(lv, 5*time.Millisecond)

	var mu sync.Mutex
	var offline []string
	monitor.SetOnOffline(func(nodeID string) {
		mu.Lock()
		offline = append(offline, nodeID)
		mu.Unlock()
	})

	go monitor.Start(context.Background())
	defer monitor.Stop()

	// node-2 keeps heartbeating; node-1 falls silent for 2k intervals
	clock.Advance(2 * time.Second)
	lv.RecordHeartbeat("node-2")
	clock.Advance(2 * time.Second)
	lv.RecordHeartbeat("node-2")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offline) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"node-1"}, offline)
	mu.Unlock()

	st, ok := lv.Status("node-2")
	require.True(t, ok)
	assert.Equal(t, cluster.StatusOnline, st)
}

// TestHealthMonitorEvents verifies the transition history, including recovery
func TestHealthMonitorEvents(t *testing.T) {
	clock := newFakeClock()
	lv := network.NewLiveness(time.Second, 1, clock.Now)
	lv.Track("node-1")

	monitor := NewHealthMonitor(lv, time.Hour)
	monitor.now = clock.Now

	clock.Advance(time.Second)
	lv.Sweep()
	clock.Advance(time.Second)
	lv.Sweep()
	lv.Observe("node-1")

	events := monitor.Events()
	require.Len(t, events, 3)
	assert.Equal(t, cluster.StatusSuspect, events[0].To)
	assert.Equal(t, cluster.StatusOffline, events[1].To)
	assert.Equal(t, cluster.StatusOffline, events[2].From)
	assert.Equal(t, cluster.StatusOnline, events[2].To)
	assert.Equal(t, clock.Now(), events[2].At)
}

// TestHealthMonitorEventsBounded verifies that only the newest transitions are kept
func TestHealthMonitorEventsBounded(t *testing.T) {
	clock := newFakeClock()
	lv := network.NewLiveness(time.Second, 1, clock.Now)
	lv.Track("node-1")
	monitor := NewHealthMonitor(lv, time.Hour)

	for i := 0; i < maxStatusEvents; i++ {
		clock.Advance(time.Second)
		lv.Sweep()
		lv.Observe("node-1")
	}

	events := monitor.Events()
	assert.Len(t, events, maxStatusEvents)
	assert.Equal(t, cluster.StatusOnline, events[len(events)-1].To)
}

// TestHealthMonitorStop verifies that Stop returns once the loop has exited
func TestHealthMonitorStop(t *testing.T) {
	lv := network.NewLiveness(time.Second, 3, nil)
	monitor := NewHealthMonitor(lv, time.Millisecond)

	started := make(chan struct{})
	go func() {
		close(started)
		monitor.Start(context.Background())
	}()
	<-started

	done := make(chan struct{})
	go func() {
		monitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
