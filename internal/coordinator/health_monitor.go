package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/network"
)

// maxStatusEvents bounds the transition history kept by the monitor
const maxStatusEvents = 256

// StatusEvent records one liveness transition seen by the monitor
type StatusEvent struct {
	At     time.Time          `json:"at"`
	NodeID string             `json:"node_id"`
	From   cluster.NodeStatus `json:"from"`
	To     cluster.NodeStatus `json:"to"`
}

// HealthMonitor sweeps the network's liveness registry on a fixed interval so
// that nodes which stop heartbeating move to Suspect and Offline even when
// nobody asks about them.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	liveness  *network.Liveness
	onOffline func(nodeID string) // Callback when a node goes offline
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	events    []StatusEvent // Most recent transitions, oldest first
	interval  time.Duration
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// NewHealthMonitor creates a monitor over lv sweeping every interval.
// It registers itself as lv's change callback, so every transition is recorded
// whether it was found by a sweep or by a status lookup.
//
// Parameters:
//   - lv: Liveness registry owned by the cluster's network manager
//   - interval: How often to sweep (normally the heartbeat interval)
//
// Example:
//
//	monitor := NewHealthMonitor(mgr.Liveness(), time.Second)
//	go monitor.Start(ctx)
func NewHealthMonitor(lv *network.Liveness, interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		liveness: lv,
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	lv.SetOnChange(h.record)
	return h
}

// SetOnOffline sets the callback invoked when a node becomes Offline.
// The cluster uses it to report chunks that can no longer be downloaded.
func (h *HealthMonitor) SetOnOffline(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOffline = callback
}

// Start sweeps until ctx or Stop ends the monitor. It blocks; run it in a goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("health monitor started with interval %v", h.interval)

	for {
		select {
		case <-ticker.C:
			h.liveness.Sweep()
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the sweep loop and waits for it to return
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("health monitor stopped")
}

// Events returns the recorded transitions, oldest first
func (h *HealthMonitor) Events() []StatusEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]StatusEvent(nil), h.events...)
}

// record is the liveness change callback
func (h *HealthMonitor) record(c network.StatusChange) {
	h.mu.Lock()
	h.events = append(h.events, StatusEvent{At: h.now(), NodeID: c.NodeID, From: c.From, To: c.To})
	if len(h.events) > maxStatusEvents {
		h.events = h.events[len(h.events)-maxStatusEvents:]
	}
	cb := h.onOffline
	h.mu.Unlock()

	// Callback runs without the lock so it may query the monitor
	if c.To == cluster.StatusOffline && cb != nil {
		cb(c.NodeID)
	}
}
