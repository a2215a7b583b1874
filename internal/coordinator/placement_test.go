package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cloudsim/internal/cluster"
)

func testNodes(statuses ...cluster.NodeStatus) []cluster.NodeInfo {
	nodes := make([]cluster.NodeInfo, len(statuses))
	for i, s := range statuses {
		nodes[i] = cluster.NodeInfo{ID: cluster.NodeID(i + 1), Status: s}
	}
	return nodes
}

// TestPlacerRoundRobin tests that the cursor rotates across calls
func TestPlacerRoundRobin(t *testing.T) {
	p := NewPlacer()
	nodes := testNodes(cluster.StatusOnline, cluster.StatusOnline, cluster.StatusOnline)

	var got []string
	for i := 0; i < 7; i++ {
		id, err := p.Next(nodes)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"node-1", "node-2", "node-3", "node-1", "node-2", "node-3", "node-1"}, got)

	p.Reset()
	id, err := p.Next(nodes)
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)
}

// TestPlacerSkipsUnavailable tests that only Online nodes are chosen
func TestPlacerSkipsUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		statuses []cluster.NodeStatus
		want     []string
	}{
		{
			name:     "suspect skipped",
			statuses: []cluster.NodeStatus{cluster.StatusOnline, cluster.StatusSuspect, cluster.StatusOnline},
			want:     []string{"node-1", "node-3", "node-1", "node-3"},
		},
		{
			name:     "offline skipped",
			statuses: []cluster.NodeStatus{cluster.StatusOffline, cluster.StatusOnline, cluster.StatusOffline},
			want:     []string{"node-2", "node-2", "node-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlacer()
			nodes := testNodes(tt.statuses...)
			for i, want := range tt.want {
				id, err := p.Next(nodes)
				require.NoError(t, err)
				assert.Equal(t, want, id, "placement %d", i)
			}
		})
	}
}

// TestPlacerNoAvailableNodes tests the error when nothing is Online
func TestPlacerNoAvailableNodes(t *testing.T) {
	p := NewPlacer()

	_, err := p.Next(nil)
	assert.ErrorIs(t, err, ErrNoAvailableNodes)

	_, err = p.Next(testNodes(cluster.StatusSuspect, cluster.StatusOffline))
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

// TestPlacerCursorSurvivesStatusChange tests that recovery does not reset the rotation
func TestPlacerCursorSurvivesStatusChange(t *testing.T) {
	p := NewPlacer()
	nodes := testNodes(cluster.StatusOnline, cluster.StatusOnline, cluster.StatusOnline)

	id, _ := p.Next(nodes)
	assert.Equal(t, "node-1", id)

	nodes[1].Status = cluster.StatusOffline
	id, _ = p.Next(nodes)
	assert.Equal(t, "node-3", id)

	nodes[1].Status = cluster.StatusOnline
	id, _ = p.Next(nodes)
	assert.Equal(t, "node-1", id)
	id, _ = p.Next(nodes)
	assert.Equal(t, "node-2", id)
}

// TestPlacerConcurrent tests that concurrent callers share the rotation evenly
func TestPlacerConcurrent(t *testing.T) {
	p := NewPlacer()
	nodes := testNodes(cluster.StatusOnline, cluster.StatusOnline, cluster.StatusOnline, cluster.StatusOnline)

	counts := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := p.Next(nodes)
			assert.NoError(t, err)
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := 1; i <= 4; i++ {
		assert.Equal(t, 10, counts[fmt.Sprintf("node-%d", i)])
	}
}
