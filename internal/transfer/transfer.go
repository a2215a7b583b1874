package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTransferFailed is returned when a transfer attempt ends in Failed
	ErrTransferFailed = errors.New("transfer failed")

	// ErrNotFound is returned for unknown transfer ids
	ErrNotFound = errors.New("transfer not found")

	// ErrFinished is returned when cancelling a transfer that already ended
	ErrFinished = errors.New("transfer already finished")
)

// Link speed presets in bits per second
const (
	RateSlow     int64 = 64 << 10  // 64kb/s
	RateMedium   int64 = 1 << 20   // 1mb/s
	RateFast     int64 = 10 << 20  // 10mb/s
	RateVeryFast int64 = 100 << 20 // 100mb/s
)

var presets = map[string]int64{
	"slow":      RateSlow,
	"64kb/s":    RateSlow,
	"medium":    RateMedium,
	"1mb/s":     RateMedium,
	"fast":      RateFast,
	"10mb/s":    RateFast,
	"very_fast": RateVeryFast,
	"100mb/s":   RateVeryFast,
}

// ParseRate resolves a preset name ("slow") or label ("64kb/s") to bits per second
func ParseRate(s string) (int64, error) {
	if r, ok := presets[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown transfer speed %q", s)
}

// State is the lifecycle of a transfer. It never moves backwards.
type State uint8

const (
	StatePending State = iota + 1
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StatePending, StateInProgress, StateCompleted, StateFailed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown transfer state %q", text)
}

// Terminal reports whether the state is Completed or Failed
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ExpectedDuration is latency + size*8/rate seconds
func ExpectedDuration(sizeBytes, rateBps int64, latency time.Duration) time.Duration {
	if rateBps <= 0 {
		return latency
	}
	bits := sizeBytes * 8
	wire := time.Duration(bits/rateBps)*time.Second +
		time.Duration(bits%rateBps)*time.Second/time.Duration(rateBps)
	return latency + wire
}

// Transfer is one simulated movement of a chunk between two nodes
type Transfer struct {
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	ID           string        `json:"transfer_id"`
	ChunkID      string        `json:"chunk_id"`
	SourceNodeID string        `json:"source_node_id"`
	DestNodeID   string        `json:"dest_node_id"`
	Reason       string        `json:"reason,omitempty"`
	RateBps      int64         `json:"rate_bps"`
	BytesSent    int64         `json:"bytes_sent"`
	TotalBytes   int64         `json:"total_bytes"`
	Latency      time.Duration `json:"latency"`
	Expected     time.Duration `json:"expected_duration"`
	Attempt      int           `json:"attempt"`
	State        State         `json:"state"`
}

// Progress returns the fraction of bytes sent in [0,1]
func (t Transfer) Progress() float64 {
	if t.TotalBytes == 0 {
		if t.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(t.BytesSent) / float64(t.TotalBytes)
}

// Due returns when the transfer completes if nothing fails it
func (t Transfer) Due() time.Time {
	return t.StartedAt.Add(t.Expected)
}

// bytesAt returns the bytes on the wire after elapsed.
// Nothing moves during the latency; the total is reached only at Expected.
func (t Transfer) bytesAt(elapsed time.Duration) int64 {
	if elapsed >= t.Expected {
		return t.TotalBytes
	}
	wire := t.Expected - t.Latency
	moving := elapsed - t.Latency
	if moving <= 0 || wire <= 0 {
		return 0
	}
	sent := int64(float64(t.TotalBytes) * float64(moving) / float64(wire))
	return min(sent, t.TotalBytes-1)
}
