package transfer

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds simulator defaults
type Config struct {
	RateBps         int64
	Latency         time.Duration
	LossProbability float64 // chance that an attempt fails at start
	MaxAttempts     int
	Seed            uint64
}

func (c Config) withDefaults() Config {
	if c.RateBps <= 0 {
		c.RateBps = RateSlow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Request describes one transfer attempt
type Request struct {
	ChunkID      string
	SourceNodeID string
	DestNodeID   string
	SizeBytes    int64
	RateBps      int64 // zero uses the simulator rate
	Attempt      int   // 1-based; zero means 1
}

// EventType names a transfer lifecycle event
type EventType string

const (
	EventStarted   EventType = "transfer_started"
	EventProgress  EventType = "transfer_progress"
	EventCompleted EventType = "transfer_completed"
	EventFailed    EventType = "transfer_failed"
)

// Event is passed to callbacks with a snapshot of the transfer
type Event struct {
	Type     EventType
	Transfer Transfer
}

// Stats summarizes every transfer the simulator has seen
type Stats struct {
	Total           int           `json:"total"`
	Active          int           `json:"active"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	BytesMoved      int64         `json:"bytes_moved"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

type record struct {
	done chan struct{}
	t    Transfer
}

// Simulator models how long chunk transfers take instead of throttling bytes.
// Progress is derived from the injected clock whenever it is read, so a
// transfer's state only changes when someone looks at it or calls Advance.
// Thread-safe: All methods are safe for concurrent access.
type Simulator struct {
	records   map[string]*record
	callbacks map[EventType][]func(Event)
	rng       *rand.Rand
	now       func() time.Time
	order     []string
	cfg       Config
	mu        sync.Mutex
}

// Option customizes a Simulator
type Option func(*Simulator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a simulator with cfg defaults
func NewSimulator(cfg Config, opts ...Option) *Simulator {
	cfg = cfg.withDefaults()
	s := &Simulator{
		records:   make(map[string]*record),
		callbacks: make(map[EventType][]func(Event)),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		now:       time.Now,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAttempts returns how many attempts callers should make per chunk
func (s *Simulator) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// On registers fn for events of type ev. Callbacks run without the simulator lock.
func (s *Simulator) On(ev EventType, fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[ev] = append(s.callbacks[ev], fn)
}

// ExpectedDuration returns the duration of a transfer of size bytes at the simulator's settings
func (s *Simulator) ExpectedDuration(size int64) time.Duration {
	return ExpectedDuration(size, s.cfg.RateBps, s.cfg.Latency)
}

// Start begins one attempt. The transfer is created Pending and moves to
// InProgress; the loss check happens here, once per attempt, and a lost
// attempt is returned Failed together with ErrTransferFailed.
func (s *Simulator) Start(req Request) (Transfer, error) {
	rate := req.RateBps
	if rate <= 0 {
		rate = s.cfg.RateBps
	}
	attempt := max(req.Attempt, 1)

	s.mu.Lock()
	now := s.now()
	t := Transfer{
		ID:           uuid.NewString(),
		ChunkID:      req.ChunkID,
		SourceNodeID: req.SourceNodeID,
		DestNodeID:   req.DestNodeID,
		RateBps:      rate,
		TotalBytes:   req.SizeBytes,
		Latency:      s.cfg.Latency,
		Expected:     ExpectedDuration(req.SizeBytes, rate, s.cfg.Latency),
		Attempt:      attempt,
		State:        StatePending,
		StartedAt:    now,
	}
	rec := &record{t: t, done: make(chan struct{})}
	s.records[t.ID] = rec
	s.order = append(s.order, t.ID)

	rec.t.State = StateInProgress
	events := []Event{{Type: EventStarted, Transfer: rec.t}}
	lost := s.cfg.LossProbability > 0 && s.rng.Float64() < s.cfg.LossProbability
	if lost {
		events = append(events, s.finishLocked(rec, StateFailed, fmt.Sprintf("lost in transit (attempt %d)", attempt), now))
	}
	snapshot := rec.t
	s.mu.Unlock()

	s.emit(events)
	if lost {
		return snapshot, fmt.Errorf("%w: chunk %s to %s: %s", ErrTransferFailed, req.ChunkID, req.DestNodeID, snapshot.Reason)
	}
	return snapshot, nil
}

// Get returns the transfer with progress brought up to date
func (s *Simulator) Get(id string) (Transfer, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	events := s.refreshLocked(rec, s.now())
	t := rec.t
	s.mu.Unlock()

	s.emit(events)
	return t, nil
}

// Progress returns bytesSent/totalBytes for id. It is non-decreasing and
// reaches 1 only at or after the expected duration.
func (s *Simulator) Progress(id string) (float64, error) {
	t, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return t.Progress(), nil
}

// Advance brings every in-progress transfer up to date and returns those that completed
func (s *Simulator) Advance() []Transfer {
	return s.advance(func(Transfer) bool { return true })
}

// AdvanceFor is Advance restricted to transfers arriving at nodeID
func (s *Simulator) AdvanceFor(nodeID string) []Transfer {
	return s.advance(func(t Transfer) bool { return t.DestNodeID == nodeID })
}

func (s *Simulator) advance(match func(Transfer) bool) []Transfer {
	s.mu.Lock()
	now := s.now()
	var events []Event
	var completed []Transfer
	for _, id := range s.order {
		rec := s.records[id]
		if rec.t.State != StateInProgress || !match(rec.t) {
			continue
		}
		events = append(events, s.refreshLocked(rec, now)...)
		if rec.t.State == StateCompleted {
			completed = append(completed, rec.t)
		}
	}
	s.mu.Unlock()

	s.emit(events)
	return completed
}

// Cancel fails an unfinished transfer
func (s *Simulator) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.t.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, rec.t.State)
	}
	ev := s.finishLocked(rec, StateFailed, "cancelled", s.now())
	s.mu.Unlock()

	s.emit([]Event{ev})
	return nil
}

// Wait blocks until id reaches a terminal state or ctx is done.
// It completes the transfer itself once the expected duration has passed.
func (s *Simulator) Wait(ctx context.Context, id string) (Transfer, error) {
	for {
		t, err := s.Get(id)
		if err != nil {
			return t, err
		}
		switch t.State {
		case StateCompleted:
			return t, nil
		case StateFailed:
			return t, fmt.Errorf("%w: %s: %s", ErrTransferFailed, id, t.Reason)
		}

		s.mu.Lock()
		done := s.records[id].done
		s.mu.Unlock()

		timer := time.NewTimer(max(t.Due().Sub(s.now()), time.Millisecond))
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return t, ctx.Err()
		}
		timer.Stop()
	}
}

// Transfers lists every transfer in start order, progress brought up to date
func (s *Simulator) Transfers() []Transfer {
	s.mu.Lock()
	now := s.now()
	var events []Event
	out := make([]Transfer, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		events = append(events, s.refreshLocked(rec, now)...)
		out = append(out, rec.t)
	}
	s.mu.Unlock()

	s.emit(events)
	return out
}

// Stats summarizes all transfers
func (s *Simulator) Stats() Stats {
	s.Advance()

	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	var total time.Duration
	for _, rec := range s.records {
		st.Total++
		switch rec.t.State {
		case StateCompleted:
			st.Completed++
			st.BytesMoved += rec.t.TotalBytes
			total += rec.t.FinishedAt.Sub(rec.t.StartedAt)
		case StateFailed:
			st.Failed++
		default:
			st.Active++
		}
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	if st.Completed > 0 {
		st.AverageDuration = total / time.Duration(st.Completed)
	}
	return st
}

// refreshLocked recomputes bytes sent and completes due transfers; mu must be held
func (s *Simulator) refreshLocked(rec *record, now time.Time) []Event {
	if rec.t.State != StateInProgress {
		return nil
	}
	elapsed := now.Sub(rec.t.StartedAt)
	if elapsed >= rec.t.Expected {
		rec.t.BytesSent = rec.t.TotalBytes
		return []Event{s.finishLocked(rec, StateCompleted, "", rec.t.Due())}
	}
	sent := rec.t.bytesAt(elapsed)
	if sent <= rec.t.BytesSent {
		return nil
	}
	rec.t.BytesSent = sent
	return []Event{{Type: EventProgress, Transfer: rec.t}}
}

func (s *Simulator) finishLocked(rec *record, state State, reason string, at time.Time) Event {
	rec.t.State = state
	rec.t.Reason = reason
	rec.t.FinishedAt = at
	close(rec.done)

	typ := EventCompleted
	if state == StateFailed {
		typ = EventFailed
		log.Printf("transfer[%s]: chunk %s %s -> %s failed: %s",
			rec.t.ID, rec.t.ChunkID, rec.t.SourceNodeID, rec.t.DestNodeID, reason)
	}
	return Event{Type: typ, Transfer: rec.t}
}

func (s *Simulator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	cbs := make(map[EventType][]func(Event), len(s.callbacks))
	for k, v := range s.callbacks {
		cbs[k] = v
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range cbs[ev.Type] {
			fn(ev)
		}
	}
}
