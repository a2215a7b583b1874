package scheduler

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/slices"
)

// Priority bounds
const (
	MinPriority = 1
	MaxPriority = 10
)

// ErrInvalidPriority is returned when spawning outside [MinPriority, MaxPriority]
var ErrInvalidPriority = errors.New("priority out of range")

// ErrNoSuchProcess is returned by Kill for an unknown or reaped pid
var ErrNoSuchProcess = errors.New("no such process")

// ErrKilled is recorded as the failure cause of a killed process
var ErrKilled = errors.New("killed")

// Kind classifies a process
type Kind uint8

const (
	KindSystem Kind = iota + 1
	KindUser
	KindDaemon
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "SYSTEM"
	case KindUser:
		return "USER"
	case KindDaemon:
		return "DAEMON"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *Kind) UnmarshalText(text []byte) error {
	for _, kind := range []Kind{KindSystem, KindUser, KindDaemon} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown process kind %q", text)
}

// WakeFunc reports whether a waiting process may run again
type WakeFunc func(now time.Time) bool

// StepFunc performs one time slice of work and says what happens next
type StepFunc func(now time.Time) Result

type outcome uint8

const (
	outcomeYield outcome = iota
	outcomeBlock
	outcomeExit
	outcomeFail
)

// Result is returned by a step
type Result struct {
	wake    WakeFunc
	err     error
	outcome outcome
}

// Yield keeps the process runnable behind its priority peers
func Yield() Result { return Result{outcome: outcomeYield} }

// Block parks the process until wake reports true
func Block(wake WakeFunc) Result { return Result{outcome: outcomeBlock, wake: wake} }

// Sleep parks the process until the given time
func Sleep(until time.Time) Result {
	return Block(func(now time.Time) bool { return !now.Before(until) })
}

// Exit completes the process
func Exit() Result { return Result{outcome: outcomeExit} }

// Fail terminates the process with err
func Fail(err error) Result { return Result{outcome: outcomeFail, err: err} }

type process struct {
	started  time.Time
	step     StepFunc
	wake     WakeFunc
	err      error
	name     string
	arrival  uint64
	pid      int
	priority int
	steps    int
	kind     Kind
	state    State
}

// ProcessInfo is a snapshot of one live process
type ProcessInfo struct {
	StartedAt time.Time `json:"started_at"`
	Owner     string    `json:"owner_node_id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Priority  int       `json:"priority"`
	Steps     int       `json:"steps"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
}

// Stats counts scheduler activity, including reaped processes
type Stats struct {
	Spawned   uint64 `json:"spawned"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Steps     uint64 `json:"steps"`
	Ticks     uint64 `json:"ticks"`
	Live      int    `json:"live"`
	Ready     int    `json:"ready"`
	Waiting   int    `json:"waiting"`
}

// Scheduler is a cooperative round-robin scheduler for one node.
// Every Tick wakes due waiters and runs exactly one step of the best ready
// process, ordered by priority (high first) and then arrival.
// Not safe for concurrent use: the owning node serializes access.
type Scheduler struct {
	procs   map[int]*process
	ready   []*process
	waiting []*process
	owner   string
	nextPID int
	arrival uint64
	stats   Stats
}

// New creates an empty scheduler for owner
func New(owner string) *Scheduler {
	return &Scheduler{
		owner: owner,
		procs: make(map[int]*process),
	}
}

// Spawn adds a Ready process and returns its pid
func (s *Scheduler) Spawn(name string, kind Kind, priority int, step StepFunc) (int, error) {
	if priority < MinPriority || priority > MaxPriority {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	s.nextPID++
	p := &process{
		pid:      s.nextPID,
		name:     name,
		kind:     kind,
		priority: priority,
		state:    StateReady,
		step:     step,
	}
	s.procs[p.pid] = p
	s.enqueue(p)
	s.stats.Spawned++
	return p.pid, nil
}

// Tick advances the scheduler by one time slice.
// It returns the process that ran, or false when nothing was ready.
func (s *Scheduler) Tick(now time.Time) (ProcessInfo, bool) {
	s.stats.Ticks++
	s.wakeDue(now)

	if len(s.ready) == 0 {
		return ProcessInfo{}, false
	}
	p := s.ready[0]
	s.ready = s.ready[1:]
	if p.started.IsZero() {
		p.started = now
	}

	s.must(p, EventDispatch)
	res := s.run(p, now)
	p.steps++
	s.stats.Steps++

	switch res.outcome {
	case outcomeYield:
		s.must(p, EventYield)
		s.enqueue(p)
	case outcomeBlock:
		s.must(p, EventBlock)
		p.wake = res.wake
		s.waiting = append(s.waiting, p)
	case outcomeExit:
		s.must(p, EventExit)
		s.stats.Completed++
	case outcomeFail:
		s.must(p, EventFault)
		p.err = res.err
		s.stats.Failed++
		log.Printf("scheduler[%s]: process %d %s failed: %v", s.owner, p.pid, p.name, res.err)
	}

	info := s.info(p)
	if p.state.Terminal() {
		delete(s.procs, p.pid)
	}
	return info, true
}

// Kill fails a Ready or Waiting process and reaps it.
// A process cannot be killed while its step is executing.
func (s *Scheduler) Kill(pid int) (ProcessInfo, error) {
	p, ok := s.procs[pid]
	if !ok {
		return ProcessInfo{}, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	from := p.state
	next, err := Transition(from, EventKill)
	if err != nil {
		return s.info(p), err
	}
	switch from {
	case StateReady:
		s.ready = slices.DeleteFunc(s.ready, func(q *process) bool { return q == p })
	case StateWaiting:
		s.waiting = slices.DeleteFunc(s.waiting, func(q *process) bool { return q == p })
		p.wake = nil
	}
	p.state = next
	p.err = ErrKilled
	s.stats.Failed++
	delete(s.procs, pid)
	log.Printf("scheduler[%s]: process %d %s killed while %s", s.owner, p.pid, p.name, from)
	return s.info(p), nil
}

// run executes one step, turning a panic into a fault
func (s *Scheduler) run(p *process, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(fmt.Errorf("panic: %v", r))
		}
	}()
	return p.step(now)
}

// wakeDue moves satisfied waiters to the ready queue in the order they blocked
func (s *Scheduler) wakeDue(now time.Time) {
	still := s.waiting[:0]
	for _, p := range s.waiting {
		if p.wake == nil || p.wake(now) {
			s.must(p, EventWake)
			p.wake = nil
			s.enqueue(p)
			continue
		}
		still = append(still, p)
	}
	clear(s.waiting[len(still):])
	s.waiting = still
}

// enqueue inserts p behind every ready process of equal or higher priority
func (s *Scheduler) enqueue(p *process) {
	s.arrival++
	p.arrival = s.arrival
	i := slices.IndexFunc(s.ready, func(q *process) bool { return q.priority < p.priority })
	if i < 0 {
		s.ready = append(s.ready, p)
		return
	}
	s.ready = slices.Insert(s.ready, i, p)
}

// must applies a transition the scheduler itself guarantees to be legal
func (s *Scheduler) must(p *process, e Event) {
	next, err := Transition(p.state, e)
	if err != nil {
		panic(fmt.Sprintf("scheduler[%s]: pid %d: %v", s.owner, p.pid, err))
	}
	p.state = next
}

// Processes lists live processes by pid
func (s *Scheduler) Processes() []ProcessInfo {
	out := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, s.info(p))
	}
	slices.SortFunc(out, func(a, b ProcessInfo) int { return a.PID - b.PID })
	return out
}

// Stats returns the counters together with current queue lengths
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.Live = len(s.procs)
	st.Ready = len(s.ready)
	st.Waiting = len(s.waiting)
	return st
}

func (s *Scheduler) info(p *process) ProcessInfo {
	return ProcessInfo{
		PID:       p.pid,
		Owner:     s.owner,
		Name:      p.name,
		Kind:      p.kind,
		Priority:  p.priority,
		State:     p.state,
		Steps:     p.steps,
		StartedAt: p.started,
	}
}
