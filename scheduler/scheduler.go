// Package scheduler implements a cooperative, tick driven task runner.
// Tasks are single threaded: a host loop calls Tick on a steady cadence and
// the scheduler runs ready tasks in (run time, priority, FIFO) order, up to
// a per tick count ceiling and wall clock budget. Tasks never get
// preempted; long work yields by returning Pending or RescheduleIn and is
// invoked again on a later tick.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/pointlod/utils"
)

const (
	// DefaultMaxTasksPerTick caps how many task invocations one tick may
	// make.
	DefaultMaxTasksPerTick = 64
	// DefaultTickBudget is the wall clock ceiling for one tick.
	DefaultTickBudget = 8 * time.Millisecond

	tickAverageWindow = 120
)

// Config holds scheduler parameters.
type Config struct {
	MaxTasksPerTick int
	TickBudget      time.Duration
	// Clock defaults to the wall clock; tests inject a mock.
	Clock  clock.Clock
	Logger golog.Logger
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxTasksPerTick < 0 {
		return errors.New("max tasks per tick must be non-negative")
	}
	if cfg.TickBudget < 0 {
		return errors.New("tick budget must be non-negative")
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxTasksPerTick == 0 {
		cfg.MaxTasksPerTick = DefaultMaxTasksPerTick
	}
	if cfg.TickBudget == 0 {
		cfg.TickBudget = DefaultTickBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// TaskConfig describes one scheduled task.
type TaskConfig struct {
	Name string
	// Priority breaks ties between tasks ready at the same time; higher
	// runs first.
	Priority int
	// Delay postpones the first run.
	Delay time.Duration
	// Quota bounds the time one invocation should spend, surfaced to the
	// task through TaskContext.Remaining. Zero leaves the tick budget as
	// the only bound.
	Quota time.Duration
	// CancelIf, when set, is consulted before every invocation; returning
	// true retires the task without running it.
	CancelIf func() bool
}

// TaskFunc is one cooperative unit of work. It must return promptly, using
// ctx.Remaining as its budget, and report via the verdict whether it is
// finished, wants to continue soon, or wants to run again after a delay.
type TaskFunc func(ctx *TaskContext) Verdict

// TaskContext hands a running task its name, a logger, and how much time
// the current invocation has left.
type TaskContext struct {
	name     string
	logger   golog.Logger
	clock    clock.Clock
	deadline time.Time
}

// Name returns the task's configured name.
func (ctx *TaskContext) Name() string {
	return ctx.name
}

// Logger returns the scheduler's logger.
func (ctx *TaskContext) Logger() golog.Logger {
	return ctx.logger
}

// Remaining returns the time left in this invocation: the smaller of the
// task's own quota and the tick deadline, floored at zero.
func (ctx *TaskContext) Remaining() time.Duration {
	rem := ctx.deadline.Sub(ctx.clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

type verdictKind int

const (
	verdictDone verdictKind = iota
	verdictPending
	verdictReschedule
)

// Verdict is what a task invocation decided: finished, continue at the next
// opportunity, or run again after a delay. The zero value is Done.
type Verdict struct {
	kind  verdictKind
	delay time.Duration
}

// Done retires the task.
func Done() Verdict {
	return Verdict{kind: verdictDone}
}

// Pending requeues the task for immediate reconsideration, behind other
// already ready tasks. Multi step CPU work returns Pending to spread itself
// across ticks.
func Pending() Verdict {
	return Verdict{kind: verdictPending}
}

// RescheduleIn requeues the task to run no sooner than d from now.
func RescheduleIn(d time.Duration) Verdict {
	return Verdict{kind: verdictReschedule, delay: d}
}

// TickStats reports what one tick did.
type TickStats struct {
	Ran       int
	Requeued  int
	Cancelled int
	Remaining int
	Duration  time.Duration
}

// Stats is a running summary across ticks.
type Stats struct {
	Pending         int
	Ticks           uint64
	AvgTickDuration time.Duration
}

type task struct {
	cfg      TaskConfig
	fn       TaskFunc
	runAt    time.Time
	seq      uint64
	terminal bool
}

// Handle allows observing and cancelling a scheduled task.
type Handle struct {
	s *Scheduler
	t *task
}

// Cancel retires the task; it will not be invoked again. Cancelling twice
// or after completion is a no-op.
func (h *Handle) Cancel() {
	h.s.mu.Lock()
	h.s.retireLocked(h.t)
	h.s.mu.Unlock()
}

// Alive reports whether the task may still run.
func (h *Handle) Alive() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return !h.t.terminal
}

// Scheduler runs scheduled tasks cooperatively. Schedule and Cancel are
// safe to call from any goroutine, including from inside a running task;
// Tick must only be driven from one goroutine at a time.
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	logger golog.Logger

	mu      sync.Mutex
	heap    taskHeap
	seq     uint64
	alive   int
	ticks   uint64
	tickAvg *utils.RollingAverage
}

// New returns a scheduler ready to have Tick driven on a cadence.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scheduler config")
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		tickAvg: utils.NewRollingAverage(tickAverageWindow),
	}, nil
}

// Schedule enqueues a task to first run no sooner than cfg.Delay from now.
func (s *Scheduler) Schedule(cfg TaskConfig, fn TaskFunc) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("task function is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("task name is required")
	}
	if cfg.Delay < 0 {
		return nil, errors.New("delay must be non-negative")
	}
	if cfg.Quota < 0 {
		return nil, errors.New("quota must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &task{cfg: cfg, fn: fn, runAt: s.clock.Now().Add(cfg.Delay), seq: s.seq}
	heap.Push(&s.heap, t)
	s.alive++
	return &Handle{s: s, t: t}, nil
}

// Tick runs ready tasks until none are left, the per tick count ceiling is
// reached, or the tick budget elapses.
func (s *Scheduler) Tick() TickStats {
	start := s.clock.Now()
	deadline := start.Add(s.cfg.TickBudget)
	var stats TickStats

	for stats.Ran < s.cfg.MaxTasksPerTick {
		now := s.clock.Now()
		if now.After(deadline) {
			break
		}
		t, ok := s.popReady(now)
		if !ok {
			break
		}

		if t.cfg.CancelIf != nil && t.cfg.CancelIf() {
			s.mu.Lock()
			s.retireLocked(t)
			s.mu.Unlock()
			stats.Cancelled++
			continue
		}

		verdict := s.runTask(t, deadline)
		stats.Ran++

		s.mu.Lock()
		switch {
		case t.terminal:
			// Cancelled while running; the verdict no longer matters.
		case verdict.kind == verdictDone:
			s.retireLocked(t)
		case verdict.kind == verdictPending:
			s.requeueLocked(t, s.clock.Now())
			stats.Requeued++
		case verdict.kind == verdictReschedule:
			s.requeueLocked(t, s.clock.Now().Add(verdict.delay))
			stats.Requeued++
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	stats.Remaining = s.alive
	stats.Duration = s.clock.Now().Sub(start)
	s.ticks++
	s.tickAvg.Add(stats.Duration)
	s.mu.Unlock()
	return stats
}

// Stats summarizes scheduler activity so far.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:         s.alive,
		Ticks:           s.ticks,
		AvgTickDuration: s.tickAvg.Average(),
	}
}

// popReady removes and returns the next live task due at or before now.
func (s *Scheduler) popReady(now time.Time) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.terminal {
			heap.Pop(&s.heap)
			continue
		}
		if top.runAt.After(now) {
			return nil, false
		}
		heap.Pop(&s.heap)
		return top, true
	}
	return nil, false
}

func (s *Scheduler) runTask(t *task, tickDeadline time.Time) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("scheduled task panicked", "task", t.cfg.Name, "panic", r)
			v = Done()
		}
	}()
	deadline := tickDeadline
	if t.cfg.Quota > 0 {
		if qd := s.clock.Now().Add(t.cfg.Quota); qd.Before(deadline) {
			deadline = qd
		}
	}
	return t.fn(&TaskContext{name: t.cfg.Name, logger: s.logger, clock: s.clock, deadline: deadline})
}

func (s *Scheduler) retireLocked(t *task) {
	if !t.terminal {
		t.terminal = true
		s.alive--
	}
}

func (s *Scheduler) requeueLocked(t *task, runAt time.Time) {
	s.seq++
	t.runAt = runAt
	t.seq = s.seq
	heap.Push(&s.heap, t)
}

// taskHeap orders tasks by run time, then priority (higher first), then
// schedule order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	if h[i].cfg.Priority != h[j].cfg.Priority {
		return h[i].cfg.Priority > h[j].cfg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
