package recolor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/atomic"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/scheduler"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize        = 50_000
	DefaultEconomyThreshold = 1_000_000
	DefaultEconomyLimit     = 200_000
	DefaultDebounceWindow   = 150 * time.Millisecond
	DefaultRedrawInterval   = 33 * time.Millisecond
	DefaultPriority         = 3
)

// CacheView is the level cache side a rebuild coordinates with: it names
// the indices to color first and receives every batch that lands so per
// level color subsets stay in step with the cloud.
type CacheView interface {
	// LastVisible returns the indices drawn by the most recent frame.
	LastVisible() []int32

	// ApplyColors re-reads the cloud color of each index into every
	// published cache.
	ApplyColors(indices []int32)
}

// Reporter receives the summary compiled when a rebuild finalizes.
type Reporter interface {
	Report(Summary)
}

// Economy describes the sampling policy applied to a rebuild's primary
// stream.
type Economy struct {
	// Enabled is true when a heavy mode met the cloud size threshold and
	// the visible set was strided.
	Enabled   bool
	Threshold int
	// Visible is the size of the visible set before striding.
	Visible int
	Limit   int
	// Step is the stride through the visible set; 1 keeps it whole.
	Step int
}

// Summary is the telemetry record of one finalized rebuild.
type Summary struct {
	// Cloud is the configured name of the cloud that was recolored.
	Cloud      string
	Generation uint64
	// Success is false when the rebuild failed to start or run. A rebuild
	// superseded by a newer request reports nothing at all.
	Success      bool
	Processed    int
	Total        int
	PrimaryTotal int
	// Duration covers the whole rebuild, PrimaryDuration only the visible
	// first portion.
	Duration        time.Duration
	PrimaryDuration time.Duration
	// Rate is processed indices per second over Duration.
	Rate            float64
	PeakMemoryBytes uint64
	Mode            Mode
	Economy         Economy
}

// Config configures a Pipeline.
type Config struct {
	Cloud     *pc.Cloud
	Scheduler *scheduler.Scheduler
	// Caches, when set, supplies the visible set and receives batch
	// updates. Without it every index goes through the secondary stream.
	Caches CacheView
	// Reporter, when set, receives the Summary of every finalized rebuild.
	Reporter Reporter
	// Redraw, when set, is called throttled after batches land and once,
	// forced, at finalization.
	Redraw func()
	// Name tags summaries.
	Name string
	// BatchSize bounds the indices colored per scheduler invocation.
	BatchSize int
	// EconomyThreshold and EconomyLimit gate primary stream sampling for
	// heavy modes.
	EconomyThreshold int
	EconomyLimit     int
	// DebounceWindow collapses request bursts. Zero means the default;
	// negative disables debouncing and schedules requests inline.
	DebounceWindow time.Duration
	// RedrawInterval throttles Redraw between batches.
	RedrawInterval time.Duration
	// Priority orders rebuild tasks against other scheduled work.
	Priority int

	Clock  clock.Clock
	Logger golog.Logger
}

// Validate ensures the config has its required fields.
func (cfg Config) Validate() error {
	if cfg.Cloud == nil {
		return errors.New("config needs a cloud")
	}
	if cfg.Scheduler == nil {
		return errors.New("config needs a scheduler")
	}
	if cfg.Logger == nil {
		return errors.New("config needs a logger")
	}
	if cfg.BatchSize < 0 || cfg.EconomyThreshold < 0 || cfg.EconomyLimit < 0 {
		return errors.New("sizes must not be negative")
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "cloud"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.EconomyThreshold == 0 {
		cfg.EconomyThreshold = DefaultEconomyThreshold
	}
	if cfg.EconomyLimit == 0 {
		cfg.EconomyLimit = DefaultEconomyLimit
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.RedrawInterval == 0 {
		cfg.RedrawInterval = DefaultRedrawInterval
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Pipeline owns color rebuilds for one cloud. Requests may arrive from any
// goroutine; every buffer write happens on the scheduler thread.
type Pipeline struct {
	cfg        Config
	logger     golog.Logger
	clock      clock.Clock
	cloud      *pc.Cloud
	sched      *scheduler.Scheduler
	generation atomic.Uint64
	debounced  func(func())
	proc       *process.Process

	mu         sync.Mutex
	originals  []pc.Color
	handle     *scheduler.Handle
	lastRedraw time.Time
}

// New returns a pipeline for cfg's cloud. The cloud may still be empty;
// rebuilds requested before it has colors finalize as failures.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		cloud:  cfg.Cloud,
		sched:  cfg.Scheduler,
	}
	if cfg.DebounceWindow > 0 {
		p.debounced = debounce.New(cfg.DebounceWindow)
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p, nil
}

// rebuild is the state of one in flight recolor.
type rebuild struct {
	generation uint64
	spec       Spec
	fn         colorFunc
	colors     pc.ColorSlice
	total      int

	primary   []int32
	inPrimary bitset
	pi        int
	nextOther int32

	processed   int
	primaryDone bool
	started     time.Time
	primaryEnd  time.Time
	economy     Economy
	peakRSS     uint64
	batch       []int32
}

// Request asks for the cloud to be recolored per spec. It returns once the
// request is minted; the rebuild itself runs on the scheduler. A newer
// request supersedes an older one even mid flight, and bursts inside the
// debounce window collapse to the newest request.
func (p *Pipeline) Request(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec = spec.withDefaults()
	gen := p.generation.Inc()

	p.mu.Lock()
	if p.handle != nil {
		p.handle.Cancel()
		p.handle = nil
	}
	p.mu.Unlock()

	start := func() { p.begin(spec, gen) }
	if p.debounced != nil {
		p.debounced(start)
	} else {
		start()
	}
	return nil
}

// Busy reports whether a rebuild is scheduled or running.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil && p.handle.Alive()
}

// Generation returns the token of the most recent request.
func (p *Pipeline) Generation() uint64 {
	return p.generation.Load()
}

// begin schedules the rebuild task. It may run on the debounce timer
// goroutine, so it touches no cloud state itself; the first task
// invocation does that on the scheduler thread.
func (p *Pipeline) begin(spec Spec, gen uint64) {
	if p.generation.Load() != gen {
		return
	}
	r := &rebuild{generation: gen, spec: spec, started: p.clock.Now()}
	handle, err := p.sched.Schedule(scheduler.TaskConfig{
		Name:     fmt.Sprintf("recolor-%s", spec.Mode),
		Priority: p.cfg.Priority,
		CancelIf: func() bool { return p.generation.Load() != gen },
	}, func(*scheduler.TaskContext) scheduler.Verdict {
		return p.step(r)
	})
	if err != nil {
		p.logger.Errorw("failed to schedule color rebuild", "mode", spec.Mode, "error", err)
		return
	}
	p.mu.Lock()
	if p.generation.Load() == gen {
		p.handle = handle
	}
	p.mu.Unlock()
}

func (p *Pipeline) step(r *rebuild) scheduler.Verdict {
	if p.generation.Load() != r.generation {
		return scheduler.Done()
	}
	if r.fn == nil {
		if err := p.initRun(r); err != nil {
			p.logger.Errorw("color rebuild failed to start",
				"mode", r.spec.Mode, "error", err)
			p.finalize(r, false)
			return scheduler.Done()
		}
	}
	// Appends between invocations can reallocate the cloud's storage, so
	// the buffer is re-fetched rather than held across yields.
	r.colors = p.cloud.MutableColors()

	r.batch = r.batch[:0]
	switch {
	case r.pi < len(r.primary):
		for r.pi < len(r.primary) && len(r.batch) < p.cfg.BatchSize {
			idx := r.primary[r.pi]
			r.colors.Set(int(idx), r.fn(idx))
			r.batch = append(r.batch, idx)
			r.pi++
		}
	default:
		for int(r.nextOther) < r.total && len(r.batch) < p.cfg.BatchSize {
			idx := r.nextOther
			r.nextOther++
			if r.inPrimary.has(idx) {
				continue
			}
			r.colors.Set(int(idx), r.fn(idx))
			r.batch = append(r.batch, idx)
		}
	}
	r.processed += len(r.batch)
	if len(r.batch) > 0 && p.cfg.Caches != nil {
		p.cfg.Caches.ApplyColors(r.batch)
	}

	now := p.clock.Now()
	if !r.primaryDone && r.pi == len(r.primary) {
		r.primaryDone = true
		r.primaryEnd = now
	}
	p.sampleRSS(r)

	if r.pi < len(r.primary) || int(r.nextOther) < r.total {
		p.maybeRedraw(now)
		return scheduler.Pending()
	}
	p.finalize(r, true)
	return scheduler.Done()
}

// initRun snapshots everything the rebuild needs: the color buffer, the
// original colors, the visible set, and the bound color function.
func (p *Pipeline) initRun(r *rebuild) error {
	colors := p.cloud.MutableColors()
	if colors == nil {
		return errors.New("cloud has no color buffer")
	}
	r.colors = colors
	r.total = p.cloud.Len()

	// Indices appended since the last rebuild still hold their loaded
	// colors, so extending the snapshot here keeps ModeOriginal exact.
	p.mu.Lock()
	for i := len(p.originals); i < r.total; i++ {
		p.originals = append(p.originals, colors.At(i))
	}
	originals := p.originals
	p.mu.Unlock()

	fn, err := makeColorFunc(r.spec, p.cloud, originals)
	if err != nil {
		return err
	}
	r.fn = fn

	var visible []int32
	if p.cfg.Caches != nil {
		visible = p.cfg.Caches.LastVisible()
	}
	r.economy = Economy{
		Threshold: p.cfg.EconomyThreshold,
		Visible:   len(visible),
		Limit:     p.cfg.EconomyLimit,
		Step:      1,
	}
	if r.spec.Mode.heavy() && r.total > p.cfg.EconomyThreshold {
		r.economy.Enabled = true
		if len(visible) > 0 {
			r.economy.Step = (len(visible) + p.cfg.EconomyLimit - 1) / p.cfg.EconomyLimit
			if r.economy.Step < 1 {
				r.economy.Step = 1
			}
		}
	}

	r.inPrimary = newBitset(r.total)
	for i := 0; i < len(visible); i += r.economy.Step {
		idx := visible[i]
		if idx < 0 || int(idx) >= r.total || r.inPrimary.has(idx) {
			continue
		}
		r.inPrimary.set(idx)
		r.primary = append(r.primary, idx)
	}
	r.batch = make([]int32, 0, p.cfg.BatchSize)
	p.sampleRSS(r)
	return nil
}

func (p *Pipeline) finalize(r *rebuild, success bool) {
	now := p.clock.Now()
	if !r.primaryDone {
		r.primaryDone = true
		r.primaryEnd = now
	}
	sum := Summary{
		Cloud:           p.cfg.Name,
		Generation:      r.generation,
		Success:         success,
		Processed:       r.processed,
		Total:           r.total,
		PrimaryTotal:    len(r.primary),
		Duration:        now.Sub(r.started),
		PrimaryDuration: r.primaryEnd.Sub(r.started),
		PeakMemoryBytes: r.peakRSS,
		Mode:            r.spec.Mode,
		Economy:         r.economy,
	}
	if sum.Duration > 0 {
		sum.Rate = float64(sum.Processed) / sum.Duration.Seconds()
	}
	if p.cfg.Reporter != nil {
		p.cfg.Reporter.Report(sum)
	}
	p.logger.Infow("color rebuild finalized",
		"mode", sum.Mode,
		"success", success,
		"processed", sum.Processed,
		"total", sum.Total,
		"primary", sum.PrimaryTotal,
		"took", sum.Duration,
	)
	p.forceRedraw(now)
}

func (p *Pipeline) maybeRedraw(now time.Time) {
	if p.cfg.Redraw == nil {
		return
	}
	p.mu.Lock()
	due := now.Sub(p.lastRedraw) >= p.cfg.RedrawInterval
	if due {
		p.lastRedraw = now
	}
	p.mu.Unlock()
	if due {
		p.cfg.Redraw()
	}
}

func (p *Pipeline) forceRedraw(now time.Time) {
	if p.cfg.Redraw == nil {
		return
	}
	p.mu.Lock()
	p.lastRedraw = now
	p.mu.Unlock()
	p.cfg.Redraw()
}

func (p *Pipeline) sampleRSS(r *rebuild) {
	if p.proc == nil {
		return
	}
	if mi, err := p.proc.MemoryInfo(); err == nil && mi.RSS > r.peakRSS {
		r.peakRSS = mi.RSS
	}
}

type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int32) {
	b[i>>6] |= 1 << (uint(i) & 63)
}

func (b bitset) has(i int32) bool {
	return b[i>>6]&(1<<(uint(i)&63)) != 0
}
