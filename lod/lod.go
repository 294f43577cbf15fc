// Package lod maintains the per level point subset caches behind an
// interactive point cloud renderer.
//
// The manager owns one cache per detail level. The finest level, the base
// cache, is built synchronously on the first frame after an invalidation
// and capped at a startup size so the first paint stays fast. A background
// task scheduled on the cooperative scheduler then expands the base toward
// its target size, derives the coarser levels by striding the base index
// list, builds octrees over the base (two bounded samples for quick
// approximate culling, then the full set), and time slices a KD tree build
// for nearest and radius queries. Frame selection switches levels with
// asymmetric enter/exit hysteresis, cross fades across switches, and ramps
// the displayed point budget up once the background pass lands.
package lod

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/pointlod/kdtree"
	"go.viam.com/pointlod/octree"
	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/scheduler"
)

// Defaults applied by New for zero config fields.
const (
	DefaultStartupCacheSize = 250_000
	DefaultTargetCacheSize  = 1_500_000
	DefaultFadeDuration     = 350 * time.Millisecond
	DefaultRampDuration     = 2 * time.Second
	DefaultBuildQuota       = 4 * time.Millisecond
	DefaultMaxBuildPasses   = 4096
	DefaultBuildTimeLimit   = 2 * time.Minute
)

// Scheduling priorities for the manager's background tasks. Lazy octree
// builds outrank the main pass since a frame is already waiting on them.
const (
	buildPriority = 1
	treePriority  = 2
)

// Level pairs a detail fraction with the hysteresis band governing switches
// into and out of it. Enter is the distance ratio at which the level becomes
// the preferred one; Exit is the larger ratio past which the level is
// abandoned for a coarser one.
type Level struct {
	Detail float64
	Enter  float64
	Exit   float64
}

// DefaultLevels is the standard detail ladder from full detail to one point
// in twenty. Each exit bound overlaps the next level's enter bound so a
// ratio sitting on a boundary never oscillates.
var DefaultLevels = []Level{
	{Detail: 1.0, Enter: 0, Exit: 10},
	{Detail: 0.5, Enter: 8, Exit: 20},
	{Detail: 0.25, Enter: 16, Exit: 40},
	{Detail: 0.1, Enter: 32, Exit: 80},
	{Detail: 0.05, Enter: 64, Exit: inf},
}

// Config holds manager parameters.
type Config struct {
	// Cloud is the point sequence being displayed.
	Cloud *pc.Cloud
	// Scheduler runs the manager's background tasks.
	Scheduler *scheduler.Scheduler
	// Levels defaults to DefaultLevels. Levels must be ordered from fine
	// to coarse with overlapping hysteresis bands.
	Levels []Level
	// StartupCacheSize caps the synchronously built base cache.
	StartupCacheSize int
	// TargetCacheSize is the base cache size after background expansion.
	TargetCacheSize int
	// SampleTreeSizes are the bounded octree sample sizes built before the
	// full tree, ascending.
	SampleTreeSizes []int
	// FadeDuration is how long a level switch cross fades.
	FadeDuration time.Duration
	// RampDuration is how long the display budget takes to reach the
	// expanded base size once the background pass completes.
	RampDuration time.Duration
	// BuildQuota bounds one background invocation.
	BuildQuota time.Duration
	// MaxBuildPasses and BuildTimeLimit are hard ceilings on the
	// background pass; exceeding either finalizes it with partial results.
	MaxBuildPasses int
	BuildTimeLimit time.Duration
	// CacheDir enables persisted KD tree builds when non empty.
	CacheDir string
	// Clock defaults to the wall clock; tests inject a mock.
	Clock  clock.Clock
	Logger golog.Logger
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.Cloud == nil {
		return errors.New("cloud is required")
	}
	if cfg.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Levels != nil {
		if err := validateLevels(cfg.Levels); err != nil {
			return err
		}
	}
	if cfg.StartupCacheSize < 0 || cfg.TargetCacheSize < 0 {
		return errors.New("cache sizes must be non-negative")
	}
	for _, s := range cfg.SampleTreeSizes {
		if s <= 0 {
			return errors.New("sample tree sizes must be positive")
		}
	}
	if cfg.FadeDuration < 0 || cfg.RampDuration < 0 || cfg.BuildQuota < 0 ||
		cfg.MaxBuildPasses < 0 || cfg.BuildTimeLimit < 0 {
		return errors.New("durations and ceilings must be non-negative")
	}
	return nil
}

func validateLevels(levels []Level) error {
	if len(levels) == 0 {
		return errors.New("at least one level is required")
	}
	if levels[0].Enter != 0 {
		return errors.New("the finest level must enter at ratio zero")
	}
	for i, l := range levels {
		if l.Detail <= 0 || l.Detail > 1 {
			return errors.Errorf("level %d detail must be in (0, 1], got %v", i, l.Detail)
		}
		if l.Exit <= l.Enter {
			return errors.Errorf("level %d exit bound must exceed its enter bound", i)
		}
		if i == 0 {
			continue
		}
		if l.Detail >= levels[i-1].Detail {
			return errors.New("levels must be ordered from fine to coarse")
		}
		if l.Enter <= levels[i-1].Enter {
			return errors.New("level enter bounds must increase")
		}
		if l.Enter >= levels[i-1].Exit {
			return errors.Errorf("level %d enter bound must sit inside the previous exit bound", i)
		}
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Levels == nil {
		cfg.Levels = append([]Level(nil), DefaultLevels...)
	}
	if cfg.StartupCacheSize == 0 {
		cfg.StartupCacheSize = DefaultStartupCacheSize
	}
	if cfg.TargetCacheSize == 0 {
		cfg.TargetCacheSize = DefaultTargetCacheSize
	}
	if cfg.SampleTreeSizes == nil {
		cfg.SampleTreeSizes = []int{50_000, 400_000}
	}
	if cfg.FadeDuration == 0 {
		cfg.FadeDuration = DefaultFadeDuration
	}
	if cfg.RampDuration == 0 {
		cfg.RampDuration = DefaultRampDuration
	}
	if cfg.BuildQuota == 0 {
		cfg.BuildQuota = DefaultBuildQuota
	}
	if cfg.MaxBuildPasses == 0 {
		cfg.MaxBuildPasses = DefaultMaxBuildPasses
	}
	if cfg.BuildTimeLimit == 0 {
		cfg.BuildTimeLimit = DefaultBuildTimeLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Manager owns the per level caches, the spatial indexes over the base
// cache, and the background task that builds them. All mutation happens on
// the cooperative scheduler thread; the mutex only guards the published
// cache pointers against reentrant frame selection.
type Manager struct {
	cfg    Config
	logger golog.Logger
	clock  clock.Clock
	cloud  *pc.Cloud
	sched  *scheduler.Scheduler

	generation atomic.Uint64

	mu      sync.Mutex
	caches  []*levelCache // parallel to cfg.Levels; nil slots not yet built
	spatial *kdtree.Tree

	active    int
	fadeFrom  int
	fading    bool
	fadeStart time.Time

	rampStart time.Time
	rampFrom  int
	rampTo    int

	lastVisible []int32

	build       *buildState
	buildHandle *scheduler.Handle
	treePending map[int]*scheduler.Handle
}

// New returns a manager for the given cloud. Caches are not built until the
// first SelectFrame call.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid lod config")
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		cloud:       cfg.Cloud,
		sched:       cfg.Scheduler,
		treePending: map[int]*scheduler.Handle{},
	}, nil
}

// Invalidate discards every cache and cancels in flight background work.
// Callers invalidate after mutating the cloud; the next SelectFrame rebuilds
// from scratch under a new generation.
func (m *Manager) Invalidate() {
	gen := m.generation.Inc()
	m.mu.Lock()
	if m.buildHandle != nil {
		m.buildHandle.Cancel()
		m.buildHandle = nil
	}
	m.build = nil
	for _, h := range m.treePending {
		h.Cancel()
	}
	m.treePending = map[int]*scheduler.Handle{}
	m.caches = nil
	m.spatial = nil
	m.active = 0
	m.fading = false
	m.rampStart = time.Time{}
	m.lastVisible = nil
	m.mu.Unlock()
	m.logger.Debugw("lod caches invalidated", "generation", gen)
}

// SpatialIndex returns the KD tree over the base cache, or nil while the
// background pass has not published one.
func (m *Manager) SpatialIndex() *kdtree.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spatial
}

// LastVisible returns the active level's visible indices from the most
// recent frame. The recolor pipeline uses this to prioritize what the user
// is looking at. Callers must treat the slice as read only.
func (m *Manager) LastVisible() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVisible
}

// ApplyColors copies the cloud's current colors for the given original
// indices into every published cache's color subset. The recolor pipeline
// calls this after writing a batch into the cloud's color buffer; it is the
// only mutation a published cache sees.
func (m *Manager) ApplyColors(indices []int32) {
	colors := m.cloud.Colors()
	if colors == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.caches {
		if c == nil || c.colors == nil {
			continue
		}
		for _, idx := range indices {
			if pos, ok := c.position[idx]; ok {
				c.colors[pos] = colors.At(int(idx))
			}
		}
	}
}

// LevelStats describes one level's cache readiness.
type LevelStats struct {
	Level      Level
	Built      bool
	Points     int
	TreeBuilt  bool
	TreeFull   bool
	TreeSample int
}

// Stats is a point in time snapshot of the manager.
type Stats struct {
	Generation   uint64
	ActiveDetail float64
	Budget       int
	Building     bool
	SpatialReady bool
	Levels       []LevelStats
}

// Stats reports cache readiness for diagnostics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Generation:   m.generation.Load(),
		Building:     m.build != nil,
		SpatialReady: m.spatial != nil,
		Levels:       make([]LevelStats, len(m.cfg.Levels)),
	}
	if m.caches != nil {
		st.ActiveDetail = m.cfg.Levels[m.active].Detail
		st.Budget = m.budgetLocked(m.clock.Now())
	}
	for i, l := range m.cfg.Levels {
		ls := LevelStats{Level: l}
		if m.caches != nil && m.caches[i] != nil {
			c := m.caches[i]
			ls.Built = true
			ls.Points = len(c.indices)
			ls.TreeBuilt = c.tree != nil
			ls.TreeFull = c.treeFull
			ls.TreeSample = c.treeSample
		}
		st.Levels[i] = ls
	}
	return st
}

func (m *Manager) octreeConfig() octree.Config {
	return octree.Config{Logger: m.logger}
}
