// Package engine composes a point cloud, the cooperative scheduler, the
// level of detail caches, and the color rebuild pipeline into the single
// facade a renderer talks to.
//
// The engine runs the scheduler's tick loop on its own goroutine; every
// cache mutation happens there. Frame selection and spatial queries may be
// called from any goroutine. Ingest decoding runs on worker goroutines and
// hands batches to the cooperative thread through append tasks, so the
// interactive path never waits on file IO.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/pointlod/ingest"
	"go.viam.com/pointlod/kdtree"
	"go.viam.com/pointlod/lod"
	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/recolor"
	"go.viam.com/pointlod/scheduler"
	"go.viam.com/pointlod/spatialmath"
	"go.viam.com/pointlod/utils"
)

// Defaults applied by New for zero config fields.
const (
	DefaultTickInterval = 16 * time.Millisecond
	DefaultQueueDepth   = 4
	DefaultRefreshEvery = 500_000
)

// Append tasks outrank recolor batches and cache builds so a streaming load
// lands quickly; the caches are refreshed behind it anyway.
const appendPriority = 4

// ErrNoSpatialIndex is returned by spatial queries while the background
// pass has not published a KD tree yet.
var ErrNoSpatialIndex = errors.New("spatial index not built yet")

// Config holds engine parameters. The subsystem configs tune their
// respective pieces; their Cloud, Scheduler, Caches, Clock, and Logger
// fields are owned by the engine and overwritten.
type Config struct {
	// Cloud is the point set to serve. Nil starts empty for a streaming
	// load.
	Cloud *pc.Cloud
	// Name tags logs and color rebuild summaries.
	Name string
	// TickInterval paces the cooperative scheduler loop.
	TickInterval time.Duration
	// QueueDepth bounds the ingest hand off queue, in batches.
	QueueDepth int
	// RefreshEvery rebuilds the caches after this many points land during
	// a load so the display tracks the growing cloud. Zero means the
	// default; negative refreshes only when the load completes.
	RefreshEvery int

	Scheduler scheduler.Config
	LOD       lod.Config
	Recolor   recolor.Config

	// Redraw, when set, is called whenever new colors land.
	Redraw func()
	// Reporter, when set, receives color rebuild summaries.
	Reporter recolor.Reporter

	// Clock defaults to the wall clock; tests inject a mock.
	Clock  clock.Clock
	Logger golog.Logger
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.TickInterval < 0 {
		return errors.New("tick interval must be non-negative")
	}
	if cfg.QueueDepth < 0 {
		return errors.New("queue depth must be non-negative")
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "cloud"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.RefreshEvery == 0 {
		cfg.RefreshEvery = DefaultRefreshEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Engine owns one cloud and everything built over it. The mutex serializes
// cloud appends on the cooperative thread against frame selection from the
// render goroutine; all other cross goroutine state is guarded by the
// subsystems themselves.
type Engine struct {
	cfg    Config
	logger golog.Logger
	clock  clock.Clock

	cloud  *pc.Cloud
	sched  *scheduler.Scheduler
	caches *lod.Manager
	colors *recolor.Pipeline

	workers utils.StoppableWorkers

	mu sync.RWMutex

	loading atomic.Bool
	closed  atomic.Bool

	specMu   sync.Mutex
	lastSpec *recolor.Spec
}

// New assembles an engine and starts its tick loop.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	cfg = cfg.withDefaults()

	cloud := cfg.Cloud
	if cloud == nil {
		cloud = pc.NewCloud()
	}

	schedCfg := cfg.Scheduler
	schedCfg.Clock = cfg.Clock
	schedCfg.Logger = cfg.Logger.Named("scheduler")
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return nil, err
	}

	lodCfg := cfg.LOD
	lodCfg.Cloud = cloud
	lodCfg.Scheduler = sched
	lodCfg.Clock = cfg.Clock
	lodCfg.Logger = cfg.Logger.Named("lod")
	caches, err := lod.New(lodCfg)
	if err != nil {
		return nil, err
	}

	recolorCfg := cfg.Recolor
	recolorCfg.Cloud = cloud
	recolorCfg.Scheduler = sched
	recolorCfg.Caches = caches
	recolorCfg.Name = cfg.Name
	recolorCfg.Redraw = cfg.Redraw
	recolorCfg.Reporter = cfg.Reporter
	recolorCfg.Clock = cfg.Clock
	recolorCfg.Logger = cfg.Logger.Named("recolor")
	colors, err := recolor.New(recolorCfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		cloud:  cloud,
		sched:  sched,
		caches: caches,
		colors: colors,
	}
	e.workers = utils.NewStoppableWorkers(e.tickLoop)
	return e, nil
}

// tickLoop drives the scheduler on a steady cadence until the engine
// closes. It is the cooperative thread.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := e.clock.Ticker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sched.Tick()
		}
	}
}

// SelectFrame picks what one draw call should render for the given camera.
// Safe to call from the render goroutine while loads and rebuilds run.
func (e *Engine) SelectFrame(cam spatialmath.Camera) (lod.Frame, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.caches.SelectFrame(cam)
}

// SetColorMode requests a color rebuild. The spec is remembered and
// reapplied when a streaming load finishes, so late points match.
func (e *Engine) SetColorMode(spec recolor.Spec) error {
	if err := e.colors.Request(spec); err != nil {
		return err
	}
	e.specMu.Lock()
	e.lastSpec = &spec
	e.specMu.Unlock()
	return nil
}

// Nearest returns the closest indexed point to target.
func (e *Engine) Nearest(target r3.Vector) (kdtree.Result, error) {
	tree := e.caches.SpatialIndex()
	if tree == nil {
		return kdtree.Result{}, ErrNoSpatialIndex
	}
	res, ok := tree.Nearest(target)
	if !ok {
		return kdtree.Result{}, errors.New("no points indexed")
	}
	return res, nil
}

// WithinRadius returns every indexed point within radius of target.
func (e *Engine) WithinRadius(target r3.Vector, radius float64) ([]kdtree.Result, error) {
	tree := e.caches.SpatialIndex()
	if tree == nil {
		return nil, ErrNoSpatialIndex
	}
	return tree.WithinRadius(target, radius), nil
}

// LoadFromDecoder drains dec into the cloud. Decoding runs on worker
// goroutines; each batch is appended by a task on the cooperative thread,
// with periodic cache refreshes so frames track the growing cloud. It
// blocks until the stream ends and returns the number of points appended.
func (e *Engine) LoadFromDecoder(ctx context.Context, dec ingest.Decoder) (int, error) {
	if !e.loading.CompareAndSwap(false, true) {
		return 0, errors.New("a load is already in progress")
	}
	defer e.loading.Store(false)

	// Closing the engine must abort the load even when the caller's ctx
	// stays live, or the batch consumer would wait forever on a tick loop
	// that no longer runs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.workers.Context(), cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan ingest.Batch, e.cfg.QueueDepth)
	g.Go(func() error {
		return ingest.Stream(gctx, dec, batches)
	})

	var total int
	g.Go(func() error {
		var sinceRefresh int
		for batch := range batches {
			refresh := e.cfg.RefreshEvery > 0 &&
				sinceRefresh+batch.Len() >= e.cfg.RefreshEvery
			if err := e.runAppendTask(gctx, batch, refresh); err != nil {
				return err
			}
			total += batch.Len()
			if refresh {
				sinceRefresh = 0
			} else {
				sinceRefresh += batch.Len()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return total, errors.Wrap(err, "load failed")
	}

	e.caches.Invalidate()
	e.reapplyColorMode()
	e.logger.Infow("load complete", "cloud", e.cfg.Name, "points", total)
	return total, nil
}

// runAppendTask schedules one batch append on the cooperative thread and
// waits for it, so the bounded queue's backpressure reaches the decoder.
func (e *Engine) runAppendTask(ctx context.Context, batch ingest.Batch, refresh bool) error {
	done := make(chan error, 1)
	_, err := e.sched.Schedule(scheduler.TaskConfig{
		Name:     "ingest-append",
		Priority: appendPriority,
		CancelIf: func() bool { return ctx.Err() != nil },
	}, func(*scheduler.TaskContext) scheduler.Verdict {
		done <- e.appendBatch(batch, refresh)
		return scheduler.Done()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.workers.Context().Done():
		return errors.New("engine closed during load")
	}
}

func (e *Engine) appendBatch(batch ingest.Batch, refresh bool) error {
	e.mu.Lock()
	err := e.cloud.Append(batch.Points, batch.Colors, batch.Values)
	e.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "append batch")
	}
	if refresh {
		e.caches.Invalidate()
	}
	return nil
}

// reapplyColorMode re-requests the last accepted spec so points appended
// since the previous rebuild get painted too. Original mode needs no
// repaint; loaded colors are already in place.
func (e *Engine) reapplyColorMode() {
	e.specMu.Lock()
	spec := e.lastSpec
	e.specMu.Unlock()
	if spec == nil || spec.Mode == recolor.ModeOriginal {
		return
	}
	if err := e.colors.Request(*spec); err != nil {
		e.logger.Errorw("failed to reapply color mode", "mode", spec.Mode, "error", err)
	}
}

// Cloud returns the engine's point cloud. Treat it as read only while the
// engine is running; mutation goes through LoadFromDecoder.
func (e *Engine) Cloud() *pc.Cloud {
	return e.cloud
}

// Stats is a point in time snapshot across the engine's subsystems.
type Stats struct {
	Points          int
	Loading         bool
	Scheduler       scheduler.Stats
	Caches          lod.Stats
	ColorGeneration uint64
	ColorBusy       bool
}

// Stats reports engine wide diagnostics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	points := e.cloud.Len()
	e.mu.RUnlock()
	return Stats{
		Points:          points,
		Loading:         e.loading.Load(),
		Scheduler:       e.sched.Stats(),
		Caches:          e.caches.Stats(),
		ColorGeneration: e.colors.Generation(),
		ColorBusy:       e.colors.Busy(),
	}
}

// Close stops the tick loop and waits for it. In flight loads abort with
// an error on their own callers; Close reports that an abort happened.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if e.loading.Load() {
		err = multierr.Append(err, errors.New("closed with a load in flight"))
	}
	e.workers.Stop()
	return err
}
