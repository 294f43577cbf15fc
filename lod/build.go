package lod

import (
	"fmt"
	"time"

	"github.com/docker/go-units"

	"go.viam.com/pointlod/kdtree"
	"go.viam.com/pointlod/octree"
	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/scheduler"
	"go.viam.com/pointlod/utils"
)

// buildChunk bounds how many cache entries one background invocation
// ingests, keeping each step inside a tick quota.
const buildChunk = 1 << 17

type buildPhase int

// The background pass runs its phases strictly in this order within one
// generation: the coarser levels stride the expanded base, and the trees
// index the expanded base.
const (
	phaseExpand buildPhase = iota
	phaseDerive
	phaseTreeSample
	phaseTreeFull
	phaseSpatial
	phaseFinish
)

func (p buildPhase) String() string {
	switch p {
	case phaseExpand:
		return "expand"
	case phaseDerive:
		return "derive"
	case phaseTreeSample:
		return "tree-sample"
	case phaseTreeFull:
		return "tree-full"
	case phaseSpatial:
		return "spatial"
	case phaseFinish:
		return "finish"
	}
	return "unknown"
}

// buildState is the private state of one background pass. Nothing in it is
// visible to frames until a phase publishes under the manager's mutex.
type buildState struct {
	generation uint64
	phase      buildPhase
	started    time.Time
	passes     int

	pending *levelCache // cache under construction, published when complete
	next    int32       // next cloud index to ingest while expanding

	deriveLevel int
	derivePos   int

	sampleStage int

	builder *kdtree.Builder
}

// ensureCachesLocked builds the startup base cache synchronously on the
// first frame after an invalidation and kicks off the background pass.
func (m *Manager) ensureCachesLocked() {
	if m.caches != nil {
		return
	}
	m.caches = make([]*levelCache, len(m.cfg.Levels))

	limit := utils.MinInt(m.cfg.StartupCacheSize, m.cloud.Len())
	base := newLevelCache(m.cfg.Levels[0], limit)
	for i := 0; i < limit; i++ {
		base.add(int32(i))
	}
	base.fillColors(m.cloud.Colors())
	m.caches[0] = base

	m.startBuildLocked()
	m.logger.Debugw("startup cache built", "points", limit, "cloud", m.cloud.Len())
}

func (m *Manager) startBuildLocked() {
	gen := m.generation.Load()
	st := &buildState{generation: gen, started: m.clock.Now()}
	h, err := m.sched.Schedule(scheduler.TaskConfig{
		Name:     "lod-build",
		Priority: buildPriority,
		Quota:    m.cfg.BuildQuota,
		CancelIf: func() bool { return m.generation.Load() != gen },
	}, func(ctx *scheduler.TaskContext) scheduler.Verdict {
		return m.buildStep(ctx, st)
	})
	if err != nil {
		m.logger.Errorw("failed to schedule background build", "error", err)
		return
	}
	m.build = st
	m.buildHandle = h
}

// buildStep advances the background pass one cooperative slice. Every step
// first checks its captured generation and abandons silently on a mismatch.
func (m *Manager) buildStep(ctx *scheduler.TaskContext, st *buildState) scheduler.Verdict {
	if m.generation.Load() != st.generation {
		return scheduler.Done()
	}
	st.passes++
	elapsed := m.clock.Now().Sub(st.started)
	if st.passes > m.cfg.MaxBuildPasses || elapsed > m.cfg.BuildTimeLimit {
		m.finalizePartial(st, elapsed)
		return scheduler.Done()
	}

	switch st.phase {
	case phaseExpand:
		return m.stepExpand(st)
	case phaseDerive:
		return m.stepDerive(st)
	case phaseTreeSample:
		return m.stepTreeSample(st)
	case phaseTreeFull:
		return m.stepTreeFull(st)
	case phaseSpatial:
		return m.stepSpatial(ctx, st)
	case phaseFinish:
		m.finishBuild(st)
	}
	return scheduler.Done()
}

// stepExpand grows the base cache toward the target size. The base cache
// lists original indices in order, so the expansion re-ingests the prefix
// into a private cache and swaps it in wholesale once complete.
func (m *Manager) stepExpand(st *buildState) scheduler.Verdict {
	target := utils.MinInt(m.cfg.TargetCacheSize, m.cloud.Len())

	m.mu.Lock()
	baseLen := len(m.caches[0].indices)
	m.mu.Unlock()
	if baseLen >= target {
		st.phase = phaseDerive
		return scheduler.Pending()
	}

	if st.pending == nil {
		st.pending = newLevelCache(m.cfg.Levels[0], target)
		st.next = 0
	}
	end := st.next + buildChunk
	if end > int32(target) {
		end = int32(target)
	}
	for ; st.next < end; st.next++ {
		st.pending.add(st.next)
	}
	if int(st.next) < target {
		return scheduler.Pending()
	}

	st.pending.fillColors(m.cloud.Colors())
	m.mu.Lock()
	m.caches[0] = st.pending
	m.mu.Unlock()
	st.pending = nil
	st.phase = phaseDerive
	m.logger.Debugw("base cache expanded", "points", target)
	return scheduler.Pending()
}

// stepDerive builds one coarser level cache by striding the base index list.
func (m *Manager) stepDerive(st *buildState) scheduler.Verdict {
	if st.deriveLevel == 0 {
		st.deriveLevel = 1
	}
	if st.deriveLevel >= len(m.cfg.Levels) {
		st.phase = phaseTreeSample
		return scheduler.Pending()
	}

	m.mu.Lock()
	base := m.caches[0]
	m.mu.Unlock()

	level := m.cfg.Levels[st.deriveLevel]
	stride := strideFor(level.Detail)
	total := (len(base.indices) + stride - 1) / stride
	if st.pending == nil {
		st.pending = newLevelCache(level, total)
		st.derivePos = 0
	}
	end := st.derivePos + buildChunk
	if end > total {
		end = total
	}
	for ; st.derivePos < end; st.derivePos++ {
		st.pending.add(base.indices[st.derivePos*stride])
	}
	if st.derivePos < total {
		return scheduler.Pending()
	}

	st.pending.fillColors(m.cloud.Colors())
	m.mu.Lock()
	m.caches[st.deriveLevel] = st.pending
	m.mu.Unlock()
	m.logger.Debugw("level cache derived", "detail", level.Detail, "points", total)
	st.pending = nil
	st.deriveLevel++
	return scheduler.Pending()
}

// stepTreeSample builds one bounded sample octree over the base cache so
// frustum queries get an approximate answer before the full tree lands.
func (m *Manager) stepTreeSample(st *buildState) scheduler.Verdict {
	if st.sampleStage >= len(m.cfg.SampleTreeSizes) {
		st.phase = phaseTreeFull
		return scheduler.Pending()
	}
	size := m.cfg.SampleTreeSizes[st.sampleStage]
	st.sampleStage++

	m.mu.Lock()
	base := m.caches[0]
	m.mu.Unlock()
	if size >= len(base.indices) {
		// The sample would cover the whole cache; skip straight to the
		// full build.
		st.phase = phaseTreeFull
		return scheduler.Pending()
	}

	sample := sampleIndices(base.indices, size)
	tree, err := octree.New(m.cloud, sample, m.cloud.BoundingBox(), m.octreeConfig())
	if err != nil {
		m.logger.Errorw("sample octree build failed", "size", size, "error", err)
		st.phase = phaseTreeFull
		return scheduler.Pending()
	}
	m.mu.Lock()
	base.tree = tree
	base.treeSample = size
	base.treeFull = false
	m.mu.Unlock()
	m.logger.Debugw("sample octree built", "size", size)
	return scheduler.Pending()
}

// stepTreeFull replaces the sample octree with one over the whole base.
func (m *Manager) stepTreeFull(st *buildState) scheduler.Verdict {
	m.mu.Lock()
	base := m.caches[0]
	m.mu.Unlock()

	tree, err := octree.New(m.cloud, base.indices, m.cloud.BoundingBox(), m.octreeConfig())
	if err != nil {
		m.logger.Errorw("octree build failed", "error", err)
	} else {
		m.mu.Lock()
		base.tree = tree
		base.treeSample = len(base.indices)
		base.treeFull = true
		m.mu.Unlock()
	}
	st.phase = phaseSpatial
	return scheduler.Pending()
}

// stepSpatial time slices the KD tree build, spending at most the
// invocation's remaining quota per step.
func (m *Manager) stepSpatial(ctx *scheduler.TaskContext, st *buildState) scheduler.Verdict {
	if st.builder == nil {
		m.mu.Lock()
		base := m.caches[0]
		m.mu.Unlock()
		b, err := kdtree.NewBuilder(pc.NewSubset(m.cloud, base.indices), base.indices, kdtree.Config{
			CacheDir: m.cfg.CacheDir,
			Logger:   m.logger,
		})
		if err != nil {
			m.logger.Errorw("spatial index build failed", "error", err)
			st.phase = phaseFinish
			return scheduler.Pending()
		}
		st.builder = b
	}
	if !st.builder.Step(ctx.Remaining()) {
		return scheduler.Pending()
	}

	m.mu.Lock()
	m.spatial = st.builder.Tree()
	m.mu.Unlock()
	st.builder = nil
	st.phase = phaseFinish
	return scheduler.Pending()
}

func (m *Manager) finishBuild(st *buildState) {
	m.mu.Lock()
	target := len(m.caches[0].indices)
	var cached int64
	for _, c := range m.caches {
		if c != nil {
			cached += c.footprintBytes()
		}
	}
	m.startRampLocked(target)
	m.build = nil
	m.buildHandle = nil
	m.mu.Unlock()
	m.logger.Infow("background build complete",
		"passes", st.passes,
		"points", target,
		"cached", units.HumanSize(float64(cached)),
		"took", m.clock.Now().Sub(st.started),
	)
}

// finalizePartial ends a pass that hit a hard ceiling. Whatever the pass
// published so far stays; the ramp targets the base as it stands.
func (m *Manager) finalizePartial(st *buildState, elapsed time.Duration) {
	m.mu.Lock()
	target := 0
	if m.caches != nil && m.caches[0] != nil {
		target = len(m.caches[0].indices)
	}
	m.startRampLocked(target)
	m.build = nil
	m.buildHandle = nil
	m.mu.Unlock()
	m.logger.Warnw("background build finalized with partial results",
		"phase", st.phase.String(),
		"passes", st.passes,
		"took", elapsed,
	)
}

func (m *Manager) startRampLocked(target int) {
	m.rampStart = m.clock.Now()
	m.rampFrom = utils.MinInt(m.cfg.StartupCacheSize, target)
	m.rampTo = target
}

// maybeScheduleTreeLocked queues a one shot octree build for a level whose
// cache has no tree yet. The base level is owned by the background pass, so
// a lazy build for it only runs once the pass is over.
func (m *Manager) maybeScheduleTreeLocked(li int) {
	if li == 0 && m.build != nil {
		return
	}
	if _, ok := m.treePending[li]; ok {
		return
	}
	gen := m.generation.Load()
	cache := m.caches[li]
	h, err := m.sched.Schedule(scheduler.TaskConfig{
		Name:     fmt.Sprintf("lod-octree-%g", cache.level.Detail),
		Priority: treePriority,
		CancelIf: func() bool { return m.generation.Load() != gen },
	}, func(*scheduler.TaskContext) scheduler.Verdict {
		tree, err := octree.New(m.cloud, cache.indices, m.cloud.BoundingBox(), m.octreeConfig())
		m.mu.Lock()
		if err == nil {
			cache.tree = tree
			cache.treeSample = len(cache.indices)
			cache.treeFull = true
		}
		delete(m.treePending, li)
		m.mu.Unlock()
		if err != nil {
			m.logger.Errorw("octree build failed", "detail", cache.level.Detail, "error", err)
		}
		return scheduler.Done()
	})
	if err != nil {
		m.logger.Errorw("failed to schedule octree build", "error", err)
		return
	}
	m.treePending[li] = h
}
