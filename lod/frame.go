package lod

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointlod/spatialmath"
	"go.viam.com/pointlod/utils"
)

// Frame is what one draw call renders: the active level's visible points,
// an optional fading out partner level, and the ramped display budget.
// Visible slices are read only views; they stay valid across cache swaps.
type Frame struct {
	Generation uint64
	Level      Level
	Visible    []int32
	Weight     float64
	Fade       *FadeLayer
	Budget     int
}

// FadeLayer is the previous level still drawn while a level switch cross
// fades. Its weight and the frame's weight always sum to one.
type FadeLayer struct {
	Level   Level
	Visible []int32
	Weight  float64
}

// SelectFrame picks the level of detail for the given camera and returns
// everything one draw call needs. The first call after an invalidation
// builds the startup cache synchronously and schedules the background pass.
func (m *Manager) SelectFrame(cam spatialmath.Camera) (Frame, error) {
	frustum, err := spatialmath.NewFrustum(cam)
	if err != nil {
		return Frame{}, errors.Wrap(err, "invalid camera")
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCachesLocked()

	ratio := m.distanceRatio(cam.Eye)
	next := levelIndexFor(m.cfg.Levels, ratio, m.active)
	if next != m.active {
		m.fadeFrom = m.active
		m.fading = true
		m.fadeStart = now
		m.active = next
		m.logger.Debugw("level switch",
			"from", m.cfg.Levels[m.fadeFrom].Detail,
			"to", m.cfg.Levels[next].Detail,
			"ratio", ratio,
		)
	}
	if m.fading && now.Sub(m.fadeStart) >= m.cfg.FadeDuration {
		m.fading = false
	}

	li, cache := m.drawableCacheLocked(m.active)
	budget := m.budgetLocked(now)

	frame := Frame{
		Generation: m.generation.Load(),
		Level:      cache.level,
		Weight:     1,
		Budget:     budget,
	}
	frame.Visible = m.visibleLocked(li, cache, frustum, budget)

	if m.fading {
		fi, fcache := m.drawableCacheLocked(m.fadeFrom)
		if fi != li {
			p := float64(now.Sub(m.fadeStart)) / float64(m.cfg.FadeDuration)
			frame.Weight = p
			frame.Fade = &FadeLayer{
				Level:   fcache.level,
				Visible: m.visibleLocked(fi, fcache, frustum, budget),
				Weight:  1 - p,
			}
		}
	}

	m.lastVisible = frame.Visible
	return frame, nil
}

// levelIndexFor applies enter/exit hysteresis: a coarser level is adopted
// only once the ratio passes the current level's exit bound, and a finer
// one only once the current level's enter bound no longer holds.
func levelIndexFor(levels []Level, ratio float64, current int) int {
	candidate := 0
	for i := range levels {
		if levels[i].Enter <= ratio {
			candidate = i
		} else {
			break
		}
	}
	if candidate > current && ratio <= levels[current].Exit {
		return current
	}
	return candidate
}

// distanceRatio is the eye distance to the cloud's bounding sphere center
// over the sphere radius; large means far away.
func (m *Manager) distanceRatio(eye r3.Vector) float64 {
	bb := m.cloud.BoundingBox()
	if bb.IsEmpty() {
		return 0
	}
	center, radius := bb.BoundingSphere()
	if radius < 1e-12 {
		return 0
	}
	return eye.Sub(center).Norm() / radius
}

// drawableCacheLocked resolves a level index to a published cache, walking
// toward the base when the requested level has not been derived yet. The
// base always exists once ensureCachesLocked has run.
func (m *Manager) drawableCacheLocked(li int) (int, *levelCache) {
	for ; li > 0; li-- {
		if m.caches[li] != nil {
			return li, m.caches[li]
		}
	}
	return 0, m.caches[0]
}

// visibleLocked answers the frustum query for one cache, falling back to
// the full index list while the cache has no octree, and truncates to the
// display budget.
func (m *Manager) visibleLocked(li int, cache *levelCache, f *spatialmath.Frustum, budget int) []int32 {
	if cache.tree == nil {
		m.maybeScheduleTreeLocked(li)
	}
	var vis []int32
	if cache.tree != nil {
		vis = cache.tree.QueryFrustum(f)
	} else {
		vis = cache.indices
	}
	if len(vis) > budget {
		vis = vis[:budget]
	}
	return vis
}

// budgetLocked returns the effective displayed point ceiling: the startup
// cap until the background pass finishes, then a linear ramp up to the
// expanded base size.
func (m *Manager) budgetLocked(now time.Time) int {
	if m.rampStart.IsZero() {
		return utils.MinInt(m.cfg.StartupCacheSize, len(m.caches[0].indices))
	}
	p := float64(now.Sub(m.rampStart)) / float64(m.cfg.RampDuration)
	if p >= 1 {
		return m.rampTo
	}
	if p < 0 {
		p = 0
	}
	return m.rampFrom + int(p*float64(m.rampTo-m.rampFrom))
}
