// Package recolor rebuilds the packed color buffer of a point cloud
// incrementally on the cooperative scheduler. A rebuild colors the
// currently visible indices first and the rest of the cloud afterwards in
// bounded batches, so a mode change shows up where the user is looking
// within a tick or two even on multi million point clouds.
package recolor

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/utils"
)

// Mode selects how a rebuild computes point colors.
type Mode string

// The supported color modes.
const (
	// ModeOriginal restores the colors the cloud was loaded with.
	ModeOriginal Mode = "original"
	// ModeHeight maps one coordinate axis onto the gradient.
	ModeHeight Mode = "height"
	// ModeIntensity maps the scalar value range onto the gradient.
	ModeIntensity Mode = "intensity"
	// ModeSingle paints every point the same color.
	ModeSingle Mode = "single"
	// ModeRandom gives every index a stable pseudo random hue.
	ModeRandom Mode = "random"
	// ModeAxisRGB maps normalized x, y, z onto r, g, b.
	ModeAxisRGB Mode = "axisrgb"
)

// Modes returns every supported mode, for flag validation and help text.
func Modes() []Mode {
	return []Mode{ModeOriginal, ModeHeight, ModeIntensity, ModeSingle, ModeRandom, ModeAxisRGB}
}

// ParseMode maps a flag or config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", errors.Errorf("unknown color mode %q", s)
}

// heavy reports whether the mode does a color space conversion per point,
// which makes it a candidate for economy sampling on large clouds.
func (m Mode) heavy() bool {
	return m == ModeRandom || m == ModeAxisRGB
}

// Axis names the coordinate axis ModeHeight reads.
type Axis string

// The coordinate axes.
const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// Spec describes one requested coloring.
type Spec struct {
	Mode Mode
	// Single is the color painted by ModeSingle.
	Single pc.Color
	// GradientLow and GradientHigh are the ramp endpoints used by
	// ModeHeight and ModeIntensity. Leaving both zero selects a blue to
	// red ramp.
	GradientLow  pc.Color
	GradientHigh pc.Color
	// HeightAxis picks the axis ModeHeight reads. Empty means z.
	HeightAxis Axis
}

// Validate ensures the mode and axis name supported values.
func (s Spec) Validate() error {
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	switch s.HeightAxis {
	case "", AxisX, AxisY, AxisZ:
	default:
		return errors.Errorf("unknown height axis %q", s.HeightAxis)
	}
	return nil
}

func (s Spec) withDefaults() Spec {
	if s.HeightAxis == "" {
		s.HeightAxis = AxisZ
	}
	if s.GradientLow == 0 && s.GradientHigh == 0 {
		s.GradientLow = pc.NewColor(0, 0, 255)
		s.GradientHigh = pc.NewColor(255, 0, 0)
	}
	return s
}

// colorFunc computes the color of one cloud index. A rebuild constructs
// exactly one and applies it to every index it touches, so identical
// requests always produce identical buffers.
type colorFunc func(i int32) pc.Color

// makeColorFunc binds a spec to a cloud. originals backs ModeOriginal and
// must cover every index the rebuild will touch.
func makeColorFunc(spec Spec, cloud *pc.Cloud, originals []pc.Color) (colorFunc, error) {
	meta := cloud.MetaData()
	switch spec.Mode {
	case ModeOriginal:
		return func(i int32) pc.Color { return originals[i] }, nil
	case ModeSingle:
		c := spec.Single
		return func(int32) pc.Color { return c }, nil
	case ModeHeight:
		lo, hi := axisBounds(meta, spec.HeightAxis)
		at := axisGetter(cloud, spec.HeightAxis)
		grad := gradient(spec.GradientLow, spec.GradientHigh)
		return func(i int32) pc.Color { return grad(normTo(at(i), lo, hi)) }, nil
	case ModeIntensity:
		vals := cloud.Values()
		if vals == nil {
			return nil, errors.New("cloud has no intensity values")
		}
		lo, hi := meta.MinValue, meta.MaxValue
		grad := gradient(spec.GradientLow, spec.GradientHigh)
		return func(i int32) pc.Color { return grad(normTo(vals.At(int(i)), lo, hi)) }, nil
	case ModeRandom:
		return randomColor, nil
	case ModeAxisRGB:
		return func(i int32) pc.Color {
			v := cloud.At(int(i))
			return pc.NewColor(
				channel(normTo(v.X, meta.MinX, meta.MaxX)),
				channel(normTo(v.Y, meta.MinY, meta.MaxY)),
				channel(normTo(v.Z, meta.MinZ, meta.MaxZ)),
			)
		}, nil
	}
	return nil, errors.Errorf("unknown color mode %q", spec.Mode)
}

func axisGetter(cloud *pc.Cloud, axis Axis) func(int32) float64 {
	switch axis {
	case AxisX:
		return func(i int32) float64 { return cloud.At(int(i)).X }
	case AxisY:
		return func(i int32) float64 { return cloud.At(int(i)).Y }
	default:
		return func(i int32) float64 { return cloud.At(int(i)).Z }
	}
}

func axisBounds(meta pc.MetaData, axis Axis) (float64, float64) {
	switch axis {
	case AxisX:
		return meta.MinX, meta.MaxX
	case AxisY:
		return meta.MinY, meta.MaxY
	default:
		return meta.MinZ, meta.MaxZ
	}
}

// normTo maps v into [0, 1] over [lo, hi]. Degenerate or unset spans map
// everything to the midpoint so flat clouds still get a color.
func normTo(v, lo, hi float64) float64 {
	spread := hi - lo
	if !(spread > 0) {
		return 0.5
	}
	return utils.Clamp((v-lo)/spread, 0, 1)
}

func channel(t float64) uint8 {
	return uint8(t*255 + 0.5)
}

func gradient(low, high pc.Color) func(t float64) pc.Color {
	lc, hc := toColorful(low), toColorful(high)
	return func(t float64) pc.Color {
		r, g, b := lc.BlendHsv(hc, t).RGB255()
		return pc.NewColor(r, g, b)
	}
}

func toColorful(c pc.Color) colorful.Color {
	r, g, b := c.RGB255()
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

// randomColor hashes the index into a hue, so the same point keeps the
// same color across rebuilds and sessions.
func randomColor(i int32) pc.Color {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(i))
	h := float64(xxhash.Sum64(b[:])%3600) / 10
	r, g, bb := colorful.Hsv(h, 0.7, 0.95).RGB255()
	return pc.NewColor(r, g, bb)
}
