package pointcloud

import "image/color"

// Color is a packed 24 bit sRGB color laid out 0xRRGGBB, the encoding PCD
// files use for their rgb field.
type Color uint32

// NewColor packs the given channels into a Color.
func NewColor(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

// NewColorFromNRGBA packs c, dropping alpha.
func NewColorFromNRGBA(c color.NRGBA) Color {
	return NewColor(c.R, c.G, c.B)
}

// RGB255 returns the color channels.
func (c Color) RGB255() (uint8, uint8, uint8) {
	return uint8(0xFF & (c >> 16)), uint8(0xFF & (c >> 8)), uint8(0xFF & c)
}

// NRGBA returns the color as an image/color value with full alpha.
func (c Color) NRGBA() color.NRGBA {
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// ColorSlice is a mutable packed color buffer. It implements ColorSequence
// and adds in place writes for display buffers that get recolored.
type ColorSlice []Color

// Len returns the number of colors.
func (cs ColorSlice) Len() int {
	return len(cs)
}

// At returns color i.
func (cs ColorSlice) At(i int) Color {
	return cs[i]
}

// Set overwrites color i.
func (cs ColorSlice) Set(i int, c Color) {
	cs[i] = c
}

// ScalarSlice adapts a []float64 to ScalarSequence.
type ScalarSlice []float64

// Len returns the number of values.
func (ss ScalarSlice) Len() int {
	return len(ss)
}

// At returns value i.
func (ss ScalarSlice) At(i int) float64 {
	return ss[i]
}
