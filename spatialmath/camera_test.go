package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestCameraValidate(t *testing.T) {
	valid := Camera{
		Eye:        r3.Vector{X: -1},
		Target:     r3.Vector{},
		Up:         r3.Vector{Z: 1},
		FOVDegrees: 60,
		Aspect:     1.5,
		Near:       0.1,
		Far:        100,
	}
	test.That(t, valid.Validate(), test.ShouldBeNil)

	for _, tc := range []struct {
		name   string
		mutate func(*Camera)
		errMsg string
	}{
		{"zero fov", func(c *Camera) { c.FOVDegrees = 0 }, "fov"},
		{"negative fov", func(c *Camera) { c.FOVDegrees = -10 }, "fov"},
		{"straight fov", func(c *Camera) { c.FOVDegrees = 180 }, "fov"},
		{"zero aspect", func(c *Camera) { c.Aspect = 0 }, "aspect"},
		{"zero near", func(c *Camera) { c.Near = 0 }, "near"},
		{"far before near", func(c *Camera) { c.Far = 0.05 }, "far"},
		{"eye equals target", func(c *Camera) { c.Target = c.Eye }, "eye and target"},
		{"zero up", func(c *Camera) { c.Up = r3.Vector{} }, "up"},
		{"up along view", func(c *Camera) { c.Up = r3.Vector{X: 2} }, "parallel"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cam := valid
			tc.mutate(&cam)
			err := cam.Validate()
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}
