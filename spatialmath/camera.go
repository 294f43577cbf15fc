package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Camera describes a perspective viewpoint: where it sits, what it looks at,
// and the shape of its viewing volume.
type Camera struct {
	Eye        r3.Vector
	Target     r3.Vector
	Up         r3.Vector
	FOVDegrees float64 // vertical field of view
	Aspect     float64 // width over height
	Near       float64
	Far        float64
}

// Validate returns an error if the camera cannot produce a well formed view
// frustum.
func (c Camera) Validate() error {
	if c.FOVDegrees <= 0 || c.FOVDegrees >= 180 {
		return errors.Errorf("fov must be in (0, 180) degrees, got %v", c.FOVDegrees)
	}
	if c.Aspect <= 0 {
		return errors.Errorf("aspect must be positive, got %v", c.Aspect)
	}
	if c.Near <= 0 {
		return errors.Errorf("near must be positive, got %v", c.Near)
	}
	if c.Far <= c.Near {
		return errors.Errorf("far (%v) must be greater than near (%v)", c.Far, c.Near)
	}
	if c.Eye.Sub(c.Target).Norm2() == 0 {
		return errors.New("eye and target must differ")
	}
	if c.Up.Norm2() == 0 {
		return errors.New("up vector must be nonzero")
	}
	forward := c.Target.Sub(c.Eye).Normalize()
	if forward.Cross(c.Up.Normalize()).Norm2() < defaultDistanceEpsilon {
		return errors.New("up must not be parallel to the view direction")
	}
	return nil
}
