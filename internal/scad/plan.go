package scad

import (
	"math"

	"github.com/duet/stl-worker/internal/geometry"
)

// GlyphExtrusion places one glyph outline in 3D. The outline starts in the
// XY plane, is extruded along +Z (centered), then rotated by Rotations in
// order.
type GlyphExtrusion struct {
	Glyph     GlyphSpec
	Rotations []geometry.Rotation
}

// Transform is the combined rotation.
func (g GlyphExtrusion) Transform() geometry.Mat3 {
	return geometry.Compose(g.Rotations...)
}

// ExtrusionAxis is the direction the outline was swept along.
func (g GlyphExtrusion) ExtrusionAxis() geometry.Vec3 {
	return g.Transform().Apply(geometry.Vec3{Z: 1})
}

// UpAxis is where the outline's vertical (the resized height) ends up.
func (g GlyphExtrusion) UpAxis() geometry.Vec3 {
	return g.Transform().Apply(geometry.Vec3{Y: 1})
}

// ExtrusionPlan is derived from a ModelRequest and never stored.
type ExtrusionPlan struct {
	Primary      GlyphExtrusion
	Secondary    GlyphExtrusion
	TargetHeight float64
	Depth        float64
}

var (
	uprightAboutX = geometry.Rotation{Axis: geometry.AxisX, Degrees: 90}
	quarterAboutZ = geometry.Rotation{Axis: geometry.AxisZ, Degrees: 90}
)

// NewExtrusionPlan stands the primary glyph up in the XZ plane (extruded
// along Y) and the secondary in the YZ plane (extruded along X). The
// secondary gets the same 90° about X first and 90° about Z second; the
// opposite order leaves it parallel to the primary.
func NewExtrusionPlan(req ModelRequest) ExtrusionPlan {
	return ExtrusionPlan{
		Primary: GlyphExtrusion{
			Glyph:     req.Primary,
			Rotations: []geometry.Rotation{uprightAboutX},
		},
		Secondary: GlyphExtrusion{
			Glyph:     req.Secondary,
			Rotations: []geometry.Rotation{uprightAboutX, quarterAboutZ},
		},
		TargetHeight: req.TargetHeight,
		Depth:        req.TargetHeight * ExtrusionDepthFactor,
	}
}

// Orthogonal reports whether the two extrusion axes are perpendicular and
// both outlines stand upright along Z, i.e. the intersection reads as the
// primary glyph from one side and the secondary from the other.
func (p ExtrusionPlan) Orthogonal() bool {
	const tol = 1e-9
	a, b := p.Primary.ExtrusionAxis(), p.Secondary.ExtrusionAxis()
	up := geometry.Vec3{Z: 1}
	return math.Abs(a.Dot(b)) < tol &&
		math.Abs(a.Dot(up)) < tol &&
		math.Abs(b.Dot(up)) < tol &&
		p.Primary.UpAxis().ApproxEqual(up, tol) &&
		p.Secondary.UpAxis().ApproxEqual(up, tol)
}
