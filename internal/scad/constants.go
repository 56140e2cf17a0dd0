package scad

// Calibration constants. BailTopClearance, BailOrientationOffset and the two
// bail radii must stay identical to the preview renderer's values, otherwise
// the printed bail lands somewhere other than where the customer placed it.
// They are tied to OpenSCAD's primitive conventions: re-derive them if the
// geometry kernel changes.
const (
	// ExtrusionDepthFactor sizes each glyph extrusion relative to the target
	// height. Anything much smaller lets wide glyphs poke out of the other
	// extrusion and the intersection comes back empty or non-manifold.
	ExtrusionDepthFactor = 5.0

	// BailTopClearance lifts the bail center above the solid's top face
	// (target height / 2).
	BailTopClearance = 2.0

	// BailOrientationOffset is added to the requested bail rotation. The
	// rotate_extrude torus lies in a plane a quarter turn away from the
	// preview's default ring.
	BailOrientationOffset = 90.0

	// BailPathRadius is the distance from the bail center to the tube center
	// (inner radius 1.5 + tube radius).
	BailPathRadius = 1.85

	// BailTubeRadius gives a 0.7 mm tube.
	BailTubeRadius = 0.35

	// FusionSegments is $fn for stage 2.
	FusionSegments = 64

	// RingSweepSegments and RingProfileSegments tessellate the torus.
	RingSweepSegments   = 32
	RingProfileSegments = 24
)

// BailOuterRadius is the torus' outer radius.
const BailOuterRadius = BailPathRadius + BailTubeRadius

// BailInnerRadius is the radius of the hole a chain passes through.
const BailInnerRadius = BailPathRadius - BailTubeRadius
