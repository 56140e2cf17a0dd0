package scad

import (
	"bytes"
	"fmt"
	"math"
	"text/template"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
)

// BailPlacement is the bail's absolute pose in the re-centered frame.
type BailPlacement struct {
	Position geometry.Vec3
	Rotation float64 // degrees about Z, offset already applied
}

// PlaceBail computes the absolute bail pose. With a zero offset the bail
// center sits BailTopClearance above the solid's top face (targetHeight/2).
// The preview renderer uses the same formula; keep them in lockstep.
func PlaceBail(targetHeight float64, offset geometry.Vec3, rotation float64) BailPlacement {
	base := geometry.Vec3{Z: targetHeight/2.0 + BailTopClearance}
	return BailPlacement{
		Position: base.Add(offset),
		Rotation: rotation + BailOrientationOffset,
	}
}

// LowestZ is the bottom of the torus.
func (p BailPlacement) LowestZ() float64 {
	return p.Position.Z - BailOuterRadius
}

// HighestZ is the top of the torus.
func (p BailPlacement) HighestZ() float64 {
	return p.Position.Z + BailOuterRadius
}

// Bounds is the torus' exact axis-aligned box. The ring stands in a
// vertical plane (rotate [90,0,0]) turned by Rotation about Z, so its extent
// along an axis is path radius × the axis' in-plane share + tube radius.
func (p BailPlacement) Bounds() geometry.BoundingBox {
	rad := p.Rotation * math.Pi / 180
	ex := BailPathRadius*math.Abs(math.Cos(rad)) + BailTubeRadius
	ey := BailPathRadius*math.Abs(math.Sin(rad)) + BailTubeRadius
	ez := BailOuterRadius
	half := geometry.Vec3{X: ex, Y: ey, Z: ez}
	return geometry.NewBoundingBox(p.Position.Sub(half), p.Position.Add(half))
}

// ExpectedHeight is the overall Z extent of a finished pendant whose bail
// has no vertical offset: the solid spans ±targetHeight/2 and the bail
// tops out at targetHeight/2 + clearance + outer radius.
func ExpectedHeight(targetHeight float64) float64 {
	return targetHeight + BailTopClearance + BailOuterRadius
}

var fusionTemplate = template.Must(template.New("fusion").Funcs(scriptFuncs).Parse(
	`// DUET stage 2: centered import + bail union
$fn = {{.Segments}};

center_offset = {{vec .Offset}};
bail_position = {{vec .Bail.Position}};
bail_rotation = {{num .Bail.Rotation}};
bail_path_radius = {{num .PathRadius}};
bail_tube_radius = {{num .TubeRadius}};

module centered_solid() {
    translate(center_offset)
        import({{quotePath .MeshPath}});
}

module bail() {
    translate(bail_position)
        rotate([0, 0, bail_rotation])
            rotate([90, 0, 0])
                rotate_extrude(angle=360, $fn={{.SweepSegments}})
                    translate([bail_path_radius, 0, 0])
                        circle(r=bail_tube_radius, $fn={{.ProfileSegments}});
}

union() {
    centered_solid();
    bail();
}
`))

type fusionView struct {
	Segments        int
	Offset          geometry.Vec3
	Bail            BailPlacement
	PathRadius      float64
	TubeRadius      float64
	SweepSegments   int
	ProfileSegments int
	MeshPath        string
}

// FusionScript renders the stage-2 script. center is the stage-1 bounding
// box center; the import is translated by its negation so the bail math can
// assume an origin-centered solid.
func FusionScript(meshPath string, center geometry.Vec3, bail BailPlacement) (string, error) {
	if meshPath == "" {
		return "", errors.NewScriptGenerationError("stage-1 mesh path is empty", nil)
	}
	if !center.IsFinite() || !bail.Position.IsFinite() || !geometry.IsFinite(bail.Rotation) {
		return "", errors.NewScriptGenerationError("non-finite placement", map[string]interface{}{
			"center":        center.String(),
			"bail_position": bail.Position.String(),
		})
	}
	view := fusionView{
		Segments:        FusionSegments,
		Offset:          center.Neg(),
		Bail:            bail,
		PathRadius:      BailPathRadius,
		TubeRadius:      BailTubeRadius,
		SweepSegments:   RingSweepSegments,
		ProfileSegments: RingProfileSegments,
		MeshPath:        meshPath,
	}
	var buf bytes.Buffer
	if err := fusionTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render fusion script: %w", err)
	}
	return buf.String(), nil
}
