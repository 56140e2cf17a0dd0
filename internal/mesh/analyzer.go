// Package mesh reads STL files produced by the CAD engine and reduces them
// to an axis-aligned bounding box.
package mesh

import (
	"fmt"
	"os"

	"github.com/hschendel/stl"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
)

// Analysis is the result of scanning one mesh. Computed per call, never
// cached: every glyph/font/size combination yields a different solid.
type Analysis struct {
	Path      string
	Bounds    geometry.BoundingBox
	Triangles int
	Vertices  int
	ASCII     bool
}

// Center is the bounding box midpoint.
func (a *Analysis) Center() geometry.Vec3 {
	return a.Bounds.Center()
}

// Height is the Z extent.
func (a *Analysis) Height() float64 {
	return a.Bounds.Size().Z
}

// STLAnalyzer parses ASCII and binary STL.
type STLAnalyzer struct{}

// NewSTLAnalyzer returns an analyzer.
func NewSTLAnalyzer() *STLAnalyzer {
	return &STLAnalyzer{}
}

// Analyze loads path and reduces every triangle vertex to per-axis
// min/max. There is no smoothing or outlier rejection. An unreadable file
// or one without triangles is reported as degenerate geometry: the engine
// ran, but the intersection came out empty.
func (STLAnalyzer) Analyze(path string) (*Analysis, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewDegenerateGeometryError(path, "mesh file is unreadable", err)
	}
	if info.Size() == 0 {
		return nil, errors.NewDegenerateGeometryError(path, "mesh file is empty", nil)
	}

	solid, err := stl.ReadFile(path)
	if err != nil {
		return nil, errors.NewDegenerateGeometryError(path, "mesh file is corrupt", err)
	}
	return FromSolid(path, solid)
}

// FromSolid reduces an already parsed solid.
func FromSolid(path string, solid *stl.Solid) (*Analysis, error) {
	if solid == nil || len(solid.Triangles) == 0 {
		return nil, errors.NewDegenerateGeometryError(path, "mesh has no triangles", nil)
	}

	bounds := geometry.EmptyBox()
	for i, tri := range solid.Triangles {
		for _, v := range tri.Vertices {
			p := geometry.Vec3{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
			if !p.IsFinite() {
				return nil, errors.NewDegenerateGeometryError(path,
					fmt.Sprintf("triangle %d has a non-finite vertex", i), nil)
			}
			bounds = bounds.Extend(p)
		}
	}

	return &Analysis{
		Path:      path,
		Bounds:    bounds,
		Triangles: len(solid.Triangles),
		Vertices:  3 * len(solid.Triangles),
		ASCII:     solid.IsAscii,
	}, nil
}
