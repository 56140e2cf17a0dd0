// Package meshtest builds small STL fixtures for tests.
package meshtest

import (
	"github.com/hschendel/stl"

	"github.com/duet/stl-worker/internal/geometry"
)

func v(x, y, z float64) stl.Vec3 {
	return stl.Vec3{float32(x), float32(y), float32(z)}
}

// Box returns the 12 triangles of an axis-aligned box.
func Box(b geometry.BoundingBox) []stl.Triangle {
	lo, hi := b.Min, b.Max
	c := [8]stl.Vec3{
		v(lo.X, lo.Y, lo.Z), v(hi.X, lo.Y, lo.Z), v(hi.X, hi.Y, lo.Z), v(lo.X, hi.Y, lo.Z),
		v(lo.X, lo.Y, hi.Z), v(hi.X, lo.Y, hi.Z), v(hi.X, hi.Y, hi.Z), v(lo.X, hi.Y, hi.Z),
	}
	faces := [12][3]int{
		{0, 2, 1}, {0, 3, 2}, // bottom
		{4, 5, 6}, {4, 6, 7}, // top
		{0, 1, 5}, {0, 5, 4}, // front
		{2, 3, 7}, {2, 7, 6}, // back
		{1, 2, 6}, {1, 6, 5}, // right
		{0, 4, 7}, {0, 7, 3}, // left
	}
	tris := make([]stl.Triangle, 0, len(faces))
	for _, f := range faces {
		tris = append(tris, stl.Triangle{Vertices: [3]stl.Vec3{c[f[0]], c[f[1]], c[f[2]]}})
	}
	return tris
}

// WriteSTL writes triangles to path as binary (or ASCII) STL.
func WriteSTL(path string, ascii bool, tris ...[]stl.Triangle) error {
	solid := &stl.Solid{Name: "fixture", IsAscii: ascii}
	for _, t := range tris {
		solid.Triangles = append(solid.Triangles, t...)
	}
	return solid.WriteFile(path)
}
