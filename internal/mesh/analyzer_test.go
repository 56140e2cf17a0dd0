package mesh_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
	"github.com/duet/stl-worker/internal/mesh"
	"github.com/duet/stl-worker/internal/mesh/meshtest"
)

func TestAnalyzeBinaryBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.stl")
	box := geometry.NewBoundingBox(geometry.Vec3{X: 1, Y: -2, Z: 3}, geometry.Vec3{X: 5, Y: 2, Z: 13})
	require.NoError(t, meshtest.WriteSTL(path, false, meshtest.Box(box)))

	a, err := mesh.NewSTLAnalyzer().Analyze(path)
	require.NoError(t, err)

	assert.Equal(t, 12, a.Triangles)
	assert.Equal(t, 36, a.Vertices)
	assert.False(t, a.ASCII)
	assert.True(t, a.Bounds.Min.ApproxEqual(box.Min, 1e-6))
	assert.True(t, a.Bounds.Max.ApproxEqual(box.Max, 1e-6))
	assert.True(t, a.Center().ApproxEqual(geometry.Vec3{X: 3, Y: 0, Z: 8}, 1e-6))
	assert.InDelta(t, 10, a.Height(), 1e-6)
}

func TestAnalyzeASCII(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ascii.stl")
	box := geometry.NewBoundingBox(geometry.Vec3{X: -1, Y: -1, Z: -1}, geometry.Vec3{X: 1, Y: 1, Z: 1})
	require.NoError(t, meshtest.WriteSTL(path, true, meshtest.Box(box)))

	a, err := mesh.NewSTLAnalyzer().Analyze(path)
	require.NoError(t, err)
	assert.True(t, a.ASCII)
	assert.True(t, a.Center().ApproxEqual(geometry.Vec3{}, 1e-6))
}

func TestAnalyzeUnionOfParts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two.stl")
	a := geometry.NewBoundingBox(geometry.Vec3{X: 0, Y: 0, Z: 0}, geometry.Vec3{X: 1, Y: 1, Z: 1})
	b := geometry.NewBoundingBox(geometry.Vec3{X: 4, Y: 0, Z: 0}, geometry.Vec3{X: 5, Y: 1, Z: 6})
	require.NoError(t, meshtest.WriteSTL(path, false, meshtest.Box(a), meshtest.Box(b)))

	res, err := mesh.NewSTLAnalyzer().Analyze(path)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Triangles)
	assert.True(t, res.Bounds.Max.ApproxEqual(geometry.Vec3{X: 5, Y: 1, Z: 6}, 1e-6))
}

func TestAnalyzeDegenerateInputs(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.stl")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	garbage := filepath.Join(dir, "garbage.stl")
	require.NoError(t, os.WriteFile(garbage, []byte("not an stl"), 0o644))

	noTriangles := filepath.Join(dir, "none.stl")
	require.NoError(t, meshtest.WriteSTL(noTriangles, false))

	for name, path := range map[string]string{
		"missing":      filepath.Join(dir, "missing.stl"),
		"empty":        empty,
		"garbage":      garbage,
		"no triangles": noTriangles,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := mesh.NewSTLAnalyzer().Analyze(path)
			require.Error(t, err)
			assert.Equal(t, errors.ErrorDegenerateGeometry, errors.CodeOf(err))
		})
	}
}

func TestFromSolidNil(t *testing.T) {
	_, err := mesh.FromSolid("x.stl", nil)
	assert.Equal(t, errors.ErrorDegenerateGeometry, errors.CodeOf(err))
}

func TestAnalyzeIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.stl")
	box := geometry.NewBoundingBox(geometry.Vec3{X: 0.1, Y: 0.2, Z: 0.3}, geometry.Vec3{X: 7, Y: 8, Z: 9})
	require.NoError(t, meshtest.WriteSTL(path, false, meshtest.Box(box)))

	first, err := mesh.NewSTLAnalyzer().Analyze(path)
	require.NoError(t, err)
	second, err := mesh.NewSTLAnalyzer().Analyze(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
