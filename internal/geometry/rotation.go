package geometry

import (
	"fmt"
	"math"
)

// Axis names a principal axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Unit returns the positive unit vector along a.
func (a Axis) Unit() Vec3 {
	switch a {
	case AxisX:
		return Vec3{X: 1}
	case AxisY:
		return Vec3{Y: 1}
	default:
		return Vec3{Z: 1}
	}
}

// Rotation is a right-handed rotation about one principal axis, matching
// OpenSCAD's rotate([x, y, z]) with a single non-zero component.
type Rotation struct {
	Axis    Axis
	Degrees float64
}

// Vector returns the rotation as an OpenSCAD rotate() argument.
func (r Rotation) Vector() Vec3 {
	return r.Axis.Unit().Scale(r.Degrees)
}

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity returns the identity matrix.
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Matrix returns the rotation matrix for r.
func (r Rotation) Matrix() Mat3 {
	rad := r.Degrees * math.Pi / 180
	c, s := cleanTrig(math.Cos(rad)), cleanTrig(math.Sin(rad))
	switch r.Axis {
	case AxisX:
		return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
	case AxisY:
		return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
	default:
		return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
	}
}

// cleanTrig snaps values within 1e-15 of 0 or ±1, so quarter turns give
// exact matrices.
func cleanTrig(v float64) float64 {
	const eps = 1e-15
	switch {
	case math.Abs(v) < eps:
		return 0
	case math.Abs(v-1) < eps:
		return 1
	case math.Abs(v+1) < eps:
		return -1
	}
	return v
}

// Mul returns m·o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

// Apply returns m·v.
func (m Mat3) Apply(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Compose returns the matrix of applying rotations in order: rotations[0]
// acts on the geometry first. In OpenSCAD source the first rotation is the
// innermost rotate() call.
func Compose(rotations ...Rotation) Mat3 {
	m := Identity()
	for _, r := range rotations {
		m = r.Matrix().Mul(m)
	}
	return m
}
