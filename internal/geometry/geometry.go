// Package geometry holds the small amount of 3D math the generator needs:
// vectors, axis-aligned bounding boxes and axis rotations.
//
// The CAD engine does all solid modelling. This package exists so the
// placement formulas and rotation conventions can be computed and tested
// without running the engine.
package geometry

import (
	"fmt"
	"math"
)

// Vec3 is a point or direction in millimetres.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Neg() Vec3            { return Vec3{-v.X, -v.Y, -v.Z} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Len() float64         { return math.Sqrt(v.Dot(v)) }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// ApproxEqual reports whether every component differs by at most tol.
func (v Vec3) ApproxEqual(o Vec3, tol float64) bool {
	return math.Abs(v.X-o.X) <= tol && math.Abs(v.Y-o.Y) <= tol && math.Abs(v.Z-o.Z) <= tol
}

// IsFinite reports whether no component is NaN or infinite.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", v.X, v.Y, v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsFinite reports whether f is neither NaN nor infinite.
func IsFinite(f float64) bool { return isFinite(f) }

// BoundingBox is an axis-aligned box. The zero value is empty; use
// EmptyBox or Extend to build one.
type BoundingBox struct {
	Min, Max Vec3
	valid    bool
}

// EmptyBox returns a box containing no points.
func EmptyBox() BoundingBox { return BoundingBox{} }

// NewBoundingBox returns the box spanning lo and hi.
func NewBoundingBox(lo, hi Vec3) BoundingBox {
	return BoundingBox{Min: lo, Max: hi, valid: true}
}

// Empty reports whether no point has been added.
func (b BoundingBox) Empty() bool { return !b.valid }

// Extend grows the box to include p.
func (b BoundingBox) Extend(p Vec3) BoundingBox {
	if !b.valid {
		return BoundingBox{Min: p, Max: p, valid: true}
	}
	b.Min = Vec3{math.Min(b.Min.X, p.X), math.Min(b.Min.Y, p.Y), math.Min(b.Min.Z, p.Z)}
	b.Max = Vec3{math.Max(b.Max.X, p.X), math.Max(b.Max.Y, p.Y), math.Max(b.Max.Z, p.Z)}
	return b
}

// Union returns the smallest box containing both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if o.Empty() {
		return b
	}
	return b.Extend(o.Min).Extend(o.Max)
}

// Center is the midpoint of Min and Max.
func (b BoundingBox) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// Size is the per-axis extent.
func (b BoundingBox) Size() Vec3 {
	return b.Max.Sub(b.Min)
}

// Translate moves the box by d.
func (b BoundingBox) Translate(d Vec3) BoundingBox {
	if b.Empty() {
		return b
	}
	return NewBoundingBox(b.Min.Add(d), b.Max.Add(d))
}

func (b BoundingBox) String() string {
	if b.Empty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%s .. %s]", b.Min, b.Max)
}
