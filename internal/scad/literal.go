package scad

import (
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/duet/stl-worker/internal/geometry"
)

var literalEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quote renders s as an OpenSCAD string literal.
func quote(s string) string {
	return `"` + literalEscaper.Replace(s) + `"`
}

// quotePath renders a file path as a string literal. OpenSCAD accepts
// forward slashes on every platform.
func quotePath(p string) string {
	return quote(filepath.ToSlash(p))
}

// num formats f with the shortest exact decimal representation and no
// exponent, so scripts are stable across runs.
func num(f float64) string {
	if f == 0 {
		f = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func vec(v geometry.Vec3) string {
	return "[" + num(v.X) + ", " + num(v.Y) + ", " + num(v.Z) + "]"
}

var scriptFuncs = template.FuncMap{
	"quote":     quote,
	"quotePath": quotePath,
	"num":       num,
	"vec":       vec,
	"indent":    indent,
}

func indent(depth int) string {
	return strings.Repeat("    ", depth)
}
