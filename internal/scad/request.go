// Package scad renders the OpenSCAD scripts for both generation stages.
//
// Stage 1 extrudes two glyph outlines along orthogonal axes and keeps only
// their intersection. Stage 2 imports the stage-1 mesh, moves its bounding
// box center to the origin and unions a torus bail on top. Rendering is pure:
// the same inputs always yield byte-identical scripts.
package scad

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
)

// GlyphSpec is one letter slot: a single character and the engine font
// used to draw it. Font names are passed to the engine verbatim, including
// any ":style=" suffix.
type GlyphSpec struct {
	Character string `json:"character"`
	FontName  string `json:"fontName"`
}

// Rune returns the glyph's only rune. Call Validate first.
func (g GlyphSpec) Rune() rune {
	r, _ := utf8.DecodeRuneInString(g.Character)
	return r
}

// Validate rejects characters the engine cannot draw as one glyph.
func (g GlyphSpec) Validate(slot string) error {
	details := map[string]interface{}{
		"slot":      slot,
		"character": g.Character,
		"font":      g.FontName,
	}
	if g.Character == "" {
		return errors.NewScriptGenerationError(fmt.Sprintf("%s glyph: character is empty", slot), details)
	}
	if !utf8.ValidString(g.Character) || utf8.RuneCountInString(g.Character) != 1 {
		return errors.NewScriptGenerationError(fmt.Sprintf("%s glyph: %q is not a single character", slot, g.Character), details)
	}
	if r := g.Rune(); unicode.IsSpace(r) || unicode.IsControl(r) {
		return errors.NewScriptGenerationError(fmt.Sprintf("%s glyph: %U has no outline", slot, r), details)
	}
	if strings.TrimSpace(g.FontName) == "" {
		return errors.NewScriptGenerationError(fmt.Sprintf("%s glyph: font name is empty", slot), details)
	}
	if strings.IndexFunc(g.FontName, unicode.IsControl) >= 0 {
		return errors.NewScriptGenerationError(fmt.Sprintf("%s glyph: font name contains control characters", slot), details)
	}
	return nil
}

// ModelRequest describes one pendant. Lengths are millimetres, rotation is
// degrees about the vertical axis.
type ModelRequest struct {
	Primary      GlyphSpec     `json:"primary"`
	Secondary    GlyphSpec     `json:"secondary"`
	TargetHeight float64       `json:"targetHeight"`
	BailOffset   geometry.Vec3 `json:"bailOffset"`
	BailRotation float64       `json:"bailRotation"`
}

// Validate checks everything that can be checked without the engine.
func (r ModelRequest) Validate() error {
	if err := r.Primary.Validate("primary"); err != nil {
		return err
	}
	if err := r.Secondary.Validate("secondary"); err != nil {
		return err
	}
	if !geometry.IsFinite(r.TargetHeight) || r.TargetHeight <= 0 {
		return errors.NewScriptGenerationError(
			fmt.Sprintf("target height must be positive, got %v", r.TargetHeight),
			map[string]interface{}{"target_height": r.TargetHeight},
		)
	}
	if !r.BailOffset.IsFinite() || !geometry.IsFinite(r.BailRotation) {
		return errors.NewScriptGenerationError(
			"bail offset and rotation must be finite",
			map[string]interface{}{"bail_offset": r.BailOffset.String(), "bail_rotation": r.BailRotation},
		)
	}
	return nil
}
