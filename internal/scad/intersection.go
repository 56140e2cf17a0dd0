package scad

import (
	"bytes"
	"fmt"
	"text/template"
)

var intersectionTemplate = template.Must(template.New("intersection").Funcs(scriptFuncs).Parse(
	`// DUET stage 1: glyph-pair intersection
$fn = {{.Segments}};

primary_char = {{quote .Plan.Primary.Glyph.Character}};
primary_font = {{quote .Plan.Primary.Glyph.FontName}};
secondary_char = {{quote .Plan.Secondary.Glyph.Character}};
secondary_font = {{quote .Plan.Secondary.Glyph.FontName}};
target_height = {{num .Plan.TargetHeight}};
depth = {{num .Plan.Depth}};

module glyph_outline(char, font_name, target_h) {
    resize([0, target_h, 0], auto=true)
        text(char, font=font_name, halign="center", valign="center");
}
{{range .Solids}}
module {{.Name}}() {
{{- range .Lines}}
{{.}}
{{- end}}
}
{{end}}
intersection() {
{{- range .Solids}}
    {{.Name}}();
{{- end}}
}
`))

type solidView struct {
	Name  string
	Lines []string
}

type intersectionView struct {
	Segments int
	Plan     ExtrusionPlan
	Solids   []solidView
}

// IntersectionScript renders the stage-1 script: both glyphs extruded to
// ExtrusionDepthFactor × target height and intersected. Nothing else is
// emitted; the bail is added in stage 2 once the center is known.
func IntersectionScript(req ModelRequest, tiers QualityTiers) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	plan := NewExtrusionPlan(req)
	return renderIntersection(plan, tiers.SegmentsFor(req.TargetHeight))
}

func renderIntersection(plan ExtrusionPlan, segments int) (string, error) {
	view := intersectionView{
		Segments: segments,
		Plan:     plan,
		Solids: []solidView{
			extrusionSolid("primary_solid", "primary_char", "primary_font", plan.Primary),
			extrusionSolid("secondary_solid", "secondary_char", "secondary_font", plan.Secondary),
		},
	}
	var buf bytes.Buffer
	if err := intersectionTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render intersection script: %w", err)
	}
	return buf.String(), nil
}

// extrusionSolid nests the rotations so the first one in the list is the
// innermost rotate() and therefore applied first.
func extrusionSolid(name, charVar, fontVar string, g GlyphExtrusion) solidView {
	lines := make([]string, 0, len(g.Rotations)+2)
	depth := 1
	for i := len(g.Rotations) - 1; i >= 0; i-- {
		lines = append(lines, indent(depth)+"rotate("+vec(g.Rotations[i].Vector())+")")
		depth++
	}
	lines = append(lines,
		indent(depth)+"linear_extrude(height=depth, center=true)",
		indent(depth+1)+fmt.Sprintf("glyph_outline(%s, %s, target_height);", charVar, fontVar),
	)
	return solidView{Name: name, Lines: lines}
}
