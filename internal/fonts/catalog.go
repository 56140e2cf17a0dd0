// Package fonts indexes the font files the CAD engine can see, so requests
// naming a missing family or a glyph the family lacks fail before any
// engine run. OpenSCAD substitutes a default font for unknown names and only
// warns, which would ship the wrong letter.
package fonts

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/font/sfnt"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/logging"
	"github.com/duet/stl-worker/internal/scad"
)

// nameIDTypographicFamily is the OpenType "preferred family" name record.
const nameIDTypographicFamily = sfnt.NameID(16)

// DefaultDirs are the usual fontconfig locations on Linux.
var DefaultDirs = []string{"/usr/share/fonts", "/usr/local/share/fonts"}

type face struct {
	path  string
	index int // position inside a collection, 0 for plain files
}

// Catalog maps family names to font files. It is built once and read-only
// afterwards, so it is safe for concurrent use.
type Catalog struct {
	families map[string][]face
	names    map[string]string // normalized -> display name
}

// Scan walks dirs and indexes every TrueType/OpenType font it can parse.
// Missing directories are skipped; unreadable fonts are logged and skipped.
func Scan(dirs []string, logger *logging.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Catalog{families: map[string][]face{}, names: map[string]string{}}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			logger.Debug("font dir skipped", "dir", dir, "error", err)
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() || !isFontFile(path) {
				return nil
			}
			if err := c.addFile(path); err != nil {
				logger.Warn("font skipped", "path", path, "error", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan font dir %s: %w", dir, err)
		}
	}
	logger.Info("font catalog ready", "families", len(c.families))
	return c, nil
}

func isFontFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttf", ".otf", ".ttc", ".otc":
		return true
	}
	return false
}

func (c *Catalog) addFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fonts, err := parseAll(data)
	if err != nil {
		return err
	}
	var buf sfnt.Buffer
	for i, f := range fonts {
		for _, id := range []sfnt.NameID{sfnt.NameIDFamily, nameIDTypographicFamily} {
			name, err := f.Name(&buf, id)
			if err != nil || strings.TrimSpace(name) == "" {
				continue
			}
			c.add(name, face{path: path, index: i})
		}
	}
	return nil
}

func parseAll(data []byte) ([]*sfnt.Font, error) {
	coll, err := sfnt.ParseCollection(data)
	if err != nil {
		return nil, err
	}
	fonts := make([]*sfnt.Font, 0, coll.NumFonts())
	for i := 0; i < coll.NumFonts(); i++ {
		f, err := coll.Font(i)
		if err != nil {
			return nil, err
		}
		fonts = append(fonts, f)
	}
	return fonts, nil
}

func (c *Catalog) add(family string, f face) {
	key := normalize(family)
	for _, existing := range c.families[key] {
		if existing == f {
			return
		}
	}
	c.families[key] = append(c.families[key], f)
	if _, ok := c.names[key]; !ok {
		c.names[key] = strings.TrimSpace(family)
	}
}

// Family strips an engine style suffix: "Jost:style=Bold" -> "Jost".
func Family(fontName string) string {
	if i := strings.IndexByte(fontName, ':'); i >= 0 {
		fontName = fontName[:i]
	}
	return strings.TrimSpace(fontName)
}

func normalize(family string) string {
	return strings.ToLower(strings.Join(strings.Fields(family), " "))
}

// Has reports whether the family of fontName is installed.
func (c *Catalog) Has(fontName string) bool {
	_, ok := c.families[normalize(Family(fontName))]
	return ok
}

// Families lists installed family names, sorted.
func (c *Catalog) Families() []string {
	out := make([]string, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasGlyph reports whether any face of the family maps r to a real glyph.
func (c *Catalog) HasGlyph(fontName string, r rune) (bool, error) {
	faces, ok := c.families[normalize(Family(fontName))]
	if !ok {
		return false, nil
	}
	var buf sfnt.Buffer
	var lastErr error
	for _, f := range faces {
		font, err := loadFace(f)
		if err != nil {
			lastErr = err
			continue
		}
		idx, err := font.GlyphIndex(&buf, r)
		if err != nil {
			lastErr = err
			continue
		}
		if idx != 0 {
			return true, nil
		}
	}
	return false, lastErr
}

func loadFace(f face) (*sfnt.Font, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	coll, err := sfnt.ParseCollection(data)
	if err != nil {
		return nil, err
	}
	return coll.Font(f.index)
}

// CheckGlyph fails with a script-generation error when the font is not
// installed or cannot draw the glyph. There is no fallback font.
func (c *Catalog) CheckGlyph(g scad.GlyphSpec) error {
	details := map[string]interface{}{"font": g.FontName, "character": g.Character}
	if !c.Has(g.FontName) {
		return errors.NewScriptGenerationError(fmt.Sprintf("font %q is not installed", Family(g.FontName)), details)
	}
	ok, err := c.HasGlyph(g.FontName, g.Rune())
	if err != nil && !ok {
		e := errors.NewScriptGenerationError(fmt.Sprintf("font %q could not be read", Family(g.FontName)), details)
		e.Cause = err
		return e
	}
	if !ok {
		return errors.NewScriptGenerationError(fmt.Sprintf("font %q has no glyph for %q", Family(g.FontName), g.Character), details)
	}
	return nil
}
