package generator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duet/stl-worker/internal/engine"
	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
	"github.com/duet/stl-worker/internal/mesh"
	"github.com/duet/stl-worker/internal/mesh/meshtest"
	"github.com/duet/stl-worker/internal/scad"
)

var (
	importRe = regexp.MustCompile(`import\("([^"]*)"\)`)
	offsetRe = regexp.MustCompile(`center_offset = \[([^\]]*)\];`)
	bailRe   = regexp.MustCompile(`bail_position = \[([^\]]*)\];`)
	rotRe    = regexp.MustCompile(`bail_rotation = ([-0-9.]+);`)
)

// fakeRenderer stands in for OpenSCAD. Stage 1 writes a box; stage 2 reads
// the imported mesh back, applies the script's center_offset and adds a box
// where the bail would be, so the script's numbers drive the final bounds.
type fakeRenderer struct {
	solid geometry.BoundingBox

	failAt      string // stage name to fail in
	failErr     error
	partial     bool // write the output before failing
	emptyStage1 bool

	mu    sync.Mutex
	calls []engine.RenderRequest
}

func (f *fakeRenderer) Render(ctx context.Context, req engine.RenderRequest) (*engine.RenderResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if req.Stage == f.failAt {
		if f.partial {
			_ = os.WriteFile(req.OutputPath, []byte("partial"), 0o644)
		}
		return nil, f.failErr
	}

	var err error
	switch {
	case strings.Contains(req.Script, "intersection()"):
		if f.emptyStage1 {
			err = meshtest.WriteSTL(req.OutputPath, false)
		} else {
			err = meshtest.WriteSTL(req.OutputPath, false, meshtest.Box(f.solid))
		}
	case strings.Contains(req.Script, "union()"):
		err = f.fuse(req)
	default:
		err = fmt.Errorf("unexpected script")
	}
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return nil, err
	}
	return &engine.RenderResult{OutputPath: req.OutputPath, OutputSize: info.Size()}, nil
}

func (f *fakeRenderer) fuse(req engine.RenderRequest) error {
	m := importRe.FindStringSubmatch(req.Script)
	if m == nil {
		return fmt.Errorf("no import in script")
	}
	imported, err := mesh.NewSTLAnalyzer().Analyze(m[1])
	if err != nil {
		return err
	}
	offset, err := parseVec(offsetRe, req.Script)
	if err != nil {
		return err
	}
	pos, err := parseVec(bailRe, req.Script)
	if err != nil {
		return err
	}
	rot, err := strconv.ParseFloat(rotRe.FindStringSubmatch(req.Script)[1], 64)
	if err != nil {
		return err
	}
	bail := scad.BailPlacement{Position: pos, Rotation: rot}
	return meshtest.WriteSTL(req.OutputPath, false,
		meshtest.Box(imported.Bounds.Translate(offset)),
		meshtest.Box(bail.Bounds()))
}

func (f *fakeRenderer) Calls() []engine.RenderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.RenderRequest(nil), f.calls...)
}

func parseVec(re *regexp.Regexp, script string) (geometry.Vec3, error) {
	m := re.FindStringSubmatch(script)
	if m == nil {
		return geometry.Vec3{}, fmt.Errorf("%s not found", re)
	}
	parts := strings.Split(m[1], ",")
	if len(parts) != 3 {
		return geometry.Vec3{}, fmt.Errorf("bad vector %q", m[1])
	}
	var xyz [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.Vec3{}, err
		}
		xyz[i] = v
	}
	return geometry.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

type fakeFonts struct {
	missing string
}

func (f fakeFonts) CheckGlyph(g scad.GlyphSpec) error {
	if g.FontName == f.missing {
		return errors.NewScriptGenerationError("font "+g.FontName+" is not installed", nil)
	}
	return nil
}

// offCenterSolid is a 6×6×20 box whose center is (6, 2, 17).
var offCenterSolid = geometry.NewBoundingBox(geometry.Vec3{X: 3, Y: -1, Z: 7}, geometry.Vec3{X: 9, Y: 5, Z: 27})

func request() scad.ModelRequest {
	return scad.ModelRequest{
		Primary:      scad.GlyphSpec{Character: "B", FontName: "Cormorant Garamond"},
		Secondary:    scad.GlyphSpec{Character: "R", FontName: "Jost"},
		TargetHeight: 20,
	}
}

type fixture struct {
	renderer  *fakeRenderer
	gen       *Generator
	tempDir   string
	outputDir string
}

func newFixture(t *testing.T, r *fakeRenderer, fonts GlyphChecker) *fixture {
	t.Helper()
	if r == nil {
		r = &fakeRenderer{solid: offCenterSolid}
	}
	f := &fixture{renderer: r, tempDir: t.TempDir(), outputDir: t.TempDir()}
	gen, err := New(&Config{
		Renderer:  r,
		Analyzer:  mesh.NewSTLAnalyzer(),
		Fonts:     fonts,
		TempDir:   f.tempDir,
		OutputDir: f.outputDir,
	})
	require.NoError(t, err)
	f.gen = gen
	return f
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

func TestGenerateRecentersAndFusesBail(t *testing.T) {
	f := newFixture(t, nil, nil)

	res, err := f.gen.Generate(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Center.ApproxEqual(geometry.Vec3{X: 6, Y: 2, Z: 17}, 1e-5), res.Center.String())
	assert.True(t, res.IntersectionBounds.Min.ApproxEqual(offCenterSolid.Min, 1e-5))

	// Solid spans ±10 in Z after re-centering; bail tops out at 10+2+2.2.
	assert.InDelta(t, -10, res.Bounds.Min.Z, 1e-4)
	assert.InDelta(t, 14.2, res.Bounds.Max.Z, 1e-4)
	assert.InDelta(t, scad.ExpectedHeight(20), res.Bounds.Size().Z, 1e-4)
	assert.InDelta(t, 0, res.Bounds.Center().X, 1e-4)
	assert.InDelta(t, 0, res.Bounds.Center().Y, 1e-4)
	assert.Equal(t, 24, res.Triangles)

	assert.Equal(t, geometry.Vec3{Z: 12}, res.Bail.Position)
	assert.Equal(t, 90.0, res.Bail.Rotation)

	assert.Equal(t, f.outputDir, filepath.Dir(res.MeshPath))
	assert.True(t, strings.HasPrefix(filepath.Base(res.MeshPath), "duet-"))
	assert.FileExists(t, res.MeshPath)
	assert.Empty(t, entries(t, f.tempDir), "work dir must be removed")
}

func TestGenerateStageOrderAndScripts(t *testing.T) {
	f := newFixture(t, nil, nil)

	res, err := f.gen.Generate(context.Background(), request())
	require.NoError(t, err)

	calls := f.renderer.Calls()
	require.Len(t, calls, 2)

	assert.Equal(t, "Stage1Rendering", calls[0].Stage)
	assert.Contains(t, calls[0].Script, "intersection()")
	assert.NotContains(t, calls[0].Script, "rotate_extrude")
	assert.Equal(t, f.tempDir, filepath.Dir(calls[0].WorkDir))

	assert.Equal(t, "Stage2Rendering", calls[1].Stage)
	assert.Equal(t, res.MeshPath, calls[1].OutputPath)
	assert.Contains(t, calls[1].Script, "center_offset = [-6, -2, -17];")
	assert.Contains(t, calls[1].Script, filepath.ToSlash(calls[0].OutputPath))
}

func TestGenerateBailOffset(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := request()
	req.BailOffset = geometry.Vec3{Z: 2}
	req.BailRotation = 45

	res, err := f.gen.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, geometry.Vec3{Z: 14}, res.Bail.Position)
	assert.Equal(t, 135.0, res.Bail.Rotation)
	assert.InDelta(t, 16.2, res.Bounds.Max.Z, 1e-4)
	assert.InDelta(t, 26.2, res.Bounds.Size().Z, 1e-4)
	assert.InDelta(t, scad.ExpectedHeight(20)+req.BailOffset.Z, res.Bounds.Size().Z, 1e-4)
}

func TestGenerateRejectsBeforeTouchingDisk(t *testing.T) {
	bad := map[string]func(*scad.ModelRequest){
		"zero height":     func(r *scad.ModelRequest) { r.TargetHeight = 0 },
		"negative height": func(r *scad.ModelRequest) { r.TargetHeight = -5 },
		"NaN height":      func(r *scad.ModelRequest) { r.TargetHeight = math.NaN() },
		"empty character": func(r *scad.ModelRequest) { r.Primary.Character = "" },
		"two characters":  func(r *scad.ModelRequest) { r.Secondary.Character = "RR" },
		"empty font":      func(r *scad.ModelRequest) { r.Secondary.FontName = "" },
		"infinite offset": func(r *scad.ModelRequest) { r.BailOffset.X = math.Inf(1) },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			req := request()
			mutate(&req)

			res, err := f.gen.Generate(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, res)

			ge, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrorScriptGeneration, ge.Code)
			assert.Equal(t, "Init", ge.Stage)
			assert.False(t, ge.Retryable())

			assert.Empty(t, f.renderer.Calls())
			assert.Empty(t, entries(t, f.tempDir))
			assert.Empty(t, entries(t, f.outputDir))
		})
	}
}

func TestGenerateUnknownFont(t *testing.T) {
	f := newFixture(t, nil, fakeFonts{missing: "Jost"})

	_, err := f.gen.Generate(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorScriptGeneration, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "not installed")
	assert.Empty(t, f.renderer.Calls())
	assert.Empty(t, entries(t, f.tempDir))
}

func TestGenerateFailuresCleanUp(t *testing.T) {
	cases := []struct {
		name      string
		renderer  *fakeRenderer
		wantCode  errors.ErrorCode
		wantStage string
		wantCalls int
	}{
		{
			name: "stage 1 engine failure",
			renderer: &fakeRenderer{solid: offCenterSolid, failAt: "Stage1Rendering",
				failErr: errors.NewEngineInvocationError("Stage1Rendering", 1, false, "", "ERROR: Parser error", nil)},
			wantCode:  errors.ErrorEngineInvocation,
			wantStage: "Stage1Rendering",
			wantCalls: 1,
		},
		{
			name:      "stage 1 empty intersection",
			renderer:  &fakeRenderer{emptyStage1: true},
			wantCode:  errors.ErrorDegenerateGeometry,
			wantStage: "Stage1Done",
			wantCalls: 1,
		},
		{
			name: "stage 2 missing output",
			renderer: &fakeRenderer{solid: offCenterSolid, failAt: "Stage2Rendering",
				failErr: errors.NewEngineOutputMissingError("Stage2Rendering", "x.stl", "", "")},
			wantCode:  errors.ErrorEngineOutputMissing,
			wantStage: "Stage2Rendering",
			wantCalls: 2,
		},
		{
			name: "stage 2 timeout after partial write",
			renderer: &fakeRenderer{solid: offCenterSolid, failAt: "Stage2Rendering", partial: true,
				failErr: errors.NewEngineInvocationError("Stage2Rendering", -1, true, "", "", context.DeadlineExceeded)},
			wantCode:  errors.ErrorEngineInvocation,
			wantStage: "Stage2Rendering",
			wantCalls: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.renderer, nil)

			res, err := f.gen.Generate(context.Background(), request())
			require.Error(t, err)
			assert.Nil(t, res)

			ge, ok := errors.As(err)
			require.True(t, ok, "want structured error, got %v", err)
			assert.Equal(t, tc.wantCode, ge.Code)
			assert.Equal(t, tc.wantStage, ge.Stage)

			assert.Len(t, f.renderer.Calls(), tc.wantCalls)
			assert.Empty(t, entries(t, f.tempDir), "work dir must be removed")
			assert.Empty(t, entries(t, f.outputDir), "partial mesh must be removed")
		})
	}
}

func TestGenerateIsRepeatable(t *testing.T) {
	f := newFixture(t, nil, nil)

	first, err := f.gen.Generate(context.Background(), request())
	require.NoError(t, err)
	second, err := f.gen.Generate(context.Background(), request())
	require.NoError(t, err)

	assert.NotEqual(t, first.MeshPath, second.MeshPath)
	assert.Equal(t, first.Center, second.Center)
	assert.Equal(t, first.Bounds, second.Bounds)

	calls := f.renderer.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, calls[0].Script, calls[2].Script)
}

func TestGenerateConcurrent(t *testing.T) {
	f := newFixture(t, nil, nil)

	const n = 8
	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request()
			req.TargetHeight = float64(15 + i)
			res, err := f.gen.Generate(context.Background(), req)
			errs[i] = err
			if err == nil {
				paths[i] = res.MeshPath
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[paths[i]], "duplicate output path")
		seen[paths[i]] = true
	}
	assert.Len(t, entries(t, f.outputDir), n)
	assert.Empty(t, entries(t, f.tempDir))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{Analyzer: mesh.NewSTLAnalyzer()})
	assert.Error(t, err)

	_, err = New(&Config{Renderer: &fakeRenderer{}})
	assert.Error(t, err)

	_, err = New(&Config{
		Renderer: &fakeRenderer{},
		Analyzer: mesh.NewSTLAnalyzer(),
		Tiers:    scad.QualityTiers{{MaxHeight: 20, Segments: 0}},
	})
	assert.Error(t, err)
}

func TestNewCreatesMissingDirs(t *testing.T) {
	base := t.TempDir()
	tempDir := filepath.Join(base, "duet", "work")
	outputDir := filepath.Join(base, "out")

	r := &fakeRenderer{solid: offCenterSolid}
	gen, err := New(&Config{
		Renderer:  r,
		Analyzer:  mesh.NewSTLAnalyzer(),
		TempDir:   tempDir,
		OutputDir: outputDir,
	})
	require.NoError(t, err)
	assert.DirExists(t, tempDir)
	assert.DirExists(t, outputDir)

	res, err := gen.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, outputDir, filepath.Dir(res.MeshPath))
	assert.Empty(t, entries(t, tempDir))
}

func TestNewResolvesRelativeDirs(t *testing.T) {
	t.Chdir(t.TempDir())

	r := &fakeRenderer{solid: offCenterSolid}
	gen, err := New(&Config{
		Renderer: r,
		Analyzer: mesh.NewSTLAnalyzer(),
		TempDir:  "work",
	})
	require.NoError(t, err)

	res, err := gen.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(res.MeshPath), res.MeshPath)
	for _, call := range r.Calls() {
		assert.True(t, filepath.IsAbs(call.WorkDir), call.WorkDir)
		assert.True(t, filepath.IsAbs(call.OutputPath), call.OutputPath)
	}
}

func TestNewRejectsUnusableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(&Config{
		Renderer: &fakeRenderer{},
		Analyzer: mesh.NewSTLAnalyzer(),
		TempDir:  filepath.Join(file, "duet"),
	})
	assert.Error(t, err)
}

func TestGenerateWorkDirFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, os.RemoveAll(f.tempDir))

	_, err := f.gen.Generate(context.Background(), request())
	require.Error(t, err)
	ge, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorEngineInvocation, ge.Code)
	assert.Equal(t, "Init", ge.Stage)
	assert.Contains(t, ge.Message, "work dir")
	assert.Empty(t, f.renderer.Calls())
}

func TestStateTransitions(t *testing.T) {
	path := []State{StateInit, StateStage1Rendering, StateStage1Done, StateCenterComputed, StateStage2Rendering, StateComplete}
	for i := 0; i+1 < len(path); i++ {
		assert.True(t, canTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, canTransition(path[i], StateFailed))
	}

	assert.False(t, canTransition(StateInit, StateCenterComputed))
	assert.False(t, canTransition(StateStage1Rendering, StateStage2Rendering))
	assert.False(t, canTransition(StateComplete, StateFailed))
	assert.False(t, canTransition(StateFailed, StateInit))

	assert.Equal(t, "CenterComputed", StateCenterComputed.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStage2Rendering.Terminal())
}
