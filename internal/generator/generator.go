/**
 * Two-stage STL generator
 *
 * Stage 1 renders the glyph-pair intersection. Its bounding box center is
 * only known after rendering, so stage 2 imports that mesh, moves the center
 * to the origin and unions the bail. Each Generate call owns a scoped work
 * directory and removes it on every exit path.
 */

package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duet/stl-worker/internal/engine"
	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
	"github.com/duet/stl-worker/internal/logging"
	"github.com/duet/stl-worker/internal/mesh"
	"github.com/duet/stl-worker/internal/scad"
)

const tracerName = "github.com/duet/stl-worker/internal/generator"

// Renderer runs the CAD engine once per call.
type Renderer interface {
	Render(ctx context.Context, req engine.RenderRequest) (*engine.RenderResult, error)
}

// MeshAnalyzer computes a mesh's bounding box.
type MeshAnalyzer interface {
	Analyze(path string) (*mesh.Analysis, error)
}

// GlyphChecker verifies a font can draw a glyph before the engine runs.
type GlyphChecker interface {
	CheckGlyph(g scad.GlyphSpec) error
}

// Config holds generator configuration
type Config struct {
	Renderer  Renderer
	Analyzer  MeshAnalyzer
	Fonts     GlyphChecker // optional
	Tiers     scad.QualityTiers
	TempDir   string // parent of per-call work dirs; "" means os.TempDir()
	OutputDir string // where final meshes land; "" means TempDir
	Logger    *logging.Logger
	Tracer    trace.Tracer // optional; defaults to the global provider
}

// Result is a finished pendant. The caller owns MeshPath and must remove
// it eventually.
type Result struct {
	MeshPath           string
	Center             geometry.Vec3        // stage-1 bounding box center
	IntersectionBounds geometry.BoundingBox // stage-1 bounds before re-centering
	Bounds             geometry.BoundingBox // final mesh bounds
	Bail               scad.BailPlacement
	Triangles          int
	Vertices           int
	Duration           time.Duration
}

// Generator turns ModelRequests into STL files. It holds no mutable state,
// so one Generator may serve concurrent calls.
type Generator struct {
	renderer  Renderer
	analyzer  MeshAnalyzer
	fonts     GlyphChecker
	tiers     scad.QualityTiers
	tempDir   string
	outputDir string
	logger    *logging.Logger
	tracer    trace.Tracer
}

// New creates a generator
func New(cfg *Config) (*Generator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}

	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = scad.DefaultQualityTiers()
	}
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality tiers: %w", err)
	}

	g := &Generator{
		renderer:  cfg.Renderer,
		analyzer:  cfg.Analyzer,
		fonts:     cfg.Fonts,
		tiers:     tiers,
		tempDir:   cfg.TempDir,
		outputDir: cfg.OutputDir,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
	if g.tempDir == "" {
		g.tempDir = os.TempDir()
	}
	if g.outputDir == "" {
		g.outputDir = g.tempDir
	}
	// The engine runs with its work dir as cwd, so every path handed to it
	// must be absolute.
	for _, dir := range []*string{&g.tempDir, &g.outputDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", *dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", abs, err)
		}
		*dir = abs
	}
	if g.logger == nil {
		g.logger = logging.Discard()
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(tracerName)
	}
	return g, nil
}

// run tracks one Generate call.
type run struct {
	state  State
	logger *logging.Logger
	span   trace.Span
}

func (r *run) advance(to State) {
	if !canTransition(r.state, to) {
		panic(fmt.Sprintf("generator: illegal transition %s -> %s", r.state, to))
	}
	r.logger.Debug("state transition", "from", r.state, "to", to)
	r.span.AddEvent(to.String())
	r.state = to
}

// fail moves to Failed and stamps the state the failure happened in onto
// the error.
func (r *run) fail(err error) error {
	failedIn := r.state
	r.advance(StateFailed)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	if ge, ok := errors.As(err); ok {
		ge.WithStage(failedIn.String())
		r.logger.Error("generation failed", "state", failedIn, "code", ge.Code, "error", ge.Message)
		return err
	}
	r.logger.Error("generation failed", "state", failedIn, "error", err)
	return fmt.Errorf("generation failed in %s: %w", failedIn, err)
}

// Generate runs both stages. On success the returned MeshPath is the only
// file left behind; on failure nothing is.
func (g *Generator) Generate(ctx context.Context, req scad.ModelRequest) (res *Result, err error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "generator.Generate", trace.WithAttributes(
		attribute.String("duet.primary.character", req.Primary.Character),
		attribute.String("duet.primary.font", req.Primary.FontName),
		attribute.String("duet.secondary.character", req.Secondary.Character),
		attribute.String("duet.secondary.font", req.Secondary.FontName),
		attribute.Float64("duet.target_height", req.TargetHeight),
	))
	defer span.End()

	r := &run{
		state: StateInit,
		logger: g.logger.With(
			"letters", req.Primary.Character+req.Secondary.Character,
			"height", req.TargetHeight,
		),
		span: span,
	}

	// Init: everything that can fail without touching the disk.
	if err := req.Validate(); err != nil {
		return nil, r.fail(err)
	}
	if g.fonts != nil {
		for _, glyph := range []scad.GlyphSpec{req.Primary, req.Secondary} {
			if err := g.fonts.CheckGlyph(glyph); err != nil {
				return nil, r.fail(err)
			}
		}
	}
	intersection, err := scad.IntersectionScript(req, g.tiers)
	if err != nil {
		return nil, r.fail(err)
	}

	workDir, err := os.MkdirTemp(g.tempDir, "duet-*")
	if err != nil {
		return nil, r.fail(errors.NewWorkDirError(StateInit.String(), g.tempDir, err))
	}
	finalPath := filepath.Join(g.outputDir, fmt.Sprintf("duet-%s.stl", uuid.New().String()))
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.logger.Warn("failed to remove work dir", "dir", workDir, "error", rmErr)
		}
		if err != nil {
			if rmErr := os.Remove(finalPath); rmErr != nil && !os.IsNotExist(rmErr) {
				r.logger.Warn("failed to remove partial mesh", "path", finalPath, "error", rmErr)
			}
		}
	}()

	// Stage 1: intersection only.
	r.advance(StateStage1Rendering)
	stage1Path := filepath.Join(workDir, "intersection.stl")
	if _, err := g.render(ctx, StateStage1Rendering, intersection, stage1Path, workDir); err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateStage1Done)

	// The center only exists once stage 1 is on disk.
	stage1, err := g.analyzer.Analyze(stage1Path)
	if err != nil {
		return nil, r.fail(err)
	}
	center := stage1.Center()
	r.advance(StateCenterComputed)
	r.logger.Info("intersection measured", "bounds", stage1.Bounds, "center", center, "triangles", stage1.Triangles)

	// Stage 2: re-center and fuse the bail.
	bail := scad.PlaceBail(req.TargetHeight, req.BailOffset, req.BailRotation)
	fusion, err := scad.FusionScript(stage1Path, center, bail)
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateStage2Rendering)
	if _, err := g.render(ctx, StateStage2Rendering, fusion, finalPath, workDir); err != nil {
		return nil, r.fail(err)
	}
	final, err := g.analyzer.Analyze(finalPath)
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateComplete)

	res = &Result{
		MeshPath:           finalPath,
		Center:             center,
		IntersectionBounds: stage1.Bounds,
		Bounds:             final.Bounds,
		Bail:               bail,
		Triangles:          final.Triangles,
		Vertices:           final.Vertices,
		Duration:           time.Since(start),
	}
	span.SetAttributes(
		attribute.Int("duet.triangles", res.Triangles),
		attribute.Float64("duet.height", res.Bounds.Size().Z),
	)
	r.logger.Info("generation complete", "path", finalPath, "bounds", final.Bounds, "duration", res.Duration)
	return res, nil
}

func (g *Generator) render(ctx context.Context, state State, script, output, workDir string) (*engine.RenderResult, error) {
	ctx, span := g.tracer.Start(ctx, "generator."+state.String())
	defer span.End()

	res, err := g.renderer.Render(ctx, engine.RenderRequest{
		Stage:      state.String(),
		Script:     script,
		OutputPath: output,
		WorkDir:    workDir,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("duet.output_bytes", res.OutputSize))
	return res, nil
}
