/**
 * Order Processor for the DUET STL worker
 *
 * Turns one order item into one stored pendant mesh:
 * - record the attempt in the job table
 * - run the two-stage generator
 * - move the mesh into the artifact directory under its order file name
 *
 * Retry policy is the queue's business; the processor runs one attempt.
 */

package processor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/generator"
	"github.com/duet/stl-worker/internal/logging"
	"github.com/duet/stl-worker/internal/scad"
	"github.com/duet/stl-worker/internal/storage"
)

// OrderProcessorInterface defines the interface for order item processing
type OrderProcessorInterface interface {
	ProcessItem(ctx context.Context, req *ItemRequest) (*ItemResult, error)
	RecordFailure(ctx context.Context, req *ItemRequest, cause error, final bool) error
}

// Generator produces a pendant mesh.
type Generator interface {
	Generate(ctx context.Context, req scad.ModelRequest) (*generator.Result, error)
}

// ResultStore persists job state and artifacts.
type ResultStore interface {
	MarkProcessing(ctx context.Context, update *storage.JobUpdate) error
	StoreResult(ctx context.Context, update *storage.JobUpdate, meshPath, name string) (*storage.StoredArtifact, error)
	MarkFailed(ctx context.Context, update *storage.JobUpdate, cause error, final bool) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Generator Generator
	Store     ResultStore
	Logger    *logging.Logger
}

// ItemRequest represents one order item to generate
type ItemRequest struct {
	JobID    string
	OrderID  string
	ItemID   string
	Model    scad.ModelRequest
	Attempt  int
	Metadata map[string]interface{}
}

// ItemResult represents the processing result
type ItemResult struct {
	JobID            string                 `json:"jobId"`
	ArtifactName     string                 `json:"artifactName"`
	ArtifactPath     string                 `json:"artifactPath"`
	ArtifactSize     int64                  `json:"artifactSize"`
	Center           [3]float64             `json:"center"`
	BoundsMin        [3]float64             `json:"boundsMin"`
	BoundsMax        [3]float64             `json:"boundsMax"`
	Height           float64                `json:"height"`
	Triangles        int                    `json:"triangles"`
	Vertices         int                    `json:"vertices"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// OrderProcessor handles order item processing
type OrderProcessor struct {
	generator Generator
	store     ResultStore
	logger    *logging.Logger
}

// NewOrderProcessor creates a new order processor
func NewOrderProcessor(cfg *ProcessorConfig) (*OrderProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &OrderProcessor{
		generator: cfg.Generator,
		store:     cfg.Store,
		logger:    logger,
	}, nil
}

// ProcessItem runs one generation attempt and stores the mesh.
func (p *OrderProcessor) ProcessItem(ctx context.Context, req *ItemRequest) (*ItemResult, error) {
	if req == nil || req.JobID == "" {
		return nil, errors.NewScriptGenerationError("job ID is required", nil)
	}
	startTime := time.Now()
	logger := p.logger.With("job_id", req.JobID, "attempt", req.Attempt)

	// A lost status row must not block generation.
	if err := p.store.MarkProcessing(ctx, p.jobUpdate(req)); err != nil {
		logger.Warn("failed to mark job processing", "error", err)
	}

	logger.Info("generating pendant",
		"primary", req.Model.Primary.Character, "primary_font", req.Model.Primary.FontName,
		"secondary", req.Model.Secondary.Character, "secondary_font", req.Model.Secondary.FontName,
		"height", req.Model.TargetHeight)

	res, err := p.generator.Generate(ctx, req.Model)
	if err != nil {
		if ge, ok := errors.As(err); ok {
			ge.WithJobID(req.JobID)
		}
		return nil, err
	}

	name := storage.ArtifactName(req.Model.Primary.Character, req.Model.Secondary.Character,
		req.Model.TargetHeight, itemKey(req))

	update := p.jobUpdate(req)
	update.BoundsMin = []float64{res.Bounds.Min.X, res.Bounds.Min.Y, res.Bounds.Min.Z}
	update.BoundsMax = []float64{res.Bounds.Max.X, res.Bounds.Max.Y, res.Bounds.Max.Z}
	update.Triangles = res.Triangles
	update.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	update.Metadata = map[string]interface{}{
		"center":         []float64{res.Center.X, res.Center.Y, res.Center.Z},
		"bail_position":  []float64{res.Bail.Position.X, res.Bail.Position.Y, res.Bail.Position.Z},
		"bail_rotation":  res.Bail.Rotation,
		"generation_ms":  res.Duration.Milliseconds(),
		"intersection_z": res.IntersectionBounds.Size().Z,
	}

	stored, err := p.store.StoreResult(ctx, update, res.MeshPath, name)
	if err != nil {
		// The generator handed the mesh over; nobody else will clean it up.
		if rmErr := os.Remove(res.MeshPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("failed to remove unstored mesh", "path", res.MeshPath, "error", rmErr)
		}
		return nil, err
	}

	size := res.Bounds.Size()
	result := &ItemResult{
		JobID:            req.JobID,
		ArtifactName:     stored.Name,
		ArtifactPath:     stored.Path,
		ArtifactSize:     stored.Size,
		Center:           [3]float64{res.Center.X, res.Center.Y, res.Center.Z},
		BoundsMin:        [3]float64{res.Bounds.Min.X, res.Bounds.Min.Y, res.Bounds.Min.Z},
		BoundsMax:        [3]float64{res.Bounds.Max.X, res.Bounds.Max.Y, res.Bounds.Max.Z},
		Height:           size.Z,
		Triangles:        res.Triangles,
		Vertices:         res.Vertices,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
		Metadata:         req.Metadata,
	}

	logger.Info("pendant stored", "artifact", stored.Name, "bytes", stored.Size,
		"height", size.Z, "duration_ms", result.ProcessingTimeMs)
	return result, nil
}

// RecordFailure stores the structured error of a failed attempt.
func (p *OrderProcessor) RecordFailure(ctx context.Context, req *ItemRequest, cause error, final bool) error {
	if req == nil || req.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	return p.store.MarkFailed(ctx, p.jobUpdate(req), cause, final)
}

func (p *OrderProcessor) jobUpdate(req *ItemRequest) *storage.JobUpdate {
	return &storage.JobUpdate{
		JobID:         req.JobID,
		OrderID:       req.OrderID,
		ItemID:        req.ItemID,
		PrimaryChar:   req.Model.Primary.Character,
		PrimaryFont:   req.Model.Primary.FontName,
		SecondaryChar: req.Model.Secondary.Character,
		SecondaryFont: req.Model.Secondary.FontName,
		TargetHeight:  req.Model.TargetHeight,
		Attempt:       req.Attempt,
	}
}

// itemKey names the artifact: the order item ID when known, else the job.
func itemKey(req *ItemRequest) string {
	if req.ItemID != "" {
		return req.ItemID
	}
	return req.JobID
}
