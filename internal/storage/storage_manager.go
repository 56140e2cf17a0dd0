/**
 * Storage Manager for the DUET STL worker
 *
 * Coordinates the job table (PostgreSQL) and the artifact directory. A mesh
 * is only reported as stored once both sides agree; if the database write
 * fails the artifact is removed again.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/logging"
)

// JobStore is the subset of PostgresClient the manager needs.
type JobStore interface {
	UpsertJob(ctx context.Context, update *JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// StorageManager coordinates the job store and the artifact directory
type StorageManager struct {
	jobs      JobStore
	artifacts *ArtifactStore
	logger    *logging.Logger
}

// StoredArtifact describes a mesh that reached the artifact directory.
type StoredArtifact struct {
	JobID    string
	Name     string
	Path     string
	Size     int64
	StoredAt time.Time
}

// NewStorageManager connects to PostgreSQL, applies the schema and opens the
// artifact directory.
func NewStorageManager(databaseURL, artifactDir string, logger *logging.Logger) (*StorageManager, error) {
	postgres, err := NewPostgresClient(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.Migrate(ctx); err != nil {
		postgres.Close() // Cleanup on failure
		return nil, err
	}

	artifacts, err := NewArtifactStore(artifactDir)
	if err != nil {
		postgres.Close()
		return nil, err
	}

	return NewStorageManagerWith(postgres, artifacts, logger), nil
}

// NewStorageManagerWith assembles a manager from existing parts.
func NewStorageManagerWith(jobs JobStore, artifacts *ArtifactStore, logger *logging.Logger) *StorageManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StorageManager{jobs: jobs, artifacts: artifacts, logger: logger}
}

// MarkProcessing records that an attempt started.
func (sm *StorageManager) MarkProcessing(ctx context.Context, update *JobUpdate) error {
	update.Status = StatusProcessing
	update.ErrorCode, update.ErrorMessage, update.ErrorStage = "", "", ""
	return sm.jobs.UpsertJob(ctx, update)
}

// StoreResult moves meshPath into the artifact directory as name and marks
// the job completed. On a database failure the artifact is removed so no
// unreferenced file is left.
func (sm *StorageManager) StoreResult(ctx context.Context, update *JobUpdate, meshPath, name string) (*StoredArtifact, error) {
	if update == nil || update.JobID == "" {
		return nil, errors.NewStorageFailedError("", fmt.Errorf("job ID is required"))
	}

	path, size, err := sm.artifacts.Store(meshPath, name)
	if err != nil {
		return nil, errors.NewStorageFailedError(update.JobID, err)
	}

	update.Status = StatusCompleted
	update.ArtifactPath = path
	update.ErrorCode, update.ErrorMessage, update.ErrorStage = "", "", ""
	if err := sm.jobs.UpsertJob(ctx, update); err != nil {
		// Rollback: drop the artifact
		if rmErr := sm.artifacts.Remove(name); rmErr != nil {
			sm.logger.Warn("failed to roll back artifact", "job_id", update.JobID, "error", rmErr)
		}
		return nil, errors.NewStorageFailedError(update.JobID, err)
	}

	sm.logger.Info("artifact stored", "job_id", update.JobID, "path", path, "bytes", size)
	return &StoredArtifact{
		JobID:    update.JobID,
		Name:     name,
		Path:     path,
		Size:     size,
		StoredAt: time.Now(),
	}, nil
}

// MarkFailed records the structured error of a failed attempt. final marks
// attempts that will not be retried.
func (sm *StorageManager) MarkFailed(ctx context.Context, update *JobUpdate, cause error, final bool) error {
	update.Status = StatusQueued
	if final {
		update.Status = StatusFailed
	}
	update.ErrorMessage = cause.Error()
	if ge, ok := errors.As(cause); ok {
		update.ErrorCode = string(ge.Code)
		update.ErrorStage = ge.Stage
		update.ErrorMessage = ge.Message
		if update.Metadata == nil {
			update.Metadata = map[string]interface{}{}
		}
		update.Metadata["last_error"] = ge.ToMap()
	}
	return sm.jobs.UpsertJob(ctx, update)
}

// GetJob retrieves a job by ID
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return sm.jobs.GetJob(ctx, jobID)
}

// Artifacts returns the artifact store.
func (sm *StorageManager) Artifacts() *ArtifactStore {
	return sm.artifacts
}

// Ping checks the database.
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.jobs.Ping(ctx)
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	if sm.jobs == nil {
		return nil
	}
	if err := sm.jobs.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", err)
	}
	return nil
}
