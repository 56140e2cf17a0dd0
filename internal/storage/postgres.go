/**
 * PostgreSQL Client for the DUET STL worker
 *
 * Persists one row per generation job: request, status, final bounds and
 * the structured error of the last failed attempt.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

// Job statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrJobNotFound is returned by GetJob for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Zero values leave the stored
// column untouched, except for the error columns which are always replaced.
type JobUpdate struct {
	JobID            string
	OrderID          string
	ItemID           string
	Status           string
	PrimaryChar      string
	PrimaryFont      string
	SecondaryChar    string
	SecondaryFont    string
	TargetHeight     float64
	Attempt          int
	ArtifactPath     string
	BoundsMin        []float64
	BoundsMax        []float64
	Triangles        int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	ErrorStage       string
	Metadata         map[string]interface{}
}

// Job is a stored generation job.
type Job struct {
	ID               string
	OrderID          string
	ItemID           string
	Status           string
	PrimaryChar      string
	PrimaryFont      string
	SecondaryChar    string
	SecondaryFont    string
	TargetHeight     float64
	Attempt          int
	ArtifactPath     string
	BoundsMin        []float64
	BoundsMax        []float64
	Triangles        int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	ErrorStage       string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS duet`,
	`CREATE TABLE IF NOT EXISTS duet.generation_jobs (
		id                 TEXT PRIMARY KEY,
		order_id           TEXT,
		item_id            TEXT,
		status             TEXT NOT NULL,
		primary_char       TEXT,
		primary_font       TEXT,
		secondary_char     TEXT,
		secondary_font     TEXT,
		target_height      DOUBLE PRECISION,
		attempt            INTEGER NOT NULL DEFAULT 0,
		artifact_path      TEXT,
		bbox_min           DOUBLE PRECISION[],
		bbox_max           DOUBLE PRECISION[],
		triangles          INTEGER,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		error_stage        TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS generation_jobs_order_idx ON duet.generation_jobs (order_id)`,
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// NewPostgresClientFromDB wraps an open handle.
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// Migrate creates the schema and table if missing.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpsertJob creates the job row on first sight and updates it afterwards.
func (p *PostgresClient) UpsertJob(ctx context.Context, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	// Engine stderr ends up in here; JSONB rejects \u0000.
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	var boundsMin, boundsMax interface{}
	if len(update.BoundsMin) == 3 && len(update.BoundsMax) == 3 {
		boundsMin, boundsMax = pq.Array(update.BoundsMin), pq.Array(update.BoundsMax)
	}

	query := `
		INSERT INTO duet.generation_jobs (
			id, order_id, item_id, status,
			primary_char, primary_font, secondary_char, secondary_font, target_height,
			attempt, artifact_path, bbox_min, bbox_max, triangles, processing_time_ms,
			error_code, error_message, error_stage, metadata,
			created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), $4,
			NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0),
			$10, NULLIF($11, ''), $12, $13, NULLIF($14, 0), NULLIF($15, 0),
			NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''),
			COALESCE($19::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			order_id = COALESCE(EXCLUDED.order_id, duet.generation_jobs.order_id),
			item_id = COALESCE(EXCLUDED.item_id, duet.generation_jobs.item_id),
			primary_char = COALESCE(EXCLUDED.primary_char, duet.generation_jobs.primary_char),
			primary_font = COALESCE(EXCLUDED.primary_font, duet.generation_jobs.primary_font),
			secondary_char = COALESCE(EXCLUDED.secondary_char, duet.generation_jobs.secondary_char),
			secondary_font = COALESCE(EXCLUDED.secondary_font, duet.generation_jobs.secondary_font),
			target_height = COALESCE(EXCLUDED.target_height, duet.generation_jobs.target_height),
			attempt = GREATEST(EXCLUDED.attempt, duet.generation_jobs.attempt),
			artifact_path = COALESCE(EXCLUDED.artifact_path, duet.generation_jobs.artifact_path),
			bbox_min = COALESCE(EXCLUDED.bbox_min, duet.generation_jobs.bbox_min),
			bbox_max = COALESCE(EXCLUDED.bbox_max, duet.generation_jobs.bbox_max),
			triangles = COALESCE(EXCLUDED.triangles, duet.generation_jobs.triangles),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, duet.generation_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			error_stage = EXCLUDED.error_stage,
			metadata = duet.generation_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.OrderID,          // $2
		update.ItemID,           // $3
		update.Status,           // $4
		update.PrimaryChar,      // $5
		update.PrimaryFont,      // $6
		update.SecondaryChar,    // $7
		update.SecondaryFont,    // $8
		update.TargetHeight,     // $9
		update.Attempt,          // $10
		update.ArtifactPath,     // $11
		boundsMin,               // $12
		boundsMax,               // $13
		update.Triangles,        // $14
		update.ProcessingTimeMs, // $15
		update.ErrorCode,        // $16
		update.ErrorMessage,     // $17
		update.ErrorStage,       // $18
		metadataJSON,            // $19
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to upsert job (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, order_id, item_id, status,
			primary_char, primary_font, secondary_char, secondary_font, target_height,
			attempt, artifact_path, bbox_min, bbox_max, triangles, processing_time_ms,
			error_code, error_message, error_stage, metadata,
			created_at, updated_at
		FROM duet.generation_jobs
		WHERE id = $1
	`

	var (
		job                                 Job
		orderID, itemID                     sql.NullString
		primaryChar, primaryFont            sql.NullString
		secondaryChar, secondaryFont        sql.NullString
		targetHeight                        sql.NullFloat64
		artifactPath                        sql.NullString
		boundsMin, boundsMax                pq.Float64Array
		triangles, processingTimeMs         sql.NullInt64
		errorCode, errorMessage, errorStage sql.NullString
		metadataJSON                        []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &orderID, &itemID, &job.Status,
		&primaryChar, &primaryFont, &secondaryChar, &secondaryFont, &targetHeight,
		&job.Attempt, &artifactPath, &boundsMin, &boundsMax, &triangles, &processingTimeMs,
		&errorCode, &errorMessage, &errorStage, &metadataJSON,
		&job.CreatedAt, &job.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	job.OrderID = orderID.String
	job.ItemID = itemID.String
	job.PrimaryChar = primaryChar.String
	job.PrimaryFont = primaryFont.String
	job.SecondaryChar = secondaryChar.String
	job.SecondaryFont = secondaryFont.String
	job.TargetHeight = targetHeight.Float64
	job.ArtifactPath = artifactPath.String
	job.BoundsMin = []float64(boundsMin)
	job.BoundsMax = []float64(boundsMax)
	job.Triangles = int(triangles.Int64)
	job.ProcessingTimeMs = processingTimeMs.Int64
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.ErrorStage = errorStage.String

	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres drops \u0000 escapes and blanks other control
// character escapes, which JSONB refuses.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
