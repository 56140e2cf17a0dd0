package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the DUET STL worker
 *
 * Every stage of the generation pipeline reports one of these codes so the
 * calling system can tell an engine crash from a degenerate intersection.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorScriptGeneration    ErrorCode = "SCRIPT_GENERATION_FAILED"
	ErrorEngineInvocation    ErrorCode = "ENGINE_INVOCATION_FAILED"
	ErrorEngineOutputMissing ErrorCode = "ENGINE_OUTPUT_MISSING"
	ErrorDegenerateGeometry  ErrorCode = "DEGENERATE_GEOMETRY"

	// Worker errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// GenerationError represents a structured pipeline error
type GenerationError struct {
	Code      ErrorCode
	Message   string
	Stage     string // pipeline state the failure occurred in
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Stdout    string
	Stderr    string
	Cause     error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether running the same request again could succeed.
// Generation is deterministic, so invalid requests and empty intersections
// fail the same way every time. Engine failures may be load related.
func (e *GenerationError) Retryable() bool {
	switch e.Code {
	case ErrorScriptGeneration, ErrorDegenerateGeometry:
		return false
	default:
		return true
	}
}

// WithStage records the pipeline state and returns the same error.
func (e *GenerationError) WithStage(stage string) *GenerationError {
	e.Stage = stage
	return e
}

// WithJobID tags the error with the job it belongs to.
func (e *GenerationError) WithJobID(jobID string) *GenerationError {
	e.JobID = jobID
	return e
}

// Factory functions for common errors

func NewScriptGenerationError(message string, details map[string]interface{}) *GenerationError {
	return &GenerationError{
		Code:      ErrorScriptGeneration,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
	}
}

func NewEngineInvocationError(stage string, exitCode int, timedOut bool, stdout, stderr string, cause error) *GenerationError {
	msg := fmt.Sprintf("CAD engine exited with code %d", exitCode)
	if timedOut {
		msg = "CAD engine timed out"
	}
	return &GenerationError{
		Code:      ErrorEngineInvocation,
		Message:   msg,
		Stage:     stage,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"exit_code": exitCode,
			"timed_out": timedOut,
		},
		Stdout: stdout,
		Stderr: stderr,
		Cause:  cause,
	}
}

// NewWorkDirError reports that the scoped directory for engine scripts and
// meshes could not be created, so the engine never ran.
func NewWorkDirError(stage string, parent string, cause error) *GenerationError {
	return &GenerationError{
		Code:      ErrorEngineInvocation,
		Message:   fmt.Sprintf("failed to create engine work dir under %s", parent),
		Stage:     stage,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"work_dir_parent": parent,
		},
		Cause: cause,
	}
}

func NewEngineOutputMissingError(stage string, outputPath string, stdout, stderr string) *GenerationError {
	return &GenerationError{
		Code:      ErrorEngineOutputMissing,
		Message:   fmt.Sprintf("CAD engine produced no output at %s", outputPath),
		Stage:     stage,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"output_path": outputPath,
		},
		Stdout: stdout,
		Stderr: stderr,
	}
}

func NewDegenerateGeometryError(meshPath string, reason string, cause error) *GenerationError {
	return &GenerationError{
		Code:      ErrorDegenerateGeometry,
		Message:   fmt.Sprintf("mesh is degenerate: %s", reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mesh_path": meshPath,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *GenerationError {
	return &GenerationError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *GenerationError {
	return &GenerationError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store generation results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// As returns the first GenerationError in err's chain.
func As(err error) (*GenerationError, bool) {
	var ge *GenerationError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	if ge, ok := As(err); ok {
		return ge.Code
	}
	return ""
}

// ToMap converts error to map for database storage
func (e *GenerationError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Stage != "" {
		result["stage"] = e.Stage
	}
	if e.JobID != "" {
		result["job_id"] = e.JobID
	}
	if e.Stderr != "" {
		result["stderr"] = e.Stderr
	}
	if e.Stdout != "" {
		result["stdout"] = e.Stdout
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
