/**
 * Queue Consumer for the DUET STL worker
 *
 * Consumes one asynq task per order item. Retry policy lives here: the
 * generator runs each attempt exactly once, and only failures that could
 * succeed on a second run are handed back to asynq for a retry.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/geometry"
	"github.com/duet/stl-worker/internal/logging"
	"github.com/duet/stl-worker/internal/processor"
	"github.com/duet/stl-worker/internal/scad"
)

// TypeGenerateSTL is the task type for one pendant.
const TypeGenerateSTL = "duet:generate-stl"

const (
	defaultProcessingTimeout = 10 * time.Minute
	defaultMaxRetry          = 3
	baseRetryDelay           = 10 * time.Second
	maxRetryDelay            = 5 * time.Minute
)

// Offset is a bail offset in millimetres.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// JobData is the task payload for one order item
type JobData struct {
	JobID        string                 `json:"jobId"`
	OrderID      string                 `json:"orderId,omitempty"`
	ItemID       string                 `json:"itemId,omitempty"`
	Letter1      string                 `json:"letter1"`
	Font1        string                 `json:"font1"`
	Letter2      string                 `json:"letter2"`
	Font2        string                 `json:"font2"`
	Size         float64                `json:"size"`
	BailOffset   Offset                 `json:"bailOffset"`
	BailRotation float64                `json:"bailRotation"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ModelRequest converts the payload into a generator request.
func (j *JobData) ModelRequest() scad.ModelRequest {
	return scad.ModelRequest{
		Primary:      scad.GlyphSpec{Character: j.Letter1, FontName: j.Font1},
		Secondary:    scad.GlyphSpec{Character: j.Letter2, FontName: j.Font2},
		TargetHeight: j.Size,
		BailOffset:   geometry.Vec3{X: j.BailOffset.X, Y: j.BailOffset.Y, Z: j.BailOffset.Z},
		BailRotation: j.BailRotation,
	}
}

// StatusRecorder publishes job progress.
type StatusRecorder interface {
	Processing(ctx context.Context, jobID string, attempt int) error
	Completed(ctx context.Context, jobID string, result interface{}) error
	Failed(ctx context.Context, jobID string, details map[string]interface{}, final bool) error
}

// Consumer handles job consumption from the Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.OrderProcessorInterface
	status    StatusRecorder
	logger    *logging.Logger
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetry          int
	ProcessingTimeout time.Duration
	Processor         processor.OrderProcessorInterface
	Status            StatusRecorder // optional
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	c := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		status:    cfg.Status,
		logger:    logger,
		config:    cfg,
	}

	c.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
			},
			RetryDelayFunc: RetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
			Logger:          &asynqLogger{logger: logger.With("component", "asynq")},
			ShutdownTimeout: 30 * time.Second,
		},
	)

	c.mux.HandleFunc(TypeGenerateSTL, c.handleGenerate)

	return c, nil
}

// RetryDelay backs off exponentially: 10s, 20s, 40s ... capped at 5m.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 10 {
		return maxRetryDelay
	}
	delay := baseRetryDelay * time.Duration(1<<uint(n))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() {
	c.logger.Info("stopping queue consumer")
	c.server.Shutdown()
}

// handleGenerate runs one attempt of one order item
func (c *Consumer) handleGenerate(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobData
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if job.JobID == "" {
		return fmt.Errorf("job data has no jobId: %w", asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = c.config.MaxRetry
	}
	logger := c.logger.With("job_id", job.JobID, "attempt", retried+1)

	req := &processor.ItemRequest{
		JobID:    job.JobID,
		OrderID:  job.OrderID,
		ItemID:   job.ItemID,
		Model:    job.ModelRequest(),
		Attempt:  retried + 1,
		Metadata: job.Metadata,
	}

	if c.status != nil {
		if err := c.status.Processing(ctx, job.JobID, req.Attempt); err != nil {
			logger.Warn("failed to publish processing status", "error", err)
		}
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.processor.ProcessItem(processCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		// Only our own deadline counts as a processing timeout; a cancelled
		// parent means the worker is shutting down.
		if stderrors.Is(processCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Error("processing timed out", "duration", duration, "timeout", c.config.ProcessingTimeout)
			err = errors.NewProcessingTimeoutError(job.JobID, c.config.ProcessingTimeout, err)
		}

		retryable := true
		details := map[string]interface{}{"error": err.Error()}
		if ge, ok := errors.As(err); ok {
			retryable = ge.Retryable()
			details = ge.ToMap()
		}
		final := !retryable || retried >= maxRetry
		details["attempt"] = req.Attempt
		details["final"] = final

		logger.Error("generation failed", "duration", duration, "retryable", retryable, "final", final, "error", err)

		if recErr := c.processor.RecordFailure(ctx, req, err, final); recErr != nil {
			logger.Warn("failed to record failure", "error", recErr)
		}
		if c.status != nil {
			if stErr := c.status.Failed(ctx, job.JobID, details, final); stErr != nil {
				logger.Warn("failed to publish failed status", "error", stErr)
			}
		}

		if !retryable {
			return fmt.Errorf("generation failed: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("generation failed: %w", err)
	}

	logger.Info("job completed", "duration", duration, "artifact", result.ArtifactName)
	if c.status != nil {
		if err := c.status.Completed(ctx, job.JobID, result); err != nil {
			logger.Warn("failed to publish completed status", "error", err)
		}
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"maxRetry":    c.config.MaxRetry,
		"timeout":     c.config.ProcessingTimeout.String(),
	}
}

// asynqLogger routes asynq's logs through the worker logger.
type asynqLogger struct {
	logger *logging.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

// Fatal exits the process, as asynq's default logger does.
func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
