/**
 * Redis status tracker for the DUET STL worker
 *
 * Mirrors job progress into Redis so order-facing services can poll or
 * subscribe without touching PostgreSQL:
 *   <queue>:processing / :completed / :failed   sets of job IDs
 *   <queue>:results / :errors                   hashes of JSON payloads
 *   <queue>:events                              pub/sub channel
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job events published on the events channel.
const (
	EventProcessing = "job:processing"
	EventCompleted  = "job:completed"
	EventFailed     = "job:failed"
	EventRetrying   = "job:retrying"
)

// Event is one message on <queue>:events.
type Event struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	Attempt   int    `json:"attempt,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StatusStats counts jobs per status set.
type StatusStats struct {
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// StatusTracker records job status in Redis
type StatusTracker struct {
	client *redis.Client
	queue  string
	now    func() time.Time
}

// NewStatusTracker connects to Redis and verifies the connection.
func NewStatusTracker(ctx context.Context, redisURL, queueName string) (*StatusTracker, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStatusTrackerWithClient(client, queueName), nil
}

// NewStatusTrackerWithClient wraps an existing client.
func NewStatusTrackerWithClient(client *redis.Client, queueName string) *StatusTracker {
	return &StatusTracker{client: client, queue: queueName, now: time.Now}
}

func (t *StatusTracker) key(suffix string) string {
	return t.queue + ":" + suffix
}

// EventsChannel is the pub/sub channel events are published on.
func (t *StatusTracker) EventsChannel() string {
	return t.key("events")
}

// Processing marks a job as running.
func (t *StatusTracker) Processing(ctx context.Context, jobID string, attempt int) error {
	event, err := t.event(EventProcessing, jobID, attempt)
	if err != nil {
		return err
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, t.key("failed"), jobID)
		pipe.SAdd(ctx, t.key("processing"), jobID)
		pipe.Publish(ctx, t.EventsChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record processing status for %s: %w", jobID, err)
	}
	return nil
}

// Completed moves a job to the completed set and stores its result.
func (t *StatusTracker) Completed(ctx context.Context, jobID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for %s: %w", jobID, err)
	}
	event, err := t.event(EventCompleted, jobID, 0)
	if err != nil {
		return err
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, t.key("processing"), jobID)
		pipe.SAdd(ctx, t.key("completed"), jobID)
		pipe.HSet(ctx, t.key("results"), jobID, data)
		pipe.HDel(ctx, t.key("errors"), jobID)
		pipe.Publish(ctx, t.EventsChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record completed status for %s: %w", jobID, err)
	}
	return nil
}

// Failed stores the error details of an attempt. Only a final failure moves
// the job into the failed set; otherwise a retrying event is published.
func (t *StatusTracker) Failed(ctx context.Context, jobID string, details map[string]interface{}, final bool) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal error for %s: %w", jobID, err)
	}
	name := EventRetrying
	if final {
		name = EventFailed
	}
	event, err := t.event(name, jobID, 0)
	if err != nil {
		return err
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, t.key("processing"), jobID)
		if final {
			pipe.SAdd(ctx, t.key("failed"), jobID)
		}
		pipe.HSet(ctx, t.key("errors"), jobID, data)
		pipe.Publish(ctx, t.EventsChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record failed status for %s: %w", jobID, err)
	}
	return nil
}

// Result returns the stored result JSON of a completed job.
func (t *StatusTracker) Result(ctx context.Context, jobID string) (json.RawMessage, error) {
	data, err := t.client.HGet(ctx, t.key("results"), jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no result for job %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result for %s: %w", jobID, err)
	}
	return json.RawMessage(data), nil
}

// Stats returns the size of each status set
func (t *StatusTracker) Stats(ctx context.Context) (*StatusStats, error) {
	pipe := t.client.Pipeline()
	processing := pipe.SCard(ctx, t.key("processing"))
	completed := pipe.SCard(ctx, t.key("completed"))
	failed := pipe.SCard(ctx, t.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get status stats: %w", err)
	}
	return &StatusStats{
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Ping checks the Redis connection.
func (t *StatusTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (t *StatusTracker) Close() error {
	return t.client.Close()
}

func (t *StatusTracker) event(name, jobID string, attempt int) (string, error) {
	data, err := json.Marshal(Event{
		Event:     name,
		JobID:     jobID,
		Attempt:   attempt,
		Timestamp: t.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(data), nil
}
