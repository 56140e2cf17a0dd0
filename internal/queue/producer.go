package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Producer enqueues generation tasks.
type Producer struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewProducer creates a producer for queueName.
func NewProducer(redisURL, queueName string, maxRetry int, timeout time.Duration) (*Producer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &Producer{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
		timeout:  timeout,
	}, nil
}

// NewGenerateTask builds the task for one order item. The job ID doubles as
// the asynq task ID so a resubmitted item is rejected as a duplicate.
func NewGenerateTask(job *JobData, queueName string, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	if job == nil || job.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(job.JobID),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(TypeGenerateSTL, payload, opts...), nil
}

// Enqueue submits one order item.
func (p *Producer) Enqueue(ctx context.Context, job *JobData) (*asynq.TaskInfo, error) {
	task, err := NewGenerateTask(job, p.queue, p.maxRetry, p.timeout)
	if err != nil {
		return nil, err
	}
	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

// Close closes the asynq client
func (p *Producer) Close() error {
	return p.client.Close()
}
