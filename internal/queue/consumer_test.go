package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/processor"
)

type fakeProcessor struct {
	err   error
	block bool

	requests []*processor.ItemRequest
	failures []error
	finals   []bool
}

func (p *fakeProcessor) ProcessItem(ctx context.Context, req *processor.ItemRequest) (*processor.ItemResult, error) {
	p.requests = append(p.requests, req)
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &processor.ItemResult{JobID: req.JobID, ArtifactName: "DUET_BR_20mm_item-7.stl"}, nil
}

func (p *fakeProcessor) RecordFailure(ctx context.Context, req *processor.ItemRequest, cause error, final bool) error {
	p.failures = append(p.failures, cause)
	p.finals = append(p.finals, final)
	return nil
}

type statusCall struct {
	status  string
	jobID   string
	final   bool
	details map[string]interface{}
}

type fakeStatus struct {
	calls []statusCall
}

func (s *fakeStatus) Processing(ctx context.Context, jobID string, attempt int) error {
	s.calls = append(s.calls, statusCall{status: "processing", jobID: jobID})
	return nil
}

func (s *fakeStatus) Completed(ctx context.Context, jobID string, result interface{}) error {
	s.calls = append(s.calls, statusCall{status: "completed", jobID: jobID})
	return nil
}

func (s *fakeStatus) Failed(ctx context.Context, jobID string, details map[string]interface{}, final bool) error {
	s.calls = append(s.calls, statusCall{status: "failed", jobID: jobID, final: final, details: details})
	return nil
}

func newTestConsumer(t *testing.T, proc *fakeProcessor, status *fakeStatus, timeout time.Duration) *Consumer {
	t.Helper()
	c, err := NewConsumer(&ConsumerConfig{
		RedisURL:          "redis://localhost:6379/0",
		QueueName:         "duet",
		Concurrency:       1,
		MaxRetry:          3,
		ProcessingTimeout: timeout,
		Processor:         proc,
		Status:            status,
	})
	require.NoError(t, err)
	return c
}

func sampleJob() *JobData {
	return &JobData{
		JobID:      "job-1",
		OrderID:    "DUET1700000000",
		ItemID:     "item-7",
		Letter1:    "B",
		Font1:      "Cormorant Garamond",
		Letter2:    "R",
		Font2:      "Jost",
		Size:       20,
		BailOffset: Offset{Z: 2},
	}
}

func taskFor(t *testing.T, job *JobData) *asynq.Task {
	t.Helper()
	task, err := NewGenerateTask(job, "duet", 3, time.Minute)
	require.NoError(t, err)
	return task
}

func TestHandleGenerateSuccess(t *testing.T) {
	proc := &fakeProcessor{}
	status := &fakeStatus{}
	c := newTestConsumer(t, proc, status, time.Minute)

	require.NoError(t, c.handleGenerate(context.Background(), taskFor(t, sampleJob())))

	require.Len(t, proc.requests, 1)
	req := proc.requests[0]
	assert.Equal(t, "item-7", req.ItemID)
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, "Jost", req.Model.Secondary.FontName)
	assert.Equal(t, 2.0, req.Model.BailOffset.Z)
	assert.Equal(t, 20.0, req.Model.TargetHeight)

	require.Len(t, status.calls, 2)
	assert.Equal(t, "processing", status.calls[0].status)
	assert.Equal(t, "completed", status.calls[1].status)
}

func TestHandleGenerateBadPayloadSkipsRetry(t *testing.T) {
	c := newTestConsumer(t, &fakeProcessor{}, &fakeStatus{}, time.Minute)

	err := c.handleGenerate(context.Background(), asynq.NewTask(TypeGenerateSTL, []byte("{not json")))
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))

	payload, _ := json.Marshal(&JobData{Letter1: "B"})
	err = c.handleGenerate(context.Background(), asynq.NewTask(TypeGenerateSTL, payload))
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleGenerateDeterministicFailureSkipsRetry(t *testing.T) {
	cause := errors.NewDegenerateGeometryError("/tmp/i.stl", "no triangles", nil).WithStage("Stage1Done")
	proc := &fakeProcessor{err: cause}
	status := &fakeStatus{}
	c := newTestConsumer(t, proc, status, time.Minute)

	err := c.handleGenerate(context.Background(), taskFor(t, sampleJob()))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, errors.ErrorDegenerateGeometry, errors.CodeOf(err))

	assert.Equal(t, []bool{true}, proc.finals)
	last := status.calls[len(status.calls)-1]
	assert.Equal(t, "failed", last.status)
	assert.True(t, last.final)
	assert.Equal(t, "Stage1Done", last.details["stage"])
}

func TestHandleGenerateEngineFailureIsRetried(t *testing.T) {
	cause := errors.NewEngineInvocationError("Stage2Rendering", 1, false, "", "CGAL error", nil)
	proc := &fakeProcessor{err: cause}
	status := &fakeStatus{}
	c := newTestConsumer(t, proc, status, time.Minute)

	err := c.handleGenerate(context.Background(), taskFor(t, sampleJob()))
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, []bool{false}, proc.finals)
	assert.False(t, status.calls[len(status.calls)-1].final)
}

func TestHandleGenerateUnstructuredError(t *testing.T) {
	proc := &fakeProcessor{err: fmt.Errorf("disk vanished")}
	status := &fakeStatus{}
	c := newTestConsumer(t, proc, status, time.Minute)

	err := c.handleGenerate(context.Background(), taskFor(t, sampleJob()))
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "disk vanished", status.calls[len(status.calls)-1].details["error"])
}

func TestHandleGenerateTimeout(t *testing.T) {
	proc := &fakeProcessor{block: true}
	c := newTestConsumer(t, proc, &fakeStatus{}, 20*time.Millisecond)

	err := c.handleGenerate(context.Background(), taskFor(t, sampleJob()))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	require.Len(t, proc.failures, 1)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 10*time.Second, RetryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, RetryDelay(1, nil, nil))
	assert.Equal(t, 80*time.Second, RetryDelay(3, nil, nil))
	assert.Equal(t, 5*time.Minute, RetryDelay(5, nil, nil))
	assert.Equal(t, 5*time.Minute, RetryDelay(40, nil, nil))
}

func TestNewGenerateTask(t *testing.T) {
	task := taskFor(t, sampleJob())
	assert.Equal(t, TypeGenerateSTL, task.Type())

	var decoded JobData
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, *sampleJob(), decoded)

	_, err := NewGenerateTask(&JobData{}, "duet", 3, 0)
	assert.Error(t, err)
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(nil)
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{QueueName: "duet", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", QueueName: "duet"})
	assert.Error(t, err)

	c := newTestConsumer(t, &fakeProcessor{}, nil, 0)
	stats := c.GetStatistics()
	assert.Equal(t, "duet", stats["queue"])
	assert.Equal(t, "10m0s", stats["timeout"])
}

func TestNewProducer(t *testing.T) {
	p, err := NewProducer("redis://localhost:6379/0", "duet", 3, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, p.Close())

	_, err = NewProducer("redis://localhost:6379/0", "", 3, time.Minute)
	assert.Error(t, err)
	_, err = NewProducer("://bad", "duet", 3, time.Minute)
	assert.Error(t, err)
}
