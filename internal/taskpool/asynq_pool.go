package taskpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/model"
)

// TaskTypeSeparate is the asynq task type for one chunk separation
const TaskTypeSeparate = "separate:chunk"

// SeparateTaskPayload is the wire payload of a separation task
type SeparateTaskPayload struct {
	Chunk      []byte `json:"chunk"`
	ChunkIndex int    `json:"chunk_index"`
}

// AsynqPool implements Pool on an asynq/redis task queue
type AsynqPool struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	retention time.Duration
}

// NewAsynqPool creates a pool that dispatches to the given asynq queue.
// Retention keeps completed task results inspectable for polling.
func NewAsynqPool(client *asynq.Client, inspector *asynq.Inspector, queue string, maxRetry int) *AsynqPool {
	return &AsynqPool{
		client:    client,
		inspector: inspector,
		queue:     queue,
		maxRetry:  maxRetry,
		retention: 24 * time.Hour,
	}
}

// Dispatch enqueues one chunk separation task and returns its handle
func (p *AsynqPool) Dispatch(ctx context.Context, payload []byte, chunkIndex int) (Handle, error) {
	data, err := json.Marshal(&SeparateTaskPayload{
		Chunk:      payload,
		ChunkIndex: chunkIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeSeparate, data)
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.TaskID(uuid.New().String()),
		asynq.Queue(p.queue),
		asynq.MaxRetry(p.maxRetry),
		asynq.Retention(p.retention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &asynqHandle{
		id:        info.ID,
		queue:     p.queue,
		inspector: p.inspector,
	}, nil
}

// Revoke cancels a running task and deletes it from the queue
func (p *AsynqPool) Revoke(ctx context.Context, id string) error {
	// Cancellation is advisory; deletion is what guarantees the task
	// cannot run after a reset.
	_ = p.inspector.CancelProcessing(id)
	if err := p.inspector.DeleteTask(p.queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// PurgeQueue drops every task still waiting in the queue
func (p *AsynqPool) PurgeQueue(ctx context.Context) error {
	if _, err := p.inspector.DeleteAllPendingTasks(p.queue); err != nil {
		return fmt.Errorf("failed to purge pending tasks: %w", err)
	}
	if _, err := p.inspector.DeleteAllScheduledTasks(p.queue); err != nil {
		return fmt.Errorf("failed to purge scheduled tasks: %w", err)
	}
	if _, err := p.inspector.DeleteAllRetryTasks(p.queue); err != nil {
		return fmt.Errorf("failed to purge retry tasks: %w", err)
	}
	return nil
}

// asynqHandle implements Handle via the asynq inspector
type asynqHandle struct {
	id        string
	queue     string
	inspector *asynq.Inspector
}

func (h *asynqHandle) ID() string {
	return h.id
}

// State maps asynq task states onto the pool's three observable states
func (h *asynqHandle) State(ctx context.Context) (State, error) {
	info, err := h.inspector.GetTaskInfo(h.queue, h.id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			// Evicted from the queue (revoked or expired): terminal
			return StateFailure, nil
		}
		return StatePending, fmt.Errorf("failed to inspect task %s: %w", h.id, err)
	}

	switch info.State {
	case asynq.TaskStateCompleted:
		return StateSuccess, nil
	case asynq.TaskStateArchived:
		return StateFailure, nil
	default:
		return StatePending, nil
	}
}

// Result returns the separation payload written by the worker
func (h *asynqHandle) Result(ctx context.Context) (*Separation, error) {
	info, err := h.inspector.GetTaskInfo(h.queue, h.id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect task %s: %w", h.id, err)
	}

	if info.State != asynq.TaskStateCompleted || len(info.Result) == 0 {
		return nil, model.ErrResultUnavailable
	}

	var sep Separation
	if err := json.Unmarshal(info.Result, &sep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
	}

	return &sep, nil
}
