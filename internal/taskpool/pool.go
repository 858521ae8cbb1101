// Package taskpool abstracts the out-of-process separation worker pool. The
// orchestration core only ever sees Pool and Handle; the concrete transport
// (asynq over redis in production, fakes in tests) stays behind them.
package taskpool

import (
	"context"
	"time"

	"github.com/stemsplit/api/internal/model"
)

// State is the observable lifecycle of a dispatched chunk-task
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Separation is the result payload of one successful chunk-task: one encoded
// track per stem type, tagged with the chunk index it came from. The chunk
// index travels with the result as a structured field; reassembly orders by
// it, never by completion order.
type Separation struct {
	Stems       map[model.Stem][]byte `json:"stems"`
	ChunkIndex  int                   `json:"chunk_index"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Handle is an opaque reference to an in-flight or completed chunk-task
type Handle interface {
	ID() string
	State(ctx context.Context) (State, error)
	// Result returns the separation payload of a successful task. In the
	// narrow window where the task reports success but the payload has not
	// materialized yet it returns model.ErrResultUnavailable.
	Result(ctx context.Context) (*Separation, error)
}

// Pool is the dispatch side of the separation worker pool
type Pool interface {
	// Dispatch enqueues one chunk for separation. It may block briefly
	// while enqueuing but never waits for completion.
	Dispatch(ctx context.Context, payload []byte, chunkIndex int) (Handle, error)
	// Revoke cancels and removes one task by handle id
	Revoke(ctx context.Context, id string) error
	// PurgeQueue drops all work still queued at the pool
	PurgeQueue(ctx context.Context) error
}
