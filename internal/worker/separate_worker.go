package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/taskpool"
)

// SeparateWorker processes chunk separation tasks
type SeparateWorker struct {
	separator client.StemSeparator
	format    string
}

// NewSeparateWorker creates a new separation worker
func NewSeparateWorker(separator client.StemSeparator, format string) *SeparateWorker {
	return &SeparateWorker{
		separator: separator,
		format:    format,
	}
}

// ProcessTask separates one encoded chunk into its stems and writes the
// result payload back through the task so pollers can collect it
func (w *SeparateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload taskpool.SeparateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	log.Printf("Separating chunk %d (%d bytes)", payload.ChunkIndex, len(payload.Chunk))

	var stems map[model.Stem][]byte
	var err error

	if w.separator == nil || !w.separator.IsConfigured() {
		stems = w.separateMock(payload.Chunk)
	} else {
		stems, err = w.separator.Separate(ctx, payload.Chunk, w.format)
		if err != nil {
			return fmt.Errorf("separation of chunk %d failed: %w", payload.ChunkIndex, err)
		}
	}

	result, err := json.Marshal(&taskpool.Separation{
		Stems:       stems,
		ChunkIndex:  payload.ChunkIndex,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal separation result: %w", err)
	}

	if _, err := t.ResultWriter().Write(result); err != nil {
		return fmt.Errorf("failed to write separation result: %w", err)
	}

	log.Printf("Chunk %d separated", payload.ChunkIndex)
	return nil
}

// separateMock fakes separation for development: every stem is the chunk
// itself
func (w *SeparateWorker) separateMock(chunk []byte) map[model.Stem][]byte {
	stems := make(map[model.Stem][]byte, len(model.AllStems))
	for _, stem := range model.AllStems {
		stems[stem] = chunk
	}
	return stems
}
