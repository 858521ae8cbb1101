package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stemsplit/api/internal/chunk"
	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/idgen"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/taskpool"
)

// SplitService orchestrates the split pipeline: chunk dispatch, progress
// aggregation with idempotent finalization, and global reset
type SplitService struct {
	store       *store.Store
	ids         *idgen.Allocator
	pool        taskpool.Pool
	splitter    *chunk.Splitter
	reassembler Reassembler
	storage     client.StorageClient
	taskTimeout time.Duration
}

func NewSplitService(
	st *store.Store,
	ids *idgen.Allocator,
	pool taskpool.Pool,
	splitter *chunk.Splitter,
	reassembler Reassembler,
	storage client.StorageClient,
	taskTimeout time.Duration,
) *SplitService {
	return &SplitService{
		store:       st,
		ids:         ids,
		pool:        pool,
		splitter:    splitter,
		reassembler: reassembler,
		storage:     storage,
		taskTimeout: taskTimeout,
	}
}

// Dispatch splits the submission's track into chunks and fans one separation
// task per chunk out to the worker pool. Exactly one dispatch may succeed per
// submission: the claim is taken atomically before any task is enqueued, so
// concurrent retries observe model.ErrAlreadySubmitted.
func (s *SplitService) Dispatch(ctx context.Context, submissionID int, selection []model.Stem, raw []byte) (*model.DispatchResponse, error) {
	sub, err := s.store.Submission(submissionID)
	if err != nil {
		return nil, err
	}

	if err := validateSelection(selection); err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		raw = sub.Raw
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("submission %d has no audio: %w", submissionID, model.ErrSubmissionNotFound)
	}

	epoch, err := s.store.ClaimDispatch(submissionID, selection)
	if err != nil {
		return nil, err
	}

	chunks, err := s.splitter.Split(ctx, raw)
	if err != nil {
		s.store.ReleaseDispatch(epoch, submissionID)
		return nil, fmt.Errorf("failed to split track: %w", err)
	}

	// The handles enqueued so far are tracked locally: the store may have
	// been reset out from under this dispatch, so rollback cannot rely on it.
	var enqueued []taskpool.Handle
	rollback := func() {
		for _, h := range enqueued {
			if err := s.pool.Revoke(ctx, h.ID()); err != nil {
				log.Printf("Failed to revoke task %s during rollback: %v", h.ID(), err)
			}
		}
		s.store.ReleaseDispatch(epoch, submissionID)
	}

	for _, c := range chunks {
		handle, err := s.pool.Dispatch(ctx, c.Payload, c.Index)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("failed to dispatch chunk %d: %w", c.Index, err)
		}
		enqueued = append(enqueued, handle)

		jobID, err := s.ids.Allocate()
		if err != nil {
			rollback()
			return nil, err
		}

		job := &model.Job{
			JobID:           jobID,
			Size:            len(c.Payload),
			SubmissionID:    submissionID,
			DerivedTrackIDs: []int{},
		}
		ref := store.TaskRef{
			Handle:       handle,
			JobID:        jobID,
			ChunkIndex:   c.Index,
			DispatchedAt: time.Now(),
		}
		if !s.store.AddJob(epoch, job) || !s.store.AddTask(epoch, submissionID, ref) {
			// Reset raced this dispatch; the submission no longer exists
			rollback()
			return nil, model.ErrSubmissionNotFound
		}
	}

	return &model.DispatchResponse{
		SubmissionID: submissionID,
		Chunks:       len(chunks),
		Jobs:         len(chunks),
	}, nil
}

// GetProgress reports the completion snapshot of a submission. Frozen
// progress and recorded failures are returned verbatim without touching the
// pool. Otherwise the live task states are polled; the first caller to
// observe full completion with all result payloads available performs
// reassembly and freezes the result, and the first caller to observe a task
// failure or timeout records the terminal failure.
func (s *SplitService) GetProgress(ctx context.Context, submissionID int) (*model.Progress, error) {
	if p, ok := s.store.FrozenProgress(submissionID); ok {
		return p, nil
	}
	if p, ok := s.store.FailedProgress(submissionID); ok {
		return p, nil
	}

	refs, epoch, ok := s.store.Tasks(submissionID)
	if !ok || len(refs) == 0 {
		return nil, model.ErrSubmissionNotFound
	}

	total := len(refs)
	success := 0
	failReason := ""

	for _, ref := range refs {
		state, err := ref.Handle.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to poll task %s: %w", ref.Handle.ID(), err)
		}

		switch state {
		case taskpool.StateSuccess:
			success++
			s.completeJob(ctx, ref)
		case taskpool.StateFailure:
			failReason = fmt.Sprintf("separation of chunk %d failed", ref.ChunkIndex)
		default:
			if s.taskTimeout > 0 && time.Since(ref.DispatchedAt) > s.taskTimeout {
				failReason = fmt.Sprintf("separation of chunk %d timed out", ref.ChunkIndex)
			}
		}
	}

	percent := success * 100 / total

	if failReason != "" {
		// Terminal: record it so a task that limps to success later can
		// never flip the submission back.
		p, ok := s.store.MarkFailed(epoch, submissionID, model.FailedProgress(percent, failReason))
		if !ok {
			return nil, model.ErrSubmissionNotFound
		}
		return p, nil
	}
	if percent < 100 {
		return model.PendingProgress(percent), nil
	}

	// All tasks succeeded; collect results. A success whose payload has not
	// materialized yet is a transient state, reported as still in progress.
	results := make([]*taskpool.Separation, 0, total)
	for _, ref := range refs {
		sep, err := ref.Handle.Result(ctx)
		if err != nil {
			if errors.Is(err, model.ErrResultUnavailable) {
				return model.PendingProgress(percent), nil
			}
			return nil, fmt.Errorf("failed to fetch result of task %s: %w", ref.Handle.ID(), err)
		}
		results = append(results, sep)
	}

	sub, err := s.store.Submission(submissionID)
	if err != nil {
		return nil, err
	}

	// Only one caller reassembles; losers report in-progress and retry
	if !s.store.TryBeginReassembly(submissionID) {
		return model.PendingProgress(percent), nil
	}
	defer s.store.EndReassembly(submissionID)

	if p, ok := s.store.FrozenProgress(submissionID); ok {
		return p, nil
	}

	p, err := s.reassembler.Reassemble(ctx, submissionID, sub.Selection, results)
	if err != nil {
		if errors.Is(err, model.ErrIncompleteStems) {
			// Recoverable: nothing frozen, a later poll may succeed
			log.Printf("Reassembly of submission %d incomplete: %v", submissionID, err)
			return model.PendingProgress(percent), nil
		}
		return nil, fmt.Errorf("failed to reassemble submission %d: %w", submissionID, err)
	}

	frozen, ok := s.store.FreezeProgress(epoch, submissionID, p)
	if !ok {
		// Reset raced the reassembly: drop the artifacts it just wrote
		if err := s.storage.DeletePrefix(ctx, fmt.Sprintf("%s%d/", ArtifactPrefix, submissionID)); err != nil {
			log.Printf("Failed to delete orphaned artifacts of submission %d: %v", submissionID, err)
		}
		return nil, model.ErrSubmissionNotFound
	}
	return frozen, nil
}

// completeJob transitions the job of a successful task exactly once. The
// completion timestamp comes from the task result; when the result payload
// is not yet available the transition is deferred to a later poll.
func (s *SplitService) completeJob(ctx context.Context, ref store.TaskRef) {
	if s.store.JobCompleted(ref.JobID) {
		return
	}

	sep, err := ref.Handle.Result(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrResultUnavailable) {
			log.Printf("Failed to fetch result for job %d: %v", ref.JobID, err)
		}
		return
	}

	if _, err := s.store.CompleteJob(ref.JobID, sep.CompletedAt, func(n int) ([]int, error) {
		derived := make([]int, 0, n)
		for i := 0; i < n; i++ {
			id, err := s.ids.Allocate()
			if err != nil {
				return nil, err
			}
			derived = append(derived, id)
		}
		return derived, nil
	}); err != nil {
		log.Printf("Failed to complete job %d: %v", ref.JobID, err)
	}
}

// Reset revokes every outstanding task, purges the pool queue, deletes all
// persisted artifacts and clears the registries and the id namespace.
// Individual cleanup failures are logged and skipped so a dead redis or
// storage backend cannot wedge the reset.
func (s *SplitService) Reset(ctx context.Context) error {
	for _, ref := range s.store.AllTasks() {
		if err := s.pool.Revoke(ctx, ref.Handle.ID()); err != nil {
			log.Printf("Failed to revoke task %s: %v", ref.Handle.ID(), err)
		}
	}

	if err := s.pool.PurgeQueue(ctx); err != nil {
		log.Printf("Failed to purge task queue: %v", err)
	}

	if err := s.storage.DeletePrefix(ctx, ArtifactPrefix); err != nil {
		log.Printf("Failed to delete artifacts: %v", err)
	}

	s.store.Reset()
	s.ids.Reset()
	return nil
}

func validateSelection(selection []model.Stem) error {
	if len(selection) == 0 {
		return model.ErrInvalidSelection
	}
	for _, stem := range selection {
		if !model.IsValidStem(stem) {
			return fmt.Errorf("unknown stem %q: %w", stem, model.ErrInvalidSelection)
		}
	}
	return nil
}
