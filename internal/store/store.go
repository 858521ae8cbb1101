// Package store is the in-memory registry tying submissions to task handles,
// jobs and frozen progress. All mutating operations are linearizable: readers
// never observe a half-written job or a partially applied dispatch claim.
package store

import (
	"sync"
	"time"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/taskpool"
)

// TaskRef ties one dispatched chunk-task to its bookkeeping
type TaskRef struct {
	Handle       taskpool.Handle
	JobID        int
	ChunkIndex   int
	DispatchedAt time.Time
}

// Store is the process-wide job store. A single RWMutex serializes registry
// access; operations hold it only for in-memory work, never across pool or
// audio-service calls.
//
// The epoch fences writes against Reset: multi-step flows that span pool or
// audio-service calls capture the epoch when they claim their slot and every
// later write carries it. Reset bumps the epoch, so a flow that raced a reset
// has its writes rejected instead of resurrecting cleared state.
type Store struct {
	mu sync.RWMutex

	epoch int

	submissions map[int]*model.Submission
	order       []int

	dispatched   map[int]bool
	tasks        map[int][]TaskRef
	jobs         map[int]*model.Job
	jobOrder     []int
	frozen       map[int]*model.Progress
	failed       map[int]*model.Progress
	reassembling map[int]bool
}

func New() *Store {
	s := &Store{}
	s.init()
	return s
}

func (s *Store) init() {
	s.submissions = make(map[int]*model.Submission)
	s.order = nil
	s.dispatched = make(map[int]bool)
	s.tasks = make(map[int][]TaskRef)
	s.jobs = make(map[int]*model.Job)
	s.jobOrder = nil
	s.frozen = make(map[int]*model.Progress)
	s.failed = make(map[int]*model.Progress)
	s.reassembling = make(map[int]bool)
}

// Epoch returns the current reset generation
func (s *Store) Epoch() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// AddSubmission registers a freshly uploaded submission
func (s *Store) AddSubmission(sub *model.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.SubmissionID] = sub
	s.order = append(s.order, sub.SubmissionID)
}

// Submission returns a copy of the submission record
func (s *Store) Submission(id int) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, model.ErrSubmissionNotFound
	}
	return copySubmission(sub), nil
}

// Submissions lists all submissions in upload order
func (s *Store) Submissions() []*model.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Submission, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copySubmission(s.submissions[id]))
	}
	return out
}

// ClaimDispatch atomically claims the single dispatch slot of a submission
// and attaches its stem selection. Exactly one concurrent caller wins; the
// rest observe model.ErrAlreadySubmitted. The returned epoch fences the
// claimant's later writes against Reset.
func (s *Store) ClaimDispatch(id int, selection []model.Stem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return 0, model.ErrSubmissionNotFound
	}
	if s.dispatched[id] {
		return 0, model.ErrAlreadySubmitted
	}

	s.dispatched[id] = true
	sub.Selection = append([]model.Stem(nil), selection...)
	return s.epoch, nil
}

// ReleaseDispatch rolls back a failed dispatch attempt so the submission can
// be retried. Removes the claim, the selection and any jobs and task refs
// recorded before the failure. A stale epoch is a no-op: the reset that
// bumped it already cleared everything.
func (s *Store) ReleaseDispatch(epoch, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}

	if sub, ok := s.submissions[id]; ok {
		sub.Selection = nil
	}
	delete(s.dispatched, id)

	for _, ref := range s.tasks[id] {
		delete(s.jobs, ref.JobID)
		for i, jobID := range s.jobOrder {
			if jobID == ref.JobID {
				s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
				break
			}
		}
	}
	delete(s.tasks, id)
}

// AddTask records one dispatched chunk-task for a submission. Returns false
// without writing when the epoch is stale.
func (s *Store) AddTask(epoch, id int, ref TaskRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return false
	}
	s.tasks[id] = append(s.tasks[id], ref)
	return true
}

// Tasks returns the task refs of a submission, in dispatch (chunk) order,
// together with the epoch they were read under.
func (s *Store) Tasks(id int) ([]TaskRef, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs, ok := s.tasks[id]
	if !ok {
		return nil, s.epoch, false
	}
	return append([]TaskRef(nil), refs...), s.epoch, true
}

// AllTasks returns every task ref across all submissions
func (s *Store) AllTasks() []TaskRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TaskRef
	for _, id := range s.order {
		out = append(out, s.tasks[id]...)
	}
	return out
}

// AddJob registers the bookkeeping record of one dispatched chunk-task.
// Returns false without writing when the epoch is stale.
func (s *Store) AddJob(epoch int, job *model.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return false
	}
	s.jobs[job.JobID] = job
	s.jobOrder = append(s.jobOrder, job.JobID)
	return true
}

// Job returns a copy of one job record
func (s *Store) Job(id int) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return copyJob(job), nil
}

// JobIDs lists all job ids in dispatch order
func (s *Store) JobIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.jobOrder...)
}

// JobCompleted reports whether a job has already transitioned to complete
func (s *Store) JobCompleted(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	return ok && job.Completed()
}

// CompleteJob transitions a job to complete exactly once: completion time and
// derived track ids are set together under the lock, and alloc runs only for
// the caller that wins the transition, so repeated polls can never allocate
// derived ids twice. Returns false when the job was already complete.
func (s *Store) CompleteJob(id int, completedAt time.Time, alloc func(n int) ([]int, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, model.ErrJobNotFound
	}
	if job.Completed() {
		return false, nil
	}

	derived, err := alloc(len(model.AllStems))
	if err != nil {
		return false, err
	}

	t := completedAt
	job.CompletedAt = &t
	job.DerivedTrackIDs = derived
	return true, nil
}

// FrozenProgress returns the memoized final progress, if any
func (s *Store) FrozenProgress(id int) (*model.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.frozen[id]
	if !ok {
		return nil, false
	}
	return copyProgress(p), true
}

// FreezeProgress memoizes the final progress of a submission. First caller
// wins; everyone gets the stored value back. A stale epoch means the
// submission was reset away while reassembly ran: nothing is stored and the
// second return is false.
func (s *Store) FreezeProgress(epoch, id int, p *model.Progress) (*model.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return nil, false
	}
	if existing, ok := s.frozen[id]; ok {
		return copyProgress(existing), true
	}
	s.frozen[id] = copyProgress(p)
	return copyProgress(p), true
}

// FailedProgress returns the recorded terminal failure of a submission, if any
func (s *Store) FailedProgress(id int) (*model.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.failed[id]
	if !ok {
		return nil, false
	}
	return copyProgress(p), true
}

// MarkFailed records the terminal failure of a submission. First caller wins;
// later polls get the recorded value back regardless of live task state. A
// stale epoch rejects the write.
func (s *Store) MarkFailed(epoch, id int, p *model.Progress) (*model.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return nil, false
	}
	if existing, ok := s.failed[id]; ok {
		return copyProgress(existing), true
	}
	s.failed[id] = copyProgress(p)
	return copyProgress(p), true
}

// TryBeginReassembly claims the single reassembly slot of a submission.
// Callers that lose the claim report the in-progress shape instead.
func (s *Store) TryBeginReassembly(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reassembling[id] {
		return false
	}
	s.reassembling[id] = true
	return true
}

// EndReassembly releases the reassembly slot
func (s *Store) EndReassembly(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reassembling, id)
}

// Reset clears every registry and bumps the epoch. In-flight calls observe
// not-found afterwards, and their epoch-fenced writes are rejected.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.epoch++
}

func copySubmission(sub *model.Submission) *model.Submission {
	out := *sub
	out.Tracks = append([]model.Track(nil), sub.Tracks...)
	out.Selection = append([]model.Stem(nil), sub.Selection...)
	return &out
}

func copyJob(job *model.Job) *model.Job {
	out := *job
	out.DerivedTrackIDs = append([]int(nil), job.DerivedTrackIDs...)
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyProgress(p *model.Progress) *model.Progress {
	out := *p
	out.Instruments = append([]model.InstrumentLink(nil), p.Instruments...)
	return &out
}
