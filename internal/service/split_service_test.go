package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stemsplit/api/internal/chunk"
	"github.com/stemsplit/api/internal/idgen"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/taskpool"
	"github.com/stemsplit/api/internal/testutil"
)

// countingReassembler counts invocations of the wrapped reassembler so tests
// can assert finalization runs exactly once.
type countingReassembler struct {
	inner Reassembler
	calls atomic.Int64
}

func (r *countingReassembler) Reassemble(ctx context.Context, submissionID int, selection []model.Stem, results []*taskpool.Separation) (*model.Progress, error) {
	r.calls.Add(1)
	return r.inner.Reassemble(ctx, submissionID, selection, results)
}

type splitEnv struct {
	store       *store.Store
	ids         *idgen.Allocator
	pool        *testutil.FakePool
	storage     *testutil.MemStorage
	reassembles *countingReassembler
	uploads     *UploadService
	svc         *SplitService
}

func newSplitEnv(t *testing.T, taskTimeout time.Duration) *splitEnv {
	t.Helper()

	st := store.New()
	ids := idgen.NewAllocator()
	pool := testutil.NewFakePool()
	storage := testutil.NewMemStorage()
	reassembles := &countingReassembler{
		inner: NewAudioReassembler(testutil.FakeAudio{}, storage, "mp3"),
	}

	return &splitEnv{
		store:       st,
		ids:         ids,
		pool:        pool,
		storage:     storage,
		reassembles: reassembles,
		uploads:     NewUploadService(st, ids),
		svc:         NewSplitService(st, ids, pool, chunk.NewSplitter(testutil.FakeAudio{}, "mp3"), reassembles, storage, taskTimeout),
	}
}

// uploadTrack registers a track whose byte length equals its duration in ms
// under the fake audio codec.
func (e *splitEnv) uploadTrack(t *testing.T, ms int) (int, []byte) {
	t.Helper()

	raw := make([]byte, ms)
	for i := range raw {
		raw[i] = byte(i % 251)
	}

	up, err := e.uploads.Register("song", "band", raw)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return up.SubmissionID, raw
}

func allStems() []model.Stem {
	return append([]model.Stem(nil), model.AllStems...)
}

func TestDispatchFansOutOneTaskPerChunk(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, raw := env.uploadTrack(t, 45_000) // 10s chunks -> 5 tasks

	resp, err := env.svc.Dispatch(context.Background(), id, allStems(), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if resp.Chunks != 5 || resp.Jobs != 5 {
		t.Fatalf("expected 5 chunks and 5 jobs, got %+v", resp)
	}

	handles := env.pool.Handles()
	if len(handles) != 5 {
		t.Fatalf("expected 5 dispatched tasks, got %d", len(handles))
	}

	// Dispatched payloads joined in dispatch order reconstruct the track.
	var joined []byte
	for _, h := range handles {
		joined = append(joined, env.pool.Payload(h.ID())...)
	}
	if !bytes.Equal(joined, raw) {
		t.Error("dispatched chunk payloads do not reconstruct the source track")
	}

	jobIDs := env.store.JobIDs()
	if len(jobIDs) != 5 {
		t.Fatalf("expected 5 registered jobs, got %d", len(jobIDs))
	}
	for _, jobID := range jobIDs {
		job, err := env.store.Job(jobID)
		if err != nil {
			t.Fatalf("Job(%d): %v", jobID, err)
		}
		if job.SubmissionID != id {
			t.Errorf("job %d bound to submission %d, want %d", jobID, job.SubmissionID, id)
		}
		if job.Completed() {
			t.Errorf("job %d completed before its task finished", jobID)
		}
		if len(job.DerivedTrackIDs) != 0 {
			t.Errorf("job %d has derived track ids before completion", jobID)
		}
	}
}

func TestDispatchSecondAttemptConflicts(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}

	_, err := env.svc.Dispatch(context.Background(), id, allStems(), nil)
	if !errors.Is(err, model.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	if len(env.pool.Handles()) != 1 {
		t.Errorf("conflicting dispatch must not enqueue tasks, pool has %d", len(env.pool.Handles()))
	}
}

func TestDispatchUnknownSubmission(t *testing.T) {
	env := newSplitEnv(t, 0)

	_, err := env.svc.Dispatch(context.Background(), 123456, allStems(), nil)
	if !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestDispatchInvalidSelection(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, nil, nil); !errors.Is(err, model.ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for empty selection, got %v", err)
	}
	if _, err := env.svc.Dispatch(context.Background(), id, []model.Stem{"guitar"}, nil); !errors.Is(err, model.ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for unknown stem, got %v", err)
	}

	// The failed attempts must not consume the dispatch claim.
	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("valid dispatch after invalid attempts: %v", err)
	}
}

func TestDispatchEnqueueFailureRollsBack(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	env.pool.DispatchErr = fmt.Errorf("queue unavailable")
	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err == nil {
		t.Fatal("expected dispatch to fail")
	}

	if len(env.store.JobIDs()) != 0 {
		t.Error("failed dispatch must not leave jobs behind")
	}

	// The claim was released, so a retry succeeds.
	env.pool.DispatchErr = nil
	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("retry after failed dispatch: %v", err)
	}
}

func TestGetProgressUnknownSubmission(t *testing.T) {
	env := newSplitEnv(t, 0)

	if _, err := env.svc.GetProgress(context.Background(), 123456); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}

	// Uploaded but never dispatched reads the same way.
	id, _ := env.uploadTrack(t, 8_000)
	if _, err := env.svc.GetProgress(context.Background(), id); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound before dispatch, got %v", err)
	}
}

func TestGetProgressPartialCompletion(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 45_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	handles := env.pool.Handles()
	handles[1].SucceedEcho(env.pool.Payload(handles[1].ID()), 1)
	handles[3].SucceedEcho(env.pool.Payload(handles[3].ID()), 3)

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}

	if p.Progress != 40 {
		t.Errorf("progress = %d, want 40", p.Progress)
	}
	if p.Failed || p.Final != "" {
		t.Errorf("partial progress must not be failed or final: %+v", p)
	}
	if len(p.Instruments) != len(model.AllStems) {
		t.Errorf("expected %d instrument placeholders, got %d", len(model.AllStems), len(p.Instruments))
	}
	for _, link := range p.Instruments {
		if link.Track != "" {
			t.Errorf("instrument %s has a link before completion", link.Name)
		}
	}
	if env.reassembles.calls.Load() != 0 {
		t.Error("reassembly must not run before full completion")
	}

	// The jobs of the two successful tasks completed, with derived track ids.
	completed := 0
	for _, jobID := range env.store.JobIDs() {
		job, _ := env.store.Job(jobID)
		if job.Completed() {
			completed++
			if len(job.DerivedTrackIDs) != len(model.AllStems) {
				t.Errorf("job %d has %d derived track ids, want %d", jobID, len(job.DerivedTrackIDs), len(model.AllStems))
			}
		}
	}
	if completed != 2 {
		t.Errorf("expected 2 completed jobs, got %d", completed)
	}
}

func TestGetProgressRepeatedPollsAllocateDerivedIDsOnce(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	h := env.pool.Handles()[0]
	h.SucceedEcho(env.pool.Payload(h.ID()), 0)

	before := env.ids.Issued()
	if _, err := env.svc.GetProgress(context.Background(), id); err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	afterFirst := env.ids.Issued()
	if afterFirst != before+len(model.AllStems) {
		t.Fatalf("first poll allocated %d ids, want %d", afterFirst-before, len(model.AllStems))
	}

	if _, err := env.svc.GetProgress(context.Background(), id); err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if env.ids.Issued() != afterFirst {
		t.Error("repeated polls must not allocate more derived track ids")
	}
}

func TestGetProgressTaskFailure(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 45_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	handles := env.pool.Handles()
	handles[0].SucceedEcho(env.pool.Payload(handles[0].ID()), 0)
	handles[2].Fail()

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}

	if !p.Failed {
		t.Fatal("expected failed progress")
	}
	if p.Error == "" {
		t.Error("failed progress must carry a reason")
	}
	if p.Progress != 20 {
		t.Errorf("progress = %d, want 20", p.Progress)
	}

	if env.reassembles.calls.Load() != 0 {
		t.Error("reassembly must not run for a failed submission")
	}

	// Failure is terminal: even if every task limps to success afterwards,
	// later polls keep reporting the recorded failure.
	for i, h := range handles {
		h.SucceedEcho(env.pool.Payload(h.ID()), i)
	}
	again, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress after failure: %v", err)
	}
	if !again.Failed || again.Error != p.Error || again.Progress != p.Progress {
		t.Errorf("failure did not stick: %+v", again)
	}
	if env.reassembles.calls.Load() != 0 {
		t.Error("reassembly must not run after a recorded failure")
	}
}

func TestGetProgressTimeoutCountsAsFailure(t *testing.T) {
	env := newSplitEnv(t, time.Millisecond)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if !p.Failed {
		t.Fatal("a task pending past the timeout must surface as failure")
	}

	// The timeout is terminal. A worker finishing late cannot flip the
	// submission back to success.
	h := env.pool.Handles()[0]
	h.SucceedEcho(env.pool.Payload(h.ID()), 0)
	again, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress after timeout: %v", err)
	}
	if !again.Failed {
		t.Fatalf("late task success flipped a timed-out submission: %+v", again)
	}
}

func TestGetProgressSuccessWithoutPayloadStaysPending(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	h := env.pool.Handles()[0]
	h.SucceedWithoutPayload()

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Failed || p.Final != "" {
		t.Fatalf("success without payload must read as in progress: %+v", p)
	}
	if env.reassembles.calls.Load() != 0 {
		t.Error("reassembly must not run without result payloads")
	}

	// Once the payload materializes the same poll path completes.
	h.SucceedEcho(env.pool.Payload(h.ID()), 0)
	p, err = env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Progress != 100 || p.Final == "" {
		t.Fatalf("expected finalized progress, got %+v", p)
	}
}

func TestGetProgressFinalizesAndFreezes(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, raw := env.uploadTrack(t, 45_000)

	if _, err := env.svc.Dispatch(context.Background(), id, []model.Stem{model.StemVocals, model.StemDrums}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Complete in scrambled order; reassembly must follow chunk indices.
	handles := env.pool.Handles()
	for _, i := range []int{3, 0, 4, 2, 1} {
		handles[i].SucceedEcho(env.pool.Payload(handles[i].ID()), i)
	}

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}

	if p.Progress != 100 {
		t.Fatalf("progress = %d, want 100", p.Progress)
	}
	if p.Final == "" {
		t.Fatal("finalized progress must link the final mix")
	}
	if len(p.Instruments) != len(model.AllStems) {
		t.Fatalf("expected %d instrument links, got %d", len(model.AllStems), len(p.Instruments))
	}
	for _, link := range p.Instruments {
		if link.Track == "" {
			t.Errorf("instrument %s missing its track link", link.Name)
		}
	}

	// Echoed stems concatenated by chunk index reconstruct the track.
	vocals, err := env.storage.Download(context.Background(), fmt.Sprintf("stems/%d/vocals.mp3", id))
	if err != nil {
		t.Fatalf("Download vocals: %v", err)
	}
	if !bytes.Equal(vocals, raw) {
		t.Error("stem track is not in chunk order")
	}

	// The final mix overlays only the selected stems.
	final, err := env.storage.Download(context.Background(), fmt.Sprintf("stems/%d/final.mp3", id))
	if err != nil {
		t.Fatalf("Download final: %v", err)
	}
	wantMix := append(append([]byte(nil), raw...), '+')
	wantMix = append(wantMix, raw...)
	if !bytes.Equal(final, wantMix) {
		t.Error("final mix does not overlay the two selected stems")
	}

	if env.reassembles.calls.Load() != 1 {
		t.Fatalf("reassembly ran %d times, want 1", env.reassembles.calls.Load())
	}

	// Frozen: later polls return the memoized value without reassembling
	// again, even if the pool state degrades afterwards.
	handles[0].Fail()
	again, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress after freeze: %v", err)
	}
	if again.Progress != 100 || again.Final != p.Final || again.Failed {
		t.Errorf("frozen progress changed: %+v", again)
	}
	if env.reassembles.calls.Load() != 1 {
		t.Errorf("reassembly ran %d times after freeze, want 1", env.reassembles.calls.Load())
	}
}

func TestGetProgressIncompleteStemsIsRecoverable(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Succeed with a defective result missing one stem type.
	h := env.pool.Handles()[0]
	payload := env.pool.Payload(h.ID())
	h.Succeed(map[model.Stem][]byte{
		model.StemBass:   payload,
		model.StemDrums:  payload,
		model.StemVocals: payload,
	}, 0)

	p, err := env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Failed || p.Final != "" {
		t.Fatalf("incomplete stems must read as still in progress: %+v", p)
	}

	// The defect heals: the next poll finalizes normally.
	h.SucceedEcho(payload, 0)
	p, err = env.svc.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Progress != 100 || p.Final == "" {
		t.Fatalf("expected finalized progress after recovery, got %+v", p)
	}
}

func TestResetClearsPoolStorageAndRegistries(t *testing.T) {
	env := newSplitEnv(t, 0)
	id, _ := env.uploadTrack(t, 45_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i, h := range env.pool.Handles() {
		h.SucceedEcho(env.pool.Payload(h.ID()), i)
	}
	if _, err := env.svc.GetProgress(context.Background(), id); err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if len(env.storage.Keys()) == 0 {
		t.Fatal("expected persisted artifacts before reset")
	}

	if err := env.svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if got := len(env.pool.Revoked()); got != 5 {
		t.Errorf("revoked %d tasks, want 5", got)
	}
	if env.pool.Purges() != 1 {
		t.Errorf("queue purged %d times, want 1", env.pool.Purges())
	}
	if keys := env.storage.Keys(); len(keys) != 0 {
		t.Errorf("artifacts survived reset: %v", keys)
	}
	if _, err := env.svc.GetProgress(context.Background(), id); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Errorf("expected ErrSubmissionNotFound after reset, got %v", err)
	}
	if env.ids.Issued() != 0 {
		t.Errorf("id namespace survived reset: %d issued", env.ids.Issued())
	}
}

// blockingPool stalls the nth Dispatch until released so tests can overlap a
// reset with an in-flight fan-out.
type blockingPool struct {
	*testutil.FakePool
	blockAt int32
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (p *blockingPool) Dispatch(ctx context.Context, payload []byte, chunkIndex int) (taskpool.Handle, error) {
	if p.calls.Add(1) == p.blockAt {
		close(p.entered)
		<-p.gate
	}
	return p.FakePool.Dispatch(ctx, payload, chunkIndex)
}

func TestResetDuringDispatchLeavesNothingBehind(t *testing.T) {
	env := newSplitEnv(t, 0)
	pool := &blockingPool{
		FakePool: env.pool,
		blockAt:  3,
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
	env.svc = NewSplitService(env.store, env.ids, pool, chunk.NewSplitter(testutil.FakeAudio{}, "mp3"), env.reassembles, env.storage, 0)
	id, _ := env.uploadTrack(t, 45_000)

	errc := make(chan error, 1)
	go func() {
		_, err := env.svc.Dispatch(context.Background(), id, allStems(), nil)
		errc <- err
	}()

	<-pool.entered
	if err := env.svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(pool.gate)

	if err := <-errc; !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound from interrupted dispatch, got %v", err)
	}

	if got := env.store.JobIDs(); len(got) != 0 {
		t.Errorf("jobs survived reset: %v", got)
	}
	if _, _, ok := env.store.Tasks(id); ok {
		t.Error("task refs survived reset")
	}
	if _, err := env.svc.GetProgress(context.Background(), id); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Errorf("GetProgress after reset = %v, want ErrSubmissionNotFound", err)
	}

	// Every handle the interrupted dispatch enqueued was revoked, including
	// the one enqueued after the reset.
	revoked := make(map[string]bool)
	for _, rid := range env.pool.Revoked() {
		revoked[rid] = true
	}
	for _, h := range env.pool.Handles() {
		if !revoked[h.ID()] {
			t.Errorf("task %s was never revoked", h.ID())
		}
	}
}

// blockingReassembler stalls reassembly until released so tests can overlap a
// reset with an in-flight finalization.
type blockingReassembler struct {
	inner   Reassembler
	entered chan struct{}
	gate    chan struct{}
}

func (r *blockingReassembler) Reassemble(ctx context.Context, submissionID int, selection []model.Stem, results []*taskpool.Separation) (*model.Progress, error) {
	close(r.entered)
	<-r.gate
	return r.inner.Reassemble(ctx, submissionID, selection, results)
}

func TestResetDuringReassemblyDiscardsResult(t *testing.T) {
	env := newSplitEnv(t, 0)
	blocking := &blockingReassembler{
		inner:   env.reassembles,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	env.svc = NewSplitService(env.store, env.ids, env.pool, chunk.NewSplitter(testutil.FakeAudio{}, "mp3"), blocking, env.storage, 0)
	id, _ := env.uploadTrack(t, 8_000)

	if _, err := env.svc.Dispatch(context.Background(), id, allStems(), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	h := env.pool.Handles()[0]
	h.SucceedEcho(env.pool.Payload(h.ID()), 0)

	errc := make(chan error, 1)
	go func() {
		_, err := env.svc.GetProgress(context.Background(), id)
		errc <- err
	}()

	<-blocking.entered
	if err := env.svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(blocking.gate)

	if err := <-errc; !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound from interrupted poll, got %v", err)
	}

	if _, ok := env.store.FrozenProgress(id); ok {
		t.Error("progress frozen across reset")
	}
	if keys := env.storage.Keys(); len(keys) != 0 {
		t.Errorf("orphaned artifacts survived reset: %v", keys)
	}
	if _, err := env.svc.GetProgress(context.Background(), id); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Errorf("GetProgress after reset = %v, want ErrSubmissionNotFound", err)
	}
}
