// Package testutil provides in-memory fakes for the external edges of the
// split pipeline: the worker pool, the audio microservice, and object
// storage. All fakes are safe for concurrent use.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/taskpool"
)

// FakeHandle is a controllable taskpool.Handle.
type FakeHandle struct {
	id string

	mu     sync.Mutex
	state  taskpool.State
	result *taskpool.Separation
}

func (h *FakeHandle) ID() string { return h.id }

func (h *FakeHandle) State(ctx context.Context) (taskpool.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

func (h *FakeHandle) Result(ctx context.Context) (*taskpool.Separation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != taskpool.StateSuccess || h.result == nil {
		return nil, model.ErrResultUnavailable
	}
	return h.result, nil
}

// Succeed moves the handle to success with the given per-stem payloads.
func (h *FakeHandle) Succeed(stems map[model.Stem][]byte, chunkIndex int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = taskpool.StateSuccess
	h.result = &taskpool.Separation{
		Stems:       stems,
		ChunkIndex:  chunkIndex,
		CompletedAt: time.Now(),
	}
}

// SucceedEcho completes the handle with every stem set to the chunk payload,
// mirroring what the worker does without a separator service.
func (h *FakeHandle) SucceedEcho(payload []byte, chunkIndex int) {
	stems := make(map[model.Stem][]byte, len(model.AllStems))
	for _, stem := range model.AllStems {
		stems[stem] = append([]byte(nil), payload...)
	}
	h.Succeed(stems, chunkIndex)
}

// SucceedWithoutPayload moves the handle to success with no result payload,
// reproducing the window where the queue reports completion before the
// result bytes are readable.
func (h *FakeHandle) SucceedWithoutPayload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = taskpool.StateSuccess
	h.result = nil
}

// Fail moves the handle to failure.
func (h *FakeHandle) Fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = taskpool.StateFailure
	h.result = nil
}

// FakePool is an in-memory taskpool.Pool. Dispatched handles stay pending
// until the test drives them with Succeed/Fail.
type FakePool struct {
	mu       sync.Mutex
	handles  []*FakeHandle
	payloads map[string][]byte
	revoked  []string
	purges   int

	DispatchErr error
}

func NewFakePool() *FakePool {
	return &FakePool{payloads: make(map[string][]byte)}
}

func (p *FakePool) Dispatch(ctx context.Context, payload []byte, chunkIndex int) (taskpool.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DispatchErr != nil {
		return nil, p.DispatchErr
	}
	h := &FakeHandle{id: uuid.New().String(), state: taskpool.StatePending}
	p.handles = append(p.handles, h)
	p.payloads[h.id] = append([]byte(nil), payload...)
	return h, nil
}

func (p *FakePool) Revoke(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, id)
	return nil
}

func (p *FakePool) PurgeQueue(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return nil
}

// Handles returns the dispatched handles in dispatch order.
func (p *FakePool) Handles() []*FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeHandle(nil), p.handles...)
}

// Payload returns the chunk bytes dispatched under a handle id.
func (p *FakePool) Payload(id string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[id]
}

// Revoked returns the handle ids revoked so far.
func (p *FakePool) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

// Purges returns how many times the queue was purged.
func (p *FakePool) Purges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purges
}

// FakeAudio implements client.AudioProcessor with a byte-level codec: one
// byte of input audio is one millisecond, slicing is subslicing, and
// concatenation is appending. Overlay joins the inputs with '+' so mixed
// output is distinguishable from concatenated output.
type FakeAudio struct{}

func (FakeAudio) DurationMs(ctx context.Context, data []byte, format string) (int64, error) {
	return int64(len(data)), nil
}

func (FakeAudio) Slice(ctx context.Context, data []byte, format string, startMs, endMs int64) ([]byte, error) {
	if startMs < 0 || startMs > endMs || endMs > int64(len(data)) {
		return nil, fmt.Errorf("slice out of range [%d:%d] of %d", startMs, endMs, len(data))
	}
	return append([]byte(nil), data[startMs:endMs]...), nil
}

func (FakeAudio) Concatenate(ctx context.Context, format string, parts ...[]byte) ([]byte, error) {
	return bytes.Join(parts, nil), nil
}

func (FakeAudio) Overlay(ctx context.Context, format string, parts ...[]byte) ([]byte, error) {
	return bytes.Join(parts, []byte("+")), nil
}

func (FakeAudio) HealthCheck(ctx context.Context) error { return nil }

// MemStorage is an in-memory client.StorageClient.
type MemStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{objects: make(map[string][]byte)}
}

func (s *MemStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return s.GetPublicURL(key), nil
}

func (s *MemStorage) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemStorage) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *MemStorage) GetPublicURL(key string) string {
	return "mem://" + key
}

// Keys returns the stored object keys, sorted.
func (s *MemStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
