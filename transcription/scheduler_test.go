package transcription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"neuravox/core"
)

// fakeBackend lets tests script per-chunk outcomes and observe concurrency.
type fakeBackend struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	fail        map[int]error // chunk_index -> error to return (every call)
	transientUntil map[int]int // chunk_index -> number of failures before success
	calls       map[int]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: map[int]error{}, transientUntil: map[int]int{}, calls: map[int]int{}}
}

func (f *fakeBackend) ID() string                             { return "fake" }
func (f *fakeBackend) RequiresCredential() (string, bool)      { return "", false }
func (f *fakeBackend) SupportsTimestamps() bool                { return false }

func (f *fakeBackend) Transcribe(ctx context.Context, path string, rng core.ChunkRange, opts TranscribeOptions) (core.ChunkTranscription, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[rng.ChunkIndex]++
	calls := f.calls[rng.ChunkIndex]
	needed := f.transientUntil[rng.ChunkIndex]
	if calls <= needed {
		f.mu.Unlock()
		return core.ChunkTranscription{}, core.NewBackendTransient(core.ReasonNetwork, "simulated transient failure", nil)
	}
	if err, ok := f.fail[rng.ChunkIndex]; ok {
		f.mu.Unlock()
		return core.ChunkTranscription{}, err
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)
	return core.ChunkTranscription{ChunkIndex: rng.ChunkIndex, Text: "ok", BackendID: "fake"}, nil
}

func TestSchedulerOrdersResultsByChunkIndex(t *testing.T) {
	backend := newFakeBackend()
	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = Job{Range: core.ChunkRange{ChunkIndex: i}, Path: "chunk"}
	}
	sched := NewScheduler(backend, 3, TranscribeOptions{})
	results, err := sched.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.ChunkIndex != i {
			t.Fatalf("result at position %d has chunk_index %d", i, r.ChunkIndex)
		}
	}
}

func TestSchedulerRespectsMaxConcurrent(t *testing.T) {
	backend := newFakeBackend()
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{Range: core.ChunkRange{ChunkIndex: i}, Path: "chunk"}
	}
	sched := NewScheduler(backend, 2, TranscribeOptions{})
	if _, err := sched.Run(context.Background(), jobs); err != nil {
		t.Fatal(err)
	}
	if backend.maxInFlight > 2 {
		t.Fatalf("observed %d chunks in flight, want <= 2", backend.maxInFlight)
	}
}

func TestSchedulerFatalFailureDoesNotAbortOtherChunks(t *testing.T) {
	backend := newFakeBackend()
	backend.fail[2] = core.NewBackendFatal(core.ReasonBadRequest, "bad chunk", nil)
	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = Job{Range: core.ChunkRange{ChunkIndex: i}, Path: "chunk"}
	}
	sched := NewScheduler(backend, 3, TranscribeOptions{})
	results, err := sched.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	successes, failures := 0, 0
	for _, r := range results {
		if r.Failed {
			failures++
			if r.ChunkIndex != 2 {
				t.Fatalf("unexpected failed chunk %d", r.ChunkIndex)
			}
		} else {
			successes++
		}
	}
	if successes != 4 || failures != 1 {
		t.Fatalf("expected 4 successes + 1 failure, got %d/%d", successes, failures)
	}
}

func TestSchedulerRetriesTransientFailureThenSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.transientUntil[0] = 2 // fails twice, succeeds on 3rd call
	sched := NewScheduler(backend, 1, TranscribeOptions{})
	sched.Retry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	results, err := sched.Run(context.Background(), []Job{{Range: core.ChunkRange{ChunkIndex: 0}, Path: "chunk"}})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Failed {
		t.Fatalf("expected eventual success, got failure: %s", results[0].FailureReason)
	}
	if backend.calls[0] != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", backend.calls[0])
	}
}

func TestSchedulerExhaustsRetriesAndRecordsFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.transientUntil[0] = 99 // always transient
	sched := NewScheduler(backend, 1, TranscribeOptions{})
	sched.Retry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	results, err := sched.Run(context.Background(), []Job{{Range: core.ChunkRange{ChunkIndex: 0}, Path: "chunk"}})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Failed {
		t.Fatalf("expected failure after exhausting retries, got success")
	}
	if backend.calls[0] != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", backend.calls[0])
	}
}
