package transcription

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"neuravox/core"
)

// RetryPolicy is the exponential-backoff-with-full-jitter retry policy
// applied to BackendTransient failures within a single worker, rather than
// by re-enqueueing the chunk (spec.md §4.6).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is 3 retries, 1s base, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Scheduler is the C6 bounded chunk scheduler: a single shared work queue
// of chunks drained by up to MaxConcurrent cooperative workers, grounded in
// the teacher's worker-pool shape (core/concurrent_processor.go) but built
// on golang.org/x/sync's errgroup/semaphore instead of hand-rolled
// channels.
type Scheduler struct {
	Backend       Backend
	MaxConcurrent int
	Retry         RetryPolicy
	Opts          TranscribeOptions

	// OnChunkDone, if set, is called after each chunk finishes (success or
	// failure) for progress reporting.
	OnChunkDone func(core.ChunkTranscription)
}

// NewScheduler builds a Scheduler with the default retry policy.
func NewScheduler(backend Backend, maxConcurrent int, opts TranscribeOptions) *Scheduler {
	return &Scheduler{Backend: backend, MaxConcurrent: maxConcurrent, Retry: DefaultRetryPolicy(), Opts: opts}
}

// Job pairs a chunk's ChunkRange with its resolved on-disk path for Transcribe.
type Job struct {
	Range core.ChunkRange
	Path  string
}

// Run transcribes every job with at most MaxConcurrent in flight, returning
// results ordered by chunk_index regardless of completion order. A
// BackendFatal failure on one chunk does not stop the others; a genuine
// cancellation (ctx done) stops the whole run and returns its error.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) ([]core.ChunkTranscription, error) {
	results := make([]core.ChunkTranscription, len(jobs))
	sem := semaphore.NewWeighted(int64(s.MaxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			result, err := s.transcribeWithRetry(gctx, job)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result = core.ChunkTranscription{
					ChunkIndex:    job.Range.ChunkIndex,
					BackendID:     s.Backend.ID(),
					Failed:        true,
					FailureReason: err.Error(),
				}
			}
			results[i] = result
			if s.OnChunkDone != nil {
				s.OnChunkDone(result)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, core.NewCancelled("transcription scheduler aborted: " + err.Error())
	}
	return results, nil
}

// transcribeWithRetry retries BackendTransient failures with exponential
// backoff and full jitter; a BackendFatal failure returns immediately.
func (s *Scheduler) transcribeWithRetry(ctx context.Context, job Job) (core.ChunkTranscription, error) {
	var lastErr error
	for attempt := 0; attempt <= s.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffWithFullJitter(s.Retry.BaseDelay, s.Retry.MaxDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return core.ChunkTranscription{}, ctx.Err()
			}
		}

		result, err := s.Backend.Transcribe(ctx, job.Path, job.Range, s.Opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return core.ChunkTranscription{}, err
		}
	}
	return core.ChunkTranscription{}, lastErr
}

// backoffWithFullJitter returns a random delay in [0, min(cap, base*2^(attempt-1))],
// so the first retry (attempt 1) waits at most base.
func backoffWithFullJitter(base, cap time.Duration, attempt int) time.Duration {
	exp := base << uint(attempt-1)
	if exp <= 0 || exp > cap {
		exp = cap
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
