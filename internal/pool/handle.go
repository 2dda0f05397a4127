package pool

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the pending result of one submitted job.
type Handle[R any] struct {
	JobID string

	mu     sync.Mutex
	status JobStatus
	done   chan struct{}
	value  R
	err    error
}

func newHandle[R any](id string) *Handle[R] {
	return &Handle[R]{JobID: id, status: JobQueued, done: make(chan struct{})}
}

func (h *Handle[R]) setStatus(s JobStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handle[R]) resolve(v R, err error) {
	h.mu.Lock()
	h.value, h.err = v, err
	if err != nil {
		h.status = JobFailed
	} else {
		h.status = JobDone
	}
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle[R]) Status() JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the job has a result.
func (h *Handle[R]) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends. A ctx error does not
// cancel the job itself.
func (h *Handle[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

type batchState struct {
	id string
}

// watchBatch asks the dispatcher to drop the batch's queued jobs once ctx
// ends. It exits when every handle has resolved.
func watchBatch[R any](ctx context.Context, b *batchState, cancel chan<- *batchState, handles []*Handle[R]) {
	allDone := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.done
		}
		close(allDone)
	}()
	go func() {
		select {
		case <-allDone:
		case <-ctx.Done():
			select {
			case cancel <- b:
			case <-allDone:
			}
		}
	}()
}

// Outcome is one job's result within a batch.
type Outcome[R any] struct {
	JobID string
	Value R
	Err   error
}

type Failure struct {
	JobID string
	Err   error
}

func (f Failure) Error() string { return fmt.Sprintf("job %s: %v", f.JobID, f.Err) }

// BatchResult summarises a finished batch. Outcomes keep submission order.
type BatchResult[R any] struct {
	Succeeded int
	Failed    int
	Outcomes  []Outcome[R]
	Failures  []Failure
}

// Batch groups the handles of one SubmitBatch call.
type Batch[R any] struct {
	state   *batchState
	handles []*Handle[R]
}

func (b *Batch[R]) Handles() []*Handle[R] { return b.handles }

// Wait collects every job's outcome. If ctx ends first the jobs still pending
// are reported as failed with the ctx error.
func (b *Batch[R]) Wait(ctx context.Context) BatchResult[R] {
	res := BatchResult[R]{Outcomes: make([]Outcome[R], 0, len(b.handles))}
	for _, h := range b.handles {
		v, err := h.Wait(ctx)
		res.Outcomes = append(res.Outcomes, Outcome[R]{JobID: h.JobID, Value: v, Err: err})
		if err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{JobID: h.JobID, Err: err})
			continue
		}
		res.Succeeded++
	}
	return res
}
