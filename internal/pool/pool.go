// Package pool runs bounded sets of goroutine workers over a FIFO job queue.
//
// A Pool owns exactly size workers. Submitted jobs wait in an unbounded queue
// held by a single dispatcher goroutine and are handed to whichever worker is
// free, in submission order. A handler panic takes down only the worker that
// ran it: the job fails, the event is recorded in the pool's debug ring and a
// replacement worker takes the slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brensch/dicomstage/internal/domain"
)

var (
	ErrPoolClosed    = errors.New("pool closed")
	ErrWorkerCrashed = errors.New("worker crashed")
)

type Kind string

const (
	KindAnonymize Kind = "anonymize"
	KindSend      Kind = "send"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerCrashed WorkerState = "crashed"
)

// Handler processes one payload. It runs on a worker goroutine and must not
// touch state owned by the submitter.
type Handler[P, R any] func(ctx context.Context, payload P) (R, error)

type Status struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	TotalWorkers int    `json:"totalWorkers"`
	ActiveJobs   int    `json:"activeJobs"`
	QueuedJobs   int    `json:"queuedJobs"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
}

type WorkerDetail struct {
	ID            int         `json:"id"`
	State         WorkerState `json:"state"`
	JobID         string      `json:"jobId,omitempty"`
	JobsCompleted int         `json:"jobsCompleted"`
	Restarts      int         `json:"restarts"`
}

type Option func(*options)

type options struct {
	logger       *slog.Logger
	debugLogSize int
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDebugLogSize bounds the debug ring. Non-positive values use the default.
func WithDebugLogSize(n int) Option {
	return func(o *options) { o.debugLogSize = n }
}

type job[P, R any] struct {
	id      string
	ctx     context.Context
	payload P
	batch   *batchState
	handle  *Handle[R]
}

type result[P, R any] struct {
	job      *job[P, R]
	value    R
	err      error
	workerID int
	took     time.Duration
}

// Pool is a fixed-size worker pool generic over payload P and result R.
type Pool[P, R any] struct {
	name    string
	kind    Kind
	size    int
	handler Handler[P, R]
	logger  *slog.Logger
	debug   *debugRing

	submitMu sync.RWMutex
	closed   bool
	submit   chan *job[P, R]
	cancel   chan *batchState
	jobs     chan *job[P, R]
	results  chan result[P, R]

	workersWg     sync.WaitGroup
	dispatcherWg  sync.WaitGroup
	collectorDone chan struct{}

	mu        sync.Mutex
	workers   []*WorkerDetail
	queued    int
	completed int
	failed    int
}

// New starts a pool of size workers running handler.
func New[P, R any](name string, kind Kind, size int, handler Handler[P, R], opts ...Option) *Pool[P, R] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if size < 1 {
		size = 1
	}

	p := &Pool[P, R]{
		name:          name,
		kind:          kind,
		size:          size,
		handler:       handler,
		logger:        o.logger.With(slog.String("component", "pool"), slog.String("pool", name)),
		debug:         newDebugRing(o.debugLogSize),
		submit:        make(chan *job[P, R]),
		cancel:        make(chan *batchState),
		jobs:          make(chan *job[P, R]),
		results:       make(chan result[P, R], size),
		collectorDone: make(chan struct{}),
	}

	p.dispatcherWg.Add(1)
	go p.dispatch()

	for i := 0; i < size; i++ {
		w := &WorkerDetail{ID: i, State: WorkerIdle}
		p.workers = append(p.workers, w)
		p.workersWg.Add(1)
		go p.work(w)
	}

	go p.collect()

	p.logger.Info("Worker pool started.", slog.Int("workers", size), slog.String("kind", string(kind)))
	return p
}

func (p *Pool[P, R]) Name() string { return p.name }

// Submit queues payload and returns a handle to its eventual result.
func (p *Pool[P, R]) Submit(payload P) *Handle[R] {
	return p.enqueue(context.Background(), payload, nil)
}

// SubmitBatch queues every payload in order. Cancelling ctx fails the jobs of
// this batch that have not started yet; jobs already running are left to
// finish.
func (p *Pool[P, R]) SubmitBatch(ctx context.Context, payloads []P) *Batch[R] {
	b := &Batch[R]{state: &batchState{id: uuid.NewString()}}
	for _, payload := range payloads {
		b.handles = append(b.handles, p.enqueue(ctx, payload, b.state))
	}
	watchBatch(ctx, b.state, p.cancel, b.handles)
	return b
}

func (p *Pool[P, R]) enqueue(ctx context.Context, payload P, batch *batchState) *Handle[R] {
	h := newHandle[R](uuid.NewString())
	j := &job[P, R]{id: h.JobID, ctx: ctx, payload: payload, batch: batch, handle: h}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		var zero R
		h.resolve(zero, ErrPoolClosed)
		return h
	}
	p.submit <- j
	return h
}

// dispatch owns the FIFO queue.
func (p *Pool[P, R]) dispatch() {
	defer p.dispatcherWg.Done()
	defer close(p.jobs)

	var queue []*job[P, R]
	setQueued := func() {
		p.mu.Lock()
		p.queued = len(queue)
		p.mu.Unlock()
	}

	for {
		// Jobs whose context ended while they waited are failed, not run.
		for len(queue) > 0 && queue[0].ctx.Err() != nil {
			p.drop(queue[0], queue[0].ctx.Err())
			queue = queue[1:]
			setQueued()
		}

		var (
			out  chan *job[P, R]
			head *job[P, R]
		)
		if len(queue) > 0 {
			out = p.jobs
			head = queue[0]
		}

		select {
		case j, ok := <-p.submit:
			if !ok {
				for _, q := range queue {
					p.drop(q, ErrPoolClosed)
				}
				queue = nil
				setQueued()
				return
			}
			queue = append(queue, j)
			setQueued()
		case out <- head:
			queue = queue[1:]
			setQueued()
		case b := <-p.cancel:
			kept := queue[:0]
			for _, q := range queue {
				if q.batch == b {
					p.drop(q, q.ctx.Err())
					continue
				}
				kept = append(kept, q)
			}
			queue = kept
			setQueued()
		}
	}
}

// drop fails a job that never reached a worker.
func (p *Pool[P, R]) drop(j *job[P, R], cause error) {
	var err error
	if errors.Is(cause, ErrPoolClosed) {
		err = cause
	} else if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrJobCancelled, cause)
	} else {
		err = domain.ErrJobCancelled
	}
	var zero R
	p.results <- result[P, R]{job: j, value: zero, err: err, workerID: -1}
}

// work runs jobs until the jobs channel closes. After a crash the goroutine
// hands its slot to a replacement and exits without releasing workersWg.
func (p *Pool[P, R]) work(w *WorkerDetail) {
	l := p.logger.With(slog.Int("worker_id", w.ID))
	for j := range p.jobs {
		if crashed := p.run(w, j, l); crashed {
			go p.work(w)
			return
		}
	}
	p.workersWg.Done()
}

func (p *Pool[P, R]) run(w *WorkerDetail, j *job[P, R], l *slog.Logger) (crashed bool) {
	p.mu.Lock()
	w.State = WorkerBusy
	w.JobID = j.id
	p.mu.Unlock()
	j.handle.setStatus(JobRunning)
	start := time.Now()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		crashed = true
		p.record(LevelError, w.ID, j.id, fmt.Sprintf("worker crashed: %v", r))
		l.Error("Worker crashed while running job, restarting.", "job_id", j.id, "panic", r)

		p.mu.Lock()
		w.State = WorkerCrashed
		w.JobID = ""
		p.mu.Unlock()
		p.results <- result[P, R]{job: j, err: fmt.Errorf("%w: %v", ErrWorkerCrashed, r), workerID: w.ID, took: time.Since(start)}

		p.mu.Lock()
		w.State = WorkerIdle
		w.Restarts++
		p.mu.Unlock()
		p.record(LevelInfo, w.ID, "", fmt.Sprintf("worker %d restarted", w.ID))
	}()

	value, err := p.handler(j.ctx, j.payload)

	p.mu.Lock()
	w.State = WorkerIdle
	w.JobID = ""
	w.JobsCompleted++
	p.mu.Unlock()
	p.results <- result[P, R]{job: j, value: value, err: err, workerID: w.ID, took: time.Since(start)}
	return false
}

// collect resolves handles as results arrive.
func (p *Pool[P, R]) collect() {
	defer close(p.collectorDone)
	for res := range p.results {
		p.mu.Lock()
		if res.err != nil {
			p.failed++
		} else {
			p.completed++
		}
		p.mu.Unlock()

		if res.err != nil {
			p.record(LevelWarn, res.workerID, res.job.id, fmt.Sprintf("job failed: %v", res.err))
		} else {
			p.logger.Debug("Job finished.", slog.Int("worker_id", res.workerID), "job_id", res.job.id, slog.Duration("took", res.took))
		}
		res.job.handle.resolve(res.value, res.err)
	}
}

// record appends to the debug ring and mirrors the message to the logger.
func (p *Pool[P, R]) record(level Level, workerID int, jobID, msg string) {
	m := p.debug.add(DebugMessage{
		Time:     time.Now(),
		Pool:     p.name,
		Level:    level,
		WorkerID: workerID,
		JobID:    jobID,
		Message:  msg,
	})
	attrs := []any{slog.Int("worker_id", workerID), "job_id", jobID, slog.Uint64("seq", m.Seq)}
	switch level {
	case LevelError:
		p.logger.Error(msg, attrs...)
	case LevelWarn:
		p.logger.Warn(msg, attrs...)
	default:
		p.logger.Debug(msg, attrs...)
	}
}

func (p *Pool[P, R]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, w := range p.workers {
		if w.State == WorkerBusy {
			active++
		}
	}
	return Status{
		Name:         p.name,
		Kind:         p.kind,
		TotalWorkers: p.size,
		ActiveJobs:   active,
		QueuedJobs:   p.queued,
		Completed:    p.completed,
		Failed:       p.failed,
	}
}

func (p *Pool[P, R]) WorkerDetails() []WorkerDetail {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerDetail, len(p.workers))
	for i, w := range p.workers {
		out[i] = *w
	}
	return out
}

func (p *Pool[P, R]) DebugMessages() []DebugMessage {
	return p.debug.snapshot()
}

func (p *Pool[P, R]) ClearDebugMessages() {
	p.debug.clear()
}

// Close stops accepting work, fails anything still queued and waits for
// running jobs to finish.
func (p *Pool[P, R]) Close() {
	p.submitMu.Lock()
	if p.closed {
		p.submitMu.Unlock()
		return
	}
	p.closed = true
	close(p.submit)
	p.submitMu.Unlock()

	p.dispatcherWg.Wait()
	p.workersWg.Wait()
	close(p.results)
	<-p.collectorDone
	p.logger.Info("Worker pool stopped.")
}
