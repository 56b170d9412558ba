package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAlreadyQueued = errors.New("job already queued or running")
	ErrPoolClosed    = errors.New("pool closed")
)

type task struct {
	id uuid.UUID
	fn func()
}

// Pool admits work in submission order and runs at most limit tasks at once.
// A job id can only be in the pool once.
type Pool struct {
	sem     *semaphore.Weighted
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64

	mu       sync.Mutex
	queue    []task
	inFlight map[uuid.UUID]struct{}
	closed   bool
}

// NewPool starts a pool with the given concurrency limit. Limits below 1 are
// raised to 1. Close must be called to stop the dispatcher.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	p := &Pool{
		sem:      semaphore.NewWeighted(int64(limit)),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		inFlight: make(map[uuid.UUID]struct{}),
	}
	go p.dispatch()
	return p
}

// Submit queues fn for jobID.
func (p *Pool) Submit(jobID uuid.UUID, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.inFlight[jobID]; ok {
		p.mu.Unlock()
		return ErrAlreadyQueued
	}
	p.inFlight[jobID] = struct{}{}
	p.queue = append(p.queue, task{id: jobID, fn: fn})
	p.wg.Add(1)
	p.mu.Unlock()

	p.wake()
	return nil
}

// Close stops accepting work. Queued tasks still run; use Wait to block
// until they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Done is closed once the pool is closed and every task has finished.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// InFlight is the number of queued plus running tasks.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Running is the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (task, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			t := p.queue[0]
			p.queue[0] = task{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return t, true
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return task{}, false
		}
		<-p.notify
	}
}

func (p *Pool) dispatch() {
	defer func() {
		p.wg.Wait()
		close(p.done)
	}()

	for {
		t, ok := p.next()
		if !ok {
			return
		}
		// Background never cancels, so Acquire only returns once a slot frees.
		_ = p.sem.Acquire(context.Background(), 1)
		p.running.Add(1)
		go p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in pool task", "job_id", t.id, "panic", rec)
		}
		p.running.Add(-1)
		p.sem.Release(1)

		p.mu.Lock()
		delete(p.inFlight, t.id)
		p.mu.Unlock()
		p.wg.Done()
	}()

	t.fn()
}
