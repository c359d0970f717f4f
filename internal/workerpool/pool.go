// Package workerpool bounds the number of task executions running at once
// across all runs. Jobs start in submission order.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int `json:"size"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pool runs submitted jobs with at most Size running concurrently.
type Pool struct {
	size int
	sem  *semaphore.Weighted

	mu     sync.Mutex
	queue  []func()
	closed bool

	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64
}

// New starts a pool with the given size; sizes below 1 are treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit queues job. It never blocks.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	p.wake()
	return nil
}

// Close stops accepting jobs, then waits for queued and running jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if !already {
		p.wake()
	}
	<-p.done
	p.wg.Wait()
}

// Stats reports the pool's current load.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{Size: p.size, Queued: queued, Running: int(p.running.Load())}
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.mu.Unlock()
		<-p.notify
		p.mu.Lock()
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return job, true
}

// dispatch is the only acquirer of the semaphore, so jobs start in queue order.
func (p *Pool) dispatch() {
	defer close(p.done)
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		// Acquire cannot fail with a background context.
		_ = p.sem.Acquire(context.Background(), 1)
		p.wg.Add(1)
		p.running.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.running.Add(-1)
			job()
		}()
	}
}
