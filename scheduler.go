// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of work run by a Scheduler
type Task func(ctx context.Context)

// Scheduler runs tasks off the caller's goroutine
type Scheduler interface {
	// Submit queues task. It blocks only while the queue is full.
	Submit(ctx context.Context, task Task) (*Handle, error)

	// Close stops accepting tasks and waits for the queued ones.
	Close(ctx context.Context) error
}

// Handle tracks a submitted task
type Handle struct {
	done chan struct{}
}

// Done is closed when the task has returned
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task has returned or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	ctx  context.Context
	task Task
	done chan struct{}
}

// Pool is a fixed-size worker pool over a bounded queue
type Pool struct {
	// closing wakes submitters blocked on a full queue so Close can take mu.
	closing   chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
	queue  chan job
	group  errgroup.Group
	exited chan struct{}
	log    *zap.Logger
}

// NewPool starts workers goroutines reading from a queue of queueSize.
// Non-positive values default to GOMAXPROCS and 4x workers.
func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = 4 * workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		closing: make(chan struct{}),
		queue:   make(chan job, queueSize),
		exited: make(chan struct{}),
		log:    log,
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		_ = p.group.Wait()
		close(p.exited)
	}()
	return p
}

func (p *Pool) work() error {
	for j := range p.queue {
		p.run(j)
	}
	return nil
}

func (p *Pool) run(j job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	j.task(j.ctx)
}

func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrSchedulerClosed
	}
	j := job{ctx: ctx, task: task, done: make(chan struct{})}
	select {
	case p.queue <- j:
		return &Handle{done: j.done}, nil
	case <-p.closing:
		return nil, ErrSchedulerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
