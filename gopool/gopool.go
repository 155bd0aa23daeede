// Package gopool provides the goroutine worker pool behind the proxy
// listener: one task per accepted connection, recycled workers, panic
// isolation, and a drain for shutdown.
package gopool

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Option configures a Pool.
type Option struct {
	// MaxIdleWorkers is the max number of workers kept waiting for tasks.
	// Excess workers drain the queue and exit.
	MaxIdleWorkers int

	// WorkerMaxAge is the max age of a pooled worker. A worker past its
	// age exits after its current task.
	WorkerMaxAge time.Duration

	// TaskQueueLen is the task queue length. When the queue is full,
	// Go falls back to spawning a goroutine directly.
	TaskQueueLen int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MaxIdleWorkers: 1000,
		WorkerMaxAge:   time.Minute,
		TaskQueueLen:   1000,
	}
}

// Pool is a worker pool for background tasks.
type Pool struct {
	name string

	workers atomic.Int32
	maxIdle int32
	maxAge  time.Duration

	panicHandler func(r any)

	tasks   chan func()
	pending sync.WaitGroup

	closeOnce sync.Once
}

// New creates a pool. A nil option uses DefaultOption.
func New(name string, o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	return &Pool{
		name:    name,
		maxIdle: int32(o.MaxIdleWorkers),
		maxAge:  o.WorkerMaxAge,
		tasks:   make(chan func(), o.TaskQueueLen),
	}
}

// Go runs f in the background. Must not be called after Close.
func (p *Pool) Go(f func()) {
	p.pending.Add(1)
	task := func() {
		defer p.pending.Done()
		p.runTask(f)
	}
	select {
	case p.tasks <- task:
	default:
		// Queue full, fall back to a plain goroutine.
		go task()
		return
	}
	if len(p.tasks) == 0 {
		// A waiting worker already took it.
		return
	}
	go p.runWorker()
}

// SetPanicHandler sets a func receiving recover() values from tasks. By
// default panics are logged with the stack.
func (p *Pool) SetPanicHandler(f func(r any)) {
	p.panicHandler = f
}

// CurrentWorkers returns the number of live workers.
func (p *Pool) CurrentWorkers() int {
	return int(p.workers.Load())
}

// Wait blocks until every task submitted so far has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close releases the pooled workers. Pending tasks still run; submitting
// after Close panics.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

func (p *Pool) runTask(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			} else {
				slog.Error("gopool: panic in pool",
					"name", p.name, "recover", r, "stack", string(debug.Stack()))
			}
		}
	}()
	f()
}

func (p *Pool) runWorker() {
	id := p.workers.Inc()
	defer p.workers.Dec()

	if id > p.maxIdle {
		// Over the idle cap: drain what is queued and exit.
		for {
			select {
			case t, ok := <-p.tasks:
				if !ok {
					return
				}
				t()
			default:
				return
			}
		}
	}

	createdAt := time.Now()
	for t := range p.tasks {
		t()
		if time.Since(createdAt) > p.maxAge {
			return
		}
	}
}
