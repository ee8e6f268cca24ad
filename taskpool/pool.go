// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"v.io/x/lib/vlog"
)

// ErrStopped is returned by the Submit family when the pool has been stopped.
var ErrStopped = errors.New("taskpool: pool is stopped")

// ErrBadCapacity is returned by New for a nonsensical worker capacity.
var ErrBadCapacity = errors.New("taskpool: invalid worker capacity")

// Defaults for New().
const (
	DefaultMinWorkers  = 2
	DefaultIdleTimeout = 2 * time.Second
)

// A workerHandle identifies one worker goroutine; done is closed when the
// worker's loop returns, so joining a worker is a receive on done.
type workerHandle struct {
	id   int64
	done chan struct{}
}

// A Pool is an elastic worker pool.  It keeps at least minWorkers goroutines
// consuming its task queue, grows up to maxWorkers when submissions outpace
// idle capacity, and retires workers beyond minWorkers after they sit idle
// for idleTimeout.
//
// A Pool must be created with New() and released with Stop().
type Pool struct {
	queue       *Queue
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration

	mu      sync.Mutex // protects workers and dead
	workers map[int64]*workerHandle
	dead    []*workerHandle // exited workers awaiting a join

	// idle and stopping are heuristics read outside p.mu; they are only
	// ever compared against thresholds, never relied upon exactly.
	idle     int32  // workers currently blocked in Pop()
	stopping uint32 // non-zero once Stop() has begun

	nextID int64
}

// New() returns a pool with minWorkers core workers, growing to at most
// maxWorkers, retiring surplus workers after idleTimeout of inactivity.
// minWorkers may be zero; maxWorkers must be positive and is raised to
// minWorkers if smaller; a non-positive idleTimeout gets DefaultIdleTimeout.
func New(minWorkers, maxWorkers int, idleTimeout time.Duration) (*Pool, error) {
	if minWorkers < 0 {
		return nil, fmt.Errorf("%w: negative minWorkers %d", ErrBadCapacity, minWorkers)
	}
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("%w: non-positive maxWorkers %d", ErrBadCapacity, maxWorkers)
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	p := &Pool{
		queue:       NewQueue(),
		minWorkers:  minWorkers,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		workers:     make(map[int64]*workerHandle),
	}
	p.mu.Lock()
	for i := 0; i < minWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p, nil
}

// NewDefault() returns a pool with DefaultMinWorkers core workers, growing to
// the hardware concurrency, with DefaultIdleTimeout.
func NewDefault() (*Pool, error) {
	return New(DefaultMinWorkers, runtime.NumCPU(), DefaultIdleTimeout)
}

// Submit() enqueues t for execution and returns ErrStopped if the pool has
// been stopped.
func (p *Pool) Submit(t Task) error {
	if atomic.LoadUint32(&p.stopping) != 0 { // acquire load
		return ErrStopped
	}
	if !p.queue.Push(t) {
		return ErrStopped
	}
	p.expand()
	return nil
}

// SubmitPriority() enqueues t ahead of every queued normal task and returns
// ErrStopped if the pool has been stopped.
func (p *Pool) SubmitPriority(t Task) error {
	if atomic.LoadUint32(&p.stopping) != 0 { // acquire load
		return ErrStopped
	}
	if !p.queue.PushPriority(t) {
		return ErrStopped
	}
	p.expand()
	return nil
}

// SubmitDelay() schedules t to run no earlier than d from now and returns
// ErrStopped if the pool has been stopped.  A delayed task accepted before
// Stop() is still honoured: Stop() waits for its deadline and its execution.
func (p *Pool) SubmitDelay(t Task, d time.Duration) error {
	if atomic.LoadUint32(&p.stopping) != 0 { // acquire load
		return ErrStopped
	}
	if !p.queue.PushDelay(t, d) {
		return ErrStopped
	}
	p.expand()
	return nil
}

// Pending() returns the number of queued tasks, including delayed tasks not
// yet runnable.  The value is advisory; it may be stale by the time it is
// observed.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// ActiveWorkers() returns the number of live workers.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	return n
}

// IdleWorkers() returns the number of workers currently blocked waiting for a
// task.  The value is advisory.
func (p *Pool) IdleWorkers() int {
	return int(atomic.LoadInt32(&p.idle))
}

// spawnLocked() starts one worker.  Requires p.mu held.
func (p *Pool) spawnLocked() {
	p.nextID++
	h := &workerHandle{id: p.nextID, done: make(chan struct{})}
	p.workers[h.id] = h
	go p.worker(h)
}

// worker() is the loop run by every worker goroutine.  The worker accounts
// for its own idleness: it counts as idle from the moment it starts until it
// dequeues a task, and again between tasks.
func (p *Pool) worker(h *workerHandle) {
	defer close(h.done)
	atomic.AddInt32(&p.idle, 1)
	for {
		task, status := p.queue.Pop(p.idleTimeout)
		switch status {
		case Stopped:
			atomic.AddInt32(&p.idle, -1)
			return
		case Timeout:
			if atomic.LoadUint32(&p.stopping) != 0 { // acquire load
				atomic.AddInt32(&p.idle, -1)
				return
			}
			p.mu.Lock()
			if len(p.workers) > p.minWorkers {
				delete(p.workers, h.id)
				p.dead = append(p.dead, h)
				atomic.AddInt32(&p.idle, -1)
				p.mu.Unlock()
				vlog.VI(1).Infof("taskpool: worker %d retired after %v idle", h.id, p.idleTimeout)
				return
			}
			p.mu.Unlock()
			// A core worker stays and goes back to waiting.
		case Ready:
			atomic.AddInt32(&p.idle, -1)
			p.runTask(task)
			atomic.AddInt32(&p.idle, 1)
		}
	}
}

// runTask() executes one task, containing any panic so that nothing a task
// does can tear down its worker.
func (p *Pool) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			vlog.Errorf("taskpool: task panicked: %v", r)
		}
	}()
	if t != nil {
		t()
	}
}

// expand() grows the pool if the backlog exceeds what the idle workers can
// absorb.  Called after every successful submission.  It also reaps
// already-exited workers, without ever blocking the submission path.
func (p *Pool) expand() {
	p.reap()
	if atomic.LoadUint32(&p.stopping) != 0 { // acquire load
		return
	}
	p.mu.Lock()
	pending := p.queue.Len()
	idle := int(atomic.LoadInt32(&p.idle)) // acquire load
	active := len(p.workers)

	// The +1 headroom keeps a trickle of submissions from spawning a
	// worker per task.
	need := 0
	if active < p.maxWorkers && pending > idle+1 {
		need = pending - idle
		if max := p.maxWorkers - active; need > max {
			need = max
		}
	} else if active == 0 && pending > 0 && p.maxWorkers > 0 {
		// A pool configured with minWorkers == 0 may have no workers
		// at all; anything queued needs at least one.
		need = 1
	}
	for i := 0; i < need; i++ {
		p.spawnLocked()
	}
	if need > 0 {
		vlog.VI(1).Infof("taskpool: expanded by %d to %d workers (%d pending, %d idle)",
			need, len(p.workers), pending, idle)
	}
	p.mu.Unlock()
	// New workers account for their own idleness when they start.
}

// reap() joins workers that have already exited their loops.  It only
// attempts the pool mutex, so a submission never blocks behind a concurrent
// Stop() or scale-down.
func (p *Pool) reap() {
	if !p.mu.TryLock() {
		return
	}
	dead := p.dead
	p.dead = nil
	p.mu.Unlock()
	for _, h := range dead {
		<-h.done
	}
}

// Stop() stops the pool: no further submissions are accepted, every task
// accepted before Stop()---including delayed tasks whose deadlines have not
// yet arrived---is executed, and all workers are joined.  Only the first call
// does the work; concurrent and subsequent calls wait for nothing and return
// immediately.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopping, 0, 1) { // acquire/release CAS
		return
	}
	p.queue.Stop()

	p.mu.Lock()
	toJoin := make([]*workerHandle, 0, len(p.workers)+len(p.dead))
	for _, h := range p.workers {
		toJoin = append(toJoin, h)
	}
	p.workers = make(map[int64]*workerHandle)
	toJoin = append(toJoin, p.dead...)
	p.dead = nil
	p.mu.Unlock()

	for _, h := range toJoin {
		<-h.done
	}

	// With minWorkers == 0 every worker may have retired before Stop();
	// whatever is still queued is drained here so that every accepted
	// task runs.
	for {
		task, status := p.queue.Pop(p.idleTimeout)
		if status == Stopped {
			break
		}
		if status == Ready {
			p.runTask(task)
		}
	}
	vlog.VI(1).Infof("taskpool: stopped; joined %d workers", len(toJoin))
}
