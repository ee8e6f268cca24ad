// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskpool

import "fmt"

// A Future is the caller's handle on a value-bearing task submitted with
// SubmitFuture().  The underlying task runs exactly once; the Future is a
// shared reference to its one-shot result channel, so it may be copied and
// waited on from any number of goroutines.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

// Done() returns a channel closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result() blocks until the task has finished, then returns its value and
// error.  A panic in the task surfaces here as an error.
func (f *Future) Result() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

// SubmitFuture() enqueues fn as a normal task and returns a Future for its
// result.  It returns ErrStopped if the pool has been stopped; in that case
// fn will never run and no Future is returned.
//
// A panic in fn is caught by the worker and reported through the Future's
// error; it never reaches the worker loop.
func (p *Pool) SubmitFuture(fn func() (interface{}, error)) (*Future, error) {
	f := &Future{done: make(chan struct{})}
	task := func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("taskpool: task panicked: %v", r)
			}
		}()
		f.value, f.err = fn()
	}
	if err := p.Submit(task); err != nil {
		return nil, err
	}
	return f, nil
}
