// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskpool_test

import "testing"
import "time"

import "v.io/x/conc/taskpool"

// popAll() drains q of everything immediately runnable, recording execution
// order by running each task.
func popAll(t *testing.T, q *taskpool.Queue) int {
	t.Helper()
	n := 0
	for {
		task, status := q.Pop(0)
		if status != taskpool.Ready {
			return n
		}
		task()
		n++
	}
}

// TestQueueFIFO() checks that normal tasks pop in submission order.
func TestQueueFIFO(t *testing.T) {
	q := taskpool.NewQueue()
	var order []int
	for i := 0; i != 50; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	if got := popAll(t, q); got != 50 {
		t.Fatalf("drained %d tasks, want 50", got)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran in position %d", v, i)
		}
	}
}

// TestQueuePriority() checks that a priority task jumps ahead of queued
// normal tasks, and that two priority tasks pop in reverse submission order.
func TestQueuePriority(t *testing.T) {
	q := taskpool.NewQueue()
	var order []string
	add := func(name string) func() { return func() { order = append(order, name) } }

	q.Push(add("n1"))
	q.Push(add("n2"))
	q.PushPriority(add("p1"))
	q.PushPriority(add("p2"))
	popAll(t, q)

	want := []string{"p2", "p1", "n1", "n2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
}

// TestQueueDelayNotEarly() checks that a delayed task is not delivered before
// its deadline, and is delivered promptly afterwards even with no submission
// activity.
func TestQueueDelayNotEarly(t *testing.T) {
	q := taskpool.NewQueue()
	const delay = 150 * time.Millisecond
	start := time.Now()
	ran := false
	q.PushDelay(func() { ran = true }, delay)

	task, status := q.Pop(time.Second)
	if status != taskpool.Ready {
		t.Fatalf("Pop: want Ready, got %v", status)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("delayed task delivered after %v, before its %v deadline", elapsed, delay)
	}
	task()
	if !ran {
		t.Fatalf("delivered task was not the submitted one")
	}
}

// TestQueueDelayOrdering() checks that ripe delayed tasks are preferred over
// the FIFO and delivered in deadline order.
func TestQueueDelayOrdering(t *testing.T) {
	q := taskpool.NewQueue()
	var order []string
	add := func(name string) func() { return func() { order = append(order, name) } }

	q.PushDelay(add("d2"), 40*time.Millisecond)
	q.PushDelay(add("d1"), 20*time.Millisecond)
	q.Push(add("n1"))
	time.Sleep(60 * time.Millisecond) // let both deadlines arrive

	popAll(t, q)
	want := []string{"d1", "d2", "n1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
}

// TestQueuePopTimeout() checks that Pop on an empty queue returns Timeout
// after approximately the idle timeout.
func TestQueuePopTimeout(t *testing.T) {
	q := taskpool.NewQueue()
	start := time.Now()
	if _, status := q.Pop(100 * time.Millisecond); status != taskpool.Timeout {
		t.Fatalf("Pop on empty queue: want Timeout, got %v", status)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Pop returned Timeout after %v; idle timeout was 100ms", elapsed)
	}
}

// TestQueueStopDrains() checks that after Stop the queue keeps delivering
// everything already accepted---including unripe delayed tasks---and only
// then reports Stopped.
func TestQueueStopDrains(t *testing.T) {
	q := taskpool.NewQueue()
	executed := 0
	for i := 0; i != 3; i++ {
		q.Push(func() { executed++ })
	}
	q.PushDelay(func() { executed++ }, 100*time.Millisecond)
	q.Stop()

	if q.Push(func() { executed++ }) {
		t.Fatalf("Push accepted after Stop")
	}
	if q.PushDelay(func() { executed++ }, time.Millisecond) {
		t.Fatalf("PushDelay accepted after Stop")
	}

	for {
		task, status := q.Pop(time.Second)
		if status == taskpool.Stopped {
			break
		}
		if status == taskpool.Ready {
			task()
		}
	}
	if executed != 4 {
		t.Fatalf("executed %d tasks after Stop, want the 4 accepted before it", executed)
	}
}

// TestQueueStopWakesWaiters() checks that Stop releases consumers blocked in
// Pop.
func TestQueueStopWakesWaiters(t *testing.T) {
	q := taskpool.NewQueue()
	const nWaiters = 3
	results := make(chan taskpool.PopStatus, nWaiters)
	for i := 0; i != nWaiters; i++ {
		go func() {
			_, status := q.Pop(time.Minute)
			results <- status
		}()
	}
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	for i := 0; i != nWaiters; i++ {
		select {
		case status := <-results:
			if status != taskpool.Stopped {
				t.Fatalf("blocked Pop: want Stopped, got %v", status)
			}
		case <-time.After(time.Second):
			t.Fatalf("Stop did not wake all blocked consumers")
		}
	}
}

// TestQueueLen() checks that Len counts both FIFO and delayed tasks.
func TestQueueLen(t *testing.T) {
	q := taskpool.NewQueue()
	q.Push(func() {})
	q.Push(func() {})
	q.PushDelay(func() {}, time.Hour)
	if n := q.Len(); n != 3 {
		t.Fatalf("Len: want 3, got %d", n)
	}
}
