// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync_test

import "sync"
import "testing"

import "v.io/x/conc/tsync"

// TestLockAllOppositeOrders() has two goroutines repeatedly acquire the same
// pair of locks in opposite orders.  With naive ordered blocking this
// deadlocks almost immediately; LockAll must complete every iteration.
func TestLockAllOppositeOrders(t *testing.T) {
	const loops = 20000
	var a, b tsync.Mu

	var done sync.WaitGroup
	done.Add(2)
	shared := 0
	go func() {
		for i := 0; i != loops; i++ {
			tsync.LockAll(&a, &b)
			shared++
			b.Unlock()
			a.Unlock()
		}
		done.Done()
	}()
	go func() {
		for i := 0; i != loops; i++ {
			tsync.LockAll(&b, &a)
			shared++
			a.Unlock()
			b.Unlock()
		}
		done.Done()
	}()
	done.Wait()
	if shared != 2*loops {
		t.Fatalf("final count inconsistent: want %d, got %d", 2*loops, shared)
	}
}

// TestLockAllMixedTypes() acquires a tuple of different lockable types.
func TestLockAllMixedTypes(t *testing.T) {
	var spin tsync.SpinMu
	var mu tsync.Mu
	var rec tsync.RecursiveMu
	var std sync.Mutex

	tsync.LockAll(&spin, &mu, &rec, &std)
	std.Unlock()
	rec.Unlock()
	mu.Unlock()
	spin.Unlock()
}

// TestLockAllDegenerate() checks the zero- and one-lock cases.
func TestLockAllDegenerate(t *testing.T) {
	tsync.LockAll()

	var mu tsync.Mu
	tsync.LockAll(&mu)
	if mu.TryLock() {
		t.Fatalf("LockAll of a single lock did not leave it held")
	}
	mu.Unlock()
}

// TestTryLockAll() checks the all-or-nothing behaviour of TryLockAll: on
// failure no lock remains held.
func TestTryLockAll(t *testing.T) {
	var a, b, c tsync.Mu

	if !tsync.TryLockAll(&a, &b, &c) {
		t.Fatalf("TryLockAll failed with all locks free")
	}
	c.Unlock()
	b.Unlock()
	a.Unlock()

	b.Lock()
	if tsync.TryLockAll(&a, &b, &c) {
		t.Fatalf("TryLockAll succeeded with b held")
	}
	// a must have been released by the failed attempt.
	if !a.TryLock() {
		t.Fatalf("TryLockAll failure leaked a hold on a")
	}
	a.Unlock()
	if !c.TryLock() {
		t.Fatalf("TryLockAll failure leaked a hold on c")
	}
	c.Unlock()
	b.Unlock()
}

// TestScope() checks that NewScope acquires its locks and Unlock releases
// all of them.
func TestScope(t *testing.T) {
	var a, b tsync.Mu
	s := tsync.NewScope(&a, &b)
	if a.TryLock() || b.TryLock() {
		t.Fatalf("NewScope did not leave its locks held")
	}
	s.Unlock()
	if !a.TryLock() {
		t.Fatalf("Scope.Unlock did not release a")
	}
	if !b.TryLock() {
		t.Fatalf("Scope.Unlock did not release b")
	}
	a.Unlock()
	b.Unlock()
}

// TestAdoptScope() checks that AdoptScope assumes pre-locked locks without
// re-acquiring them.
func TestAdoptScope(t *testing.T) {
	var a, b tsync.Mu
	a.Lock()
	b.Lock()
	s := tsync.AdoptScope(&a, &b)
	s.Unlock()
	if !a.TryLock() || !b.TryLock() {
		t.Fatalf("AdoptScope.Unlock did not release the adopted locks")
	}
	a.Unlock()
	b.Unlock()
}

// TestScopeDoubleUnlock() checks that releasing a Scope twice panics.
func TestScopeDoubleUnlock(t *testing.T) {
	var a tsync.Mu
	s := tsync.NewScope(&a)
	s.Unlock()
	defer func() {
		if recover() == nil {
			t.Fatalf("second Scope.Unlock did not panic")
		}
	}()
	s.Unlock()
}
