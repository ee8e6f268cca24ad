// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync_test

import "sync"
import "testing"

import "v.io/x/conc/tsync"

// TestSpinMuNThread() has several goroutines accumulate into a shared sum
// under a SpinMu and checks the total.  Critical sections are kept tiny, as
// the lock intends.
func TestSpinMuNThread(t *testing.T) {
	const nThreads = 4
	const perThread = 1000000

	var mu tsync.SpinMu
	sum := 0

	var done sync.WaitGroup
	done.Add(nThreads)
	for i := 0; i != nThreads; i++ {
		go func() {
			local := 0
			for k := 0; k != perThread; k++ {
				local++
			}
			mu.Lock()
			sum += local
			mu.Unlock()
			done.Done()
		}()
	}
	done.Wait()
	if want := nThreads * perThread; sum != want {
		t.Fatalf("final sum inconsistent: want %d, got %d", want, sum)
	}
}

// TestSpinMuTryLock() checks the non-blocking acquisition path.
func TestSpinMuTryLock(t *testing.T) {
	var mu tsync.SpinMu
	if !mu.TryLock() {
		t.Fatalf("TryLock failed on a free SpinMu")
	}
	if mu.TryLock() {
		t.Fatalf("TryLock succeeded on a held SpinMu")
	}
	mu.Unlock()
	if !mu.TryLock() {
		t.Fatalf("TryLock failed after Unlock")
	}
	mu.Unlock()
}

// BenchmarkSpinMuUncontended() measures an uncontended lock/unlock pair.
func BenchmarkSpinMuUncontended(b *testing.B) {
	var mu tsync.SpinMu
	for i := 0; i != b.N; i++ {
		mu.Lock()
		mu.Unlock()
	}
}
