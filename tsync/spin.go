// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync

import "sync/atomic"

// A SpinMu is a test-and-test-and-set spinlock.  Its zero value is valid, and
// unlocked.  It is intended for very short critical sections; a goroutine
// never suspends while acquiring it, so holders must not block.
//
// A SpinMu is not reentrant: a goroutine that attempts to re-acquire a SpinMu
// it already holds spins forever.
type SpinMu struct {
	word uint32 // 0 => free, 1 => held.
}

// Lock() blocks until *m is free and then acquires it.
func (m *SpinMu) Lock() {
	var attempts uint // spin retry count
	for {
		// Read-only spin until the lock looks free; avoids bouncing
		// the cache line between cores on each attempt.
		for atomic.LoadUint32(&m.word) != 0 {
			attempts = spinDelay(attempts)
		}
		if atomic.CompareAndSwapUint32(&m.word, 0, 1) { // acquire CAS
			return
		}
		attempts = spinDelay(attempts)
	}
}

// TryLock() attempts to acquire *m without spinning, and returns whether it
// succeeded.
func (m *SpinMu) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.word, 0, 1) // acquire CAS
}

// Unlock() releases *m.  It is legal only while *m is held.
func (m *SpinMu) Unlock() {
	atomic.StoreUint32(&m.word, 0) // release store
}
