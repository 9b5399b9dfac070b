package util

import (
	"runtime"
	"sync"

	"github.com/petermattis/goid"
)

// RecursiveMutex is a reentrant lock: the goroutine currently holding it may
// call Lock again without deadlocking, and must call Unlock the same number
// of times to release it. Go's sync.Mutex is deliberately not reentrant; the
// subsystems described in spec §5 (ledger, miner, node) use this type so that
// a callback run under one of their mutexes (e.g. an execution hook invoked
// while the ledger holds its mutex during Receive) may call back into a
// locked method of the same subsystem without self-deadlocking.
type RecursiveMutex struct {
	mu    sync.Mutex
	owner int64
	depth int
}

// Lock acquires the mutex. If the calling goroutine already holds it, Lock
// just increments the reentrancy depth instead of blocking.
func (m *RecursiveMutex) Lock() {
	id := goid.Get()

	m.mu.Lock()
	if m.owner == id && m.depth > 0 {
		m.depth++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.acquire(id)
}

func (m *RecursiveMutex) acquire(id int64) {
	for {
		m.mu.Lock()
		if m.depth == 0 {
			m.owner = id
			m.depth = 1
			m.mu.Unlock()
			return
		}
		if m.owner == id {
			m.depth++
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		// Another goroutine holds it; yield and retry. The contended
		// path is rare under the lock-order discipline in spec §5, so
		// a spin-retry rather than a condvar keeps this type small.
		runtime.Gosched()
	}
}

// Unlock releases one level of reentrancy. It panics if called by a
// goroutine that does not hold the lock, mirroring sync.Mutex's behavior on
// unbalanced Unlock calls.
func (m *RecursiveMutex) Unlock() {
	id := goid.Get()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != id {
		panic("util: Unlock of RecursiveMutex not held by calling goroutine")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
	}
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock. Useful for assertions in tests.
func (m *RecursiveMutex) HeldByCaller() bool {
	id := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == id
}
