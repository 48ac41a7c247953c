// Package affinity gives each red channel a concrete, comparable notion of
// "owner thread" instead of a bare documentation comment. A Loop pins a
// goroutine to its OS thread with runtime.LockOSThread and exposes the OS
// thread id captured while pinned, mirroring the shard-per-goroutine pattern
// used elsewhere in this codebase's lineage.
package affinity

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ThreadID identifies the OS thread a Loop is pinned to. Zero is never a
// valid pinned id.
type ThreadID int64

// Loop runs a single goroutine pinned to one OS thread and records that
// thread's id. Work intended to run "on the channel's thread" should be
// executed from inside Run.
type Loop struct {
	id   atomic.Int64
	work chan func()
	done chan struct{}
}

// NewLoop allocates a Loop. Call Run in a new goroutine to start it.
func NewLoop() *Loop {
	return &Loop{
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
}

// Run pins the calling goroutine to its OS thread and processes posted work
// until Stop is called. Run must be invoked from the goroutine that is meant
// to own the loop.
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.id.Store(int64(currentThreadID()))

	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post queues fn to run on the loop's goroutine. Post is safe to call from
// any goroutine, including the loop's own.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
	}
}

// Stop terminates Run. Safe to call at most once.
func (l *Loop) Stop() {
	close(l.done)
}

// ThreadID returns the OS thread id captured by Run, or 0 if Run has not
// started yet.
func (l *Loop) ThreadID() ThreadID {
	return ThreadID(l.id.Load())
}

// Current returns the calling goroutine's current OS thread id. It is only
// stable for goroutines that have called runtime.LockOSThread (such as a
// Loop's Run); calling it from an unpinned goroutine returns a value that
// may legitimately differ between two calls, which is fine for the
// warn-and-proceed checks this package exists to support.
func Current() ThreadID {
	return currentThreadID()
}

// AssertOwner checks the calling thread against owner and logs a warning
// when they differ. It never blocks and never panics: thread affinity here
// is a documented invariant enforced by observation, not a lock, matching
// the source's lenient handling of off-thread structural mutation. The
// returned bool lets a caller choose to bail out, but nothing requires it.
func AssertOwner(owner ThreadID, op string) bool {
	current := Current()
	if current == owner {
		return true
	}
	log.Warn().
		Str("op", op).
		Int64("owner_thread", int64(owner)).
		Int64("current_thread", int64(current)).
		Msg("affinity: structural mutation off owner thread")
	return false
}
