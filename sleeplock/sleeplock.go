// Package sleeplock implements the long-term lock protecting inodes
// and block buffers. Unlike a spinlock-class mutex, a sleep-lock may
// be held across blocking operations; acquirers block until the
// holder releases.
package sleeplock

import (
	"sync"

	"xk/util"
)

/// Sleeplock_t is a mutual exclusion lock that can be held across
/// suspension points. The zero value is an unlocked lock.
type Sleeplock_t struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	holder int64
}

/// Acquire blocks until the lock is free, then takes it.
func (l *Sleeplock_t) Acquire() {
	l.mu.Lock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.holder = util.Goid()
	l.mu.Unlock()
}

/// Release frees the lock and wakes one waiter. It panics if the lock
/// is not held.
func (l *Sleeplock_t) Release() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic("release of unlocked sleeplock")
	}
	l.locked = false
	l.holder = 0
	if l.cond != nil {
		l.cond.Signal()
	}
	l.mu.Unlock()
}

/// Holding reports whether the calling goroutine holds the lock.
func (l *Sleeplock_t) Holding() bool {
	me := util.Goid()
	l.mu.Lock()
	ret := l.locked && l.holder == me
	l.mu.Unlock()
	return ret
}

/// Locked reports whether any goroutine holds the lock. The answer
/// may be stale by the time the caller looks at it.
func (l *Sleeplock_t) Locked() bool {
	l.mu.Lock()
	ret := l.locked
	l.mu.Unlock()
	return ret
}
