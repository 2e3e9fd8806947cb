// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"sync"
)

// Waker coalesces "progress may now be possible" notifications from a
// batch's operations to the goroutine suspended in [Handle.Wait].
//
// The contract is the usual one for asynchronous wakeups: a wake is a
// hint, not a statement of fact, so the woken goroutine re-examines the
// actual state of every pending operation, and spurious wakes are
// harmless. Multiple wakes arriving while one is already outstanding
// coalesce into a single scan.
//
// Obtain a Waker from [Session.Waker]. The zero value is ready to use.
// Wake is safe to call from any goroutine; wait is reserved to the
// goroutine driving the batch.
type Waker struct {
	// once guards the lazy creation of ch.
	once sync.Once

	// ch buffers at most one outstanding wake.
	ch chan struct{}
}

// Wake requests another scan of the suspended batch. It never blocks.
func (w *Waker) Wake() {
	w.init()
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// wait blocks until a wake arrives or the context expires, in which
// case it returns the context error.
func (w *Waker) wait(ctx context.Context) error {
	w.init()
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Waker) init() {
	w.once.Do(func() {
		w.ch = make(chan struct{}, 1)
	})
}
