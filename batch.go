// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/bassosimone/runtimex"
)

// Pollable is a unit of asynchronous work driven by repeated polling.
//
// Poll advances the operation as far as it can without blocking and
// reports the outcome:
//
//   - (false, nil): not ready yet; before returning, the operation must
//     arrange for the batch [Waker] to fire once it may be able to make
//     further progress, otherwise [Handle.Wait] never rescans it.
//   - (true, nil): completed successfully; the operation is not polled again.
//   - (_, err): failed; the first failure observed resolves the whole
//     batch and no other operation is polled again (see [Handle.Poll]).
//
// Poll is only invoked from the goroutine driving the batch, so
// implementations need no locking unless they share state with
// goroutines of their own making (for example a retry timer).
type Pollable interface {
	Poll(ctx context.Context) (done bool, err error)
}

// PollFunc wraps a function as a [Pollable] implementation.
//
// Use this to create ad-hoc [Pollable] instances from closures when you
// need custom behavior that doesn't fit the existing primitives.
type PollFunc func(ctx context.Context) (bool, error)

// Poll implements [Pollable].
func (f PollFunc) Poll(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Cell is reusable backing storage for running batches of homogeneous
// asynchronous operations, one batch at a time.
//
// The intended shape is a long-lived loop that fans out a small burst of
// I/O on every iteration: [Bind] the Cell to obtain a [Session], push the
// iteration's operations, await the [Handle], close the session, repeat.
// The Cell retains the operation array and the pending-index list across
// iterations, so the steady state allocates nothing per iteration.
//
// A Cell starts untyped. The first [Session.Close] that returns non-empty
// storage commits the Cell to that session's concrete operation type, and
// from then on [Bind] with any other type fails with a [*LayoutError]. The
// zero value is ready to use.
//
// A Cell must be driven by one goroutine at a time. The only concurrency
// it supports is [Waker.Wake], which may be called from anywhere.
type Cell struct {
	// stash is the empty operation slice left behind by the previous
	// session, stored type-erased as a []O for the committed O.
	stash any

	// pending holds the indices of operations not yet resolved. Its
	// storage is reused across sessions regardless of operation type.
	pending []int

	// waker coalesces wake requests for the currently suspended batch.
	waker Waker

	// bound reports whether a Session is currently open.
	bound bool
}

// LayoutError is returned by [Bind] when a [Cell] has already committed
// to a different concrete operation type.
//
// This is always a programming error: a Cell is meant to be dedicated to
// one homogeneous call site. The Cell itself is left untouched and remains
// usable with the type it first committed to.
type LayoutError struct {
	// Old is the operation type the Cell committed to.
	Old reflect.Type

	// New is the operation type the rejected [Bind] requested.
	New reflect.Type
}

var _ error = &LayoutError{}

// Error implements error.
//
// The message includes both types along with their size and alignment,
// which is usually enough to spot the mismatched call site even when the
// two type names render identically (e.g., same name in different packages).
func (e *LayoutError) Error() string {
	return fmt.Sprintf(
		"batch: cell holds storage for %v (size=%d align=%d), cannot bind %v (size=%d align=%d)",
		e.Old, e.Old.Size(), e.Old.Align(),
		e.New, e.New.Size(), e.New.Align(),
	)
}

// Bind opens a [Session] over the given [Cell], specialized to the
// concrete operation type O, reusing whatever storage the Cell retained
// from previous sessions.
//
// Bind fails with a [*LayoutError] when the Cell previously committed to
// an operation type other than O. On success the caller owns the session
// until [Session.Close], which must always be called, typically deferred,
// to return the storage to the Cell.
//
// Binding a Cell whose previous session has not been closed yet is a
// programming error and panics. Bind never suspends.
func Bind[O Pollable](c *Cell) (Session[O], error) {
	runtimex.Assert(!c.bound)
	var ops []O
	if c.stash != nil {
		stashed, good := c.stash.([]O)
		if !good {
			return Session[O]{}, &LayoutError{
				Old: reflect.TypeOf(c.stash).Elem(),
				New: reflect.TypeFor[O](),
			}
		}
		ops = stashed
		c.stash = nil
	}
	c.bound = true
	return Session[O]{cell: c, ops: ops}, nil
}

// Session is one iteration's batch of operations, bound to a [Cell] by
// [Bind] and specialized to the concrete operation type O.
//
// Accumulate work with [Session.Push], obtain the single awaitable for
// the whole batch with [Session.Run], and always release the session
// with [Session.Close], whether or not the batch ran to completion.
//
// A Session must not be copied after first use.
type Session[O Pollable] struct {
	// cell is the Cell this session was bound to, nil after Close.
	cell *Cell

	// ops is the iteration's operation array, rebuilt at length zero
	// over the storage retained by the Cell.
	ops []O
}

// Push appends one operation to the batch.
//
// Operations complete in no particular order relative to each other.
// Push must not be called after [Session.Run].
func (s *Session[O]) Push(op O) {
	s.ops = append(s.ops, op)
	s.cell.pending = append(s.cell.pending, len(s.ops)-1)
}

// Reserve grows the batch storage so that at least n more [Session.Push]
// calls proceed without reallocating. Useful when the iteration's
// operation count is known up front, as it typically is when fanning out
// one send per subscriber.
func (s *Session[O]) Reserve(n int) {
	s.ops = slices.Grow(s.ops, n)
	s.cell.pending = slices.Grow(s.cell.pending, n)
}

// Waker returns the wake handle that this session's operations must use
// to request another scan after reporting not-ready. The same [*Waker]
// remains valid across all sessions of the underlying [Cell].
func (s *Session[O]) Waker() *Waker {
	return &s.cell.waker
}

// Run returns the [Handle] representing the completion of every pushed
// operation. Run itself never suspends; drive the returned handle with
// [Handle.Wait] or [Handle.Poll].
func (s *Session[O]) Run() Handle[O] {
	return Handle[O]{s: s}
}

// Close ends the session and returns its storage to the [Cell] so the
// next [Bind] can reuse it.
//
// Close is safe to call whether the batch completed, failed, was
// abandoned after a cancelled [Handle.Wait], or never ran at all:
// operations still unresolved are dropped without being polled again,
// and their entries are cleared so the garbage collector can reclaim
// whatever they reference. Calling Close more than once is a no-op.
func (s *Session[O]) Close() error {
	c := s.cell
	if c == nil {
		return nil
	}
	clear(s.ops)
	s.ops = s.ops[:0]
	c.pending = c.pending[:0]
	if cap(s.ops) > 0 {
		c.stash = s.ops
	}
	c.bound = false
	s.cell = nil
	return nil
}

// Handle is the single awaitable standing for "every operation in the
// batch has settled".
//
// Obtain a Handle from [Session.Run]. A Handle borrows the session's
// storage and must not outlive [Session.Close].
type Handle[O Pollable] struct {
	s *Session[O]
}

// Poll performs one scan over the not-yet-resolved operations and
// reports whether the batch has settled.
//
// Each scan polls every pending operation at most once. An operation
// that completes successfully is removed from the pending set in O(1) by
// swapping it with the last pending entry. The first failure resolves
// the whole batch: Poll returns that error immediately, drops the
// remaining operations without polling them again, and leaves the
// storage ready for [Session.Close]. Otherwise Poll returns done=true
// once nothing remains pending, or done=false when at least one
// operation is still in flight.
//
// Scan state persists across calls: operations resolved by an earlier
// Poll stay resolved and are never polled again.
func (h Handle[O]) Poll(ctx context.Context) (done bool, err error) {
	s := h.s
	pending := s.cell.pending
	idx := 0
	for idx < len(pending) {
		opDone, opErr := s.ops[pending[idx]].Poll(ctx)
		switch {
		case opErr != nil:
			h.settle()
			return true, opErr
		case opDone:
			// Swap-remove: a different pending entry now occupies
			// this slot, so do not advance idx.
			last := len(pending) - 1
			pending[idx] = pending[last]
			pending = pending[:last]
		default:
			idx++
		}
	}
	s.cell.pending = pending
	if len(pending) > 0 {
		return false, nil
	}
	h.settle()
	return true, nil
}

// Wait drives the batch to completion, suspending between scans until
// the batch [Waker] fires or the context expires.
//
// Wait returns nil once every operation has succeeded, the first
// operation failure otherwise, or the context error when ctx ends the
// wait early. A cancelled Wait leaves unresolved operations in place;
// [Session.Close] cleans them up.
func (h Handle[O]) Wait(ctx context.Context) error {
	for {
		done, err := h.Poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := h.s.cell.waker.wait(ctx); err != nil {
			return err
		}
	}
}

// settle clears the batch once it resolves, releasing the references
// held by the operation entries while keeping capacity for reuse.
func (h Handle[O]) settle() {
	s := h.s
	clear(s.ops)
	s.ops = s.ops[:0]
	s.cell.pending = s.cell.pending[:0]
}
