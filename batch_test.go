// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opState holds the counters shared between a scripted operation and the
// test that pushed it.
type opState struct {
	// remaining is how many not-ready polls are left before resolution.
	remaining int

	// polls counts how many times Poll ran.
	polls int

	// err is the outcome to report once remaining reaches zero, nil
	// for success.
	err error
}

// countdownOp is a scripted operation that reports not-ready a fixed
// number of times before resolving, waking the batch after every
// not-ready report so that [Handle.Wait] rescans immediately.
type countdownOp struct {
	// state points to this operation's mutable counters.
	state *opState

	// waker is the batch waker to poke after reporting not-ready.
	waker *Waker
}

var _ Pollable = countdownOp{}

// Poll implements [Pollable].
func (op countdownOp) Poll(ctx context.Context) (bool, error) {
	op.state.polls++
	if op.state.remaining > 0 {
		op.state.remaining--
		op.waker.Wake()
		return false, nil
	}
	return true, op.state.err
}

// inertOp is an operation that never resolves and never wakes the
// batch, for exercising cancellation.
type inertOp struct {
	// polls counts how many times Poll ran.
	polls *int
}

var _ Pollable = inertOp{}

// Poll implements [Pollable].
func (op inertOp) Poll(ctx context.Context) (bool, error) {
	*op.polls++
	return false, nil
}

// Wait resolves a batch of scripted operations and polls each operation
// exactly once per scan it is still pending in.
func TestBatchScanAccounting(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// remaining lists, per operation, how many not-ready polls
		// precede its completion.
		remaining []int
	}{
		{
			name:      "all complete on the first scan",
			remaining: []int{0, 0, 0, 0},
		},

		{
			name:      "two complete on the first scan, one on the second",
			remaining: []int{0, 0, 1},
		},

		{
			name:      "staggered completion across four scans",
			remaining: []int{3, 0, 1, 2},
		},

		{
			name:      "single slow operation",
			remaining: []int{5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cell := &Cell{}
			sess, err := Bind[countdownOp](cell)
			require.NoError(t, err)
			defer sess.Close()

			states := make([]*opState, len(tt.remaining))
			sess.Reserve(len(tt.remaining))
			for idx, rem := range tt.remaining {
				states[idx] = &opState{remaining: rem}
				sess.Push(countdownOp{state: states[idx], waker: sess.Waker()})
			}

			err = sess.Run().Wait(context.Background())
			require.NoError(t, err)

			// An operation pending for n scans is polled exactly n
			// times: completed operations are never polled again.
			for idx, st := range states {
				assert.Equal(t, tt.remaining[idx]+1, st.polls, "operation %d", idx)
			}
			assert.Empty(t, cell.pending)
		})
	}
}

// The first operation failure resolves the whole batch and stops the
// scan, leaving later operations unpolled from that point on.
func TestBatchFailFast(t *testing.T) {
	errSendFailed := errors.New("send failed")

	cell := &Cell{}
	sess, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	defer sess.Close()

	// The middle operation fails on its second poll, so the scan in
	// which it fails never reaches the third operation again.
	states := []*opState{
		{remaining: 2},
		{remaining: 1, err: errSendFailed},
		{remaining: 9},
	}
	for _, st := range states {
		sess.Push(countdownOp{state: st, waker: sess.Waker()})
	}

	err = sess.Run().Wait(context.Background())
	require.ErrorIs(t, err, errSendFailed)

	assert.Equal(t, 2, states[0].polls)
	assert.Equal(t, 2, states[1].polls)
	assert.Equal(t, 1, states[2].polls)
	assert.Empty(t, cell.pending)

	// The cell stays reusable after a failed batch.
	require.NoError(t, sess.Close())
	sess2, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	defer sess2.Close()
	sess2.Push(countdownOp{state: &opState{}, waker: sess2.Waker()})
	require.NoError(t, sess2.Run().Wait(context.Background()))
}

// Successive sessions of equal size run over the storage retained by
// the cell instead of growing fresh arrays.
func TestBatchStorageReuse(t *testing.T) {
	const iterations = 5
	const batchSize = 8

	cell := &Cell{}
	var opsCap, pendingCap int

	for iter := range iterations {
		sess, err := Bind[countdownOp](cell)
		require.NoError(t, err)

		if iter > 0 {
			assert.Equal(t, opsCap, cap(sess.ops), "iteration %d", iter)
			assert.Empty(t, sess.ops)
		}

		for range batchSize {
			sess.Push(countdownOp{state: &opState{remaining: 1}, waker: sess.Waker()})
		}
		require.NoError(t, sess.Run().Wait(context.Background()))
		require.NoError(t, sess.Close())

		if iter == 0 {
			opsCap = cap(cell.stash.([]countdownOp))
			pendingCap = cap(cell.pending)
			require.GreaterOrEqual(t, opsCap, batchSize)
		}

		assert.Equal(t, opsCap, cap(cell.stash.([]countdownOp)), "iteration %d", iter)
		assert.Equal(t, pendingCap, cap(cell.pending), "iteration %d", iter)
		assert.Empty(t, cell.stash.([]countdownOp))
	}
}

// Bind rejects an operation type other than the one the cell committed
// to and reports both types in the error.
func TestBindLayoutMismatch(t *testing.T) {
	cell := &Cell{}

	// Commit the cell to countdownOp.
	sess, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	sess.Push(countdownOp{state: &opState{}, waker: sess.Waker()})
	require.NoError(t, sess.Run().Wait(context.Background()))
	require.NoError(t, sess.Close())

	// Binding a different operation type must fail loudly.
	_, err = Bind[PollFunc](cell)
	require.Error(t, err)
	var layoutErr *LayoutError
	require.ErrorAs(t, err, &layoutErr)
	assert.Equal(t, reflect.TypeFor[countdownOp](), layoutErr.Old)
	assert.Equal(t, reflect.TypeFor[PollFunc](), layoutErr.New)
	assert.Contains(t, err.Error(), "cannot bind")

	// The cell is untouched and still serves the committed type.
	sess2, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	defer sess2.Close()
	sess2.Push(countdownOp{state: &opState{}, waker: sess2.Waker()})
	require.NoError(t, sess2.Run().Wait(context.Background()))
}

// A session that never produced storage does not commit the cell to its
// operation type.
func TestBindEmptySessionDoesNotCommit(t *testing.T) {
	cell := &Cell{}

	sess, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	// A different type binds fine because no storage was ever created.
	sess2, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	require.NoError(t, sess2.Close())
}

// A batch with no operations resolves immediately without suspending.
func TestBatchEmptyResolvesImmediately(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	defer sess.Close()

	handle := sess.Run()
	done, err := handle.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	// Wait must return without ever suspending on the waker.
	require.NoError(t, handle.Wait(context.Background()))
}

// A cancelled Wait returns the context error and leaves the session
// closeable and the cell reusable.
func TestBatchCancellation(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[inertOp](cell)
	require.NoError(t, err)

	var polls int
	sess.Push(inertOp{polls: &polls})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sess.Run().Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The scan before suspension still ran once.
	assert.Equal(t, 1, polls)
	require.NoError(t, sess.Close())
	assert.Empty(t, cell.pending)

	// The next session reuses the storage left behind.
	sess2, err := Bind[inertOp](cell)
	require.NoError(t, err)
	defer sess2.Close()
	assert.Positive(t, cap(sess2.ops))
}

// Reserve grows both the operation array and the pending list up front.
func TestSessionReserve(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	defer sess.Close()

	sess.Reserve(16)
	assert.GreaterOrEqual(t, cap(sess.ops), 16)
	assert.GreaterOrEqual(t, cap(cell.pending), 16)
}

// Close is idempotent and a second Close does not disturb a session
// opened in between.
func TestSessionCloseIdempotent(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	sess.Push(PollFunc(func(ctx context.Context) (bool, error) { return true, nil }))
	require.NoError(t, sess.Run().Wait(context.Background()))
	require.NoError(t, sess.Close())

	sess2, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	defer sess2.Close()
	sess2.Push(PollFunc(func(ctx context.Context) (bool, error) { return true, nil }))

	// Closing the first session again must not clear the second
	// session's pending operations.
	require.NoError(t, sess.Close())
	assert.Len(t, cell.pending, 1)
}

// Binding a cell while a session is still open is a programming error.
func TestBindPanicsWhileSessionOpen(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[PollFunc](cell)
	require.NoError(t, err)
	defer sess.Close()

	assert.Panics(t, func() {
		_, _ = Bind[PollFunc](cell)
	})
}

// Wait suspends between scans and resumes when an external goroutine
// wakes the batch.
func TestBatchExternalWake(t *testing.T) {
	cell := &Cell{}
	sess, err := Bind[countdownOp](cell)
	require.NoError(t, err)
	defer sess.Close()

	// The operation resolves on its second poll but does not wake the
	// batch itself: a timer stands in for an external completion
	// source, as a retrying network send would.
	st := &opState{remaining: 1}
	waker := sess.Waker()
	sess.Push(countdownOp{state: st, waker: &Waker{}})
	timer := time.AfterFunc(10*time.Millisecond, waker.Wake)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sess.Run().Wait(ctx))
	assert.Equal(t, 2, st.polls)
}
