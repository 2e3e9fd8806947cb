// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter_test

import (
	"context"
	"fmt"

	"github.com/bassosimone/runtimex"
	"github.com/stream-audio/udpjitter"
)

// This example shows how to fan out a batch of homogeneous operations
// per event-loop iteration while reusing the backing storage across
// iterations.
func Example_batch() {
	ctx := context.Background()

	// The cell owns the storage that every iteration below reuses.
	var cell udpjitter.Cell

	for iteration := 1; iteration <= 2; iteration++ {
		// Open a session on the cell for this iteration's operations.
		sess := runtimex.PanicOnError1(udpjitter.Bind[udpjitter.PollFunc](&cell))

		// Fan out three operations that complete on their first poll.
		completed := 0
		for range 3 {
			sess.Push(func(ctx context.Context) (bool, error) {
				completed++
				return true, nil
			})
		}

		// Suspend until every operation in the batch finished.
		runtimex.Assert(sess.Run().Wait(ctx) == nil)
		fmt.Printf("iteration %d: %d operations completed\n", iteration, completed)

		// Release the session so the next iteration can bind the cell.
		sess.Close()
	}

	// Output:
	// iteration 1: 3 operations completed
	// iteration 2: 3 operations completed
}

// This example shows how an operation that is not ready yet wakes the
// batch to be polled again.
func Example_batchRetry() {
	ctx := context.Background()

	var cell udpjitter.Cell
	sess := runtimex.PanicOnError1(udpjitter.Bind[udpjitter.PollFunc](&cell))
	defer sess.Close()

	// The first poll reports not-ready and immediately wakes the
	// batch; a real operation would arm a timer or an I/O callback.
	waker := sess.Waker()
	polls := 0
	sess.Push(func(ctx context.Context) (bool, error) {
		polls++
		if polls < 2 {
			waker.Wake()
			return false, nil
		}
		return true, nil
	})

	runtimex.Assert(sess.Run().Wait(ctx) == nil)
	fmt.Printf("operation completed after %d polls\n", polls)

	// Output:
	// operation completed after 2 polls
}
