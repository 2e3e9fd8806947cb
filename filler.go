// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"crypto/rand"

	"github.com/bassosimone/runtimex"
)

// fillerPoolLen is the size of the random pool backing a [Filler].
const fillerPoolLen = 2000

// Filler pads probe packets with bytes drawn from a fixed random pool.
//
// Probe payloads should not compress or deduplicate trivially, yet
// generating fresh randomness for every packet at 50 packets per second
// is wasteful: the pool is randomized once and every [Filler.Fill] is
// just a copy that resumes where the previous one left off, wrapping
// around the pool. Consecutive packets therefore carry different,
// overlapping slices of the same pool.
//
// A Filler is not safe for concurrent use; the probe confines it to the
// send loop.
type Filler struct {
	// pool holds the bytes Fill cycles through.
	pool []byte

	// off is where the next Fill resumes copying.
	off int
}

// NewFiller returns a [*Filler] with a freshly randomized pool.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewFiller() *Filler {
	pool := make([]byte, fillerPoolLen)
	count := runtimex.PanicOnError1(rand.Read(pool))
	runtimex.Assert(count == len(pool))
	return &Filler{pool: pool}
}

// Fill appends count bytes from the pool to dst and returns the
// extended slice.
func (f *Filler) Fill(dst []byte, count int) []byte {
	for count > 0 {
		if f.off >= len(f.pool) {
			f.off = 0
		}
		chunk := min(count, len(f.pool)-f.off)
		dst = append(dst, f.pool[f.off:f.off+chunk]...)
		f.off += chunk
		count -= chunk
	}
	return dst
}
