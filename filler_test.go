// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fill cycles through the pool and resumes where the previous call left
// off.
func TestFillerCycles(t *testing.T) {
	filler := &Filler{pool: []byte{1, 2, 3, 4, 5}}

	out := filler.Fill(nil, 7)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 1, 2}, out)

	// The next fill starts after the bytes already consumed.
	out = filler.Fill(nil, 4)
	assert.Equal(t, []byte{3, 4, 5, 1}, out)
}

// Fill appends to the destination without disturbing its prefix.
func TestFillerAppends(t *testing.T) {
	filler := &Filler{pool: []byte{9, 8, 7}}

	out := filler.Fill([]byte{0xff}, 2)
	assert.Equal(t, []byte{0xff, 9, 8}, out)

	// A zero count is a no-op.
	out = filler.Fill(out, 0)
	assert.Equal(t, []byte{0xff, 9, 8}, out)
}

// NewFiller builds a full-size randomized pool.
func TestNewFiller(t *testing.T) {
	filler := NewFiller()

	require.Len(t, filler.pool, fillerPoolLen)

	// Asking for more than the pool wraps around rather than failing.
	out := filler.Fill(nil, fillerPoolLen+10)
	assert.Len(t, out, fillerPoolLen+10)
	assert.Equal(t, filler.pool[:10], out[fillerPoolLen:])
}
