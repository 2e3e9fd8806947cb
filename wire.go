// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Packet kinds, carried in the first byte of every datagram.
const (
	// KindJoin subscribes the sender's address to probe traffic.
	KindJoin = byte('l')

	// KindLeave unsubscribes the sender's address.
	KindLeave = byte('s')

	// KindData is a probe packet emitted by the server.
	KindData = byte('d')

	// KindEcho is a probe packet replayed back by a reflector.
	KindEcho = byte('r')
)

// Data and echo packets share a fixed header:
//
//	offset 0: packet kind ('d' or 'r')
//	offset 1: sequence number, big-endian uint32
//	offset 5: origin timestamp, big-endian uint64, milliseconds since
//	          the server started
//
// A data packet is padded with pseudo-random bytes to exactly
// [DataPacketLen], mimicking the size of a typical voice frame. An echo
// is a data packet whose kind byte was rewritten in place, so it comes
// back at the same size, but anything at or above the header length
// parses.
const (
	// probeHeaderLen is the size of the shared data/echo header.
	probeHeaderLen = 13

	// DataPacketLen is the exact size of an emitted data packet.
	DataPacketLen = 256
)

// maxDatagramLen sizes the receive buffers: no UDP payload can be
// larger than this.
const maxDatagramLen = 65535

// maxTimestampMillis is the largest origin timestamp representable as a
// [time.Duration] without overflow.
const maxTimestampMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Errors returned by the packet codec.
var (
	// ErrPacketTooShort means a data or echo packet ended before its header.
	ErrPacketTooShort = errors.New("udpjitter: packet shorter than probe header")

	// ErrTimestampRange means the origin timestamp does not fit a [time.Duration].
	ErrTimestampRange = errors.New("udpjitter: origin timestamp out of range")

	// ErrNotDataPacket means the packet kind is not [KindData].
	ErrNotDataPacket = errors.New("udpjitter: not a data packet")
)

// AppendData appends one complete data packet to dst and returns the
// extended slice, reusing dst's capacity when possible.
//
// The packet carries the given sequence number and origin timestamp and
// is padded by the filler to [DataPacketLen] bytes.
func AppendData(dst []byte, seq uint32, elapsed time.Duration, filler *Filler) []byte {
	start := len(dst)
	dst = append(dst, KindData)
	dst = binary.BigEndian.AppendUint32(dst, seq)
	dst = binary.BigEndian.AppendUint64(dst, uint64(elapsed.Milliseconds()))
	return filler.Fill(dst, DataPacketLen-(len(dst)-start))
}

// ParseEcho extracts the sequence number and origin timestamp from an
// echo packet. Data packets share the same header layout, so ParseEcho
// accepts them too; it never looks at the kind byte.
func ParseEcho(pkt []byte) (seq uint32, sent time.Duration, err error) {
	if len(pkt) < probeHeaderLen {
		return 0, 0, ErrPacketTooShort
	}
	seq = binary.BigEndian.Uint32(pkt[1:5])
	millis := binary.BigEndian.Uint64(pkt[5:13])
	if millis > maxTimestampMillis {
		return 0, 0, ErrTimestampRange
	}
	return seq, time.Duration(millis) * time.Millisecond, nil
}

// MakeEcho rewrites a data packet in place into the echo a reflector
// sends back. Only the kind byte changes: sequence number, origin
// timestamp, and padding return to the server untouched.
func MakeEcho(pkt []byte) error {
	if len(pkt) < probeHeaderLen {
		return ErrPacketTooShort
	}
	if pkt[0] != KindData {
		return ErrNotDataPacket
	}
	pkt[0] = KindEcho
	return nil
}
