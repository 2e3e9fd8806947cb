// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newScriptedClock returns a time source that replays the given
// instants in order, repeating the last one once exhausted.
func newScriptedClock(instants ...time.Time) func() time.Time {
	idx := 0
	return func() time.Time {
		now := instants[min(idx, len(instants)-1)]
		idx++
		return now
	}
}

// funcDatagramConn is a function-based [DatagramConn] stub in the style
// of [netstub.FuncConn]. Calling a method whose field is unset panics,
// which pinpoints the operation the test forgot to stub.
type funcDatagramConn struct {
	// CloseFunc implements Close.
	CloseFunc func() error

	// LocalAddrFunc implements LocalAddr.
	LocalAddrFunc func() net.Addr

	// ReadFromUDPAddrPortFunc implements ReadFromUDPAddrPort.
	ReadFromUDPAddrPortFunc func(buf []byte) (int, netip.AddrPort, error)

	// WriteToUDPAddrPortFunc implements WriteToUDPAddrPort.
	WriteToUDPAddrPortFunc func(pkt []byte, addr netip.AddrPort) (int, error)
}

var _ DatagramConn = &funcDatagramConn{}

// Close implements [DatagramConn].
func (c *funcDatagramConn) Close() error {
	return c.CloseFunc()
}

// LocalAddr implements [DatagramConn].
func (c *funcDatagramConn) LocalAddr() net.Addr {
	return c.LocalAddrFunc()
}

// ReadFromUDPAddrPort implements [DatagramConn].
func (c *funcDatagramConn) ReadFromUDPAddrPort(buf []byte) (int, netip.AddrPort, error) {
	return c.ReadFromUDPAddrPortFunc(buf)
}

// WriteToUDPAddrPort implements [DatagramConn].
func (c *funcDatagramConn) WriteToUDPAddrPort(pkt []byte, addr netip.AddrPort) (int, error) {
	return c.WriteToUDPAddrPortFunc(pkt, addr)
}
