//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// voiceTOS is the IP_TOS byte carrying the DSCP expedited-forwarding
// class (46) in its upper six bits.
const voiceTOS = 0x2e << 2

// dscpSupported reports whether this platform can mark sockets.
const dscpSupported = true

// setVoiceDSCP marks every packet sent on the socket as expedited
// forwarding, the per-hop behavior networks reserve for voice.
func setVoiceDSCP(rawConn syscall.RawConn) error {
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, voiceTOS)
	}); err != nil {
		return err
	}
	if sockErr != nil {
		return fmt.Errorf("set IP_TOS: %w", sockErr)
	}
	return nil
}
