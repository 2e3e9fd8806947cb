//go:build !unix

// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import "syscall"

// dscpSupported reports whether this platform can mark sockets.
const dscpSupported = false

// setVoiceDSCP is a stub for platforms without IP_TOS support.
func setVoiceDSCP(rawConn syscall.RawConn) error {
	return nil
}
