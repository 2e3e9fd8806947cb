// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"log/slog"
	"net/netip"
	"slices"
	"sync"
)

// NewClients returns a new [*Clients] with an empty subscriber list.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewClients(logger SLogger) *Clients {
	return &Clients{
		Logger: logger,
		mu:     sync.Mutex{},
		addrs:  nil,
	}
}

// Clients tracks the reflector addresses currently subscribed to probe
// traffic.
//
// The receive loop adds and removes subscribers while the send loop
// snapshots them, so Clients is safe for concurrent use.
type Clients struct {
	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewClients] to the user-provided logger.
	Logger SLogger

	// mu protects addrs.
	mu sync.Mutex

	// addrs is the current subscriber list.
	addrs []netip.AddrPort
}

// Add subscribes addr to probe traffic. Adding an address that is
// already subscribed is a no-op.
func (c *Clients) Add(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.addrs, addr) {
		c.Logger.Debug(
			"clientAlreadyJoined",
			slog.String("remoteAddr", addr.String()),
		)
		return
	}
	c.addrs = append(c.addrs, addr)
	c.Logger.Info(
		"clientJoined",
		slog.Int("clientCount", len(c.addrs)),
		slog.String("remoteAddr", addr.String()),
	)
}

// Remove unsubscribes addr. Removing an address that is not subscribed
// is a no-op.
func (c *Clients) Remove(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.Index(c.addrs, addr)
	if idx < 0 {
		return
	}
	c.addrs = slices.Delete(c.addrs, idx, idx+1)
	c.Logger.Info(
		"clientLeft",
		slog.Int("clientCount", len(c.addrs)),
		slog.String("remoteAddr", addr.String()),
	)
}

// AppendTo appends the current subscribers to dst and returns the
// extended slice. Passing a retained dst[:0] lets the send loop take a
// snapshot on every tick without allocating.
func (c *Clients) AppendTo(dst []netip.AddrPort) []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(dst, c.addrs...)
}

// Len reports how many subscribers are present.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.addrs)
}
