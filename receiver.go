// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// NewReceiver returns a new [*Receiver].
//
// The cfg argument contains the common configuration for udpjitter components.
//
// The conn argument is the bound socket, shared with the [*Sender].
//
// The clients argument is the subscriber registry, shared with the [*Sender].
//
// The delays argument aggregates the measured round trips.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewReceiver(cfg *Config, conn DatagramConn, clients *Clients, delays *Delays, logger SLogger) *Receiver {
	return &Receiver{
		Clients:       clients,
		Conn:          conn,
		Delays:        delays,
		Epoch:         cfg.TimeNow(),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Receiver reads inbound datagrams and dispatches them: join and leave
// packets update the subscriber registry, echoes become round-trip
// samples, and anything else is logged and dropped.
//
// All fields are safe to modify after construction but before first use.
// Run must only be invoked by a single goroutine.
type Receiver struct {
	// Clients is the subscriber registry to update.
	//
	// Set by [NewReceiver] to the user-provided registry.
	Clients *Clients

	// Conn is the socket to read from.
	//
	// Set by [NewReceiver] to the user-provided conn.
	Conn DatagramConn

	// Delays aggregates round-trip samples.
	//
	// Set by [NewReceiver] to the user-provided aggregator.
	Delays *Delays

	// Epoch is the base instant packet timestamps count from. It must
	// match the [*Sender] epoch for round trips to be meaningful.
	//
	// Set by [NewReceiver] from [Config.TimeNow].
	Epoch time.Time

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewReceiver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewReceiver] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewReceiver] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Run reads and dispatches inbound packets until reading fails.
//
// When the read fails because ctx is done and the socket was shut down,
// Run returns the context error; otherwise it returns the read failure.
// Malformed packets never stop the loop: they are logged and dropped.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramLen)
	for {
		count, sender, err := r.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("recv: %w", err)
		}
		r.dispatch(sender, buf[:count])
	}
}

// dispatch routes one packet according to its kind byte.
func (r *Receiver) dispatch(sender netip.AddrPort, pkt []byte) {
	if len(pkt) == 0 {
		r.Logger.Warn(
			"packetEmpty",
			slog.String("remoteAddr", sender.String()),
		)
		return
	}
	switch pkt[0] {
	case KindJoin:
		r.Clients.Add(sender)
	case KindLeave:
		r.Clients.Remove(sender)
	case KindEcho:
		r.handleEcho(sender, pkt)
	default:
		r.Logger.Warn(
			"packetUnknownKind",
			slog.Int("packetKind", int(pkt[0])),
			slog.Int("packetLen", len(pkt)),
			slog.String("remoteAddr", sender.String()),
		)
	}
}

// handleEcho turns one echoed probe into a round-trip sample.
func (r *Receiver) handleEcho(sender netip.AddrPort, pkt []byte) {
	seq, sent, err := ParseEcho(pkt)
	if err != nil {
		r.Logger.Warn(
			"packetMalformed",
			slog.Any("err", err),
			slog.String("errClass", r.ErrClassifier.Classify(err)),
			slog.Int("packetLen", len(pkt)),
			slog.String("remoteAddr", sender.String()),
		)
		return
	}
	rtt := r.TimeNow().Sub(r.Epoch) - sent
	if rtt < 0 {
		// A timestamp later than now means the echo does not belong
		// to this server run (e.g., it crossed a server restart).
		r.Logger.Warn(
			"packetFromFuture",
			slog.String("remoteAddr", sender.String()),
			slog.Duration("rtt", rtt),
			slog.Uint64("seq", uint64(seq)),
		)
		return
	}
	r.Delays.Record(rtt)
	r.Logger.Debug(
		"roundTrip",
		slog.String("remoteAddr", sender.String()),
		slog.Duration("rtt", rtt),
		slog.Uint64("seq", uint64(seq)),
		slog.Time("t", r.TimeNow()),
	)
}
