// SPDX-License-Identifier: GPL-3.0-or-later

// Package udpjitter measures the jitter and round-trip latency that
// voice-like UDP traffic experiences between a probe server and a set
// of reflectors.
//
// # Probe Topology
//
// A [Server] owns a UDP socket and periodically fans out fixed-size
// data packets to every subscribed reflector, by default every 20ms
// with 256-byte packets, mimicking the pacing of a voice codec.
// Outgoing packets carry the DSCP expedited-forwarding mark so that
// cooperating networks schedule them like voice traffic.
//
// A [Reflector] subscribes by sending a join packet, echoes every data
// packet straight back, and unsubscribes with a leave packet when shut
// down. The server timestamps each data packet with the time elapsed
// since its own epoch, so a returning echo yields one round-trip
// sample without any clock synchronization between the two hosts.
//
// Samples are aggregated by [Delays] over a sliding window and
// periodically rendered as an average plus a percentile table that
// redraws in place on a terminal.
//
// # Batching Core
//
// Fanning one packet out to N reflectors is the job of a small
// batching layer that the rest of the package is built on. A [Cell]
// owns storage that successive batches reuse; [Bind] opens a typed
// [Session] on a cell; the session collects homogeneous operations
// implementing [Pollable] and runs them as one batch:
//
//	sess, err := udpjitter.Bind[sendOp](&cell)
//	if err != nil { ... }
//	defer sess.Close()
//	for _, target := range targets {
//		sess.Push(newSendOp(target))
//	}
//	err = sess.Run().Wait(ctx)
//
// Wait suspends until every operation in the batch completed or one of
// them failed, polling each pending operation at most once per wakeup
// of the session's [Waker]. Closing the session returns the storage to
// the cell, so an event loop that binds the cell once per iteration
// performs no per-iteration allocations in steady state.
//
// A cell remembers the operation type of the first non-empty session
// and [Bind] fails with a [*LayoutError] when a later session requests
// a different type. Use [PollFunc] to adapt a plain function as an
// operation.
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible
// with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom
// [*slog.Logger] to enable logging. Error classification is
// configurable via [ErrClassifier]; by default errors are classified
// into symbolic classes such as ECONNREFUSED and ETIMEDOUT.
//
// Events come in three levels: lifecycle events (listen, serve,
// connect, clients joining and leaving) at [slog.LevelInfo], tolerated
// anomalies (malformed or unknown packets) at [slog.LevelWarn], and
// per-packet events (batch sends, round trips, echoes) at
// [slog.LevelDebug]. Completion events (*Done) include t0 (start
// time), err, and errClass alongside the common localAddr, remoteAddr,
// protocol, and t fields.
//
// Use [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7) for each run, then attach it to the logger with
// [*slog.Logger.With] so that all log entries from that run share the
// same spanID.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the
// context they receive. The caller controls shutdown externally via
// [context.WithTimeout] or [signal.NotifyContext]. [Server.Run]
// returns nil on a context-driven shutdown; [Reflector.Run] sends its
// farewell leave packet before returning, so the server stops probing
// a departed reflector promptly instead of counting it as loss.
//
// # Design Boundaries
//
// This package measures and reports; the following are out of scope
// and belong to higher-level tooling:
//
//   - Retransmission or any reliability on top of UDP
//   - Authentication of reflectors
//   - Persistence or export of the measured statistics
//   - Adapting the probe rate to observed congestion
package udpjitter
