// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bassosimone/safeconn"
)

// DefaultRejoinInterval is how often a reflector refreshes its
// subscription with the server.
const DefaultRejoinInterval = 10 * time.Second

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*Reflector] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewReflector returns a new [*Reflector].
//
// The cfg argument contains the common configuration for udpjitter components.
//
// The serverAddr argument is the probe server's "host:port" address.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewReflector(cfg *Config, serverAddr string, logger SLogger) *Reflector {
	return &Reflector{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Rejoin:        DefaultRejoinInterval,
		ServerAddr:    serverAddr,
		TimeNow:       cfg.TimeNow,
	}
}

// Reflector subscribes to a probe server and echoes every data packet
// straight back, giving the server one measurable round trip per probe.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Run].
type Reflector struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewReflector] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewReflector] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewReflector] to the user-provided logger.
	Logger SLogger

	// Rejoin is how often the reflector re-sends its join packet. The
	// server treats a duplicate join as a no-op, so rejoining doubles
	// as a keep-alive across server restarts.
	//
	// Set by [NewReflector] to [DefaultRejoinInterval].
	Rejoin time.Duration

	// ServerAddr is the probe server's "host:port" address.
	//
	// Set by [NewReflector] to the user-provided value.
	ServerAddr string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewReflector] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Run joins the server, echoes probe packets until ctx is done, and
// then leaves.
//
// Run dials a connected UDP socket, so the reflector only exchanges
// traffic with the server it joined. It returns nil once ctx is done
// and the farewell leave was attempted, or the I/O failure otherwise.
func (r *Reflector) Run(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// A read deadline in the past unblocks the receive loop on
	// cancellation while keeping the socket alive for the farewell
	// leave packet.
	stopWatcher := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(0, 1))
	})
	defer stopWatcher()

	if err := r.join(ctx, conn); err != nil {
		return err
	}
	err = r.loop(ctx, conn)
	r.logReflectDone(conn, err)
	return err
}

// dial connects the reflector socket to the server.
func (r *Reflector) dial(ctx context.Context) (net.Conn, error) {
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	r.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", r.ServerAddr),
		slog.Time("t", t0),
	)
	conn, err := r.Dialer.DialContext(ctx, "udp", r.ServerAddr)
	r.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", r.ServerAddr),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return conn, err
}

// join subscribes to probe traffic and arms the rejoin deadline.
func (r *Reflector) join(ctx context.Context, conn net.Conn) error {
	if _, err := conn.Write([]byte{KindJoin}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	r.Logger.Info(
		"reflectJoin",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", r.TimeNow()),
	)
	return r.armRejoinDeadline(ctx, conn)
}

// loop reads packets and echoes them until the read deadline fires for
// cancellation or rejoin, or reading fails.
func (r *Reflector) loop(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, maxDatagramLen)
	for {
		count, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.leave(conn)
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if err := r.rejoin(ctx, conn); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("recv: %w", err)
		}
		r.reflect(conn, buf[:count])
	}
}

// reflect echoes one data packet back to the server. Packets that are
// not data and transient send failures are logged and dropped; the
// server accounts for them as lost probes.
func (r *Reflector) reflect(conn net.Conn, pkt []byte) {
	if err := MakeEcho(pkt); err != nil {
		r.Logger.Warn(
			"packetNotReflectable",
			slog.Any("err", err),
			slog.String("errClass", r.ErrClassifier.Classify(err)),
			slog.Int("packetLen", len(pkt)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		)
		return
	}
	if _, err := conn.Write(pkt); err != nil {
		r.Logger.Warn(
			"echoSendFailed",
			slog.Any("err", err),
			slog.String("errClass", r.ErrClassifier.Classify(err)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		)
		return
	}
	seq, _, err := ParseEcho(pkt)
	if err != nil {
		// Unreachable after MakeEcho validated the header.
		return
	}
	r.Logger.Debug(
		"echoSent",
		slog.Int("packetLen", len(pkt)),
		slog.Uint64("seq", uint64(seq)),
		slog.Time("t", r.TimeNow()),
	)
}

// rejoin refreshes the subscription after a quiet period.
func (r *Reflector) rejoin(ctx context.Context, conn net.Conn) error {
	if _, err := conn.Write([]byte{KindJoin}); err != nil {
		return fmt.Errorf("rejoin: %w", err)
	}
	r.Logger.Debug(
		"reflectRejoin",
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", r.TimeNow()),
	)
	return r.armRejoinDeadline(ctx, conn)
}

// armRejoinDeadline schedules the next subscription refresh. When the
// context ended concurrently, the cancellation watcher's past deadline
// must win, so re-trip it rather than leaving the future one in place.
func (r *Reflector) armRejoinDeadline(ctx context.Context, conn net.Conn) error {
	if err := conn.SetReadDeadline(r.TimeNow().Add(r.Rejoin)); err != nil {
		return err
	}
	if ctx.Err() != nil {
		conn.SetReadDeadline(time.Unix(0, 1))
	}
	return nil
}

// leave sends the farewell leave packet. Failure to send it is logged,
// not returned: the exit reason remains the context.
func (r *Reflector) leave(conn net.Conn) {
	_, err := conn.Write([]byte{KindLeave})
	r.Logger.Info(
		"reflectLeave",
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", r.TimeNow()),
	)
}

func (r *Reflector) logReflectDone(conn net.Conn, err error) {
	r.Logger.Info(
		"reflectDone",
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", r.TimeNow()),
	)
}
