// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sync/errgroup"
)

// DefaultListenAddr is where the probe server listens by default.
const DefaultListenAddr = "0.0.0.0:8044"

// DatagramConn is the subset of the [*net.UDPConn] behavior used by the
// probe server.
//
// By depending on an abstraction we allow for unit testing and for
// alternative socket implementations.
type DatagramConn interface {
	Close() error
	LocalAddr() net.Addr
	ReadFromUDPAddrPort(buf []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(pkt []byte, addr netip.AddrPort) (int, error)
}

// NewServer returns a new [*Server] that is not listening yet.
//
// The cfg argument contains the common configuration for udpjitter components.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewServer(cfg *Config, logger SLogger) *Server {
	return &Server{
		ErrClassifier: cfg.ErrClassifier,
		Interval:      DefaultSendInterval,
		ListenAddr:    DefaultListenAddr,
		Logger:        logger,
		MarkVoice:     true,
		StatsWriter:   io.Discard,
		TimeNow:       cfg.TimeNow,
		cfg:           cfg,
		clients:       nil,
		conn:          nil,
		delays:        nil,
	}
}

// Server owns the probe socket and drives the receive and send loops:
// reflectors subscribe over the socket, the [*Sender] fans probe
// batches out to them, and the [*Receiver] turns their echoes into
// round-trip statistics.
//
// Use [Server.Listen] to bind the socket, then [Server.Run] to serve.
// All fields are safe to modify after construction but before Listen.
type Server struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewServer] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Interval is the spacing between probe packets.
	//
	// Set by [NewServer] to [DefaultSendInterval].
	Interval time.Duration

	// ListenAddr is the address to bind.
	//
	// Set by [NewServer] to [DefaultListenAddr].
	ListenAddr string

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewServer] to the user-provided logger.
	Logger SLogger

	// MarkVoice requests marking outgoing packets with the DSCP
	// expedited-forwarding class, so that cooperating networks schedule
	// them like voice traffic. The marking uses IP_TOS and therefore
	// applies to IPv4 listen addresses.
	//
	// Set by [NewServer] to true.
	MarkVoice bool

	// StatsWriter is where the periodically refreshed round-trip block
	// is rendered, normally a terminal.
	//
	// Set by [NewServer] to [io.Discard], following the library
	// convention of not writing to stdout unless explicitly configured.
	StatsWriter io.Writer

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewServer] from [Config.TimeNow].
	TimeNow func() time.Time

	// cfg is the common configuration, passed on to the loops.
	cfg *Config

	// clients is the subscriber registry, built by Run.
	clients *Clients

	// conn is the bound socket, set by Listen.
	conn DatagramConn

	// delays aggregates round trips, built by Run.
	delays *Delays
}

// Listen binds the server socket, applying the DSCP marking when
// [Server.MarkVoice] is set. On platforms without the required socket
// option the marking is skipped with a warning.
//
// Listen must be called exactly once, before [Server.Run].
func (s *Server) Listen(ctx context.Context) error {
	runtimex.Assert(s.conn == nil)
	listenCfg := &net.ListenConfig{}
	if s.MarkVoice {
		if dscpSupported {
			listenCfg.Control = func(network, address string, rawConn syscall.RawConn) error {
				return setVoiceDSCP(rawConn)
			}
		} else {
			s.Logger.Warn(
				"dscpUnavailable",
				slog.String("listenAddr", s.ListenAddr),
			)
		}
	}
	pconn, err := listenCfg.ListenPacket(ctx, "udp", s.ListenAddr)
	if err != nil {
		return err
	}
	conn, good := pconn.(*net.UDPConn)
	runtimex.Assert(good)
	s.conn = conn
	s.Logger.Info(
		"serveListen",
		slog.String("listenAddr", s.ListenAddr),
		slog.String("localAddr", conn.LocalAddr().String()),
		slog.String("protocol", "udp"),
		slog.Time("t", s.TimeNow()),
	)
	return nil
}

// Run drives the receive and send loops over the bound socket until
// ctx is done or one of the loops fails.
//
// Run returns nil on a context-driven shutdown and the loop failure
// otherwise. The socket is closed when Run returns.
func (s *Server) Run(ctx context.Context) error {
	runtimex.Assert(s.conn != nil)

	epoch := s.TimeNow()
	s.clients = NewClients(s.Logger)
	s.delays = NewDelays(s.StatsWriter, s.TimeNow)

	sender := NewSender(s.cfg, s.conn, s.clients, s.Logger)
	sender.Epoch = epoch
	sender.Interval = s.Interval

	receiver := NewReceiver(s.cfg, s.conn, s.clients, s.delays, s.Logger)
	receiver.Epoch = epoch

	laddr := s.conn.LocalAddr().String()
	t0 := s.TimeNow()
	s.logServeStart(laddr, t0)

	group, groupCtx := errgroup.WithContext(ctx)

	// Closing the socket once the group context ends unblocks the
	// receive loop, which has no other way to notice cancellation.
	stopWatcher := context.AfterFunc(groupCtx, func() { s.conn.Close() })
	defer stopWatcher()
	defer s.conn.Close()

	group.Go(func() error { return receiver.Run(groupCtx) })
	group.Go(func() error { return sender.Run(groupCtx) })
	err := group.Wait()

	s.logServeDone(laddr, t0, err)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Close releases the server socket, unblocking a concurrent [Server.Run].
// Close is a no-op before [Server.Listen].
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// LocalAddr returns the bound address, nil before [Server.Listen].
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) logServeStart(laddr string, t0 time.Time) {
	s.Logger.Info(
		"serveStart",
		slog.String("localAddr", laddr),
		slog.String("protocol", "udp"),
		slog.Time("t", t0),
	)
}

func (s *Server) logServeDone(laddr string, t0 time.Time, err error) {
	s.Logger.Info(
		"serveDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", laddr),
		slog.String("protocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}
