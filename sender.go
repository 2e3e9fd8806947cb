// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/errclass"
)

// DefaultSendInterval is the default spacing between data packets,
// chosen to match the frame pacing of typical voice codecs.
const DefaultSendInterval = 20 * time.Millisecond

// defaultSendRetryDelay is how long a send operation waits before
// retrying after finding the socket buffers full.
const defaultSendRetryDelay = time.Millisecond

// NewSender returns a new [*Sender].
//
// The cfg argument contains the common configuration for udpjitter components.
//
// The conn argument is the bound socket, shared with the [*Receiver].
//
// The clients argument is the subscriber registry, shared with the [*Receiver].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSender(cfg *Config, conn DatagramConn, clients *Clients, logger SLogger) *Sender {
	return &Sender{
		Clients:       clients,
		Conn:          conn,
		Epoch:         cfg.TimeNow(),
		ErrClassifier: cfg.ErrClassifier,
		Filler:        NewFiller(),
		Interval:      DefaultSendInterval,
		Logger:        logger,
		RetryDelay:    defaultSendRetryDelay,
		TimeNow:       cfg.TimeNow,
		cell:          Cell{},
		pkt:           nil,
		seq:           0,
		targets:       nil,
	}
}

// Sender paces probe traffic: on every tick it encodes the next data
// packet once and fans out one send per subscriber as a batch over a
// reusable [Cell], suspending until the whole batch settles.
//
// All fields are safe to modify after construction but before first use.
// Run must only be invoked by a single goroutine.
type Sender struct {
	// Clients is the subscriber registry to fan out to.
	//
	// Set by [NewSender] to the user-provided registry.
	Clients *Clients

	// Conn is the socket to send on.
	//
	// Set by [NewSender] to the user-provided conn.
	Conn DatagramConn

	// Epoch is the base instant packet timestamps count from. It must
	// match the [*Receiver] epoch for round trips to be meaningful.
	//
	// Set by [NewSender] from [Config.TimeNow].
	Epoch time.Time

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewSender] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Filler pads outgoing packets.
	//
	// Set by [NewSender] to a fresh [*Filler].
	Filler *Filler

	// Interval is the spacing between data packets.
	//
	// Set by [NewSender] to [DefaultSendInterval].
	Interval time.Duration

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewSender] to the user-provided logger.
	Logger SLogger

	// RetryDelay is how long a send waits before retrying a full socket
	// buffer.
	//
	// Set by [NewSender] to one millisecond.
	RetryDelay time.Duration

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewSender] from [Config.TimeNow].
	TimeNow func() time.Time

	// cell is the reusable batch storage driving the per-tick fan-out.
	cell Cell

	// pkt is the packet build buffer reused across ticks.
	pkt []byte

	// seq numbers outgoing data packets, wrapping at 32 bits.
	seq uint32

	// targets is the subscriber snapshot buffer reused across ticks.
	targets []netip.AddrPort
}

// Run emits one batch of data packets every [Sender.Interval].
//
// Run returns the context error once ctx is done, or the first batch
// failure. Ticks with no subscribers send nothing.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
}

// tick encodes the next data packet and pushes one send operation per
// subscriber into the batch, suspending until every send finished or
// the first one failed.
func (s *Sender) tick(ctx context.Context) error {
	s.targets = s.Clients.AppendTo(s.targets[:0])
	if len(s.targets) == 0 {
		return nil
	}

	s.seq++
	elapsed := s.TimeNow().Sub(s.Epoch)
	s.pkt = AppendData(s.pkt[:0], s.seq, elapsed, s.Filler)

	sess, err := Bind[sendOp](&s.cell)
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.Reserve(len(s.targets))
	for _, target := range s.targets {
		sess.Push(sendOp{
			conn:       s.Conn,
			pkt:        s.pkt,
			retryDelay: s.RetryDelay,
			target:     target,
			waker:      sess.Waker(),
		})
	}

	t0 := s.TimeNow()
	s.logBatchSendStart(t0)
	err = sess.Run().Wait(ctx)
	s.logBatchSendDone(t0, err)
	return err
}

func (s *Sender) logBatchSendStart(t0 time.Time) {
	s.Logger.Debug(
		"batchSendStart",
		slog.Int("clientCount", len(s.targets)),
		slog.Uint64("seq", uint64(s.seq)),
		slog.Time("t", t0),
	)
}

func (s *Sender) logBatchSendDone(t0 time.Time, err error) {
	s.Logger.Debug(
		"batchSendDone",
		slog.Int("clientCount", len(s.targets)),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.Uint64("seq", uint64(s.seq)),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}

// sendOp transmits one already-encoded probe packet to one subscriber.
//
// The datagram write happens inside Poll, on the goroutine driving the
// batch. A send that fails because the socket buffers are momentarily
// full reports not-ready and arms a timer to wake the batch for a
// retry; any other failure resolves the whole batch.
type sendOp struct {
	// conn is the socket to send on.
	conn DatagramConn

	// pkt is the encoded packet, shared by every operation in the batch.
	pkt []byte

	// retryDelay is how long to wait before retrying a full buffer.
	retryDelay time.Duration

	// target is the subscriber to send to.
	target netip.AddrPort

	// waker wakes the batch when the retry timer fires.
	waker *Waker
}

var _ Pollable = sendOp{}

// Poll implements [Pollable].
func (op sendOp) Poll(ctx context.Context) (bool, error) {
	_, err := op.conn.WriteToUDPAddrPort(op.pkt, op.target)
	if err == nil {
		return true, nil
	}
	if errclass.New(err) == errclass.ENOBUFS {
		time.AfterFunc(op.retryDelay, op.waker.Wake)
		return false, nil
	}
	return true, fmt.Errorf("send to %s: %w", op.target, err)
}
