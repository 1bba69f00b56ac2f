package transfer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinygo-org/suota/protocol"
)

var (
	// ErrCancelled is returned by Send when the session was cancelled. It is
	// not a failure: nothing was rejected by the peripheral.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrBlockCount is returned when the number of acknowledged blocks does
	// not match the number of blocks the payload was split into.
	ErrBlockCount = errors.New("acknowledged block count mismatch")
)

// ProgressFunc receives transfer progress as a fraction between 0 and 1. A
// non-nil err means the session failed. Progress 1 is reported exactly once,
// after the peripheral acknowledged the last block.
//
// The callback runs on the goroutine calling Send and should return quickly.
type ProgressFunc func(err error, progress float64)

// Option configures a Session.
type Option func(*Session)

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Session) {
		s.onProgress = fn
	}
}

// WithLogger sets the logger for block level tracing.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// Session pushes one payload to the PATCH_DATA characteristic. The payload is
// sent in blocks of at most blockSize bytes, each announced on PATCH_LEN and
// written as slices of at most sliceSize bytes. After the last slice of a
// block the session waits for the peripheral's StatusOK before the next block.
//
// A Session is single use.
type Session struct {
	transport protocol.Transport
	gate      *protocol.Gate
	machine   *fsm.FSM
	log       logrus.FieldLogger

	payload   []byte
	total     int
	blockSize int
	sliceSize int

	offset    atomic.Int64
	announced int
	acked     int
	cancelled atomic.Bool

	onProgress ProgressFunc
}

// New creates a session for payload. The gate must be the one receiving the
// SERV_STATUS notifications of the same peripheral.
func New(t protocol.Transport, gate *protocol.Gate, payload []byte, blockSize, sliceSize int, opts ...Option) (*Session, error) {
	if t == nil || gate == nil {
		return nil, errors.New("transport and gate are required")
	}
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if blockSize < 1 || blockSize > 0xFFFF {
		return nil, errors.Errorf("invalid block size %d", blockSize)
	}
	if sliceSize < 1 || sliceSize > blockSize {
		return nil, errors.Errorf("invalid slice size %d for block size %d", sliceSize, blockSize)
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Session{
		transport: t,
		gate:      gate,
		log:       discard,
		payload:   payload,
		total:     len(payload),
		blockSize: blockSize,
		sliceSize: sliceSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = newMachine(s.log)
	return s, nil
}

// Send transfers the payload and blocks until the session completes, fails
// or is cancelled. A write error or a status other than StatusOK aborts the
// session immediately; nothing is retried.
//
// Cancelling ctx cancels the session like Cancel does.
func (s *Session) Send(ctx context.Context) error {
	if state := s.machine.Current(); terminal(state) {
		return errors.Errorf("session already %s", state)
	}
	if err := s.event(eventStart); err != nil {
		return errors.Wrap(err, "start transfer")
	}
	defer func() {
		s.payload = nil
	}()

	expected := (s.total + s.blockSize - 1) / s.blockSize
	s.log.WithFields(logrus.Fields{
		"bytes":      s.total,
		"block_size": s.blockSize,
		"slice_size": s.sliceSize,
		"blocks":     expected,
	}).Debug("transfer started")

	for {
		start := int(s.offset.Load())
		size := min(s.blockSize, s.total-start)
		operation := fmt.Sprintf("block %d/%d", s.acked+1, expected)

		err := s.gate.RunForStatus(ctx, operation, protocol.StatusOK, func(ctx context.Context) error {
			return s.sendBlock(ctx, start, size)
		})
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return s.cancel(ctx)
			}
			return s.fail(ctx, errors.Wrap(err, operation))
		}

		s.acked++
		if s.acked > expected {
			return s.fail(ctx, errors.Wrapf(ErrBlockCount, "%d acknowledged, %d sent", s.acked, expected))
		}

		if int(s.offset.Load()) == s.total {
			if s.acked != expected {
				return s.fail(ctx, errors.Wrapf(ErrBlockCount, "%d acknowledged, %d sent", s.acked, expected))
			}
			if err := s.event(eventFinish); err != nil {
				return errors.Wrap(err, "finish transfer")
			}
			s.report(nil, 1)
			return nil
		}

		if s.stopped(ctx) {
			return s.cancel(ctx)
		}
		if err := s.event(eventNextBlock); err != nil {
			return errors.Wrap(err, "next block")
		}
	}
}

// errStopped is returned by sendBlock when the session was cancelled at a
// slice boundary.
var errStopped = errors.New("stopped")

// sendBlock announces the block size if it changed and writes the block's
// slices sequentially. It runs as the gated action of the block, so the
// status waiter already exists when the last slice goes out.
func (s *Session) sendBlock(ctx context.Context, start, size int) error {
	if size != s.announced {
		s.log.WithField("block_size", size).Debug("announcing block size")
		err := s.transport.Write(ctx, protocol.ServiceUUID, protocol.PatchLenUUID, protocol.EncodeUint16LE(uint16(size)))
		if err != nil {
			return errors.Wrap(err, "write block size")
		}
		s.announced = size
	}
	if err := s.event(eventBlockAnnounced); err != nil {
		return err
	}

	end := start + size
	for offset := start; offset < end; {
		if s.stopped(ctx) {
			return errStopped
		}
		n := min(s.sliceSize, end-offset)
		if err := s.transport.Write(ctx, protocol.ServiceUUID, protocol.PatchDataUUID, s.payload[offset:offset+n]); err != nil {
			return errors.Wrapf(err, "write slice at offset %d", offset)
		}
		offset += n
		s.offset.Store(int64(offset))

		// Completion is only reported once the peripheral acknowledged it.
		if offset < s.total {
			s.report(nil, s.Progress())
		}
	}

	return s.event(eventBlockSent)
}

// Cancel stops the session at the next slice boundary. A write already in
// flight is allowed to finish. Cancel is safe to call from any goroutine.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// State returns the current state of the session.
func (s *Session) State() string {
	return s.machine.Current()
}

// Offset returns the number of payload bytes written so far.
func (s *Session) Offset() int {
	return int(s.offset.Load())
}

// Progress returns the fraction of the payload written so far.
func (s *Session) Progress() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.offset.Load()) / float64(s.total)
}

// Blocks returns the number of blocks acknowledged by the peripheral.
func (s *Session) Blocks() int {
	return s.acked
}

func (s *Session) stopped(ctx context.Context) bool {
	return s.cancelled.Load() || ctx.Err() != nil
}

func (s *Session) cancel(ctx context.Context) error {
	s.cancelled.Store(true)
	if err := s.event(eventCancel); err != nil {
		s.log.WithError(err).Warn("transfer state not updated")
	}
	s.log.WithField("offset", s.Offset()).Info("transfer cancelled")
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	return ErrCancelled
}

func (s *Session) fail(ctx context.Context, err error) error {
	if terr := s.event(eventFail); terr != nil {
		s.log.WithError(terr).Warn("transfer state not updated")
	}
	s.log.WithError(err).WithField("offset", s.Offset()).Error("transfer failed")
	s.report(err, s.Progress())
	return err
}

// event fires a transition. Transitions never observe the caller's context:
// fsm leaves a transition pending when its context is done, and the session
// checks ctx itself at every slice boundary.
func (s *Session) event(name string) error {
	return s.machine.Event(context.Background(), name)
}

func (s *Session) report(err error, progress float64) {
	if s.onProgress != nil {
		s.onProgress(err, progress)
	}
}
