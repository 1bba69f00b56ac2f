package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Gate turns characteristic writes into "write, then wait for a status"
// operations. Statuses are fed to the gate through Notify, normally from the
// SERV_STATUS notification subscription.
//
// A Gate holds at most one waiter. Status-gated operations on the same gate
// must be issued sequentially; starting one while another is still waiting is
// a programming error and panics.
type Gate struct {
	transport Transport
	timeout   time.Duration
	log       logrus.FieldLogger

	mu     sync.Mutex
	waiter *statusWaiter
}

// statusWaiter is one outstanding status-gated operation. The first status
// notified after registration is delivered on status, then the waiter is
// detached from the gate.
type statusWaiter struct {
	expected byte
	status   chan byte
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithStatusTimeout sets how long an operation waits for its status once the
// gated action has completed. Default is DefaultStatusTimeout.
func WithStatusTimeout(timeout time.Duration) GateOption {
	return func(g *Gate) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithGateLogger sets the logger used for status tracing.
func WithGateLogger(log logrus.FieldLogger) GateOption {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// NewGate returns a Gate issuing writes on t.
func NewGate(t Transport, opts ...GateOption) *Gate {
	if t == nil {
		panic("transport cannot be nil")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	g := &Gate{
		transport: t,
		timeout:   DefaultStatusTimeout,
		log:       discard,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the per-operation status timeout.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// Notify delivers a status notification. Only the first byte is meaningful.
// Statuses arriving while no operation waits are dropped.
func (g *Gate) Notify(value []byte) {
	if len(value) == 0 {
		return
	}
	status := value[0]

	g.mu.Lock()
	w := g.waiter
	g.waiter = nil
	g.mu.Unlock()

	if w == nil {
		g.log.WithField("status", fmt.Sprintf("0x%02X", status)).Debug("unsolicited status")
		return
	}
	g.log.WithFields(logrus.Fields{
		"status":   fmt.Sprintf("0x%02X", status),
		"expected": fmt.Sprintf("0x%02X", w.expected),
	}).Debug("status received")
	w.status <- status
}

// RunForStatus registers a waiter for expected, runs action and then waits
// for the peripheral's status. The waiter is registered before action runs,
// so a status notified while action is still in progress is not lost.
//
// If the status already arrived when action returns it is checked right away.
// Otherwise the gate waits up to its timeout. A different status fails with
// a StatusError, silence fails with a TimeoutError. An error from action is
// returned unchanged.
func (g *Gate) RunForStatus(ctx context.Context, operation string, expected byte, action func(context.Context) error) error {
	w := &statusWaiter{
		expected: expected,
		status:   make(chan byte, 1),
	}
	g.register(w)
	defer g.remove(w)

	if err := action(ctx); err != nil {
		return err
	}

	select {
	case status := <-w.status:
		return w.check(operation, status)
	default:
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case status := <-w.status:
		return w.check(operation, status)
	case <-timer.C:
		return &TimeoutError{
			Operation: operation,
			Expected:  expected,
			Timeout:   g.timeout,
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteValueForStatus writes value as a little-endian uint32 and waits for
// the expected status.
func (g *Gate) WriteValueForStatus(ctx context.Context, service, characteristic uuid.UUID, value uint32, expected byte) error {
	operation := fmt.Sprintf("write 0x%08X", value)
	return g.RunForStatus(ctx, operation, expected, func(ctx context.Context) error {
		return g.transport.Write(ctx, service, characteristic, EncodeUint32LE(value))
	})
}

func (g *Gate) register(w *statusWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiter != nil {
		panic("protocol: status waiter already registered")
	}
	g.waiter = w
}

// remove detaches w if it is still registered. Removing a waiter that was
// already detached is a no-op and leaves other waiters in place.
func (g *Gate) remove(w *statusWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiter == w {
		g.waiter = nil
	}
}

func (w *statusWaiter) check(operation string, status byte) error {
	if status != w.expected {
		return &StatusError{
			Operation: operation,
			Expected:  w.expected,
			Actual:    status,
		}
	}
	return nil
}
