// Package simulator implements an in-memory peripheral running the SUOTA
// service. It behaves like the bootloader side of the protocol closely enough
// to run complete updates without hardware, and lets tests inject faults.
package simulator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinygo-org/suota/protocol"
)

// ErrNotNotifying is returned when notifications are requested on a
// characteristic that does not notify.
var ErrNotNotifying = errors.New("characteristic does not support notifications")

// Write is one write received by the peripheral.
type Write struct {
	Characteristic uuid.UUID
	Value          []byte
}

// Peripheral is a simulated SUOTA peripheral. It implements
// protocol.Transport. The zero value is not usable, create one with New.
type Peripheral struct {
	params  protocol.Parameters
	linkMTU int
	delay   time.Duration
	log     logrus.FieldLogger

	writeHook   func(characteristic uuid.UUID, value []byte) error
	statusHook  func(status byte) (byte, bool)
	blockHook   func(block int)
	emitWaiters sync.WaitGroup

	mu        sync.Mutex
	notify    func([]byte)
	writes    []Write
	memDev    uint32
	gpio      uint32
	blockLen  int
	blockFill int
	image     []byte
	announced []int
	blocks    []int
	ended     bool
	rebooted  bool
}

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithParameters sets the SUOTA parameters the peripheral reports.
func WithParameters(params protocol.Parameters) Option {
	return func(p *Peripheral) {
		p.params = params
	}
}

// WithLinkMTU sets the largest MTU the simulated link grants.
func WithLinkMTU(mtu int) Option {
	return func(p *Peripheral) {
		p.linkMTU = mtu
	}
}

// WithStatusDelay delays every status notification. With no delay the
// status is notified before the write that caused it returns.
func WithStatusDelay(delay time.Duration) Option {
	return func(p *Peripheral) {
		p.delay = delay
	}
}

// WithWriteHook is called before every write is processed. A non-nil error
// fails the write and the peripheral ignores it.
func WithWriteHook(hook func(characteristic uuid.UUID, value []byte) error) Option {
	return func(p *Peripheral) {
		p.writeHook = hook
	}
}

// WithStatusHook may replace a status before it is notified, or drop it by
// returning false.
func WithStatusHook(hook func(status byte) (byte, bool)) Option {
	return func(p *Peripheral) {
		p.statusHook = hook
	}
}

// WithBlockHook is called with the 1-based block number after each complete
// block, once its status has been notified.
func WithBlockHook(hook func(block int)) Option {
	return func(p *Peripheral) {
		p.blockHook = hook
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Peripheral) {
		if log != nil {
			p.log = log
		}
	}
}

// New returns a peripheral reporting a 244 byte patch data characteristic
// over a 247 byte MTU link.
func New(opts ...Option) *Peripheral {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	p := &Peripheral{
		params: protocol.Parameters{
			Version:       1,
			PatchDataSize: 244,
			MTU:           247,
			L2CAPPSM:      0,
		},
		linkMTU: 247,
		log:     discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Write implements protocol.Transport.
func (p *Peripheral) Write(ctx context.Context, service, characteristic uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if service != protocol.ServiceUUID {
		return errors.Errorf("unknown service %s", service)
	}
	if p.writeHook != nil {
		if err := p.writeHook(characteristic, value); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.writes = append(p.writes, Write{
		Characteristic: characteristic,
		Value:          append([]byte(nil), value...),
	})
	status, notify, block := p.handle(characteristic, value)
	p.mu.Unlock()

	if notify {
		p.emit(status)
	}
	if block > 0 && p.blockHook != nil {
		p.blockHook(block)
	}
	return nil
}

// handle updates the bootloader state for one write. It returns the status
// to notify, if any, and the number of the block the write completed.
func (p *Peripheral) handle(characteristic uuid.UUID, value []byte) (status byte, notify bool, block int) {
	switch characteristic {
	case protocol.MemDevUUID:
		if len(value) != 4 {
			return protocol.StatusInvalidMemType, true, 0
		}
		cmd := uint32(value[0]) | uint32(value[1])<<8 | uint32(value[2])<<16 | uint32(value[3])<<24
		switch {
		case cmd == protocol.CommandEnd:
			p.ended = true
			if len(p.image) == 0 || protocol.Checksum(p.image) != 0 {
				p.log.WithField("bytes", len(p.image)).Warn("simulator: image checksum error")
				return protocol.StatusCRCError, true, 0
			}
			return protocol.StatusOK, true, 0
		case cmd == protocol.CommandReboot:
			p.rebooted = true
			return 0, false, 0
		case cmd>>24 == protocol.MemoryTypeSPI || cmd>>24 == protocol.MemoryTypeI2C:
			if cmd&0xFF > 2 {
				return protocol.StatusInvalidImageBank, true, 0
			}
			p.memDev = cmd
			p.image = nil
			p.blockLen, p.blockFill = 0, 0
			p.ended = false
			return protocol.StatusImageStarted, true, 0
		default:
			return protocol.StatusInvalidMemType, true, 0
		}

	case protocol.GPIOMapUUID:
		if len(value) == 4 {
			p.gpio = uint32(value[0]) | uint32(value[1])<<8 | uint32(value[2])<<16 | uint32(value[3])<<24
		}
		return 0, false, 0

	case protocol.PatchLenUUID:
		p.blockLen = int(protocol.DecodeUint16LE(value))
		p.announced = append(p.announced, p.blockLen)
		return 0, false, 0

	case protocol.PatchDataUUID:
		if p.memDev == 0 || p.blockLen == 0 || p.blockFill+len(value) > p.blockLen {
			return protocol.StatusPatchLenError, true, 0
		}
		p.image = append(p.image, value...)
		p.blockFill += len(value)
		if p.blockFill < p.blockLen {
			return 0, false, 0
		}
		p.blockFill = 0
		p.blocks = append(p.blocks, p.blockLen)
		return protocol.StatusOK, true, len(p.blocks)
	}
	return 0, false, 0
}

func (p *Peripheral) emit(status byte) {
	if p.statusHook != nil {
		var ok bool
		status, ok = p.statusHook(status)
		if !ok {
			p.log.Debug("simulator: status dropped")
			return
		}
	}

	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify == nil {
		return
	}

	if p.delay <= 0 {
		notify([]byte{status})
		return
	}
	p.emitWaiters.Add(1)
	go func() {
		defer p.emitWaiters.Done()
		time.Sleep(p.delay)
		notify([]byte{status})
	}()
}

// StartNotifying implements protocol.Transport. Only SERV_STATUS notifies.
func (p *Peripheral) StartNotifying(ctx context.Context, service, characteristic uuid.UUID, onNotify func([]byte)) error {
	if characteristic != protocol.ServStatusUUID {
		return errors.Wrapf(ErrNotNotifying, "%s", characteristic)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = onNotify
	return nil
}

// StopNotifying implements protocol.Transport.
func (p *Peripheral) StopNotifying(service, characteristic uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = nil
	return nil
}

// ReadDescriptor implements protocol.Transport.
func (p *Peripheral) ReadDescriptor(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch characteristic {
	case protocol.VersionUUID:
		return protocol.EncodeUint16LE(p.params.Version), nil
	case protocol.PatchDataCharSizeUUID:
		return protocol.EncodeUint16LE(p.params.PatchDataSize), nil
	case protocol.MTUUUID:
		return protocol.EncodeUint16LE(p.params.MTU), nil
	case protocol.L2CAPPSMUUID:
		return protocol.EncodeUint16LE(p.params.L2CAPPSM), nil
	}
	return nil, errors.Errorf("characteristic %s is not readable", characteristic)
}

// RequestMTU implements protocol.Transport.
func (p *Peripheral) RequestMTU(ctx context.Context, desired int) (int, error) {
	return min(desired, p.linkMTU), nil
}

// Wait blocks until every delayed status has been notified.
func (p *Peripheral) Wait() {
	p.emitWaiters.Wait()
}

// Writes returns every write received, in order.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// WritesTo returns the values written to characteristic, in order.
func (p *Peripheral) WritesTo(characteristic uuid.UUID) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var values [][]byte
	for _, w := range p.writes {
		if w.Characteristic == characteristic {
			values = append(values, w.Value)
		}
	}
	return values
}

// Image returns the patch data received since the memory device was
// selected, checksum included.
func (p *Peripheral) Image() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.image...)
}

// Announced returns every block size written to PATCH_LEN.
func (p *Peripheral) Announced() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.announced...)
}

// Blocks returns the size of every completed block.
func (p *Peripheral) Blocks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.blocks...)
}

// GPIOMap returns the last GPIO_MAP value written.
func (p *Peripheral) GPIOMap() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpio
}

// Ended reports whether END was received.
func (p *Peripheral) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// Rebooted reports whether the reboot command was received.
func (p *Peripheral) Rebooted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebooted
}

// Notifying reports whether SERV_STATUS notifications are enabled.
func (p *Peripheral) Notifying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify != nil
}

// String describes the simulated peripheral.
func (p *Peripheral) String() string {
	return fmt.Sprintf("simulated SUOTA peripheral (patch data %d bytes, mtu %d)", p.params.PatchDataSize, p.params.MTU)
}
