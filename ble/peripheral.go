// Package ble implements protocol.Transport on top of tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/tinygo-org/suota/protocol"
)

// ErrNotFound is returned when no matching peripheral was seen before the
// scan timed out.
var ErrNotFound = errors.New("no SUOTA peripheral found")

// characteristics discovered on connect, in discovery order.
var characteristics = []uuid.UUID{
	protocol.MemDevUUID,
	protocol.GPIOMapUUID,
	protocol.PatchLenUUID,
	protocol.PatchDataUUID,
	protocol.ServStatusUUID,
	protocol.VersionUUID,
	protocol.PatchDataCharSizeUUID,
	protocol.MTUUUID,
	protocol.L2CAPPSMUUID,
}

// Filter selects the peripheral to connect to among those advertising the
// SPOTA service. Empty fields match anything.
type Filter struct {
	Name    string
	Address string

	// Timeout bounds the scan. Zero means the scan runs until ctx is done.
	Timeout time.Duration
}

func (f Filter) match(result bluetooth.ScanResult) bool {
	if !result.AdvertisementPayload.HasServiceUUID(toBluetooth(protocol.ServiceUUID)) {
		return false
	}
	if f.Name != "" && result.LocalName() != f.Name {
		return false
	}
	if f.Address != "" && !strings.EqualFold(result.Address.String(), f.Address) {
		return false
	}
	return true
}

// Peripheral is a connected SUOTA peripheral.
type Peripheral struct {
	name       string
	address    string
	disconnect func() error
	chars      map[uuid.UUID]*bluetooth.DeviceCharacteristic
	log        logrus.FieldLogger

	mu sync.Mutex
}

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Peripheral) {
		if log != nil {
			p.log = log
		}
	}
}

// Connect scans for a peripheral advertising the SPOTA service and matching
// filter, connects to it and discovers the SUOTA characteristics. The adapter
// must already be enabled.
func Connect(ctx context.Context, adapter *bluetooth.Adapter, filter Filter, opts ...Option) (*Peripheral, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	p := &Peripheral{log: discard}
	for _, opt := range opts {
		opt(p)
	}

	found, err := scan(ctx, adapter, filter, p.log)
	if err != nil {
		return nil, err
	}
	p.name = found.LocalName()
	p.address = found.Address.String()
	p.log.WithFields(logrus.Fields{"name": p.name, "address": p.address}).Info("connecting")

	device, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	p.disconnect = device.Disconnect

	p.log.Debug("looking up SPOTA service")
	services, err := device.DiscoverServices([]bluetooth.UUID{toBluetooth(protocol.ServiceUUID)})
	if err != nil {
		p.disconnect()
		return nil, errors.Wrap(err, "failed to discover the SPOTA service")
	}
	if len(services) == 0 {
		p.disconnect()
		return nil, errors.New("SPOTA service not present")
	}

	uuids := make([]bluetooth.UUID, len(characteristics))
	for i, id := range characteristics {
		uuids[i] = toBluetooth(id)
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		p.disconnect()
		return nil, errors.Wrap(err, "failed to discover characteristics")
	}
	p.chars = make(map[uuid.UUID]*bluetooth.DeviceCharacteristic, len(chars))
	for i := range chars {
		id, err := uuid.Parse(chars[i].UUID().String())
		if err != nil {
			continue
		}
		p.chars[id] = &chars[i]
	}
	for _, id := range characteristics {
		if _, ok := p.chars[id]; !ok {
			p.disconnect()
			return nil, errors.Errorf("characteristic %s not present", id)
		}
	}
	p.log.WithField("characteristics", len(p.chars)).Debug("SPOTA service discovered")
	return p, nil
}

// scan blocks until a matching advertisement is seen, the filter timeout
// expires or ctx is done.
func scan(ctx context.Context, adapter *bluetooth.Adapter, filter Filter, log logrus.FieldLogger) (bluetooth.ScanResult, error) {
	if filter.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, filter.Timeout)
		defer cancel()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			adapter.StopScan()
		case <-done:
		}
	}()

	found := make(chan bluetooth.ScanResult, 1)
	log.Info("looking for nearby SUOTA peripheral")
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !filter.match(result) {
			return
		}
		select {
		case found <- result:
		default:
		}
		if err := adapter.StopScan(); err != nil {
			log.WithError(err).Warn("could not stop the scan")
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, errors.Wrap(err, "could not start a scan")
	}

	select {
	case result := <-found:
		return result, nil
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return bluetooth.ScanResult{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return bluetooth.ScanResult{}, err
	}
	return bluetooth.ScanResult{}, ErrNotFound
}

// Name returns the advertised local name, possibly empty.
func (p *Peripheral) Name() string {
	return p.name
}

// Address returns the peripheral address.
func (p *Peripheral) Address() string {
	return p.address
}

// Close disconnects from the peripheral.
func (p *Peripheral) Close() error {
	if p.disconnect == nil {
		return nil
	}
	return p.disconnect()
}

func (p *Peripheral) characteristic(service, characteristic uuid.UUID) (*bluetooth.DeviceCharacteristic, error) {
	if service != protocol.ServiceUUID {
		return nil, errors.Errorf("unknown service %s", service)
	}
	c, ok := p.chars[characteristic]
	if !ok {
		return nil, errors.Errorf("unknown characteristic %s", characteristic)
	}
	return c, nil
}

// Write implements protocol.Transport. Writes are issued one at a time.
func (p *Peripheral) Write(ctx context.Context, service, characteristic uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := p.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = c.WriteWithoutResponse(value)
	return err
}

// StartNotifying implements protocol.Transport.
func (p *Peripheral) StartNotifying(ctx context.Context, service, characteristic uuid.UUID, onNotify func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := p.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	return c.EnableNotifications(onNotify)
}

// StopNotifying implements protocol.Transport.
func (p *Peripheral) StopNotifying(service, characteristic uuid.UUID) error {
	c, err := p.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

// ReadDescriptor implements protocol.Transport.
func (p *Peripheral) ReadDescriptor(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := p.characteristic(service, characteristic)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RequestMTU implements protocol.Transport. The host stack negotiates the
// ATT MTU on its own when connecting, so the granted MTU is the smaller of
// desired and the MTU of the link.
func (p *Peripheral) RequestMTU(ctx context.Context, desired int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := p.characteristic(protocol.ServiceUUID, protocol.PatchDataUUID)
	if err != nil {
		return 0, err
	}
	mtu, err := c.GetMTU()
	if err != nil {
		p.log.WithError(err).Warn("could not read link mtu, assuming default")
		return min(desired, protocol.DefaultMTU), nil
	}
	return min(desired, int(mtu)), nil
}

func toBluetooth(id uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(id))
}
