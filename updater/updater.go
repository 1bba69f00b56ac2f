// Package updater pushes a firmware image to a peripheral running the Dialog
// SUOTA bootloader.
//
// An update is a fixed pipeline: subscribe to SERV_STATUS, read the SUOTA
// parameters, negotiate the MTU, select the memory device, map the SPI pins,
// transfer the image with its checksum, send END and, once confirmed, reboot
// the peripheral. Any failing step aborts the pipeline and nothing is retried:
// a failed update is restarted from the beginning by the operator.
//
// The peripheral is reached through a protocol.Transport, see package ble for
// the Bluetooth implementation and package simulator for an in-memory one.
package updater

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinygo-org/suota/firmware"
	"github.com/tinygo-org/suota/protocol"
	"github.com/tinygo-org/suota/transfer"
)

// ErrBusy is returned by Update while another update is running.
var ErrBusy = errors.New("firmware update already in progress")

// Updater runs firmware updates on one peripheral. The observable state
// (Updating, Progress, Log) is safe to read from any goroutine.
type Updater struct {
	transport protocol.Transport
	config    Config
	log       logrus.FieldLogger

	updating atomic.Bool
	progress atomic.Uint64 // math.Float64bits of the percentage
	session  atomic.Pointer[transfer.Session]
	runLog   RunLog
}

// New creates an Updater for the peripheral behind t.
func New(t protocol.Transport, opts ...Option) *Updater {
	if t == nil {
		panic("transport cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := cfg.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	return &Updater{
		transport: t,
		config:    cfg,
		log:       log,
	}
}

// Updating reports whether an update is running.
func (u *Updater) Updating() bool {
	return u.updating.Load()
}

// Progress returns the transfer completion of the running update, between 0
// and 100. It is 0 when no update is running.
func (u *Updater) Progress() float64 {
	return math.Float64frombits(u.progress.Load())
}

// Log returns the run log of the current or last update.
func (u *Updater) Log() string {
	return u.runLog.String()
}

// Cancel stops the running transfer at the next slice boundary. Update then
// returns an error matching transfer.ErrCancelled. Cancel does nothing
// outside of the transfer step.
func (u *Updater) Cancel() {
	if s := u.session.Load(); s != nil {
		s.Cancel()
	}
}

// Update pushes the firmware file at path to the peripheral:
//  1. Load the image; a missing or empty file fails with firmware.ErrMissing
//  2. Enable notifications on SERV_STATUS
//  3. Read the SUOTA parameters
//  4. Negotiate the MTU
//  5. Select the memory device, expecting StatusImageStarted
//  6. Write the SPI GPIO map
//  7. Derive chunk and block sizes
//  8. Transfer the image followed by its XOR checksum
//  9. Send END, expecting StatusOK
//  10. Ask the Confirmer, and reboot the peripheral if confirmed
//
// Whatever the outcome, the status subscription is removed and Updating and
// Progress are reset before Update returns.
func (u *Updater) Update(ctx context.Context, path string) error {
	if !u.updating.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer func() {
		u.session.Store(nil)
		u.setProgress(0)
		u.updating.Store(false)
	}()

	start := time.Now()
	u.runLog.Reset()
	u.flog("update firmware start", logrus.Fields{"run_id": uuid.NewString(), "file": path})

	// Step 1: firmware image
	img, err := firmware.Load(path)
	if err != nil {
		u.flog("update firmware failed", logrus.Fields{"error": err})
		return err
	}
	u.flog("firmware loaded", logrus.Fields{"name": img.Name, "format": img.Format, "bytes": len(img.Data)})
	if img.Format == firmware.FormatELF {
		// Flattened segments carry no product header.
		u.log.WithField("name", img.Name).Warn("ELF image has no SUOTA product header, the bootloader may reject it")
		u.runLog.Add("ELF image has no product header", logrus.Fields{"name": img.Name})
	}

	err = u.run(ctx, img, start)
	if err != nil {
		u.flog("update firmware failed", logrus.Fields{"error": err})
		return err
	}
	return nil
}

func (u *Updater) run(ctx context.Context, img *firmware.Image, start time.Time) error {
	u.reportProgress(Progress{Phase: PhasePreparing, ElapsedTime: time.Since(start)})

	gate := protocol.NewGate(u.transport,
		protocol.WithStatusTimeout(u.config.StatusTimeout),
		protocol.WithGateLogger(u.log),
	)

	// Step 2: status notifications
	u.flog("enable notifications on SERV_STATUS", nil)
	if err := u.transport.StartNotifying(ctx, protocol.ServiceUUID, protocol.ServStatusUUID, gate.Notify); err != nil {
		return errors.Wrap(err, "enable status notifications")
	}
	defer func() {
		if err := u.transport.StopNotifying(protocol.ServiceUUID, protocol.ServStatusUUID); err != nil {
			u.log.WithError(err).Warn("could not disable status notifications")
		}
	}()

	// Step 3: SUOTA parameters
	u.flog("reading SUOTA params", nil)
	params, err := protocol.ReadParameters(ctx, u.transport)
	if err != nil {
		return errors.Wrap(err, "read suota parameters")
	}
	u.flog("SUOTA params", logrus.Fields{
		"version":         params.Version,
		"patch_data_size": params.PatchDataSize,
		"mtu":             params.MTU,
		"l2cap_psm":       params.L2CAPPSM,
	})

	// Step 4: MTU
	granted, err := u.transport.RequestMTU(ctx, params.DesiredMTU())
	if err != nil {
		return errors.Wrap(err, "request mtu")
	}
	params.BlockSize = u.config.BlockSize
	params, err = params.Negotiate(granted)
	if err != nil {
		return err
	}
	u.flog("mtu negotiated", logrus.Fields{"requested": params.DesiredMTU(), "granted": granted, "mtu": params.MTU})

	// Step 5: memory device
	memDev := protocol.MemoryDevice(u.config.MemoryType, u.config.MemoryBank)
	u.flog("writing SPOTA_MEM_DEV", logrus.Fields{"value": fmt.Sprintf("0x%08X", memDev), "expected_status": "0x10"})
	err = gate.WriteValueForStatus(ctx, protocol.ServiceUUID, protocol.MemDevUUID, memDev, protocol.StatusImageStarted)
	if err != nil {
		return errors.Wrap(err, "select memory device")
	}

	// Step 6: GPIO map. The bootloader is not known to notify a status for
	// this command, so the write is not gated. Whether a silent failure here
	// is possible has not been established.
	gpio := u.config.GPIO.Value()
	u.flog("set SPOTA_GPIO_MAP", logrus.Fields{"value": fmt.Sprintf("0x%08X", gpio)})
	err = u.transport.Write(ctx, protocol.ServiceUUID, protocol.GPIOMapUUID, protocol.EncodeUint32LE(gpio))
	if err != nil {
		return errors.Wrap(err, "write gpio map")
	}

	// Step 7: sizes
	chunkSize := params.ChunkSize()
	u.flog("transfer sizes", logrus.Fields{"chunk_size": chunkSize, "block_size": params.BlockSize})

	// Step 8: patch data
	payload := protocol.AppendChecksum(img.Data)
	total := len(payload)
	session, err := transfer.New(u.transport, gate, payload, params.BlockSize, chunkSize,
		transfer.WithLogger(u.log),
		transfer.WithProgress(func(err error, progress float64) {
			if err != nil {
				return
			}
			u.setProgress(progress * 100)
			u.reportProgress(Progress{
				Phase:       PhaseTransferring,
				Percentage:  progress * 100,
				BytesSent:   int(progress * float64(total)),
				TotalBytes:  total,
				ElapsedTime: time.Since(start),
			})
		}),
	)
	if err != nil {
		return errors.Wrap(err, "create transfer")
	}
	u.session.Store(session)
	u.flog("sending firmware data", logrus.Fields{"bytes": total})
	if err := session.Send(ctx); err != nil {
		return errors.Wrap(err, "transfer firmware")
	}
	u.flog("firmware data sent", logrus.Fields{"blocks": session.Blocks(), "elapsed": time.Since(start).Round(time.Millisecond)})

	// Step 9: END
	u.reportProgress(Progress{Phase: PhaseFinishing, Percentage: 100, BytesSent: total, TotalBytes: total, ElapsedTime: time.Since(start)})
	u.flog("writing SPOTA_MEM_DEV (END command)", logrus.Fields{"value": fmt.Sprintf("0x%08X", protocol.CommandEnd), "expected_status": "0x02"})
	err = gate.WriteValueForStatus(ctx, protocol.ServiceUUID, protocol.MemDevUUID, protocol.CommandEnd, protocol.StatusOK)
	if err != nil {
		return errors.Wrap(err, "end transfer")
	}

	// Step 10: reboot
	ok, err := u.config.Confirmer.Confirm(ctx, rebootPrompt)
	if err != nil {
		u.log.WithError(err).Warn("reboot confirmation failed, not rebooting")
		ok = false
	}
	u.flog("glasses updated", logrus.Fields{"reboot": ok})
	if ok {
		u.reportProgress(Progress{Phase: PhaseRebooting, Percentage: 100, BytesSent: total, TotalBytes: total, ElapsedTime: time.Since(start)})
		// The peripheral may reset before acknowledging the write.
		if err := u.Reboot(ctx); err != nil {
			u.log.WithError(err).Debug("reboot write failed, ignored")
		}
	}

	u.reportProgress(Progress{Phase: PhaseComplete, Percentage: 100, BytesSent: total, TotalBytes: total, ElapsedTime: time.Since(start)})
	return nil
}

// ReadParameters reads the SUOTA parameters of the peripheral without
// starting an update.
func (u *Updater) ReadParameters(ctx context.Context) (protocol.Parameters, error) {
	return protocol.ReadParameters(ctx, u.transport)
}

// Reboot writes the reboot command to MEM_DEV. The write often fails because
// the peripheral resets before acknowledging it; callers that expect the
// reset should ignore the error.
func (u *Updater) Reboot(ctx context.Context) error {
	u.flog("writing SPOTA_MEM_DEV (reboot command)", logrus.Fields{"value": fmt.Sprintf("0x%08X", protocol.CommandReboot)})
	return u.transport.Write(ctx, protocol.ServiceUUID, protocol.MemDevUUID, protocol.EncodeUint32LE(protocol.CommandReboot))
}

func (u *Updater) flog(msg string, fields logrus.Fields) {
	u.log.WithFields(fields).Info(msg)
	u.runLog.Add(msg, fields)
}

func (u *Updater) setProgress(percentage float64) {
	u.progress.Store(math.Float64bits(percentage))
}

func (u *Updater) reportProgress(p Progress) {
	if u.config.ProgressCallback != nil {
		u.config.ProgressCallback(p)
	}
}
