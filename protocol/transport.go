package protocol

import (
	"context"

	"github.com/google/uuid"
)

// Transport is the GATT client the SUOTA protocol runs over. A Transport is
// bound to a single connected peripheral.
//
// Implementations return transport errors unchanged from the underlying BLE
// stack; the protocol never retries them.
type Transport interface {
	// Write writes value to the characteristic.
	Write(ctx context.Context, service, characteristic uuid.UUID, value []byte) error

	// StartNotifying subscribes to value notifications of the characteristic.
	// onNotify may be called from any goroutine.
	StartNotifying(ctx context.Context, service, characteristic uuid.UUID, onNotify func(value []byte)) error

	// StopNotifying removes the subscription made by StartNotifying.
	StopNotifying(service, characteristic uuid.UUID) error

	// ReadDescriptor reads the current value of the characteristic.
	ReadDescriptor(ctx context.Context, service, characteristic uuid.UUID) ([]byte, error)

	// RequestMTU asks for an ATT MTU of desired bytes and returns the MTU
	// actually granted by the link.
	RequestMTU(ctx context.Context, desired int) (int, error)
}
