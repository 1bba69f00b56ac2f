package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/suota/protocol"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []byte
}

func (l *statusLog) notify(value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, value[0])
}

func (l *statusLog) get() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.statuses...)
}

func write(t *testing.T, p *Peripheral, characteristic uuid.UUID, value []byte) {
	t.Helper()
	require.NoError(t, p.Write(context.Background(), protocol.ServiceUUID, characteristic, value))
}

func subscribe(t *testing.T, p *Peripheral) *statusLog {
	t.Helper()
	l := &statusLog{}
	require.NoError(t, p.StartNotifying(context.Background(), protocol.ServiceUUID, protocol.ServStatusUUID, l.notify))
	return l
}

func TestPeripheralImage(t *testing.T) {
	p := New()
	l := subscribe(t, p)

	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
	write(t, p, protocol.GPIOMapUUID, protocol.EncodeUint32LE(0x05060300))
	write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(4))
	write(t, p, protocol.PatchDataUUID, []byte{1, 2})
	write(t, p, protocol.PatchDataUUID, []byte{3, 4})
	write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(1))
	write(t, p, protocol.PatchDataUUID, []byte{1 ^ 2 ^ 3 ^ 4})
	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(protocol.CommandEnd))

	assert.Equal(t, []byte{protocol.StatusImageStarted, protocol.StatusOK, protocol.StatusOK, protocol.StatusOK}, l.get())
	assert.Equal(t, []byte{1, 2, 3, 4, 4}, p.Image())
	assert.Equal(t, []int{4, 1}, p.Blocks())
	assert.Equal(t, []int{4, 1}, p.Announced())
	assert.Equal(t, uint32(0x05060300), p.GPIOMap())
	assert.True(t, p.Ended())
	assert.Len(t, p.Writes(), 8)
}

func TestPeripheralChecksumError(t *testing.T) {
	p := New()
	l := subscribe(t, p)

	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
	write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(2))
	write(t, p, protocol.PatchDataUUID, []byte{1, 2})
	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(protocol.CommandEnd))

	assert.Equal(t, []byte{protocol.StatusImageStarted, protocol.StatusOK, protocol.StatusCRCError}, l.get())
}

func TestPeripheralRejects(t *testing.T) {
	tests := []struct {
		name   string
		writes func(t *testing.T, p *Peripheral)
		want   []byte
	}{
		{
			name: "bad bank",
			writes: func(t *testing.T, p *Peripheral) {
				write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000003))
			},
			want: []byte{protocol.StatusInvalidImageBank},
		},
		{
			name: "bad memory type",
			writes: func(t *testing.T, p *Peripheral) {
				write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x42000000))
			},
			want: []byte{protocol.StatusInvalidMemType},
		},
		{
			name: "data before memory device",
			writes: func(t *testing.T, p *Peripheral) {
				write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(2))
				write(t, p, protocol.PatchDataUUID, []byte{1, 2})
			},
			want: []byte{protocol.StatusPatchLenError},
		},
		{
			name: "block overrun",
			writes: func(t *testing.T, p *Peripheral) {
				write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
				write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(2))
				write(t, p, protocol.PatchDataUUID, []byte{1, 2, 3})
			},
			want: []byte{protocol.StatusImageStarted, protocol.StatusPatchLenError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			l := subscribe(t, p)
			tt.writes(t, p)
			assert.Equal(t, tt.want, l.get())
		})
	}
}

func TestPeripheralReboot(t *testing.T) {
	p := New()
	l := subscribe(t, p)
	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(protocol.CommandReboot))
	assert.True(t, p.Rebooted())
	assert.Empty(t, l.get(), "reboot must not notify")
}

func TestPeripheralParameters(t *testing.T) {
	ctx := context.Background()
	p := New(WithParameters(protocol.Parameters{Version: 2, PatchDataSize: 60, MTU: 63, L2CAPPSM: 0x81}), WithLinkMTU(100))

	params, err := protocol.ReadParameters(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), params.Version)
	assert.Equal(t, uint16(60), params.PatchDataSize)
	assert.Equal(t, uint16(63), params.MTU)
	assert.Equal(t, uint16(0x81), params.L2CAPPSM)

	_, err = p.ReadDescriptor(ctx, protocol.ServiceUUID, protocol.MemDevUUID)
	assert.Error(t, err)

	mtu, err := p.RequestMTU(ctx, 247)
	require.NoError(t, err)
	assert.Equal(t, 100, mtu)
}

func TestPeripheralNotifications(t *testing.T) {
	p := New()
	err := p.StartNotifying(context.Background(), protocol.ServiceUUID, protocol.PatchDataUUID, func([]byte) {})
	assert.ErrorIs(t, err, ErrNotNotifying)

	l := subscribe(t, p)
	assert.True(t, p.Notifying())
	require.NoError(t, p.StopNotifying(protocol.ServiceUUID, protocol.ServStatusUUID))
	assert.False(t, p.Notifying())

	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
	assert.Empty(t, l.get())
}

func TestPeripheralStatusDelay(t *testing.T) {
	p := New(WithStatusDelay(20 * time.Millisecond))
	l := subscribe(t, p)

	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
	assert.Empty(t, l.get(), "status notified before the delay")
	p.Wait()
	assert.Equal(t, []byte{protocol.StatusImageStarted}, l.get())
}

func TestPeripheralHooks(t *testing.T) {
	var blocks []int
	p := New(
		WithStatusHook(func(status byte) (byte, bool) {
			if status == protocol.StatusImageStarted {
				return 0, false
			}
			return protocol.StatusExtMemWriteError, true
		}),
		WithBlockHook(func(block int) { blocks = append(blocks, block) }),
	)
	l := subscribe(t, p)

	write(t, p, protocol.MemDevUUID, protocol.EncodeUint32LE(0x13000000))
	write(t, p, protocol.PatchLenUUID, protocol.EncodeUint16LE(1))
	write(t, p, protocol.PatchDataUUID, []byte{9})

	assert.Equal(t, []byte{protocol.StatusExtMemWriteError}, l.get())
	assert.Equal(t, []int{1}, blocks)
}

func TestPeripheralCancelledContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Write(ctx, protocol.ServiceUUID, protocol.MemDevUUID, []byte{0, 0, 0, 0x13}), context.Canceled)
	assert.Empty(t, p.Writes())
}
