package transfer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/suota/protocol"
	"github.com/tinygo-org/suota/simulator"
)

// setup returns a simulated peripheral with its memory device selected and a
// gate receiving its statuses.
func setup(t *testing.T, opts ...simulator.Option) (*simulator.Peripheral, *protocol.Gate) {
	t.Helper()
	ctx := context.Background()
	sim := simulator.New(opts...)
	gate := protocol.NewGate(sim, protocol.WithStatusTimeout(500*time.Millisecond))
	require.NoError(t, sim.StartNotifying(ctx, protocol.ServiceUUID, protocol.ServStatusUUID, gate.Notify))
	require.NoError(t, gate.WriteValueForStatus(ctx, protocol.ServiceUUID, protocol.MemDevUUID,
		protocol.MemoryDevice(protocol.MemoryTypeSPI, 0), protocol.StatusImageStarted))
	return sim, gate
}

func payload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*31 + 7)
	}
	return buf
}

func sum(values [][]byte) int {
	n := 0
	for _, v := range values {
		n += len(v)
	}
	return n
}

func TestNew(t *testing.T) {
	sim, gate := setup(t)

	tests := []struct {
		name      string
		payload   []byte
		blockSize int
		sliceSize int
		wantErr   bool
	}{
		{"valid", payload(10), 240, 20, false},
		{"slice equals block", payload(10), 240, 240, false},
		{"empty payload", nil, 240, 20, true},
		{"zero block", payload(10), 0, 20, true},
		{"block too large", payload(10), 0x10000, 20, true},
		{"zero slice", payload(10), 240, 0, true},
		{"slice above block", payload(10), 240, 241, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(sim, gate, tt.payload, tt.blockSize, tt.sliceSize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateIdle, s.State())
		})
	}

	_, err := New(nil, gate, payload(10), 240, 20)
	assert.Error(t, err)
	_, err = New(sim, nil, payload(10), 240, 20)
	assert.Error(t, err)
}

func TestSendSplitsIntoBlocksAndSlices(t *testing.T) {
	for _, n := range []int{1, 20, 239, 240, 241, 480, 1000, 1001, 4096} {
		for _, blockSize := range []int{240, 244, 500} {
			for _, sliceSize := range []int{20, 60, 240} {
				name := fmt.Sprintf("n=%d/block=%d/slice=%d", n, blockSize, sliceSize)
				t.Run(name, func(t *testing.T) {
					sim, gate := setup(t)
					data := payload(n)

					s, err := New(sim, gate, data, blockSize, sliceSize)
					require.NoError(t, err)
					require.NoError(t, s.Send(context.Background()))

					blocks := (n + blockSize - 1) / blockSize
					assert.Equal(t, blocks, s.Blocks())
					assert.Equal(t, StateComplete, s.State())
					assert.Equal(t, n, s.Offset())

					slices := sim.WritesTo(protocol.PatchDataUUID)
					assert.Equal(t, n, sum(slices))
					for _, slice := range slices {
						assert.LessOrEqual(t, len(slice), sliceSize)
					}
					assert.Equal(t, data, sim.Image())

					got := sim.Blocks()
					require.Len(t, got, blocks)
					for i := 0; i < blocks-1; i++ {
						assert.Equal(t, blockSize, got[i])
					}
					last := n - (blocks-1)*blockSize
					assert.Equal(t, last, got[blocks-1])

					want := []int{min(blockSize, n)}
					if last != want[0] {
						want = append(want, last)
					}
					assert.Equal(t, want, sim.Announced())
				})
			}
		}
	}
}

func TestSendFinalPartialBlock(t *testing.T) {
	sim, gate := setup(t)

	s, err := New(sim, gate, payload(1001), 240, 20)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background()))

	assert.Equal(t, []int{240, 240, 240, 240, 41}, sim.Blocks())
	assert.Equal(t, []int{240, 41}, sim.Announced())
	assert.Equal(t, [][]byte{{0xF0, 0x00}, {0x29, 0x00}}, sim.WritesTo(protocol.PatchLenUUID))
}

func TestSendWaitsForEachBlockStatus(t *testing.T) {
	// Statuses arrive asynchronously; no slice of a block may be written
	// before the previous block was acknowledged.
	var delivered, written atomic.Int32
	var early atomic.Bool
	sim, gate := setup(t,
		simulator.WithStatusDelay(2*time.Millisecond),
		simulator.WithWriteHook(func(characteristic uuid.UUID, value []byte) error {
			if characteristic == protocol.PatchDataUUID {
				block := int(written.Load()) / 240
				if int(delivered.Load()) < block {
					early.Store(true)
				}
				written.Add(int32(len(value)))
			}
			return nil
		}),
	)
	err := sim.StartNotifying(context.Background(), protocol.ServiceUUID, protocol.ServStatusUUID, func(value []byte) {
		delivered.Add(1)
		gate.Notify(value)
	})
	require.NoError(t, err)

	s, err := New(sim, gate, payload(1001), 240, 60)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background()))
	sim.Wait()

	assert.False(t, early.Load(), "a block was started before the previous one was acknowledged")
	assert.Equal(t, 5, s.Blocks())
	assert.Equal(t, int32(5), delivered.Load())
}

func TestSendProgress(t *testing.T) {
	sim, gate := setup(t)

	var values []float64
	s, err := New(sim, gate, payload(1000), 240, 60, WithProgress(func(err error, progress float64) {
		assert.NoError(t, err)
		values = append(values, progress)
	}))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background()))

	require.NotEmpty(t, values)
	assert.Equal(t, 1.0, values[len(values)-1])
	for i, v := range values[:len(values)-1] {
		assert.Less(t, v, 1.0, "progress 1 reported before the last status")
		if i > 0 {
			assert.GreaterOrEqual(t, v, values[i-1])
		}
	}
	assert.InDelta(t, 0.06, values[0], 1e-9)
}

func TestSendCancelBetweenBlocks(t *testing.T) {
	var s *Session
	sim, gate := setup(t, simulator.WithBlockHook(func(block int) {
		if block == 2 {
			s.Cancel()
		}
	}))

	var failed atomic.Bool
	var err error
	s, err = New(sim, gate, payload(1200), 240, 60, WithProgress(func(err error, _ float64) {
		if err != nil {
			failed.Store(true)
		}
	}))
	require.NoError(t, err)

	err = s.Send(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, s.State())
	assert.True(t, s.Cancelled())
	assert.False(t, failed.Load(), "cancellation reported as failure")

	assert.Equal(t, []int{240, 240}, sim.Blocks())
	assert.Equal(t, 480, sum(sim.WritesTo(protocol.PatchDataUUID)))
	assert.Equal(t, 480, s.Offset())
}

func TestSendCancelMidBlock(t *testing.T) {
	var s *Session
	var slices atomic.Int32
	sim, gate := setup(t, simulator.WithWriteHook(func(characteristic uuid.UUID, _ []byte) error {
		if characteristic == protocol.PatchDataUUID && slices.Add(1) == 3 {
			s.Cancel()
		}
		return nil
	}))

	var err error
	s, err = New(sim, gate, payload(1200), 240, 60)
	require.NoError(t, err)

	start := time.Now()
	err = s.Send(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "cancel waited for the block status")
	assert.Len(t, sim.WritesTo(protocol.PatchDataUUID), 3)
	assert.Empty(t, sim.Blocks())
	assert.Equal(t, StateCancelled, s.State())
}

func TestSendContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, gate := setup(t, simulator.WithBlockHook(func(block int) {
		if block == 1 {
			cancel()
		}
	}))

	s, err := New(sim, gate, payload(1200), 240, 60)
	require.NoError(t, err)

	err = s.Send(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, []int{240}, sim.Blocks())
}

func TestSendContextCancelledMidBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slices atomic.Int32
	sim, gate := setup(t, simulator.WithWriteHook(func(characteristic uuid.UUID, _ []byte) error {
		if characteristic == protocol.PatchDataUUID && slices.Add(1) == 3 {
			cancel()
		}
		return nil
	}))

	s, err := New(sim, gate, payload(1200), 240, 60)
	require.NoError(t, err)

	err = s.Send(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, s.State())
	assert.True(t, terminal(s.State()))
	assert.Len(t, sim.WritesTo(protocol.PatchDataUUID), 3)
	assert.Empty(t, sim.Blocks())

	err = s.Send(context.Background())
	assert.EqualError(t, err, "session already cancelled")
}

func TestSendContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim, gate := setup(t)
	s, err := New(sim, gate, payload(1200), 240, 60)
	require.NoError(t, err)

	err = s.Send(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, s.State())
	assert.Empty(t, sim.WritesTo(protocol.PatchDataUUID))
}

func TestSendWriteFailure(t *testing.T) {
	writeErr := errors.New("gatt write failed")
	var slices atomic.Int32
	sim, gate := setup(t, simulator.WithWriteHook(func(characteristic uuid.UUID, _ []byte) error {
		if characteristic == protocol.PatchDataUUID && slices.Add(1) == 6 {
			return writeErr
		}
		return nil
	}))

	var reported error
	s, err := New(sim, gate, payload(1200), 240, 60, WithProgress(func(err error, _ float64) {
		if err != nil {
			reported = err
		}
	}))
	require.NoError(t, err)

	err = s.Send(context.Background())
	assert.ErrorIs(t, err, writeErr)
	assert.ErrorIs(t, reported, writeErr)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []int{240}, sim.Blocks())
	assert.Len(t, sim.WritesTo(protocol.PatchDataUUID), 5, "write after failure")
}

func TestSendBlockSizeWriteFailure(t *testing.T) {
	writeErr := errors.New("gatt write failed")
	sim, gate := setup(t, simulator.WithWriteHook(func(characteristic uuid.UUID, _ []byte) error {
		if characteristic == protocol.PatchLenUUID {
			return writeErr
		}
		return nil
	}))

	s, err := New(sim, gate, payload(100), 240, 20)
	require.NoError(t, err)

	err = s.Send(context.Background())
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, sim.WritesTo(protocol.PatchDataUUID))
}

func TestSendStatusMismatch(t *testing.T) {
	var statuses atomic.Int32
	sim, gate := setup(t, simulator.WithStatusHook(func(status byte) (byte, bool) {
		// The first status is the memory device selection.
		if statuses.Add(1) == 3 {
			return protocol.StatusExtMemWriteError, true
		}
		return status, true
	}))

	var reported error
	s, err := New(sim, gate, payload(1200), 240, 60, WithProgress(func(err error, _ float64) {
		if err != nil {
			reported = err
		}
	}))
	require.NoError(t, err)

	err = s.Send(context.Background())
	require.Error(t, err)
	assert.True(t, protocol.IsStatusError(err))
	assert.Contains(t, err.Error(), "block 2/5")
	assert.Equal(t, err, reported)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, s.Blocks())
	assert.Equal(t, 480, sum(sim.WritesTo(protocol.PatchDataUUID)))
}

func TestSendStatusTimeout(t *testing.T) {
	sim := simulator.New(simulator.WithStatusHook(func(status byte) (byte, bool) {
		return status, status != protocol.StatusOK
	}))
	ctx := context.Background()
	gate := protocol.NewGate(sim, protocol.WithStatusTimeout(100*time.Millisecond))
	require.NoError(t, sim.StartNotifying(ctx, protocol.ServiceUUID, protocol.ServStatusUUID, gate.Notify))
	require.NoError(t, gate.WriteValueForStatus(ctx, protocol.ServiceUUID, protocol.MemDevUUID,
		protocol.MemoryDevice(protocol.MemoryTypeSPI, 0), protocol.StatusImageStarted))

	s, err := New(sim, gate, payload(500), 240, 60)
	require.NoError(t, err)

	err = s.Send(ctx)
	assert.True(t, protocol.IsTimeout(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Len(t, sim.WritesTo(protocol.PatchDataUUID), 4, "second block started without a status")
}

func TestSendIsSingleUse(t *testing.T) {
	sim, gate := setup(t)
	s, err := New(sim, gate, payload(100), 240, 20)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background()))

	err = s.Send(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateComplete, s.State())
}

func TestTransitions(t *testing.T) {
	states := []string{
		StateIdle,
		StateSendingBlock,
		StateSendingSlice,
		StateAwaitingBlockStatus,
		StateComplete,
		StateFailed,
		StateCancelled,
	}
	for _, state := range states {
		t.Run(state, func(t *testing.T) {
			m := fsm.NewFSM(state, transitions, fsm.Callbacks{})
			assert.Equal(t, terminal(state), len(m.AvailableTransitions()) == 0)
		})
	}

	m := fsm.NewFSM(StateIdle, transitions, fsm.Callbacks{})
	assert.False(t, m.Can(eventCancel), "an idle session cannot be cancelled")
	assert.True(t, m.Can(eventFail))

	m = fsm.NewFSM(StateAwaitingBlockStatus, transitions, fsm.Callbacks{})
	assert.True(t, m.Can(eventNextBlock))
	assert.True(t, m.Can(eventFinish))
	assert.True(t, m.Can(eventCancel))
	assert.False(t, m.Can(eventBlockSent))
}
