package transfer

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Session states.
const (
	StateIdle                = "idle"
	StateSendingBlock        = "sending_block"
	StateSendingSlice        = "sending_slice"
	StateAwaitingBlockStatus = "awaiting_block_status"
	StateComplete            = "complete"
	StateFailed              = "failed"
	StateCancelled           = "cancelled"
)

// Session events.
const (
	eventStart          = "start"
	eventBlockAnnounced = "block_announced"
	eventBlockSent      = "block_sent"
	eventNextBlock      = "next_block"
	eventFinish         = "finish"
	eventFail           = "fail"
	eventCancel         = "cancel"
)

// transitions is every legal transition of a session. Complete, Failed and
// Cancelled have no outgoing transition.
var transitions = fsm.Events{
	{Name: eventStart, Src: []string{StateIdle}, Dst: StateSendingBlock},
	{Name: eventBlockAnnounced, Src: []string{StateSendingBlock}, Dst: StateSendingSlice},
	{Name: eventBlockSent, Src: []string{StateSendingSlice}, Dst: StateAwaitingBlockStatus},
	{Name: eventNextBlock, Src: []string{StateAwaitingBlockStatus}, Dst: StateSendingBlock},
	{Name: eventFinish, Src: []string{StateAwaitingBlockStatus}, Dst: StateComplete},
	{Name: eventFail, Src: []string{StateIdle, StateSendingBlock, StateSendingSlice, StateAwaitingBlockStatus}, Dst: StateFailed},
	{Name: eventCancel, Src: []string{StateSendingBlock, StateSendingSlice, StateAwaitingBlockStatus}, Dst: StateCancelled},
}

// newMachine returns a state machine in StateIdle. Transitions are traced on
// log.
func newMachine(log logrus.FieldLogger) *fsm.FSM {
	return fsm.NewFSM(StateIdle, transitions, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			log.WithFields(logrus.Fields{
				"event": e.Event,
				"from":  e.Src,
				"to":    e.Dst,
			}).Debug("transfer state")
		},
	})
}

// terminal reports whether no transition leaves state.
func terminal(state string) bool {
	switch state {
	case StateComplete, StateFailed, StateCancelled:
		return true
	}
	return false
}
