package updater

import (
	"context"
	"time"
)

// Update phases reported through Progress.Phase.
const (
	PhasePreparing    = "preparing"    // notifications, parameters, MTU, memory selection
	PhaseTransferring = "transferring" // patch data
	PhaseFinishing    = "finishing"    // END command
	PhaseRebooting    = "rebooting"
	PhaseComplete     = "complete"
)

// Progress describes the state of a running update.
type Progress struct {
	// Phase is one of the Phase constants
	Phase string

	// Percentage is the transfer completion between 0 and 100
	Percentage float64

	// BytesSent is the number of patch bytes written, checksum included
	BytesSent int

	// TotalBytes is the patch size, checksum included
	TotalBytes int

	// ElapsedTime is the time since the update started
	ElapsedTime time.Duration
}

// ProgressCallback is called on every phase change and after every patch
// data write. It runs on the updating goroutine and should return quickly.
type ProgressCallback func(Progress)

// Prompt is the question asked before rebooting the peripheral.
type Prompt struct {
	Title            string
	Message          string
	OKButtonText     string
	CancelButtonText string
}

// Confirmer asks the operator to confirm an action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt Prompt) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, prompt Prompt) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	return f(ctx, prompt)
}

// Always confirms without asking.
var Always Confirmer = ConfirmFunc(func(context.Context, Prompt) (bool, error) { return true, nil })

// Never declines without asking.
var Never Confirmer = ConfirmFunc(func(context.Context, Prompt) (bool, error) { return false, nil })

var rebootPrompt = Prompt{
	Title:            "Glasses updated",
	Message:          "The firmware was transferred. Reboot the glasses now to apply it?",
	OKButtonText:     "Reboot",
	CancelButtonText: "Cancel",
}
