package protocol

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// StatusError is returned when the peripheral notifies a status other than
// the one the operation waits for.
type StatusError struct {
	// Operation is the command that was gated on the status
	Operation string

	// Expected is the status that would have meant success
	Expected byte

	// Actual is the status the peripheral reported
	Actual byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: wrong status: %s (0x%02X) instead of %s (0x%02X)",
		e.Operation, statusName(e.Actual), e.Actual, statusName(e.Expected), e.Expected)
}

// TimeoutError is returned when no status notification arrived in time. It
// means the peripheral is unresponsive, not that it disagreed.
type TimeoutError struct {
	Operation string
	Expected  byte
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout after %s waiting for status 0x%02X",
		e.Operation, e.Timeout, e.Expected)
}

// IsStatusError returns true if err is or wraps a StatusError.
func IsStatusError(err error) bool {
	var target *StatusError
	return errors.As(err, &target)
}

// IsTimeout returns true if err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
