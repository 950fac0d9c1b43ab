package canvas

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrAdmissionDenied  = errors.New("canvas: cooldown active")
	ErrGrowthInProgress = errors.New("canvas: growth already in progress")
	ErrUnknownObserver  = errors.New("canvas: unknown observer")
)

// CooldownError is returned when a connection edits before its cooldown
// ran out. It matches ErrAdmissionDenied.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrAdmissionDenied, e.RetryAfter)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrAdmissionDenied
}

func (e *CooldownError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}
