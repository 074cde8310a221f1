package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRiskRejected   = errors.New("risk check rejected")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrStaleIntent    = errors.New("order intent expired")
	ErrDuplicateEvent = errors.New("duplicate or out-of-order event")
	ErrInstanceHalted = errors.New("strategy instance halted")

	ErrConfiguration  = errors.New("invalid configuration")
	ErrStateViolation = errors.New("position state violation")
)

// ConfigurationError lists every problem found while validating a
// configuration. It is fatal at load time and rejected at reload time.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration invalid:\n  - " + strings.Join(e.Problems, "\n  - ")
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// StateViolationError signals a caller-side logic bug around the position
// slot, such as opening a second position or closing a closed one.
type StateViolationError struct {
	Op         string
	PositionID string
	Reason     string
}

func (e *StateViolationError) Error() string {
	if e.PositionID == "" {
		return fmt.Sprintf("state violation: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("state violation: %s %s: %s", e.Op, e.PositionID, e.Reason)
}

func (e *StateViolationError) Is(target error) bool {
	return target == ErrStateViolation
}
