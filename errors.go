package ykauth

import (
	"errors"
	"fmt"

	keywire "github.com/cardkit/ykauth/internal"
)

// Error is a simple constant-string error.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrWrongSecret is matched by [WrongSecretError] via [errors.Is].
	// A wrong secret is retryable while the slot has retries left.
	ErrWrongSecret Error = "wrong secret"

	// ErrRetriesExhausted is returned when a slot's retry counter has
	// reached zero. The slot rejects all further attempts, correct or
	// not, until an administrative reset.
	ErrRetriesExhausted Error = "secret retries exhausted"

	// ErrOperationCancelled is returned when the [KeyCollector]
	// declined a request. The operation aborts immediately.
	ErrOperationCancelled Error = "operation cancelled by key collector"

	// ErrCollectorRequired is returned when an operation needs a
	// [KeyCollector] but none is configured. It is reported before
	// any device interaction.
	ErrCollectorRequired Error = "operation requires a key collector"

	// ErrNotFound is returned when no credential matches the label.
	ErrNotFound Error = "no matching credential"

	// ErrDuplicateLabel is returned when adding or renaming would
	// collide with an existing credential label.
	ErrDuplicateLabel Error = "credential label already exists"

	// ErrTouchTimeout is returned when the device did not observe a
	// touch confirmation within its hardware timeout. A pure touch
	// timeout does not consume a retry.
	ErrTouchTimeout Error = "touch confirmation timed out"

	// ErrUnsupportedFeature is returned when the device firmware
	// lacks the requested capability.
	ErrUnsupportedFeature Error = "feature unsupported by device firmware"
)

// WrongSecretError is returned when the device rejected a candidate
// secret but the slot still has retries remaining.
type WrongSecretError struct {
	// Retries is the number of attempts remaining before the slot
	// locks, as reported by the device.
	Retries int
}

func (e *WrongSecretError) Error() string {
	return fmt.Sprintf("wrong secret (%d retries remaining)", e.Retries)
}

// Is matches [ErrWrongSecret].
func (e *WrongSecretError) Is(target error) bool {
	return target == ErrWrongSecret
}

// wireError translates device error frames into the package taxonomy.
// Errors which have no host-side mapping are returned unchanged.
func wireError(err error) error {
	var d *keywire.DeviceError
	if !errors.As(err, &d) {
		return err
	}

	switch d.Code {
	case keywire.ErrCodeWrongManagementKey, keywire.ErrCodeWrongCredentialKey:
		return &WrongSecretError{Retries: d.Retries}
	case keywire.ErrCodeManagementKeyLocked, keywire.ErrCodeCredentialLocked:
		return ErrRetriesExhausted
	case keywire.ErrCodeNoMatchingCredential:
		return ErrNotFound
	case keywire.ErrCodeDuplicateLabel:
		return ErrDuplicateLabel
	case keywire.ErrCodeTouchTimeout:
		return ErrTouchTimeout
	case keywire.ErrCodeUnsupportedFeature:
		return ErrUnsupportedFeature
	default:
		return err
	}
}
