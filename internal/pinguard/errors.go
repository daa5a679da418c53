package pinguard

import "errors"

var (
	// ErrInvalidPinFormat is returned when a PIN is not exactly four ASCII digits.
	ErrInvalidPinFormat = errors.New("pinguard: pin must be exactly 4 digits")
	// ErrPinMismatch is returned when the confirmation differs from the PIN during setup.
	ErrPinMismatch = errors.New("pinguard: pin confirmation does not match")
	// ErrIncorrectPin is returned when a verification attempt does not match the stored PIN.
	ErrIncorrectPin = errors.New("pinguard: incorrect pin")
	// ErrStillLockedOut is returned for any verification attempt during a lockout window.
	ErrStillLockedOut = errors.New("pinguard: too many failed attempts, still locked out")
	// ErrCredentialStore wraps failures of the credential store or the hasher.
	ErrCredentialStore = errors.New("pinguard: credential store unavailable")
	// ErrNoPin is returned when verifying before a PIN has been set up.
	ErrNoPin = errors.New("pinguard: no pin has been set")
	// ErrPinAlreadySet is returned when setup is attempted while a PIN exists.
	ErrPinAlreadySet = errors.New("pinguard: pin already set")
	// ErrClosed is returned by operations on a guard that has been closed.
	ErrClosed = errors.New("pinguard: guard closed")
)
