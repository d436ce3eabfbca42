package mls

import (
	"errors"
	"fmt"
)

// Every error returned by this package wraps one of these, so callers can
// branch with errors.Is.  A single error may wrap more than one kind, e.g. a
// replayed frame is both ErrDecryptionFailed and ErrReplayDetected.
var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrEpochMismatch          = errors.New("epoch mismatch")
	ErrInvalidCommit          = errors.New("invalid commit")
	ErrInvalidProposal        = errors.New("invalid proposal")
	ErrDecryptionFailed       = errors.New("decryption failed")
	ErrReplayDetected         = errors.New("replay detected")
	ErrUnknownSender          = errors.New("unknown sender")
	ErrInvalidKeyPackage      = errors.New("invalid key package")
	ErrUnsupportedCipherSuite = errors.New("unsupported cipher suite")
	ErrRemovedFromGroup       = errors.New("removed from group")
	ErrGroupClosed            = errors.New("group closed")
	ErrUnknownGroup           = errors.New("unknown group")
	ErrStateCorrupted         = errors.New("group state corrupted")
	ErrMalformedMessage       = errors.New("malformed message")
)

func decryptionError(cause error) error {
	return fmt.Errorf("%w: %w", ErrDecryptionFailed, cause)
}

func commitError(format string, args ...interface{}) error {
	return fmt.Errorf("mls.state: %w: %s", ErrInvalidCommit, fmt.Sprintf(format, args...))
}
