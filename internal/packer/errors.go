package packer

import (
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/rvboot/tools/packer"
)

var (
	// ErrMissingInput is returned when an image file or the target device
	// does not exist.
	ErrMissingInput = errors.New("missing input")

	// ErrUserAborted is returned when the confirmation prompt was declined.
	ErrUserAborted = errors.New("aborted by user")

	// ErrDeviceEnumerationTimeout is returned when partition device nodes did
	// not appear within the configured number of polls.
	ErrDeviceEnumerationTimeout = errors.New("partition devices did not appear")

	ErrInvalidSize = packer.ErrInvalidSize
)

// withCleanup attaches cleanup failures to err without hiding it: errors.Is
// keeps matching err.
func withCleanup(err, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	if err == nil {
		return cleanupErr
	}
	return multierror.Append(err, cleanupErr)
}
