package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired        = sterrors.New("cncqueue: configuration is required")
	ErrLoggerRequired        = sterrors.New("cncqueue: logger is required")
	ErrQueueEmpty            = sterrors.New("cncqueue: queue is empty")
	ErrQueueClosed           = sterrors.New("cncqueue: queue is closed")
	ErrBackendUnavailable    = sterrors.New("cncqueue: queue backend cannot be instantiated")
	ErrIdentityBound         = sterrors.New("cncqueue: queue identity is already bound")
	ErrUnknownConfigGroup    = sterrors.New("cncqueue: unknown configuration group")
	ErrInvalidConfiguration  = sterrors.New("cncqueue: invalid queue configuration")
	ErrInvalidCount          = sterrors.New("cncqueue: record count must be positive")
	ErrUnknownCommand        = sterrors.New("cncqueue: unknown exchange command")
	ErrUnsupportedValueCodec = sterrors.New("cncqueue: unsupported binary value codec")
	ErrRemoteFileNotFound    = sterrors.New("cncqueue: remote file not found")
)

// ConfigValidationError reports that a Config failed validation. Err usually
// joins every individual failure.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("cncqueue: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
