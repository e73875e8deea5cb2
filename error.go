package uvcgadget

import (
	"fmt"

	"github.com/pkg/errors"
)

// Every error returned by a Stream wraps one of these.
var (
	ErrAllocation     = errors.New("buffer allocation failed")
	ErrFormatRejected = errors.New("format rejected")
	ErrDeviceOpen     = errors.New("sink device failed")
	ErrQueue          = errors.New("buffer queue failed")
	ErrNotConfigured  = errors.New("stream not configured")
	ErrBusy           = errors.New("stream is running")
)

// streamError ties a device error to the category it belongs to, so that
// both match with errors.Is.
type streamError struct {
	kind error
	err  error
}

func (e *streamError) Error() string { return fmt.Sprintf("%v: %v", e.kind, e.err) }

func (e *streamError) Unwrap() []error { return []error{e.kind, e.err} }

func wrap(kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(&streamError{kind: kind, err: err}, format, args...)
}
