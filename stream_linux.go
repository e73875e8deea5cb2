//go:build linux

package uvcgadget

import "github.com/yoshigion/uvc-gadget-upst/pkg/uvc"

var _ Sink = (*uvc.Device)(nil)

// NewStream opens the gadget video node at sinkPath.
func NewStream(sinkPath string, opts ...Option) (*Stream, error) {
	s := newStream(sinkPath, opts...)
	sink, err := uvc.Open(sinkPath, s, uvc.WithLogger(s.log))
	if err != nil {
		return nil, wrap(ErrDeviceOpen, err, "open sink %s", sinkPath)
	}
	s.sink = sink
	return s, nil
}
