// Package video holds the types shared by video sources and sinks: pixel
// formats, buffers and the buffer sets exchanged between devices.
package video

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrNoBuffer is returned by a non-blocking dequeue when no buffer is ready.
var ErrNoBuffer = errors.New("no buffer ready")

// FourCC is a V4L2 four character pixel format code.
type FourCC uint32

const (
	PixelFormatYUYV  FourCC = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	PixelFormatNV12  FourCC = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	PixelFormatMJPEG FourCC = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	PixelFormatH264  FourCC = 'H' | '2'<<8 | '6'<<16 | '4'<<24
)

// ParseFourCC converts a four character string such as "YUYV" to a FourCC.
func ParseFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid fourcc %q: must be 4 characters", s)
	}
	return FourCC(s[0]) | FourCC(s[1])<<8 | FourCC(s[2])<<16 | FourCC(s[3])<<24, nil
}

func (f FourCC) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// Compressed reports whether frames of this format have a variable size.
func (f FourCC) Compressed() bool {
	return f == PixelFormatMJPEG || f == PixelFormatH264
}

// Format describes the image carried by a stream.
type Format struct {
	FourCC FourCC
	Width  uint32
	Height uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d", f.FourCC, f.Width, f.Height)
}

// FrameSize returns the size in bytes of one frame, or 0 when the format is
// compressed and frames have no fixed size.
func (f Format) FrameSize() uint32 {
	switch f.FourCC {
	case PixelFormatYUYV:
		return f.Width * f.Height * 2
	case PixelFormatNV12:
		return f.Width * f.Height * 3 / 2
	}
	return 0
}

// Buffer is one frame sized memory region. Fd is the DMABUF handle used to
// share the buffer with another device, or -1 when the buffer has none.
type Buffer struct {
	Index     int
	Size      uint32
	BytesUsed uint32
	Fd        int
	Mem       []byte
	Timestamp time.Duration
	Error     bool
}

// BufferHandler receives the buffers filled by a source.
type BufferHandler interface {
	OnBufferProduced(buf *Buffer)
}

// BufferHandlerFunc adapts a function to a BufferHandler.
type BufferHandlerFunc func(buf *Buffer)

func (f BufferHandlerFunc) OnBufferProduced(buf *Buffer) { f(buf) }

// BufferSet is the group of buffers allocated by one device and imported by
// another for the duration of a streaming session.
type BufferSet struct {
	Buffers []*Buffer

	// Release, when set, runs once from Close after the handles are closed.
	Release func() error
}

// NewBufferSet creates a set of n buffers with no backing handles.
func NewBufferSet(n int) *BufferSet {
	set := &BufferSet{Buffers: make([]*Buffer, n)}
	for i := range set.Buffers {
		set.Buffers[i] = &Buffer{Index: i, Fd: -1}
	}
	return set
}

func (s *BufferSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Buffers)
}

// Close releases the exported handles of every buffer in the set. The buffer
// memory itself belongs to the exporting device and is not touched.
func (s *BufferSet) Close() error {
	if s == nil {
		return nil
	}
	var err error
	for _, buf := range s.Buffers {
		if buf.Fd < 0 {
			continue
		}
		err = multierr.Append(err, unix.Close(buf.Fd))
		buf.Fd = -1
	}
	if release := s.Release; release != nil {
		s.Release = nil
		err = multierr.Append(err, release())
	}
	return err
}
