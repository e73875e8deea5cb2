//go:build linux

// Package v4l2src is a video source backed by a V4L2 capture device. Its
// buffers are allocated in MMAP mode and exported as DMABUF handles.
package v4l2src

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/v4l2"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

var ErrNotCapture = errors.New("not a video capture device")

type device interface {
	Fd() int
	Name() string
	Close() error
	SetFormat(format video.Format, sizeImage uint32) (video.Format, error)
	AllocBuffers(memory v4l2.Memory, n int) error
	NumBuffers() int
	Buffer(i int) (*video.Buffer, error)
	ExportBuffers() (*video.BufferSet, error)
	FreeBuffers() error
	StreamOn() error
	StreamOff() error
	QueueBuffer(buf *video.Buffer) error
	DequeueBuffer() (*video.Buffer, error)
}

type Option func(*Source)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Source) { s.log = log }
}

// Source captures frames from a V4L2 device.
type Source struct {
	dev      device
	notifier events.Notifier
	handler  video.BufferHandler
	log      logrus.FieldLogger
}

// Open opens the capture device at path. Captured buffers are signalled
// through notifier.
func Open(path string, notifier events.Notifier, opts ...Option) (*Source, error) {
	dev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	if dev.IsOutput() {
		dev.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotCapture)
	}
	s := newSource(dev, notifier, opts...)
	s.log.WithField("card", dev.Card()).Info("opened capture device")
	return s, nil
}

func newSource(dev device, notifier events.Notifier, opts ...Option) *Source {
	s := &Source{dev: dev, notifier: notifier, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("source", dev.Name())
	return s
}

func (s *Source) Close() error { return s.dev.Close() }

func (s *Source) SetBufferHandler(h video.BufferHandler) { s.handler = h }

// SetFormat applies format. The driver picks the buffer size of compressed
// formats.
func (s *Source) SetFormat(format video.Format) error {
	_, err := s.dev.SetFormat(format, 0)
	return err
}

func (s *Source) AllocBuffers(n int) error {
	return s.dev.AllocBuffers(v4l2.MemoryMMAP, n)
}

func (s *Source) ExportBuffers() (*video.BufferSet, error) { return s.dev.ExportBuffers() }

func (s *Source) FreeBuffers() error { return s.dev.FreeBuffers() }

// StreamOn queues every buffer for capture, starts the device and watches
// it for completed frames.
func (s *Source) StreamOn() error {
	for i := 0; i < s.dev.NumBuffers(); i++ {
		buf, err := s.dev.Buffer(i)
		if err != nil {
			return err
		}
		if err := s.dev.QueueBuffer(buf); err != nil {
			return err
		}
	}
	if err := s.dev.StreamOn(); err != nil {
		return err
	}
	if err := s.notifier.Watch(s.dev.Fd(), events.Read, s); err != nil {
		s.dev.StreamOff()
		return fmt.Errorf("watch %s: %w", s.dev.Name(), err)
	}
	return nil
}

func (s *Source) StreamOff() error {
	if err := s.notifier.Unwatch(s.dev.Fd(), events.Read); err != nil {
		s.log.WithError(err).Warn("unwatch")
	}
	return s.dev.StreamOff()
}

// QueueBuffer gives an empty buffer back to the device.
func (s *Source) QueueBuffer(buf *video.Buffer) error { return s.dev.QueueBuffer(buf) }

// HandleEvent hands the next captured frame to the buffer handler. Frames
// the driver flags as corrupt are requeued.
func (s *Source) HandleEvent(fd int, ready events.Interest) {
	buf, err := s.dev.DequeueBuffer()
	if err != nil {
		if !errors.Is(err, video.ErrNoBuffer) {
			s.log.WithError(err).Error("dequeue")
		}
		return
	}
	if buf.Error {
		s.log.WithField("index", buf.Index).Debug("dropping corrupt frame")
		if err := s.dev.QueueBuffer(buf); err != nil {
			s.log.WithError(err).Error("requeue")
		}
		return
	}
	if s.handler == nil {
		s.dev.QueueBuffer(buf)
		return
	}
	s.handler.OnBufferProduced(buf)
}
