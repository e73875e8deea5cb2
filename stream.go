// Package uvcgadget bridges a video source to the video node of a UVC gadget
// function. A Stream negotiates the format on both ends, shares the source's
// buffers with the gadget through DMABUF handles and moves them back and
// forth from a single event loop.
package uvcgadget

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

// Source produces frames into buffers it allocates and exports.
type Source interface {
	AllocBuffers(n int) error
	ExportBuffers() (*video.BufferSet, error)
	FreeBuffers() error
	SetFormat(format video.Format) error
	StreamOn() error
	StreamOff() error
	SetBufferHandler(h video.BufferHandler)
	QueueBuffer(buf *video.Buffer) error
}

// Sink is the gadget side. Its descriptor becomes writable when the host has
// consumed a queued buffer.
type Sink interface {
	Fd() int
	Close() error
	SetConfig(fc *configfs.FunctionConfig) error
	BindEvents(notifier events.Notifier) error
	SetFormat(format video.Format) error
	AllocBuffers(n int) error
	ImportBuffers(set *video.BufferSet) error
	FreeBuffers() error
	StreamOn() error
	StreamOff() error
	QueueBuffer(buf *video.Buffer) error
	DequeueBuffer() (*video.Buffer, error)
}

type Notifier = events.Notifier

// PumpErrorHandler is called with buffer pump failures. It runs on the event
// loop and may call Stop.
type PumpErrorHandler func(err error)

type Option func(*Stream)

// WithBuffers sets the number of buffers shared between source and sink.
func WithBuffers(n int) Option {
	return func(s *Stream) { s.buffers = n }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Stream) { s.log = log }
}

func WithPumpErrorHandler(h PumpErrorHandler) Option {
	return func(s *Stream) { s.onPumpError = h }
}

// Stats is a snapshot of a stream's state and buffer counters. Counters
// accumulate over the life of the Stream.
type Stats struct {
	State  State
	Format video.Format

	Produced uint64 // buffers filled by the source
	Queued   uint64 // buffers handed to the sink
	Dequeued uint64 // buffers consumed by the host
	Returned uint64 // buffers given back to the source
	Dropped  uint64 // frames the sink refused
	Errors   uint64
}

type counters struct {
	produced, queued, dequeued, returned, dropped, errors atomic.Uint64
}

// Stream coordinates one source and one sink. Apart from Stats, its methods
// must be called from the goroutine running the event loop.
type Stream struct {
	source   Source
	sink     Sink
	notifier Notifier

	buffers     int
	set         *video.BufferSet
	log         logrus.FieldLogger
	onPumpError PumpErrorHandler

	state  atomic.Int32
	format atomic.Pointer[video.Format]
	stats  counters
}

func newStream(name string, opts ...Option) *Stream {
	s := &Stream{buffers: DefaultBuffers, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("stream", name)
	return s
}

func newStreamWithSink(sink Sink, opts ...Option) *Stream {
	s := newStream("sink", opts...)
	s.sink = sink
	return s
}

func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) running() bool { return s.State() == StateRunning }

// SetVideoSource attaches src and registers the stream as its buffer handler.
func (s *Stream) SetVideoSource(src Source) error {
	if s.running() {
		return errors.Wrap(ErrBusy, "set video source")
	}
	s.source = src
	src.SetBufferHandler(s)
	return nil
}

func (s *Stream) SetEventNotifier(n Notifier) error {
	if s.running() {
		return errors.Wrap(ErrBusy, "set event notifier")
	}
	s.notifier = n
	return nil
}

// InitUVC configures the sink with the gadget function and binds its events
// to the notifier.
func (s *Stream) InitUVC(fc *configfs.FunctionConfig) error {
	if s.running() {
		return errors.Wrap(ErrBusy, "init uvc")
	}
	if s.notifier == nil {
		return errors.Wrap(ErrNotConfigured, "init uvc: no event notifier")
	}
	if err := s.sink.SetConfig(fc); err != nil {
		return wrap(ErrDeviceOpen, err, "configure sink")
	}
	if err := s.sink.BindEvents(s.notifier); err != nil {
		return wrap(ErrDeviceOpen, err, "bind sink events")
	}
	return nil
}

// Close stops the stream and closes the sink. The source and notifier
// belong to the caller and are left open.
func (s *Stream) Close() error {
	err := s.Stop()
	return multierr.Append(err, wrap(ErrDeviceOpen, s.sink.Close(), "close sink"))
}

// SetFormat applies format to the sink, then to the source. When the source
// rejects it the sink keeps the new format.
func (s *Stream) SetFormat(format video.Format) error {
	if s.source == nil {
		return errors.Wrap(ErrNotConfigured, "set format: no video source")
	}
	log := s.log.WithFields(logrus.Fields{
		"fourcc": format.FourCC.String(),
		"width":  format.Width,
		"height": format.Height,
	})
	if err := s.sink.SetFormat(format); err != nil {
		return wrap(ErrFormatRejected, err, "sink format %s", format)
	}
	if err := s.source.SetFormat(format); err != nil {
		log.WithError(err).Warn("source rejected the format the sink accepted")
		return wrap(ErrFormatRejected, err, "source format %s", format)
	}
	s.format.Store(&format)
	log.Info("format set")
	return nil
}

// Enable starts or stops the stream.
func (s *Stream) Enable(enable bool) error {
	if enable {
		return s.Start()
	}
	return s.Stop()
}

// Start shares the source buffers with the sink, turns streaming on at both
// ends and starts pumping buffers. On failure every step already taken is
// undone in reverse order. Starting a running stream does nothing.
func (s *Stream) Start() error {
	if s.running() {
		return nil
	}
	switch {
	case s.source == nil:
		return errors.Wrap(ErrNotConfigured, "start: no video source")
	case s.notifier == nil:
		return errors.Wrap(ErrNotConfigured, "start: no event notifier")
	case s.format.Load() == nil:
		return errors.Wrap(ErrNotConfigured, "start: no format")
	}

	log := s.log.WithField("buffers", s.buffers)
	log.Info("starting video stream")

	var rb rollback
	defer rb.unwind()

	if err := s.source.AllocBuffers(s.buffers); err != nil {
		return wrap(ErrAllocation, err, "allocate %d source buffers", s.buffers)
	}
	rb.push(func() { s.release("free source buffers", s.source.FreeBuffers) })

	set, err := s.source.ExportBuffers()
	if err != nil {
		return wrap(ErrAllocation, err, "export source buffers")
	}
	rb.push(func() { s.release("discard buffer set", set.Close) })

	if err := s.sink.AllocBuffers(set.Len()); err != nil {
		return wrap(ErrAllocation, err, "allocate %d sink buffers", set.Len())
	}
	rb.push(func() { s.release("free sink buffers", s.sink.FreeBuffers) })

	if err := s.sink.ImportBuffers(set); err != nil {
		return wrap(ErrAllocation, err, "import buffers on sink")
	}

	// The producer must stream before the consumer expects data.
	if err := s.source.StreamOn(); err != nil {
		return wrap(ErrQueue, err, "source stream on")
	}
	rb.push(func() { s.release("source stream off", s.source.StreamOff) })

	if err := s.sink.StreamOn(); err != nil {
		return wrap(ErrQueue, err, "sink stream on")
	}
	rb.push(func() { s.release("sink stream off", s.sink.StreamOff) })

	if err := s.notifier.Watch(s.sink.Fd(), events.Write, s); err != nil {
		return wrap(ErrNotConfigured, err, "watch sink")
	}

	rb.commit()
	s.set = set
	s.state.Store(int32(StateRunning))
	return nil
}

func (s *Stream) release(what string, f func() error) {
	if err := f(); err != nil {
		s.log.WithError(err).Warnf("rollback: %s", what)
	}
}

// Stop stops pumping buffers, then turns streaming off and releases the
// buffers at both ends. Every step is attempted; their failures are
// combined. Stopping a stopped stream does nothing.
func (s *Stream) Stop() error {
	if !s.running() {
		return nil
	}
	s.log.Info("stopping video stream")

	var err error
	err = multierr.Append(err, errors.Wrap(s.notifier.Unwatch(s.sink.Fd(), events.Write), "unwatch sink"))
	err = multierr.Append(err, errors.Wrap(s.sink.StreamOff(), "sink stream off"))
	err = multierr.Append(err, errors.Wrap(s.source.StreamOff(), "source stream off"))
	err = multierr.Append(err, errors.Wrap(s.sink.FreeBuffers(), "free sink buffers"))
	err = multierr.Append(err, errors.Wrap(s.source.FreeBuffers(), "free source buffers"))
	err = multierr.Append(err, errors.Wrap(s.set.Close(), "discard buffer set"))

	s.set = nil
	s.state.Store(int32(StateStopped))
	return wrap(ErrQueue, err, "stop")
}

// OnBufferProduced queues a buffer filled by the source on the sink. A
// buffer the sink refuses is handed straight back to the source and its
// frame is lost.
func (s *Stream) OnBufferProduced(buf *video.Buffer) {
	s.stats.produced.Add(1)
	if err := s.sink.QueueBuffer(buf); err != nil {
		s.stats.dropped.Add(1)
		s.returnToSource(buf)
		s.pumpError(wrap(ErrQueue, err, "queue buffer %d on sink", buf.Index))
		return
	}
	s.stats.queued.Add(1)
}

// HandleEvent is called when the sink descriptor is writable: a buffer has
// been consumed by the host and goes back to the source.
func (s *Stream) HandleEvent(fd int, ready events.Interest) {
	buf, err := s.sink.DequeueBuffer()
	if err != nil {
		if !errors.Is(err, video.ErrNoBuffer) {
			s.pumpError(wrap(ErrQueue, err, "dequeue sink buffer"))
		}
		return
	}
	s.stats.dequeued.Add(1)
	s.returnToSource(buf)
}

func (s *Stream) returnToSource(buf *video.Buffer) {
	if err := s.source.QueueBuffer(buf); err != nil {
		s.pumpError(wrap(ErrQueue, err, "return buffer %d to source", buf.Index))
		return
	}
	s.stats.returned.Add(1)
}

func (s *Stream) pumpError(err error) {
	s.stats.errors.Add(1)
	s.log.WithError(err).Warn("buffer pump")
	if s.onPumpError != nil {
		s.onPumpError(err)
	}
}

// Stats returns a snapshot of the stream. It may be called from any
// goroutine.
func (s *Stream) Stats() Stats {
	st := Stats{
		State:    s.State(),
		Produced: s.stats.produced.Load(),
		Queued:   s.stats.queued.Load(),
		Dequeued: s.stats.dequeued.Load(),
		Returned: s.stats.returned.Load(),
		Dropped:  s.stats.dropped.Load(),
		Errors:   s.stats.errors.Load(),
	}
	if f := s.format.Load(); f != nil {
		st.Format = *f
	}
	return st
}
