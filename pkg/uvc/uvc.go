//go:build linux

// Package uvc drives the video node of a UVC gadget function: it answers the
// host's streaming control requests, forwards stream on/off requests to a
// StreamController and consumes DMABUF buffers imported from a video source.
package uvc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
	"github.com/yoshigion/uvc-gadget-upst/pkg/descriptors"
	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/v4l2"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

// Gadget events, linux/usb/g_uvc.h.
var (
	EventConnect    = v4l2.PrivateEvent(0)
	EventDisconnect = v4l2.PrivateEvent(1)
	EventStreamOn   = v4l2.PrivateEvent(2)
	EventStreamOff  = v4l2.PrivateEvent(3)
	EventSetup      = v4l2.PrivateEvent(4)
	EventData       = v4l2.PrivateEvent(5)
)

var subscribed = []uint32{EventConnect, EventDisconnect, EventSetup, EventData, EventStreamOn, EventStreamOff}

var (
	ErrNotOutput     = errors.New("not a video output device")
	ErrNotConfigured = errors.New("function configuration not set")
	ErrNoFormats     = errors.New("function has no streaming formats")
	ErrUnknownFormat = errors.New("format not offered by the function")
)

// StreamController is notified of the stream parameters negotiated with
// the host.
type StreamController interface {
	SetFormat(format video.Format) error
	Enable(enable bool) error
}

// Notifier is the event loop the device registers its event descriptor with.
type Notifier = events.Notifier

// requestData mirrors struct uvc_request_data.
type requestData struct {
	length int32
	data   [60]byte
}

var uvciocSendResponse = v4l2.IOW('U', 1, unsafe.Sizeof(requestData{}))

// node is the subset of a V4L2 device the gadget uses.
type node interface {
	Fd() int
	Name() string
	Close() error
	SetFormat(format video.Format, sizeImage uint32) (video.Format, error)
	AllocBuffers(memory v4l2.Memory, n int) error
	ImportBuffers(set *video.BufferSet) error
	FreeBuffers() error
	StreamOn() error
	StreamOff() error
	QueueBuffer(buf *video.Buffer) error
	DequeueBuffer() (*video.Buffer, error)
	SubscribeEvent(typ uint32) error
	UnsubscribeEvent(typ uint32) error
	DequeueEvent() (*v4l2.Event, error)
	SendResponse(resp *requestData) error
}

type gadgetNode struct {
	*v4l2.Device
}

func (n gadgetNode) SendResponse(resp *requestData) error {
	if err := v4l2.Ioctl(n.Fd(), uvciocSendResponse, unsafe.Pointer(resp)); err != nil {
		return fmt.Errorf("%s: UVCIOC_SEND_RESPONSE: %w", n.Name(), err)
	}
	return nil
}

type Option func(*Device)

func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Device) { d.log = log }
}

// Device is the UVC gadget video node.
type Device struct {
	node       node
	controller StreamController
	log        logrus.FieldLogger

	fc       *configfs.FunctionConfig
	notifier Notifier

	probe   descriptors.VideoProbeCommitControl
	commit  descriptors.VideoProbeCommitControl
	control uint8 // selector of the SET_CUR awaiting its data stage
}

// Open opens the gadget video node at path. controller receives the format
// committed by the host and its stream on/off requests.
func Open(path string, controller StreamController, opts ...Option) (*Device, error) {
	vdev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	if !vdev.IsOutput() {
		vdev.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotOutput)
	}
	return newDevice(gadgetNode{vdev}, controller, opts...), nil
}

func newDevice(n node, controller StreamController, opts ...Option) *Device {
	d := &Device{node: n, controller: controller, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("device", n.Name())
	return d
}

func (d *Device) Fd() int { return d.node.Fd() }

// Close stops event delivery and closes the video node.
func (d *Device) Close() error {
	var err error
	if d.notifier != nil {
		err = multierr.Append(err, d.notifier.Unwatch(d.node.Fd(), events.Except))
		d.notifier = nil
	}
	return multierr.Append(err, d.node.Close())
}

// SetConfig sets the function configuration and resets the probe and commit
// controls to the first frame of the first format.
func (d *Device) SetConfig(fc *configfs.FunctionConfig) error {
	if len(fc.Streaming.Formats) == 0 {
		return fmt.Errorf("%s: %w", fc.Name, ErrNoFormats)
	}
	d.fc = fc
	d.fillStreamingControl(&d.probe, 0, 0, 0)
	d.fillStreamingControl(&d.commit, 0, 0, 0)
	return nil
}

// BindEvents subscribes to the gadget events and registers the device with
// notifier. Events are signalled as exceptional conditions on the node.
func (d *Device) BindEvents(notifier Notifier) error {
	for _, typ := range subscribed {
		if err := d.node.SubscribeEvent(typ); err != nil {
			return err
		}
	}
	if err := notifier.Watch(d.node.Fd(), events.Except, d); err != nil {
		return fmt.Errorf("watch events: %w", err)
	}
	d.notifier = notifier
	return nil
}

// Probe returns the current probe control.
func (d *Device) Probe() descriptors.VideoProbeCommitControl { return d.probe }

// Commit returns the current commit control.
func (d *Device) Commit() descriptors.VideoProbeCommitControl { return d.commit }

// SetFormat applies format to the video node. Compressed formats use the
// maximum frame buffer size configured for the matching frame.
func (d *Device) SetFormat(format video.Format) error {
	sizeImage := format.FrameSize()
	if format.FourCC.Compressed() {
		frame, err := d.findFrame(format)
		if err != nil {
			return err
		}
		sizeImage = frame.MaxVideoFrameBufferSize
	}
	_, err := d.node.SetFormat(format, sizeImage)
	return err
}

func (d *Device) findFrame(format video.Format) (*configfs.Frame, error) {
	if d.fc == nil {
		return nil, ErrNotConfigured
	}
	for i := range d.fc.Streaming.Formats {
		f := &d.fc.Streaming.Formats[i]
		if f.FourCC != format.FourCC {
			continue
		}
		for j := range f.Frames {
			if f.VideoFormat(&f.Frames[j]) == format {
				return &f.Frames[j], nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", format, ErrUnknownFormat)
}

// AllocBuffers allocates n buffer slots backed by imported DMABUF handles.
func (d *Device) AllocBuffers(n int) error {
	return d.node.AllocBuffers(v4l2.MemoryDMABUF, n)
}

func (d *Device) ImportBuffers(set *video.BufferSet) error { return d.node.ImportBuffers(set) }

func (d *Device) FreeBuffers() error { return d.node.FreeBuffers() }

func (d *Device) StreamOn() error { return d.node.StreamOn() }

func (d *Device) StreamOff() error { return d.node.StreamOff() }

func (d *Device) QueueBuffer(buf *video.Buffer) error { return d.node.QueueBuffer(buf) }

// DequeueBuffer returns a buffer the host has consumed, or video.ErrNoBuffer.
func (d *Device) DequeueBuffer() (*video.Buffer, error) { return d.node.DequeueBuffer() }

// HandleEvent drains the pending gadget events.
func (d *Device) HandleEvent(fd int, ready events.Interest) {
	for {
		ev, err := d.node.DequeueEvent()
		if err != nil {
			if !errors.Is(err, v4l2.ErrNoEvent) {
				d.log.WithError(err).Error("failed to dequeue event")
			}
			return
		}
		d.processEvent(ev)
		if ev.Pending == 0 {
			return
		}
	}
}
