//go:build linux

// Package v4l2 is a minimal pure Go binding of the Video4Linux2 streaming
// API: format negotiation, buffer allocation in MMAP and DMABUF modes, buffer
// export, queueing and events. Devices are opened non-blocking so that
// dequeue calls never stall an event loop.
package v4l2

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

var (
	ErrNotStreaming    = errors.New("device does not support streaming i/o")
	ErrFormatMismatch  = errors.New("driver adjusted the requested format")
	ErrShortAllocation = errors.New("driver allocated fewer buffers than requested")
	ErrNoBuffers       = errors.New("no buffers allocated")
	ErrInvalidIndex    = errors.New("buffer index out of range")
	ErrNoEvent         = errors.New("no event pending")
)

// Device is an open V4L2 video node.
type Device struct {
	name    string
	fd      int
	card    string
	bufType uint32

	format    video.Format
	sizeImage uint32

	memory  Memory
	buffers []*video.Buffer
}

// Open opens the video node at path and determines from its capabilities
// whether it is a capture or an output device.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Device{name: path, fd: fd}

	var caps v4l2Capability
	if err := Ioctl(fd, vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: VIDIOC_QUERYCAP: %w", path, err)
	}
	c := caps.capabilities
	if c&CapDeviceCaps != 0 {
		c = caps.deviceCaps
	}
	switch {
	case c&CapStreaming == 0:
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", path, ErrNotStreaming)
	case c&CapVideoCapture != 0:
		d.bufType = BufTypeVideoCapture
	case c&CapVideoOutput != 0:
		d.bufType = BufTypeVideoOutput
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("%s: unsupported device capabilities 0x%08x", path, c)
	}
	d.card = cstring(caps.card[:])
	return d, nil
}

func (d *Device) Fd() int { return d.fd }

func (d *Device) Name() string { return d.name }

// Card returns the card name reported by the driver.
func (d *Device) Card() string { return d.card }

// IsOutput reports whether the device consumes buffers (an output device).
func (d *Device) IsOutput() bool { return d.bufType == BufTypeVideoOutput }

// Close unmaps any mapped buffers and closes the device.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	d.unmap()
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Format returns the format most recently applied with SetFormat.
func (d *Device) Format() video.Format { return d.format }

// GetFormat queries the current format from the driver.
func (d *Device) GetFormat() (video.Format, error) {
	f := v4l2Format{typ: d.bufType}
	if err := Ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return video.Format{}, fmt.Errorf("%s: VIDIOC_G_FMT: %w", d.name, err)
	}
	pix := f.pix()
	return video.Format{FourCC: video.FourCC(pix.pixelformat), Width: pix.width, Height: pix.height}, nil
}

// SetFormat applies format. sizeImage is the maximum frame size for
// compressed formats and may be zero for raw formats. The driver's adjusted
// format is returned; an adjustment is reported as ErrFormatMismatch.
func (d *Device) SetFormat(format video.Format, sizeImage uint32) (video.Format, error) {
	f := v4l2Format{typ: d.bufType}
	pix := f.pix()
	pix.width = format.Width
	pix.height = format.Height
	pix.pixelformat = uint32(format.FourCC)
	pix.field = fieldNone
	pix.sizeimage = sizeImage

	if err := Ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return video.Format{}, fmt.Errorf("%s: VIDIOC_S_FMT %s: %w", d.name, format, err)
	}
	applied := video.Format{FourCC: video.FourCC(pix.pixelformat), Width: pix.width, Height: pix.height}
	if applied != format {
		return applied, fmt.Errorf("%s: %w: requested %s, got %s", d.name, ErrFormatMismatch, format, applied)
	}
	d.format = applied
	d.sizeImage = pix.sizeimage
	return applied, nil
}

// SizeImage returns the frame size negotiated by the last SetFormat.
func (d *Device) SizeImage() uint32 { return d.sizeImage }

// AllocBuffers requests n buffers using the given memory model. MMAP buffers
// are mapped into the process.
func (d *Device) AllocBuffers(memory Memory, n int) error {
	req := v4l2RequestBuffers{count: uint32(n), typ: d.bufType, memory: uint32(memory)}
	if err := Ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: VIDIOC_REQBUFS %d %s: %w", d.name, n, memory, err)
	}
	d.memory = memory
	if int(req.count) < n {
		d.release()
		return fmt.Errorf("%s: %w: requested %d, got %d", d.name, ErrShortAllocation, n, req.count)
	}

	d.buffers = make([]*video.Buffer, req.count)
	for i := range d.buffers {
		vb := v4l2Buffer{index: uint32(i), typ: d.bufType, memory: uint32(memory)}
		if err := Ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(&vb)); err != nil {
			d.unmap()
			d.release()
			return fmt.Errorf("%s: VIDIOC_QUERYBUF %d: %w", d.name, i, err)
		}
		buf := &video.Buffer{Index: i, Size: vb.length, Fd: -1}
		if memory == MemoryMMAP {
			mem, err := unix.Mmap(d.fd, int64(uint32(vb.m)), int(vb.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				d.unmap()
				d.release()
				return fmt.Errorf("%s: mmap buffer %d: %w", d.name, i, err)
			}
			buf.Mem = mem
		}
		d.buffers[i] = buf
	}
	return nil
}

// NumBuffers returns the number of allocated buffers.
func (d *Device) NumBuffers() int { return len(d.buffers) }

// FreeBuffers unmaps and releases all buffers. Imported DMABUF handles are
// owned by the exporter and are not closed.
func (d *Device) FreeBuffers() error {
	if d.memory == 0 {
		return nil
	}
	d.unmap()
	return d.release()
}

func (d *Device) unmap() {
	for _, buf := range d.buffers {
		if buf != nil && buf.Mem != nil {
			unix.Munmap(buf.Mem)
			buf.Mem = nil
		}
	}
}

func (d *Device) release() error {
	req := v4l2RequestBuffers{count: 0, typ: d.bufType, memory: uint32(d.memory)}
	d.buffers = nil
	d.memory = 0
	if err := Ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%s: VIDIOC_REQBUFS 0: %w", d.name, err)
	}
	return nil
}

// ExportBuffers exports every MMAP buffer as a DMABUF handle. The returned
// set owns the handles; the mappings stay owned by the device.
func (d *Device) ExportBuffers() (*video.BufferSet, error) {
	if len(d.buffers) == 0 {
		return nil, fmt.Errorf("%s: %w", d.name, ErrNoBuffers)
	}
	set := &video.BufferSet{Buffers: make([]*video.Buffer, 0, len(d.buffers))}
	for i, buf := range d.buffers {
		exp := v4l2ExportBuffer{typ: d.bufType, index: uint32(i), flags: unix.O_RDWR | unix.O_CLOEXEC}
		if err := Ioctl(d.fd, vidiocExpbuf, unsafe.Pointer(&exp)); err != nil {
			set.Close()
			return nil, fmt.Errorf("%s: VIDIOC_EXPBUF %d: %w", d.name, i, err)
		}
		set.Buffers = append(set.Buffers, &video.Buffer{
			Index: i,
			Size:  buf.Size,
			Fd:    int(exp.fd),
			Mem:   buf.Mem,
		})
	}
	return set, nil
}

// ImportBuffers binds the DMABUF handles of set to the device's buffers,
// which must have been allocated with MemoryDMABUF.
func (d *Device) ImportBuffers(set *video.BufferSet) error {
	if d.memory != MemoryDMABUF {
		return fmt.Errorf("%s: import requires dmabuf buffers, have %s", d.name, d.memory)
	}
	if set.Len() > len(d.buffers) {
		return fmt.Errorf("%s: cannot import %d buffers into %d slots", d.name, set.Len(), len(d.buffers))
	}
	for i, buf := range set.Buffers {
		if buf.Fd < 0 {
			return fmt.Errorf("%s: buffer %d has no dmabuf handle", d.name, i)
		}
		if d.sizeImage != 0 && buf.Size < d.sizeImage {
			return fmt.Errorf("%s: buffer %d too small: %d < %d", d.name, i, buf.Size, d.sizeImage)
		}
	}
	for i, buf := range set.Buffers {
		d.buffers[i].Fd = buf.Fd
		d.buffers[i].Size = buf.Size
	}
	return nil
}

// QueueBuffer hands buf to the driver. For output devices BytesUsed and
// Timestamp are passed along with it.
func (d *Device) QueueBuffer(buf *video.Buffer) error {
	if buf.Index < 0 || buf.Index >= len(d.buffers) {
		return fmt.Errorf("%s: %w: %d", d.name, ErrInvalidIndex, buf.Index)
	}
	slot := d.buffers[buf.Index]
	vb := v4l2Buffer{index: uint32(buf.Index), typ: d.bufType, memory: uint32(d.memory)}
	if d.memory == MemoryDMABUF {
		vb.m = uintptr(slot.Fd)
		vb.length = slot.Size
	}
	if d.bufType == BufTypeVideoOutput {
		vb.bytesused = buf.BytesUsed
		vb.timestamp = unix.NsecToTimeval(buf.Timestamp.Nanoseconds())
	}
	if err := Ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&vb)); err != nil {
		return fmt.Errorf("%s: VIDIOC_QBUF %d: %w", d.name, buf.Index, err)
	}
	return nil
}

// DequeueBuffer takes the next completed buffer from the driver. It returns
// video.ErrNoBuffer when none is ready.
func (d *Device) DequeueBuffer() (*video.Buffer, error) {
	vb := v4l2Buffer{typ: d.bufType, memory: uint32(d.memory)}
	if err := Ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&vb)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, video.ErrNoBuffer
		}
		return nil, fmt.Errorf("%s: VIDIOC_DQBUF: %w", d.name, err)
	}
	if int(vb.index) >= len(d.buffers) {
		return nil, fmt.Errorf("%s: %w: %d", d.name, ErrInvalidIndex, vb.index)
	}
	slot := d.buffers[vb.index]
	return &video.Buffer{
		Index:     int(vb.index),
		Size:      slot.Size,
		BytesUsed: vb.bytesused,
		Fd:        slot.Fd,
		Mem:       slot.Mem,
		Timestamp: time.Duration(vb.timestamp.Nano()),
		Error:     vb.flags&bufFlagError != 0,
	}, nil
}

// Buffer returns the device's record of buffer i.
func (d *Device) Buffer(i int) (*video.Buffer, error) {
	if i < 0 || i >= len(d.buffers) {
		return nil, fmt.Errorf("%s: %w: %d", d.name, ErrInvalidIndex, i)
	}
	return d.buffers[i], nil
}

func (d *Device) StreamOn() error {
	typ := int32(d.bufType)
	if err := Ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("%s: VIDIOC_STREAMON: %w", d.name, err)
	}
	return nil
}

func (d *Device) StreamOff() error {
	typ := int32(d.bufType)
	if err := Ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("%s: VIDIOC_STREAMOFF: %w", d.name, err)
	}
	return nil
}

// Event is a dequeued V4L2 event. Data holds the raw event union.
type Event struct {
	Type     uint32
	Data     [64]byte
	Sequence uint32
	Pending  uint32
}

// PrivateEvent returns the event type of driver private event n.
func PrivateEvent(n uint32) uint32 { return eventPrivateStart + n }

func (d *Device) SubscribeEvent(typ uint32) error {
	sub := v4l2EventSubscription{typ: typ}
	if err := Ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		return fmt.Errorf("%s: VIDIOC_SUBSCRIBE_EVENT 0x%08x: %w", d.name, typ, err)
	}
	return nil
}

func (d *Device) UnsubscribeEvent(typ uint32) error {
	sub := v4l2EventSubscription{typ: typ}
	if err := Ioctl(d.fd, vidiocUnsubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		return fmt.Errorf("%s: VIDIOC_UNSUBSCRIBE_EVENT 0x%08x: %w", d.name, typ, err)
	}
	return nil
}

// DequeueEvent returns the next pending event, or ErrNoEvent.
func (d *Device) DequeueEvent() (*Event, error) {
	var ev v4l2Event
	if err := Ioctl(d.fd, vidiocDqevent, unsafe.Pointer(&ev)); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrNoEvent
		}
		return nil, fmt.Errorf("%s: VIDIOC_DQEVENT: %w", d.name, err)
	}
	return &Event{Type: ev.typ, Data: ev.u, Sequence: ev.sequence, Pending: ev.pending}, nil
}
