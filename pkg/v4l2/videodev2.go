//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer types, from enum v4l2_buf_type.
const (
	BufTypeVideoCapture uint32 = 1
	BufTypeVideoOutput  uint32 = 2
)

// Memory is the buffer memory model, from enum v4l2_memory.
type Memory uint32

const (
	MemoryMMAP   Memory = 1
	MemoryDMABUF Memory = 4
)

func (m Memory) String() string {
	switch m {
	case MemoryMMAP:
		return "mmap"
	case MemoryDMABUF:
		return "dmabuf"
	}
	return "unknown"
}

// Capability flags reported by VIDIOC_QUERYCAP.
const (
	CapVideoCapture uint32 = 0x00000001
	CapVideoOutput  uint32 = 0x00000002
	CapStreaming    uint32 = 0x04000000
	CapDeviceCaps   uint32 = 0x80000000
)

const (
	fieldNone = 1

	bufFlagError = 0x00000040

	eventPrivateStart = 0x08000000
)

// v4l2_capability
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2_pix_format
type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2_format. The union is pointer aligned in the kernel because it
// contains struct v4l2_window.
type v4l2Format struct {
	typ uint32
	fmt struct {
		_   [0]uintptr
		raw [200]byte
	}
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt.raw[0]))
}

// v4l2_requestbuffers
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

// v4l2_timecode
type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2_buffer. m is the offset/userptr/planes/fd union; offset and fd occupy
// its low 32 bits.
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFd int32
}

// v4l2_exportbuffer
type v4l2ExportBuffer struct {
	typ      uint32
	index    uint32
	plane    uint32
	flags    uint32
	fd       int32
	reserved [11]uint32
}

// v4l2_event_subscription
type v4l2EventSubscription struct {
	typ      uint32
	id       uint32
	flags    uint32
	reserved [5]uint32
}

// v4l2_event
type v4l2Event struct {
	typ       uint32
	_         [4]byte
	u         [64]byte
	pending   uint32
	sequence  uint32
	timestamp unix.Timespec
	id        uint32
	reserved  [8]uint32
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	vidiocQuerycap         = ioc(iocRead, 'V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGFmt             = ioc(iocRead|iocWrite, 'V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt             = ioc(iocRead|iocWrite, 'V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs          = ioc(iocRead|iocWrite, 'V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf         = ioc(iocRead|iocWrite, 'V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf             = ioc(iocRead|iocWrite, 'V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocExpbuf           = ioc(iocRead|iocWrite, 'V', 16, unsafe.Sizeof(v4l2ExportBuffer{}))
	vidiocDqbuf            = ioc(iocRead|iocWrite, 'V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon         = ioc(iocWrite, 'V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff        = ioc(iocWrite, 'V', 19, unsafe.Sizeof(int32(0)))
	vidiocDqevent          = ioc(iocRead, 'V', 89, unsafe.Sizeof(v4l2Event{}))
	vidiocSubscribeEvent   = ioc(iocWrite, 'V', 90, unsafe.Sizeof(v4l2EventSubscription{}))
	vidiocUnsubscribeEvent = ioc(iocWrite, 'V', 91, unsafe.Sizeof(v4l2EventSubscription{}))
)

// IOW builds a write-only ioctl request number, for driver private ioctls
// such as the UVC gadget's UVCIOC_SEND_RESPONSE.
func IOW(typ, nr byte, size uintptr) uintptr {
	return ioc(iocWrite, uintptr(typ), uintptr(nr), size)
}

// Ioctl issues a raw ioctl on fd, retrying on EINTR.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
