//go:build linux

// Package testsrc is a software video source. It renders moving color bars
// or a still image into memfd backed buffers that are shared as DMABUF
// handles through /dev/udmabuf, paced by a timer.
package testsrc

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/v4l2"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

const (
	udmabufPath  = "/dev/udmabuf"
	jpegQuality  = 80
	barsSpeed    = 4 // pixels per frame
	DefaultFPS   = 30
	udmabufFlags = 0x01 // UDMABUF_FLAGS_CLOEXEC
)

type Pattern string

const (
	PatternBars  Pattern = "bars"
	PatternImage Pattern = "image"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrBusy              = errors.New("buffers are allocated")
	ErrNoFormat          = errors.New("format not set")
)

// udmabufCreate mirrors struct udmabuf_create.
type udmabufCreate struct {
	memfd  uint32
	flags  uint32
	offset uint64
	size   uint64
}

var udmabufCreateIoctl = v4l2.IOW('u', 0x42, unsafe.Sizeof(udmabufCreate{}))

type Config struct {
	Pattern Pattern
	// Image is the still image shown by PatternImage, any format the
	// standard library decodes.
	Image string
	FPS   int
}

type Option func(*Source)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Source) { s.log = log }
}

type buffer struct {
	memfd  int
	dmabuf int
	mem    []byte
}

// Source renders test frames.
type Source struct {
	cfg      Config
	notifier events.Notifier
	handler  video.BufferHandler
	log      logrus.FieldLogger

	format video.Format
	image  image.Image
	still  *image.RGBA
	canvas *image.RGBA

	buffers []*buffer
	free    []int
	timerfd int
	frames  uint64
	start   time.Time
}

// New creates a test source. Frames are produced when the timer it
// registers with notifier fires.
func New(cfg Config, notifier events.Notifier, opts ...Option) (*Source, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	s := &Source{cfg: cfg, notifier: notifier, log: logrus.StandardLogger(), timerfd: -1}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("source", "test")

	switch cfg.Pattern {
	case PatternBars, "":
		s.cfg.Pattern = PatternBars
	case PatternImage:
		f, err := os.Open(cfg.Image)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", cfg.Image, err)
		}
		s.image = img
	default:
		return nil, fmt.Errorf("unknown pattern %q", cfg.Pattern)
	}
	return s, nil
}

func (s *Source) SetBufferHandler(h video.BufferHandler) { s.handler = h }

// SetFormat selects the frame format. YUYV and MJPEG are supported.
func (s *Source) SetFormat(format video.Format) error {
	if format.FourCC != video.PixelFormatYUYV && format.FourCC != video.PixelFormatMJPEG {
		return fmt.Errorf("%s: %w", format.FourCC, ErrUnsupportedFormat)
	}
	if len(s.buffers) != 0 {
		return ErrBusy
	}
	w, h := int(format.Width), int(format.Height)
	s.format = format
	s.canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	if s.image != nil {
		s.still = scale(s.image, w, h)
	}
	return nil
}

// bufferSize is the page aligned buffer size for the current format.
// Compressed frames are bounded by the size of a raw YUYV frame.
func (s *Source) bufferSize() int {
	size := int(s.format.Width * s.format.Height * 2)
	page := os.Getpagesize()
	return (size + page - 1) / page * page
}

func (s *Source) AllocBuffers(n int) error {
	if s.format == (video.Format{}) {
		return ErrNoFormat
	}
	if len(s.buffers) != 0 {
		return ErrBusy
	}
	dev, err := unix.Open(udmabufPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", udmabufPath, err)
	}
	defer unix.Close(dev)

	size := s.bufferSize()
	for i := 0; i < n; i++ {
		buf, err := newBuffer(dev, i, size)
		if err != nil {
			s.FreeBuffers()
			return err
		}
		s.buffers = append(s.buffers, buf)
	}
	return nil
}

func newBuffer(dev, index, size int) (*buffer, error) {
	memfd, err := unix.MemfdCreate(fmt.Sprintf("uvc-testsrc-%d", index), unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	b := &buffer{memfd: memfd, dmabuf: -1}
	if err := unix.Ftruncate(memfd, int64(size)); err != nil {
		b.close()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	// udmabuf refuses memfds that could shrink under it.
	if _, err := unix.FcntlInt(uintptr(memfd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		b.close()
		return nil, fmt.Errorf("seal memfd: %w", err)
	}
	b.mem, err = unix.Mmap(memfd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	create := udmabufCreate{memfd: uint32(memfd), flags: udmabufFlags, size: uint64(size)}
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(dev), udmabufCreateIoctl, uintptr(unsafe.Pointer(&create)))
	if errno != 0 {
		b.close()
		return nil, fmt.Errorf("UDMABUF_CREATE: %w", errno)
	}
	b.dmabuf = int(fd)
	return b, nil
}

func (b *buffer) close() error {
	var err error
	if b.mem != nil {
		err = multierr.Append(err, unix.Munmap(b.mem))
		b.mem = nil
	}
	if b.dmabuf >= 0 {
		err = multierr.Append(err, unix.Close(b.dmabuf))
		b.dmabuf = -1
	}
	if b.memfd >= 0 {
		err = multierr.Append(err, unix.Close(b.memfd))
		b.memfd = -1
	}
	return err
}

// ExportBuffers returns duplicates of the buffers' DMABUF handles.
func (s *Source) ExportBuffers() (*video.BufferSet, error) {
	set := &video.BufferSet{}
	for i, b := range s.buffers {
		fd, err := unix.FcntlInt(uintptr(b.dmabuf), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("dup buffer %d: %w", i, err)
		}
		set.Buffers = append(set.Buffers, &video.Buffer{Index: i, Size: uint32(len(b.mem)), Fd: fd, Mem: b.mem})
	}
	return set, nil
}

func (s *Source) FreeBuffers() error {
	var err error
	for _, b := range s.buffers {
		err = multierr.Append(err, b.close())
	}
	s.buffers = nil
	s.free = nil
	return err
}

// StreamOn makes every buffer available for rendering and starts the
// frame timer.
func (s *Source) StreamOn() error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("timerfd_create: %w", err)
	}
	period := unix.NsecToTimespec(int64(time.Second) / int64(s.cfg.FPS))
	if err := unix.TimerfdSettime(fd, 0, &unix.ItimerSpec{Interval: period, Value: period}, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	if err := s.notifier.Watch(fd, events.Read, s); err != nil {
		unix.Close(fd)
		return fmt.Errorf("watch timer: %w", err)
	}
	s.timerfd = fd
	s.free = s.free[:0]
	for i := range s.buffers {
		s.free = append(s.free, i)
	}
	s.start = time.Now()
	return nil
}

func (s *Source) StreamOff() error {
	if s.timerfd < 0 {
		return nil
	}
	err := s.notifier.Unwatch(s.timerfd, events.Read)
	err = multierr.Append(err, unix.Close(s.timerfd))
	s.timerfd = -1
	s.free = nil
	return err
}

// QueueBuffer returns an empty buffer to the source.
func (s *Source) QueueBuffer(buf *video.Buffer) error {
	if buf.Index < 0 || buf.Index >= len(s.buffers) {
		return fmt.Errorf("buffer index %d out of range", buf.Index)
	}
	s.free = append(s.free, buf.Index)
	return nil
}

// HandleEvent renders a frame each time the timer expires.
func (s *Source) HandleEvent(fd int, ready events.Interest) {
	var expirations [8]byte
	if _, err := unix.Read(fd, expirations[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		s.log.WithError(err).Error("read timer")
		return
	}
	s.produce()
}

func (s *Source) produce() {
	if len(s.free) == 0 {
		s.log.Debug("no free buffer, skipping frame")
		return
	}
	idx := s.free[0]
	s.free = s.free[1:]
	b := s.buffers[idx]

	n, err := s.render(b.mem)
	if err != nil {
		s.log.WithError(err).Error("render frame")
		s.free = append(s.free, idx)
		return
	}
	s.frames++

	buf := &video.Buffer{
		Index:     idx,
		Size:      uint32(len(b.mem)),
		BytesUsed: uint32(n),
		Fd:        b.dmabuf,
		Mem:       b.mem,
		Timestamp: time.Since(s.start),
	}
	if s.handler == nil {
		s.free = append(s.free, idx)
		return
	}
	s.handler.OnBufferProduced(buf)
}

func (s *Source) render(dst []byte) (int, error) {
	img := s.still
	if img == nil {
		drawBars(s.canvas, int(s.frames*barsSpeed)%max(s.canvas.Bounds().Dx(), 1))
		img = s.canvas
	}
	switch s.format.FourCC {
	case video.PixelFormatYUYV:
		return toYUYV(dst, img), nil
	case video.PixelFormatMJPEG:
		return encodeJPEG(dst, img, jpegQuality)
	}
	return 0, ErrNoFormat
}

// Close stops the source and releases its buffers.
func (s *Source) Close() error {
	return multierr.Append(s.StreamOff(), s.FreeBuffers())
}
