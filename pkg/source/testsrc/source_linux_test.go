//go:build linux

package testsrc

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

type nopNotifier struct{}

func (nopNotifier) Watch(int, events.Interest, events.Handler) error { return nil }
func (nopNotifier) Unwatch(int, events.Interest) error               { return nil }

var yuyv = video.Format{FourCC: video.PixelFormatYUYV, Width: 64, Height: 48}

// withMemoryBuffers gives s n plain memory buffers, all free.
func withMemoryBuffers(s *Source, n int) {
	for i := 0; i < n; i++ {
		s.buffers = append(s.buffers, &buffer{memfd: -1, dmabuf: -1, mem: make([]byte, s.bufferSize())})
		s.free = append(s.free, i)
	}
}

func TestNewRejectsUnknownPattern(t *testing.T) {
	_, err := New(Config{Pattern: "plaid"}, nopNotifier{})
	assert.Error(t, err)
}

func TestSetFormat(t *testing.T) {
	s, err := New(Config{}, nopNotifier{})
	require.NoError(t, err)
	assert.Equal(t, PatternBars, s.cfg.Pattern)
	assert.Equal(t, DefaultFPS, s.cfg.FPS)

	assert.ErrorIs(t, s.SetFormat(video.Format{FourCC: video.PixelFormatNV12, Width: 64, Height: 48}), ErrUnsupportedFormat)
	require.NoError(t, s.SetFormat(yuyv))
	assert.Zero(t, s.bufferSize()%os.Getpagesize())
	assert.GreaterOrEqual(t, s.bufferSize(), int(yuyv.FrameSize()))

	withMemoryBuffers(s, 1)
	assert.ErrorIs(t, s.SetFormat(yuyv), ErrBusy)
}

func TestAllocWithoutFormat(t *testing.T) {
	s, err := New(Config{}, nopNotifier{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.AllocBuffers(4), ErrNoFormat)
}

func TestProduceCycle(t *testing.T) {
	s, err := New(Config{}, nopNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.SetFormat(yuyv))
	withMemoryBuffers(s, 2)

	var got []*video.Buffer
	s.SetBufferHandler(video.BufferHandlerFunc(func(buf *video.Buffer) { got = append(got, buf) }))

	s.produce()
	s.produce()
	s.produce() // no free buffer left
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, yuyv.FrameSize(), got[0].BytesUsed)
	assert.Empty(t, s.free)

	require.NoError(t, s.QueueBuffer(got[0]))
	s.produce()
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[2].Index)

	assert.Error(t, s.QueueBuffer(&video.Buffer{Index: 5}))
}

func TestProduceMJPEGImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.SetRGBA(0, 0, color.RGBA{255, 0, 0, 255})
	path := filepath.Join(t.TempDir(), "still.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	s, err := New(Config{Pattern: PatternImage, Image: path}, nopNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.SetFormat(video.Format{FourCC: video.PixelFormatMJPEG, Width: 64, Height: 48}))
	require.NotNil(t, s.still)
	assert.Equal(t, image.Rect(0, 0, 64, 48), s.still.Bounds())
	withMemoryBuffers(s, 1)

	var got *video.Buffer
	s.SetBufferHandler(video.BufferHandlerFunc(func(buf *video.Buffer) { got = buf }))
	s.produce()
	require.NotNil(t, got)
	assert.Positive(t, got.BytesUsed)
	assert.Equal(t, []byte{0xff, 0xd8}, got.Mem[:2])
}

func TestUdmabufBuffers(t *testing.T) {
	if _, err := os.Stat(udmabufPath); err != nil {
		t.Skipf("%s not available", udmabufPath)
	}
	s, err := New(Config{}, nopNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.SetFormat(yuyv))
	if err := s.AllocBuffers(2); err != nil {
		t.Skipf("udmabuf allocation: %v", err)
	}
	defer s.Close()

	set, err := s.ExportBuffers()
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	for i, buf := range set.Buffers {
		assert.Equal(t, i, buf.Index)
		assert.GreaterOrEqual(t, buf.Fd, 0)
		assert.NotEqual(t, s.buffers[i].dmabuf, buf.Fd, "exported handles are duplicates")
	}
	require.NoError(t, set.Close())
	require.NoError(t, s.FreeBuffers())
	assert.Empty(t, s.buffers)
}
