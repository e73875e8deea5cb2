package configfs

import (
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoshigion/uvc-gadget-upst/pkg/formats"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

const (
	cfsRoot = "/cfg"
	sysRoot = "/sys"
	fnDir   = "/cfg/usb_gadget/g1/functions/uvc.0"
)

var yuy2GUID = []byte{
	'Y', 'U', 'Y', '2', 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71,
}

func write(t *testing.T, fs afero.Fs, name, data string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, []byte(data), 0o644))
}

func writeFrame(t *testing.T, fs afero.Fs, dir string, index int, w, h, maxSize string, intervals string) {
	t.Helper()
	write(t, fs, path.Join(dir, "bFrameIndex"), string(rune('0'+index))+"\n")
	write(t, fs, path.Join(dir, "wWidth"), w+"\n")
	write(t, fs, path.Join(dir, "wHeight"), h+"\n")
	write(t, fs, path.Join(dir, "dwMaxVideoFrameBufferSize"), maxSize+"\n")
	write(t, fs, path.Join(dir, "dwDefaultFrameInterval"), "333333\n")
	write(t, fs, path.Join(dir, "dwFrameInterval"), intervals)
}

// gadget builds a function with one YUYV format (two frames) and one MJPEG
// format (one frame), bound to a UDC with a single video node.
func gadget(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	write(t, fs, "/cfg/usb_gadget/g1/UDC", "fe980000.usb\n")
	write(t, fs, path.Join(fnDir, "control/bInterfaceNumber"), "0\n")
	write(t, fs, path.Join(fnDir, "streaming/bInterfaceNumber"), "1\n")
	write(t, fs, path.Join(fnDir, "streaming_maxpacket"), "3072\n")
	write(t, fs, path.Join(fnDir, "streaming_maxburst"), "0\n")
	write(t, fs, path.Join(fnDir, "streaming_interval"), "1\n")

	u := path.Join(fnDir, "streaming/uncompressed/u")
	write(t, fs, path.Join(u, "bFormatIndex"), "1\n")
	write(t, fs, path.Join(u, "guidFormat"), string(yuy2GUID))
	writeFrame(t, fs, path.Join(u, "720p"), 2, "1280", "720", "1843200", "333333\n666666\n")
	writeFrame(t, fs, path.Join(u, "360p"), 1, "640", "360", "460800", "666666\n333333\n")

	m := path.Join(fnDir, "streaming/mjpeg/m")
	write(t, fs, path.Join(m, "bFormatIndex"), "2\n")
	writeFrame(t, fs, path.Join(m, "1080p"), 1, "1920", "1080", "4147200", "333333\n")

	// a format that was never linked into the header
	write(t, fs, path.Join(fnDir, "streaming/mjpeg/unused/bFormatIndex"), "0\n")

	write(t, fs, "/sys/class/udc/fe980000.usb/device/gadget.0/video4linux/video3/function_name", "uvc.0\n")
	return fs
}

func TestParse(t *testing.T) {
	fc, err := Parse(gadget(t), cfsRoot, sysRoot, "uvc.0")
	require.NoError(t, err)

	assert.Equal(t, "uvc.0", fc.Name)
	assert.Equal(t, fnDir, fc.Path)
	assert.Equal(t, "fe980000.usb", fc.UDC)
	assert.Equal(t, "/dev/video3", fc.VideoNode)
	assert.Equal(t, uint8(0), fc.Control.Interface)
	assert.Equal(t, uint8(1), fc.Streaming.Interface)
	assert.Equal(t, uint32(3072), fc.Streaming.MaxPacket)
	assert.Equal(t, uint32(1), fc.Streaming.Interval)

	require.Len(t, fc.Streaming.Formats, 2)

	yuyv := fc.Streaming.Formats[0]
	assert.Equal(t, uint8(1), yuyv.Index)
	assert.Equal(t, video.PixelFormatYUYV, yuyv.FourCC)
	assert.Equal(t, formats.CompressionFormatYUY2, yuyv.GUID)
	require.Len(t, yuyv.Frames, 2)
	assert.Equal(t, uint8(1), yuyv.Frames[0].Index)
	assert.Equal(t, uint16(640), yuyv.Frames[0].Width)
	assert.Equal(t, []uint32{333333, 666666}, yuyv.Frames[0].Intervals)
	assert.Equal(t, uint16(1280), yuyv.Frames[1].Width)
	assert.Equal(t, video.Format{FourCC: video.PixelFormatYUYV, Width: 1280, Height: 720}, yuyv.VideoFormat(&yuyv.Frames[1]))

	mjpeg := fc.Streaming.Formats[1]
	assert.Equal(t, video.PixelFormatMJPEG, mjpeg.FourCC)
	require.Len(t, mjpeg.Frames, 1)
	assert.Equal(t, uint32(4147200), mjpeg.Frames[0].MaxVideoFrameBufferSize)
	assert.Equal(t, uint32(333333), mjpeg.Frames[0].DefaultInterval)
}

func TestParseDefaultFunction(t *testing.T) {
	fc, err := Parse(gadget(t), cfsRoot, sysRoot, "")
	require.NoError(t, err)
	assert.Equal(t, "uvc.0", fc.Name)
}

func TestParseNotFound(t *testing.T) {
	_, err := Parse(gadget(t), cfsRoot, sysRoot, "uvc.7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseUnbound(t *testing.T) {
	fs := gadget(t)
	write(t, fs, "/cfg/usb_gadget/g1/UDC", "\n")
	_, err := Parse(fs, cfsRoot, sysRoot, "uvc.0")
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestParseVideoNodeOtherFunction(t *testing.T) {
	fs := gadget(t)
	write(t, fs, "/sys/class/udc/fe980000.usb/device/gadget.0/video4linux/video3/function_name", "uvc.1\n")
	_, err := Parse(fs, cfsRoot, sysRoot, "uvc.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseBadAttribute(t *testing.T) {
	fs := gadget(t)
	write(t, fs, path.Join(fnDir, "streaming_maxpacket"), "lots\n")
	_, err := Parse(fs, cfsRoot, sysRoot, "uvc.0")
	assert.ErrorContains(t, err, "streaming_maxpacket")
}

func TestParseUnknownGUID(t *testing.T) {
	fs := gadget(t)
	guid := append([]byte(nil), yuy2GUID...)
	copy(guid, "ABCD")
	write(t, fs, path.Join(fnDir, "streaming/uncompressed/u/guidFormat"), string(guid))
	_, err := Parse(fs, cfsRoot, sysRoot, "uvc.0")
	assert.ErrorContains(t, err, "unsupported format guid")
}
