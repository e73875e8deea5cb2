//go:build linux && (amd64 || arm64)

package v4l2

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestStructSizes(t *testing.T) {
	assert.EqualValues(t, 104, unsafe.Sizeof(v4l2Capability{}))
	assert.EqualValues(t, 48, unsafe.Sizeof(v4l2PixFormat{}))
	assert.EqualValues(t, 208, unsafe.Sizeof(v4l2Format{}))
	assert.EqualValues(t, 8, unsafe.Offsetof(v4l2Format{}.fmt))
	assert.EqualValues(t, 20, unsafe.Sizeof(v4l2RequestBuffers{}))
	assert.EqualValues(t, 88, unsafe.Sizeof(v4l2Buffer{}))
	assert.EqualValues(t, 64, unsafe.Offsetof(v4l2Buffer{}.m))
	assert.EqualValues(t, 64, unsafe.Sizeof(v4l2ExportBuffer{}))
	assert.EqualValues(t, 32, unsafe.Sizeof(v4l2EventSubscription{}))
	assert.EqualValues(t, 136, unsafe.Sizeof(v4l2Event{}))
	assert.EqualValues(t, 8, unsafe.Offsetof(v4l2Event{}.u))
}

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"VIDIOC_QUERYCAP", vidiocQuerycap, 0x80685600},
		{"VIDIOC_G_FMT", vidiocGFmt, 0xc0d05604},
		{"VIDIOC_S_FMT", vidiocSFmt, 0xc0d05605},
		{"VIDIOC_REQBUFS", vidiocReqbufs, 0xc0145608},
		{"VIDIOC_QUERYBUF", vidiocQuerybuf, 0xc0585609},
		{"VIDIOC_QBUF", vidiocQbuf, 0xc058560f},
		{"VIDIOC_EXPBUF", vidiocExpbuf, 0xc0405610},
		{"VIDIOC_DQBUF", vidiocDqbuf, 0xc0585611},
		{"VIDIOC_STREAMON", vidiocStreamon, 0x40045612},
		{"VIDIOC_STREAMOFF", vidiocStreamoff, 0x40045613},
		{"VIDIOC_DQEVENT", vidiocDqevent, 0x80885659},
		{"VIDIOC_SUBSCRIBE_EVENT", vidiocSubscribeEvent, 0x4020565a},
		{"VIDIOC_UNSUBSCRIBE_EVENT", vidiocUnsubscribeEvent, 0x4020565b},
	}
	for _, tt := range tests {
		assert.Equal(t, fmt.Sprintf("0x%08x", tt.want), fmt.Sprintf("0x%08x", tt.got), tt.name)
	}
}

func TestPixFormatOverlay(t *testing.T) {
	f := v4l2Format{typ: BufTypeVideoOutput}
	f.pix().width = 1280
	f.pix().height = 720
	assert.Equal(t, byte(0x00), f.fmt.raw[0])
	assert.Equal(t, byte(0x05), f.fmt.raw[1])
	assert.Equal(t, byte(0xd0), f.fmt.raw[4])
	assert.Equal(t, byte(0x02), f.fmt.raw[5])
}

func TestPrivateEvent(t *testing.T) {
	assert.Equal(t, uint32(0x08000000), PrivateEvent(0))
	assert.Equal(t, uint32(0x08000005), PrivateEvent(5))
}

func TestCString(t *testing.T) {
	assert.Equal(t, "uvc", cstring([]byte{'u', 'v', 'c', 0, 'x'}))
	assert.Equal(t, "abc", cstring([]byte("abc")))
}

func TestMemoryString(t *testing.T) {
	assert.Equal(t, "mmap", MemoryMMAP.String())
	assert.Equal(t, "dmabuf", MemoryDMABUF.String())
	assert.Equal(t, "unknown", Memory(0).String())
}
