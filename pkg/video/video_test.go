package video

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFourCC(t *testing.T) {
	tests := []struct {
		in      string
		want    FourCC
		wantErr bool
	}{
		{in: "YUYV", want: PixelFormatYUYV},
		{in: "MJPG", want: PixelFormatMJPEG},
		{in: "NV12", want: PixelFormatNV12},
		{in: "YUV", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFourCC(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestFourCCValue(t *testing.T) {
	// V4L2_PIX_FMT_YUYV from videodev2.h
	assert.Equal(t, FourCC(0x56595559), PixelFormatYUYV)
	assert.True(t, PixelFormatMJPEG.Compressed())
	assert.False(t, PixelFormatYUYV.Compressed())
}

func TestFormatFrameSize(t *testing.T) {
	assert.Equal(t, uint32(640*480*2), Format{PixelFormatYUYV, 640, 480}.FrameSize())
	assert.Equal(t, uint32(1280*720*3/2), Format{PixelFormatNV12, 1280, 720}.FrameSize())
	assert.Zero(t, Format{PixelFormatMJPEG, 1280, 720}.FrameSize())
	assert.Equal(t, "YUYV 640x480", Format{PixelFormatYUYV, 640, 480}.String())
}

func TestBufferSet(t *testing.T) {
	set := NewBufferSet(4)
	require.Equal(t, 4, set.Len())
	for i, buf := range set.Buffers {
		assert.Equal(t, i, buf.Index)
		assert.Equal(t, -1, buf.Fd)
	}
	assert.NoError(t, set.Close())

	var nilSet *BufferSet
	assert.Zero(t, nilSet.Len())
	assert.NoError(t, nilSet.Close())
}

func TestBufferSetRelease(t *testing.T) {
	errRelease := errors.New("release failed")
	calls := 0
	set := NewBufferSet(2)
	set.Release = func() error {
		calls++
		return errRelease
	}

	assert.ErrorIs(t, set.Close(), errRelease)
	assert.NoError(t, set.Close(), "release runs once")
	assert.Equal(t, 1, calls)
}
