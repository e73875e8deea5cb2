package formats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

func TestFromGUIDBytes(t *testing.T) {
	// guidFormat of a YUY2 uncompressed format as read from configfs
	raw := []byte{
		'Y', 'U', 'Y', '2', 0x00, 0x00, 0x10, 0x00,
		0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71,
	}
	cf, err := FromGUIDBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, CompressionFormatYUY2, cf)

	f, ok := cf.FourCC()
	require.True(t, ok)
	assert.Equal(t, video.PixelFormatYUYV, f)
}

func TestFromGUIDBytesLength(t *testing.T) {
	_, err := FromGUIDBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFourCC(t *testing.T) {
	tests := []struct {
		cf   CompressionFormat
		want video.FourCC
		ok   bool
	}{
		{CompressionFormatYUY2, video.PixelFormatYUYV, true},
		{CompressionFormatNV12, video.PixelFormatNV12, true},
		{CompressionFormatI420, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.cf.String(), func(t *testing.T) {
			got, ok := tt.cf.FourCC()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromFourCC(t *testing.T) {
	cf, ok := FromFourCC(video.PixelFormatNV12)
	require.True(t, ok)
	assert.Equal(t, CompressionFormatNV12, cf)

	_, ok = FromFourCC(video.PixelFormatMJPEG)
	assert.False(t, ok)
}
