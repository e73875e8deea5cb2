// Package formats maps the GUIDs used by UVC uncompressed format descriptors
// to V4L2 pixel format codes.
package formats

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

type CompressionFormat [16]byte

var (
	CompressionFormatYUY2 = CompressionFormat(uuid.MustParse("32595559-0000-0010-8000-00AA00389B71"))
	CompressionFormatNV12 = CompressionFormat(uuid.MustParse("3231564E-0000-0010-8000-00AA00389B71"))
	CompressionFormatM420 = CompressionFormat(uuid.MustParse("3032344D-0000-0010-8000-00AA00389B71"))
	CompressionFormatI420 = CompressionFormat(uuid.MustParse("30323449-0000-0010-8000-00AA00389B71"))
)

var fourccs = map[CompressionFormat]video.FourCC{
	CompressionFormatYUY2: video.PixelFormatYUYV,
	CompressionFormatNV12: video.PixelFormatNV12,
}

// FromGUIDBytes converts the 16 raw bytes of a guidFormat field. The bytes
// are stored in the mixed endian layout used by USB descriptors, which is
// also the layout the kernel exposes through configfs.
func FromGUIDBytes(b []byte) (CompressionFormat, error) {
	var cf CompressionFormat
	if len(b) != len(cf) {
		return cf, fmt.Errorf("guid must be %d bytes, got %d", len(cf), len(b))
	}
	// uuid.UUID is big endian throughout; the first three fields of a
	// descriptor GUID are little endian.
	cf = CompressionFormat{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}
	return cf, nil
}

func (cf CompressionFormat) String() string {
	return uuid.UUID(cf).String()
}

// FourCC returns the pixel format for cf.
func (cf CompressionFormat) FourCC() (video.FourCC, bool) {
	f, ok := fourccs[cf]
	return f, ok
}

// FromFourCC returns the GUID describing f.
func FromFourCC(f video.FourCC) (CompressionFormat, bool) {
	for cf, v := range fourccs {
		if v == f {
			return cf, true
		}
	}
	return CompressionFormat{}, false
}
