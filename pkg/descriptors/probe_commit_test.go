package descriptors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoProbeCommitControl_RoundTrip(t *testing.T) {
	original := VideoProbeCommitControl{
		HintBitmask:            1,
		FormatIndex:            1,
		FrameIndex:             2,
		FrameInterval:          33333300 * time.Nanosecond,
		KeyFrameRate:           30,
		CompQuality:            5000,
		MaxVideoFrameSize:      1920 * 1080 * 2,
		MaxPayloadTransferSize: 3072,
		ClockFrequency:         48000000,
		FramingInfoBitmask:     3,
		PreferedVersion:        1,
		MaxVersion:             1,
		Usage:                  1,
		RateControlModes:       0x0102,
		LayoutPerStream:        [4]uint16{1, 2, 3, 4},
	}

	data, err := original.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, ProbeCommitSize15)

	var decoded VideoProbeCommitControl
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, original, decoded)
}

func TestVideoProbeCommitControl_UVC10(t *testing.T) {
	buf := make([]byte, ProbeCommitSize10)
	buf[2] = 1
	buf[3] = 2
	copy(buf[4:8], []byte{0x15, 0x16, 0x05, 0x00}) // 333333
	copy(buf[18:22], []byte{0x00, 0x00, 0x10, 0x00})

	c := VideoProbeCommitControl{ClockFrequency: 7}
	require.NoError(t, c.UnmarshalBinary(buf))
	assert.Equal(t, uint8(1), c.FormatIndex)
	assert.Equal(t, uint8(2), c.FrameIndex)
	assert.Equal(t, 33333300*time.Nanosecond, c.FrameInterval)
	assert.Equal(t, uint32(1<<20), c.MaxVideoFrameSize)
	assert.Equal(t, uint32(7), c.ClockFrequency, "1.1 fields are left alone")
}

func TestVideoProbeCommitControl_MarshalInto(t *testing.T) {
	c := VideoProbeCommitControl{
		FormatIndex:        2,
		FrameInterval:      100 * time.Millisecond,
		FramingInfoBitmask: 3,
		Usage:              9,
	}

	buf := make([]byte, ProbeCommitSize11)
	require.NoError(t, c.MarshalInto(buf))
	assert.Equal(t, byte(2), buf[2])
	assert.Equal(t, []byte{0x40, 0x42, 0x0f, 0x00}, buf[4:8])
	assert.Equal(t, byte(3), buf[30])

	// the 1.5 fields must not be written past a 1.1 buffer
	buf = make([]byte, 40)
	require.NoError(t, c.MarshalInto(buf))
	assert.Equal(t, byte(0), buf[34])
}

func TestVideoProbeCommitControl_Short(t *testing.T) {
	var c VideoProbeCommitControl
	assert.ErrorIs(t, c.UnmarshalBinary(make([]byte, 25)), ErrShortControl)
	assert.ErrorIs(t, c.MarshalInto(make([]byte, 10)), ErrShortControl)
}

func TestVideoProbeCommitControl_String(t *testing.T) {
	c := VideoProbeCommitControl{FormatIndex: 1, FrameIndex: 3, FrameInterval: 40 * time.Millisecond, MaxVideoFrameSize: 10}
	assert.Equal(t, "format 1 frame 3 interval 40ms max frame 10 max payload 0", c.String())
}
