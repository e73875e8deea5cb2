// Package descriptors encodes the UVC video probe and commit control.
package descriptors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sizes of the probe and commit control for each UVC revision.
const (
	ProbeCommitSize10 = 26
	ProbeCommitSize11 = 34
	ProbeCommitSize15 = 48
)

var ErrShortControl = errors.New("descriptors: probe/commit control too short")

// VideoProbeCommitControl is the payload of VS_PROBE_CONTROL and
// VS_COMMIT_CONTROL, UVC 1.5 section 4.3.1.1. FrameInterval is carried on
// the wire in 100ns units.
type VideoProbeCommitControl struct {
	HintBitmask            uint16
	FormatIndex            uint8
	FrameIndex             uint8
	FrameInterval          time.Duration
	KeyFrameRate           uint16
	PFrameRate             uint16
	CompQuality            uint16
	CompWindowSize         uint16
	Delay                  uint16
	MaxVideoFrameSize      uint32
	MaxPayloadTransferSize uint32

	// uvc 1.1
	ClockFrequency     uint32
	FramingInfoBitmask uint8
	PreferedVersion    uint8
	MinVersion         uint8
	MaxVersion         uint8

	// uvc 1.5
	Usage                     uint8
	BitDepthLuma              uint8
	SettingsBitmask           uint8
	MaxNumberOfRefFramesPlus1 uint8
	RateControlModes          uint16
	LayoutPerStream           [4]uint16
}

func (c *VideoProbeCommitControl) String() string {
	return fmt.Sprintf("format %d frame %d interval %v max frame %d max payload %d",
		c.FormatIndex, c.FrameIndex, c.FrameInterval, c.MaxVideoFrameSize, c.MaxPayloadTransferSize)
}

// MarshalInto encodes as many revisions of the control as fit in buf.
func (c *VideoProbeCommitControl) MarshalInto(buf []byte) error {
	if len(buf) < ProbeCommitSize10 {
		return fmt.Errorf("%w: %d bytes", ErrShortControl, len(buf))
	}
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], c.HintBitmask)
	buf[2] = c.FormatIndex
	buf[3] = c.FrameIndex
	le.PutUint32(buf[4:8], uint32(c.FrameInterval/(100*time.Nanosecond)))
	le.PutUint16(buf[8:10], c.KeyFrameRate)
	le.PutUint16(buf[10:12], c.PFrameRate)
	le.PutUint16(buf[12:14], c.CompQuality)
	le.PutUint16(buf[14:16], c.CompWindowSize)
	le.PutUint16(buf[16:18], c.Delay)
	le.PutUint32(buf[18:22], c.MaxVideoFrameSize)
	le.PutUint32(buf[22:26], c.MaxPayloadTransferSize)

	if len(buf) >= ProbeCommitSize11 {
		le.PutUint32(buf[26:30], c.ClockFrequency)
		buf[30] = c.FramingInfoBitmask
		buf[31] = c.PreferedVersion
		buf[32] = c.MinVersion
		buf[33] = c.MaxVersion
	}
	if len(buf) >= ProbeCommitSize15 {
		buf[34] = c.Usage
		buf[35] = c.BitDepthLuma
		buf[36] = c.SettingsBitmask
		buf[37] = c.MaxNumberOfRefFramesPlus1
		le.PutUint16(buf[38:40], c.RateControlModes)
		for i, layout := range c.LayoutPerStream {
			le.PutUint16(buf[40+2*i:], layout)
		}
	}
	return nil
}

func (c *VideoProbeCommitControl) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ProbeCommitSize15)
	return buf, c.MarshalInto(buf)
}

// UnmarshalBinary decodes a 1.0, 1.1 or 1.5 control depending on len(buf).
// Fields from later revisions are left untouched.
func (c *VideoProbeCommitControl) UnmarshalBinary(buf []byte) error {
	if len(buf) < ProbeCommitSize10 {
		return fmt.Errorf("%w: %d bytes", ErrShortControl, len(buf))
	}
	le := binary.LittleEndian
	c.HintBitmask = le.Uint16(buf[0:2])
	c.FormatIndex = buf[2]
	c.FrameIndex = buf[3]
	c.FrameInterval = time.Duration(le.Uint32(buf[4:8])) * 100 * time.Nanosecond
	c.KeyFrameRate = le.Uint16(buf[8:10])
	c.PFrameRate = le.Uint16(buf[10:12])
	c.CompQuality = le.Uint16(buf[12:14])
	c.CompWindowSize = le.Uint16(buf[14:16])
	c.Delay = le.Uint16(buf[16:18])
	c.MaxVideoFrameSize = le.Uint32(buf[18:22])
	c.MaxPayloadTransferSize = le.Uint32(buf[22:26])

	if len(buf) >= ProbeCommitSize11 {
		c.ClockFrequency = le.Uint32(buf[26:30])
		c.FramingInfoBitmask = buf[30]
		c.PreferedVersion = buf[31]
		c.MinVersion = buf[32]
		c.MaxVersion = buf[33]
	}
	if len(buf) >= ProbeCommitSize15 {
		c.Usage = buf[34]
		c.BitDepthLuma = buf[35]
		c.SettingsBitmask = buf[36]
		c.MaxNumberOfRefFramesPlus1 = buf[37]
		c.RateControlModes = le.Uint16(buf[38:40])
		for i := range c.LayoutPerStream {
			c.LayoutPerStream[i] = le.Uint16(buf[40+2*i:])
		}
	}
	return nil
}
