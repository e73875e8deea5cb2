//go:build linux

package uvc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
	"github.com/yoshigion/uvc-gadget-upst/pkg/descriptors"
	"github.com/yoshigion/uvc-gadget-upst/pkg/requests"
	"github.com/yoshigion/uvc-gadget-upst/pkg/v4l2"
)

// streamingControlSize is the length of the UVC 1.1 probe and commit
// controls exchanged with the host.
const streamingControlSize = descriptors.ProbeCommitSize11

// The length of a streaming control in the big endian layout GET_LEN
// answers with.
var streamingControlLen = [2]byte{0x00, streamingControlSize}

const (
	infoSupportsGet = 1 << 0
	infoSupportsSet = 1 << 1
)

func (d *Device) processEvent(ev *v4l2.Event) {
	// A negative length makes the gadget driver stall the control request.
	resp := &requestData{length: -int32(unix.EL2HLT)}

	switch ev.Type {
	case EventConnect:
		d.log.WithField("speed", binary.NativeEndian.Uint32(ev.Data[0:4])).Info("host connected")
		return
	case EventDisconnect:
		d.log.Info("host disconnected")
		return
	case EventSetup:
		var req requests.ControlRequest
		if err := req.UnmarshalBinary(ev.Data[:requests.ControlRequestSize]); err != nil {
			d.log.WithError(err).Warn("malformed setup event")
			break
		}
		d.processSetup(&req, resp)
	case EventData:
		length := int32(binary.NativeEndian.Uint32(ev.Data[0:4]))
		err := d.processData(ev.Data[4:], length)
		if err == nil {
			return
		}
		d.log.WithError(err).Warn("rejected control data")
	case EventStreamOn:
		d.enable(true)
		return
	case EventStreamOff:
		d.enable(false)
		return
	default:
		d.log.WithField("type", fmt.Sprintf("0x%08x", ev.Type)).Debug("ignoring event")
		return
	}

	if err := d.node.SendResponse(resp); err != nil {
		d.log.WithError(err).Error("failed to send response")
	}
}

func (d *Device) enable(on bool) {
	if err := d.controller.Enable(on); err != nil {
		d.log.WithError(err).WithField("enable", on).Error("failed to switch stream")
	}
}

func (d *Device) processSetup(req *requests.ControlRequest, resp *requestData) {
	d.control = 0
	d.log.WithField("request", req.String()).Debug("setup")

	if !req.RequestType.IsClass() || !req.RequestType.IsInterface() || d.fc == nil {
		return
	}
	switch req.Interface() {
	case d.fc.Control.Interface:
		// No video control is implemented: every request is stalled.
		d.log.WithFields(logrus.Fields{
			"request":  req.Request,
			"selector": req.Selector(),
		}).Debug("control request")
	case d.fc.Streaming.Interface:
		d.processStreaming(req.Request, requests.VideoStreamingControlSelector(req.Selector()), resp)
	}
}

func (d *Device) processStreaming(code requests.RequestCode, cs requests.VideoStreamingControlSelector, resp *requestData) {
	if cs != requests.VideoStreamingControlSelectorProbe && cs != requests.VideoStreamingControlSelectorCommit {
		return
	}

	var ctrl descriptors.VideoProbeCommitControl
	resp.length = streamingControlSize

	switch code {
	case requests.RequestCodeSetCur:
		d.control = uint8(cs)
		return
	case requests.RequestCodeGetCur:
		if cs == requests.VideoStreamingControlSelectorProbe {
			ctrl = d.probe
		} else {
			ctrl = d.commit
		}
	case requests.RequestCodeGetMin, requests.RequestCodeGetDef:
		d.fillStreamingControl(&ctrl, 0, 0, 0)
	case requests.RequestCodeGetMax:
		d.fillStreamingControl(&ctrl, -1, -1, math.MaxUint32)
	case requests.RequestCodeGetRes:
		// all zero
	case requests.RequestCodeGetLen:
		copy(resp.data[:], streamingControlLen[:])
		resp.length = int32(len(streamingControlLen))
		return
	case requests.RequestCodeGetInfo:
		resp.data[0] = infoSupportsGet | infoSupportsSet
		resp.length = 1
		return
	default:
		resp.length = -int32(unix.EL2HLT)
		return
	}
	ctrl.MarshalInto(resp.data[:streamingControlSize])
}

// processData handles the data stage of a SET_CUR on the probe or commit
// control. The requested format and frame are clamped to those the function
// offers; a commit applies the result to the stream.
func (d *Device) processData(data []byte, length int32) error {
	var target *descriptors.VideoProbeCommitControl
	switch requests.VideoStreamingControlSelector(d.control) {
	case requests.VideoStreamingControlSelectorProbe:
		target = &d.probe
	case requests.VideoStreamingControlSelectorCommit:
		target = &d.commit
	default:
		d.log.WithField("length", length).Debug("data for unknown control")
		return nil
	}
	if d.fc == nil {
		return ErrNotConfigured
	}
	if length < descriptors.ProbeCommitSize10 || int(length) > len(data) {
		return fmt.Errorf("streaming control of %d bytes", length)
	}

	// UVC 1.0 hosts send the short control.
	n := descriptors.ProbeCommitSize10
	if length >= streamingControlSize {
		n = streamingControlSize
	}
	var ctrl descriptors.VideoProbeCommitControl
	if err := ctrl.UnmarshalBinary(data[:n]); err != nil {
		return err
	}

	formats := d.fc.Streaming.Formats
	iformat := clamp(int(ctrl.FormatIndex), 1, len(formats))
	format := &formats[iformat-1]
	if len(format.Frames) == 0 {
		return fmt.Errorf("format %d has no frames", iformat)
	}
	iframe := clamp(int(ctrl.FrameIndex), 1, len(format.Frames))
	frame := &format.Frames[iframe-1]

	target.FormatIndex = uint8(iformat)
	target.FrameIndex = uint8(iframe)
	target.MaxVideoFrameSize = maxVideoFrameSize(format, frame)
	target.FrameInterval = intervalDuration(pickInterval(frame, toInterval(ctrl.FrameInterval)))

	if requests.VideoStreamingControlSelector(d.control) != requests.VideoStreamingControlSelectorCommit {
		return nil
	}
	vf := format.VideoFormat(frame)
	d.log.WithField("format", vf.String()).Info("format committed")
	if err := d.controller.SetFormat(vf); err != nil {
		return fmt.Errorf("set format %s: %w", vf, err)
	}
	return nil
}

// fillStreamingControl describes frame iframe of format iformat at the
// first supported interval not shorter than ival. Negative indices count
// from the end; out of range indices leave ctrl untouched.
func (d *Device) fillStreamingControl(ctrl *descriptors.VideoProbeCommitControl, iformat, iframe int, ival uint32) {
	formats := d.fc.Streaming.Formats
	if iformat < 0 {
		iformat += len(formats)
	}
	if iformat < 0 || iformat >= len(formats) {
		return
	}
	format := &formats[iformat]

	if iframe < 0 {
		iframe += len(format.Frames)
	}
	if iframe < 0 || iframe >= len(format.Frames) {
		return
	}
	frame := &format.Frames[iframe]

	*ctrl = descriptors.VideoProbeCommitControl{
		HintBitmask:            1,
		FormatIndex:            uint8(iformat + 1),
		FrameIndex:             uint8(iframe + 1),
		FrameInterval:          intervalDuration(pickInterval(frame, ival)),
		MaxVideoFrameSize:      maxVideoFrameSize(format, frame),
		MaxPayloadTransferSize: d.fc.Streaming.MaxPacket,
		FramingInfoBitmask:     3,
		PreferedVersion:        1,
		MaxVersion:             1,
	}
}

func maxVideoFrameSize(format *configfs.Format, frame *configfs.Frame) uint32 {
	if format.FourCC.Compressed() {
		return frame.MaxVideoFrameBufferSize
	}
	if size := format.VideoFormat(frame).FrameSize(); size != 0 {
		return size
	}
	return frame.MaxVideoFrameBufferSize
}

// pickInterval returns the first interval of frame that is at least ival,
// or the longest one. Intervals are in 100ns units.
func pickInterval(frame *configfs.Frame, ival uint32) uint32 {
	if len(frame.Intervals) == 0 {
		return frame.DefaultInterval
	}
	for _, v := range frame.Intervals {
		if v >= ival {
			return v
		}
	}
	return frame.Intervals[len(frame.Intervals)-1]
}

func intervalDuration(v uint32) time.Duration { return time.Duration(v) * 100 * time.Nanosecond }

func toInterval(d time.Duration) uint32 { return uint32(d / (100 * time.Nanosecond)) }

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
