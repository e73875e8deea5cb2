package requests

import (
	"encoding/binary"
	"fmt"
)

type RequestType uint8

const (
	RequestTypeVideoInterfaceSetRequest RequestType = 0b00100001
	RequestTypeDataEndpointSetRequest   RequestType = 0b00100010
	RequestTypeVideoInterfaceGetRequest RequestType = 0b10100001
	RequestTypeDataEndpointGetRequest   RequestType = 0b10100010
)

const (
	requestTypeMask      = 0b01100000
	requestTypeClass     = 0b00100000
	requestRecipientMask = 0b00011111
	requestRecipientIntf = 0b00000001
)

// IsClass reports whether the request is a class specific request.
func (rt RequestType) IsClass() bool { return rt&requestTypeMask == requestTypeClass }

// IsInterface reports whether the request is addressed to an interface.
func (rt RequestType) IsInterface() bool { return rt&requestRecipientMask == requestRecipientIntf }

type RequestCode uint8

const (
	RequestCodeUndefined RequestCode = 0x00
	RequestCodeSetCur    RequestCode = 0x01
	RequestCodeSetCurAll RequestCode = 0x11
	RequestCodeGetCur    RequestCode = 0x81
	RequestCodeGetMin    RequestCode = 0x82
	RequestCodeGetMax    RequestCode = 0x83
	RequestCodeGetRes    RequestCode = 0x84
	RequestCodeGetLen    RequestCode = 0x85
	RequestCodeGetInfo   RequestCode = 0x86
	RequestCodeGetDef    RequestCode = 0x87
	RequestCodeGetCurAll RequestCode = 0x91
	RequestCodeGetMinAll RequestCode = 0x92
	RequestCodeGetMaxAll RequestCode = 0x93
	RequestCodeGetResAll RequestCode = 0x94
	RequestCodeGetDefAll RequestCode = 0x97
)

var requestCodeNames = map[RequestCode]string{
	RequestCodeSetCur:  "SET_CUR",
	RequestCodeGetCur:  "GET_CUR",
	RequestCodeGetMin:  "GET_MIN",
	RequestCodeGetMax:  "GET_MAX",
	RequestCodeGetRes:  "GET_RES",
	RequestCodeGetLen:  "GET_LEN",
	RequestCodeGetInfo: "GET_INFO",
	RequestCodeGetDef:  "GET_DEF",
}

func (rc RequestCode) String() string {
	if s, ok := requestCodeNames[rc]; ok {
		return s
	}
	return fmt.Sprintf("0x%02x", uint8(rc))
}

// VideoStreamingControlSelector identifies a control of a video streaming
// interface, UVC 1.5 table A-9.
type VideoStreamingControlSelector uint8

const (
	VideoStreamingControlSelectorUndefined          VideoStreamingControlSelector = 0x00
	VideoStreamingControlSelectorProbe              VideoStreamingControlSelector = 0x01
	VideoStreamingControlSelectorCommit             VideoStreamingControlSelector = 0x02
	VideoStreamingControlSelectorStillProbe         VideoStreamingControlSelector = 0x03
	VideoStreamingControlSelectorStillCommit        VideoStreamingControlSelector = 0x04
	VideoStreamingControlSelectorStillImageTrigger  VideoStreamingControlSelector = 0x05
	VideoStreamingControlSelectorStreamErrorCode    VideoStreamingControlSelector = 0x06
	VideoStreamingControlSelectorGenerateKeyFrame   VideoStreamingControlSelector = 0x07
	VideoStreamingControlSelectorUpdateFrameSegment VideoStreamingControlSelector = 0x08
	VideoStreamingControlSelectorSynchDelay         VideoStreamingControlSelector = 0x09
)

// ControlRequestSize is the size of a USB SETUP packet.
const ControlRequestSize = 8

// ControlRequest is a USB SETUP packet as delivered by the gadget driver.
type ControlRequest struct {
	RequestType RequestType
	Request     RequestCode
	Value       uint16
	Index       uint16
	Length      uint16
}

// Selector returns the control selector carried in the high byte of wValue.
func (cr *ControlRequest) Selector() uint8 { return uint8(cr.Value >> 8) }

// Interface returns the interface number carried in the low byte of wIndex.
func (cr *ControlRequest) Interface() uint8 { return uint8(cr.Index) }

func (cr *ControlRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlRequestSize)
	buf[0] = byte(cr.RequestType)
	buf[1] = byte(cr.Request)
	binary.LittleEndian.PutUint16(buf[2:4], cr.Value)
	binary.LittleEndian.PutUint16(buf[4:6], cr.Index)
	binary.LittleEndian.PutUint16(buf[6:8], cr.Length)
	return buf, nil
}

func (cr *ControlRequest) UnmarshalBinary(buf []byte) error {
	if len(buf) < ControlRequestSize {
		return fmt.Errorf("control request too short: %d bytes", len(buf))
	}
	cr.RequestType = RequestType(buf[0])
	cr.Request = RequestCode(buf[1])
	cr.Value = binary.LittleEndian.Uint16(buf[2:4])
	cr.Index = binary.LittleEndian.Uint16(buf[4:6])
	cr.Length = binary.LittleEndian.Uint16(buf[6:8])
	return nil
}

func (cr *ControlRequest) String() string {
	return fmt.Sprintf("bRequestType 0x%02x bRequest %s wValue 0x%04x wIndex 0x%04x wLength %d",
		uint8(cr.RequestType), cr.Request, cr.Value, cr.Index, cr.Length)
}
