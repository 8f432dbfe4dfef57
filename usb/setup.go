package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (USB 2.0 spec table 9-4).
const (
	RequestGetStatus        uint8 = 0x00
	RequestClearFeature     uint8 = 0x01
	RequestSetFeature       uint8 = 0x03
	RequestSetAddress       uint8 = 0x05
	RequestGetDescriptor    uint8 = 0x06
	RequestSetDescriptor    uint8 = 0x07
	RequestGetConfiguration uint8 = 0x08
	RequestSetConfiguration uint8 = 0x09
	RequestGetInterface     uint8 = 0x0A
	RequestSetInterface     uint8 = 0x0B
	RequestSynchFrame       uint8 = 0x0C
)

// bmRequestType field masks (USB 2.0 spec table 9-2).
const (
	requestTypeDirectionMask uint8 = 0x80
	requestTypeTypeMask      uint8 = 0x60
	requestTypeRecipientMask uint8 = 0x1F
)

// Request type classes, already shifted into bits 5-6.
const (
	RequestTypeStandard uint8 = 0x00
	RequestTypeClass    uint8 = 0x20
	RequestTypeVendor   uint8 = 0x40
)

// Request recipients (bits 0-4).
const (
	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
)

// SetupPacketSize is the fixed wire size of a USB SETUP packet.
const SetupPacketSize = 8

// SetupPacket is the 8-byte header of a USB control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes a SETUP packet from its fixed wire layout.
// Any 8 bytes decode; semantic validity is the caller's concern.
func ParseSetupPacket(raw [SetupPacketSize]byte) SetupPacket {
	return SetupPacket{
		RequestType: raw[0],
		Request:     raw[1],
		Value:       binary.LittleEndian.Uint16(raw[2:4]),
		Index:       binary.LittleEndian.Uint16(raw[4:6]),
		Length:      binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// Bytes serializes the packet back to its wire layout.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var raw [SetupPacketSize]byte
	raw[0] = s.RequestType
	raw[1] = s.Request
	binary.LittleEndian.PutUint16(raw[2:4], s.Value)
	binary.LittleEndian.PutUint16(raw[4:6], s.Index)
	binary.LittleEndian.PutUint16(raw[6:8], s.Length)
	return raw
}

// IsDeviceToHost reports whether the transfer direction is IN.
func (s SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&requestTypeDirectionMask != 0
}

// Type returns the request class bits (RequestTypeStandard and friends).
func (s SetupPacket) Type() uint8 {
	return s.RequestType & requestTypeTypeMask
}

// Recipient returns the request recipient bits (RecipientDevice and friends).
func (s SetupPacket) Recipient() uint8 {
	return s.RequestType & requestTypeRecipientMask
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("SetupPacket{RequestType: 0x%02x, Request: 0x%02x, Value: 0x%04x, Index: %d, Length: %d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// DescriptorRequestValue splits the wValue of a GET_DESCRIPTOR request
// into descriptor type (high byte) and descriptor index (low byte).
func DescriptorRequestValue(wValue uint16) (uint8, uint8) {
	return uint8(wValue >> 8), uint8(wValue & 0xFF)
}
