package usbip

import (
	"fmt"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

const protocolVersion uint16 = 0x0111

// Control-phase operation codes (version-prefixed messages).
const (
	opReqDevlist uint16 = 0x8005
	opRepDevlist uint16 = 0x0005
	opReqImport  uint16 = 0x8003
	opRepImport  uint16 = 0x0003
)

// Data-phase command codes.
const (
	usbipCmdSubmit uint32 = 0x0001
	usbipCmdUnlink uint32 = 0x0002
	usbipRetSubmit uint32 = 0x0003
	usbipRetUnlink uint32 = 0x0004
)

// URB directions as they appear in the basic header.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

const importStatusError uint32 = 1

// header prefixes every control-phase message.
type header struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// HeaderBasic prefixes every data-phase message. Reply headers always
// zero the DevID, Direction and Endpoint fields.
type HeaderBasic struct {
	Command   uint32
	Seqnum    uint32
	DevID     uint32
	Direction uint32
	Endpoint  uint32
}

func (h HeaderBasic) String() string {
	return fmt.Sprintf("HeaderBasic{Command: 0x%04x, Seqnum: %d, DevID: 0x%08x, Direction: %d, Endpoint: %d}",
		h.Command, h.Seqnum, h.DevID, h.Direction, h.Endpoint)
}

// reply derives the canonical reply header for this request.
func (h HeaderBasic) reply(command uint32) HeaderBasic {
	return HeaderBasic{
		Command: command,
		Seqnum:  h.Seqnum,
	}
}

type cmdSubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

type retSubmitBody struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         uint64
}

type cmdUnlinkBody struct {
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type retUnlinkBody struct {
	Status  int32
	Padding [24]byte
}

// deviceDescription is the fixed 312-byte device block shared by
// OP_REP_DEVLIST entries and OP_REP_IMPORT.
type deviceDescription struct {
	Path               [256]byte
	BusID              [32]byte
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	Vendor             uint16
	Product            uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// interfaceDescription trails each devlist entry, once per interface.
type interfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

func describeDevice(d *usb.Device) deviceDescription {
	desc := deviceDescription{
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              d.Speed,
		Vendor:             d.VendorID,
		Product:            d.ProductID,
		BCDDevice:          d.DeviceBCD,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      uint8(len(d.Interfaces)),
	}
	copy(desc.Path[:], d.Path)
	copy(desc.BusID[:], d.BusID)
	return desc
}

func describeInterfaces(d *usb.Device) []interfaceDescription {
	out := make([]interfaceDescription, len(d.Interfaces))
	for i, intf := range d.Interfaces {
		out[i] = interfaceDescription{
			InterfaceClass:    intf.Class,
			InterfaceSubClass: intf.SubClass,
			InterfaceProtocol: intf.Protocol,
		}
	}
	return out
}
