package usb

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/efficientgo/core/errors"
)

// Descriptor types (USB 2.0 spec table 9-5).
const (
	DescriptorTypeDevice        uint8 = 0x01
	DescriptorTypeConfiguration uint8 = 0x02
	DescriptorTypeString        uint8 = 0x03
	DescriptorTypeInterface     uint8 = 0x04
	DescriptorTypeEndpoint      uint8 = 0x05
)

const (
	configAttributeBase        uint8 = 0b10000000
	configAttributeSelfPowered uint8 = 0b01000000

	langIDEnglishUS uint16 = 0x0409
)

type deviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	BcdDevice         uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

type configurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

type interfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

type endpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// marshalLE serializes a fixed-layout descriptor struct to its
// little-endian wire form.
func marshalLE(v interface{}) []byte {
	buf := new(bytes.Buffer)
	// Fixed-size descriptor structs cannot fail to encode.
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func (d *Device) getDescriptor(descriptorType uint8, index uint8) ([]byte, error) {
	switch descriptorType {
	case DescriptorTypeDevice:
		return marshalLE(d.deviceDescriptor()), nil
	case DescriptorTypeConfiguration:
		return d.configurationTree(), nil
	case DescriptorTypeString:
		return d.stringDescriptor(index)
	default:
		return nil, errors.Newf("unsupported descriptor type 0x%02x", descriptorType)
	}
}

func (d *Device) deviceDescriptor() deviceDescriptor {
	return deviceDescriptor{
		Length:            18,
		DescriptorType:    DescriptorTypeDevice,
		BcdUSB:            d.USBVersion,
		DeviceClass:       d.DeviceClass,
		DeviceSubClass:    d.DeviceSubClass,
		DeviceProtocol:    d.DeviceProtocol,
		MaxPacketSize0:    uint8(d.EP0In.MaxPacketSize),
		VendorID:          d.VendorID,
		ProductID:         d.ProductID,
		BcdDevice:         d.DeviceBCD,
		Manufacturer:      d.StringManufacturer,
		Product:           d.StringProduct,
		SerialNumber:      d.StringSerial,
		NumConfigurations: d.NumConfigurations,
	}
}

// configurationTree builds the full configuration descriptor: the
// configuration header followed by each interface descriptor, its
// class-specific descriptor if any, and its endpoint descriptors.
func (d *Device) configurationTree() []byte {
	body := new(bytes.Buffer)
	for num, intf := range d.Interfaces {
		body.Write(marshalLE(interfaceDescriptor{
			Length:            9,
			DescriptorType:    DescriptorTypeInterface,
			InterfaceNumber:   uint8(num),
			NumEndpoints:      uint8(len(intf.Endpoints)),
			InterfaceClass:    intf.Class,
			InterfaceSubClass: intf.SubClass,
			InterfaceProtocol: intf.Protocol,
			Interface:         intf.StringInterface,
		}))
		body.Write(intf.classSpecificDescriptor())
		for _, ep := range intf.Endpoints {
			body.Write(marshalLE(endpointDescriptor{
				Length:          7,
				DescriptorType:  DescriptorTypeEndpoint,
				EndpointAddress: ep.Address,
				Attributes:      ep.Attributes,
				MaxPacketSize:   ep.MaxPacketSize,
				Interval:        ep.Interval,
			}))
		}
	}

	header := configurationDescriptor{
		Length:             9,
		DescriptorType:     DescriptorTypeConfiguration,
		TotalLength:        uint16(9 + body.Len()),
		NumInterfaces:      uint8(len(d.Interfaces)),
		ConfigurationValue: d.ConfigurationValue,
		Attributes:         d.Attributes,
		MaxPower:           d.MaxPower,
	}
	return append(marshalLE(header), body.Bytes()...)
}

func (d *Device) stringDescriptor(index uint8) ([]byte, error) {
	if index == 0 {
		out := []byte{4, DescriptorTypeString}
		return binary.LittleEndian.AppendUint16(out, langIDEnglishUS), nil
	}
	if int(index) > len(d.strings) {
		return nil, errors.Newf("string descriptor index %d out of range", index)
	}
	encoded := utf16.Encode([]rune(d.strings[index-1]))
	// bLength is a single byte; 126 UTF-16 units is the most that fits.
	if len(encoded) > 126 {
		encoded = encoded[:126]
	}
	out := make([]byte, 2, 2+2*len(encoded))
	out[0] = uint8(2 + 2*len(encoded))
	out[1] = DescriptorTypeString
	for _, u := range encoded {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out, nil
}
