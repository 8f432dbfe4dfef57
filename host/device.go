// SPDX-License-Identifier: Apache-2.0

package host

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

const (
	descriptorTypeConfiguration uint8 = 0x02
	descriptorTypeInterface     uint8 = 0x04
	descriptorTypeEndpoint      uint8 = 0x05

	requestTypeDeviceIn uint8 = 0x80
)

// OpenDevice opens the usbfs node of an enumerated device, claims its
// interfaces and wraps it in a pool-ready device backed by usbfs
// transfers. The returned device owns the handle; ReleaseClaim gives the
// device back to the host OS.
func OpenDevice(info Info, logger log.Logger) (*usb.Device, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "busid", info.BusID)

	handle, err := OpenHandle(info.DevicePath(), logger)
	if err != nil {
		return nil, err
	}

	raw, err := readConfigDescriptor(handle)
	if err != nil {
		handle.Close()
		return nil, err
	}
	cfg, err := parseConfigDescriptor(raw, &interfaceHandler{handle: handle, logger: logger})
	if err != nil {
		handle.Close()
		return nil, err
	}

	for number := range cfg.interfaces {
		if err := handle.ClaimInterface(uint8(number)); err != nil {
			handle.Close()
			return nil, err
		}
	}
	_ = level.Info(logger).Log("msg", "opened host device", "vendor", info.Vendor, "product", info.Product, "interfaces", len(cfg.interfaces))

	device := &usb.Device{
		Path:               "/sys/" + info.SysPath,
		BusID:              info.BusID,
		BusNum:             uint32(info.BusNum),
		DevNum:             uint32(info.DevNum),
		Speed:              info.Speed,
		VendorID:           info.Vendor,
		ProductID:          info.Product,
		DeviceClass:        info.Class,
		DeviceSubClass:     info.SubClass,
		DeviceProtocol:     info.Protocol,
		DeviceBCD:          info.DeviceBCD,
		USBVersion:         info.USBVersion,
		ConfigurationValue: cfg.value,
		NumConfigurations:  info.NumConfigs,
		Attributes:         cfg.attributes,
		MaxPower:           cfg.maxPower,
		EP0In: usb.Endpoint{
			Address:       usb.EndpointDirectionIn,
			Attributes:    usb.EndpointAttrControl,
			MaxPacketSize: usb.EP0MaxPacketSize,
		},
		EP0Out: usb.Endpoint{
			Address:       usb.EndpointDirectionOut,
			Attributes:    usb.EndpointAttrControl,
			MaxPacketSize: usb.EP0MaxPacketSize,
		},
		Interfaces: cfg.interfaces,
		Handler:    &deviceHandler{handle: handle, logger: logger},
	}
	if info.Manufacturer != "" {
		device.StringManufacturer = device.NewString(info.Manufacturer)
	}
	if info.ProductString != "" {
		device.StringProduct = device.NewString(info.ProductString)
	}
	if info.SerialNumber != "" {
		device.StringSerial = device.NewString(info.SerialNumber)
	}
	return device, nil
}

// readConfigDescriptor fetches the active configuration tree: the 9-byte
// header first to learn the total length, then the full descriptor.
func readConfigDescriptor(handle *Handle) ([]byte, error) {
	header := make([]byte, 9)
	if _, err := handle.Control(requestTypeDeviceIn, usb.RequestGetDescriptor, uint16(descriptorTypeConfiguration)<<8, 0, header); err != nil {
		return nil, errors.Wrap(err, "failed to read configuration descriptor header")
	}
	totalLength := binary.LittleEndian.Uint16(header[2:4])
	if totalLength < 9 {
		return nil, errors.Newf("configuration descriptor reports bogus total length %d", totalLength)
	}
	full := make([]byte, totalLength)
	n, err := handle.Control(requestTypeDeviceIn, usb.RequestGetDescriptor, uint16(descriptorTypeConfiguration)<<8, 0, full)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration descriptor")
	}
	return full[:n], nil
}

type parsedConfig struct {
	value      uint8
	attributes uint8
	maxPower   uint8
	interfaces []*usb.Interface
}

// parseConfigDescriptor walks the descriptor tree. Interface descriptors
// open a new interface (alternate settings beyond zero are ignored),
// endpoint descriptors attach to the current interface, and anything else
// between an interface and its endpoints is kept as class-specific bytes.
func parseConfigDescriptor(raw []byte, handler usb.InterfaceHandler) (*parsedConfig, error) {
	if len(raw) < 9 || raw[1] != descriptorTypeConfiguration {
		return nil, errors.New("malformed configuration descriptor")
	}
	cfg := &parsedConfig{
		value:      raw[5],
		attributes: raw[7],
		maxPower:   raw[8],
	}

	var current *usb.Interface
	skipAlternate := false
	for offset := int(raw[0]); offset < len(raw); {
		length := int(raw[offset])
		if length < 2 || offset+length > len(raw) {
			return nil, errors.Newf("malformed descriptor at offset %d", offset)
		}
		body := raw[offset : offset+length]

		switch body[1] {
		case descriptorTypeInterface:
			if length < 9 {
				return nil, errors.Newf("interface descriptor too short at offset %d", offset)
			}
			if body[3] != 0 {
				skipAlternate = true
				break
			}
			skipAlternate = false
			current = &usb.Interface{
				Class:    body[5],
				SubClass: body[6],
				Protocol: body[7],
				Handler:  handler,
			}
			cfg.interfaces = append(cfg.interfaces, current)
		case descriptorTypeEndpoint:
			if length < 7 {
				return nil, errors.Newf("endpoint descriptor too short at offset %d", offset)
			}
			if skipAlternate || current == nil {
				break
			}
			current.Endpoints = append(current.Endpoints, usb.Endpoint{
				Address:       body[2],
				Attributes:    body[3],
				MaxPacketSize: binary.LittleEndian.Uint16(body[4:6]),
				Interval:      body[6],
			})
		default:
			if !skipAlternate && current != nil && len(current.Endpoints) == 0 {
				current.ClassSpecificDescriptor = append(current.ClassSpecificDescriptor, body...)
			}
		}
		offset += length
	}
	return cfg, nil
}
