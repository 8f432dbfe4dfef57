package usb

import (
	"github.com/efficientgo/core/errors"
)

// ErrEndpointNotFound is returned when a URB addresses an endpoint the
// device does not expose. It maps to a failed submit reply, never to a
// dropped connection.
var ErrEndpointNotFound = errors.New("endpoint not found")

// Interface is one interface of a device: its class triple, the ordered
// endpoint list, and the handler that performs its transfers. Interfaces
// are identified positionally; the index in Device.Interfaces is the USB
// interface number.
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8

	Endpoints []Endpoint

	// StringInterface is the string-descriptor index of the interface
	// name, zero if unnamed.
	StringInterface uint8

	// ClassSpecificDescriptor is emitted after the interface descriptor
	// in the configuration tree. The handler's descriptor takes
	// precedence when both are set.
	ClassSpecificDescriptor []byte

	Handler InterfaceHandler
}

func (i *Interface) classSpecificDescriptor() []byte {
	if i.Handler != nil {
		if d := i.Handler.ClassSpecificDescriptor(); len(d) > 0 {
			return d
		}
	}
	return i.ClassSpecificDescriptor
}

// Device is the static description of one USB device plus its pluggable
// I/O backend. Devices are created either synthetically
// (NewSimulatedDevice) or by probing host hardware (the host package);
// once added to a pool their fields are never edited, the pool only moves
// them between its sets.
type Device struct {
	Path   string
	BusID  string
	BusNum uint32
	DevNum uint32
	Speed  uint32

	VendorID       uint16
	ProductID      uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8
	DeviceBCD      uint16
	USBVersion     uint16

	ConfigurationValue uint8
	NumConfigurations  uint8

	// Attributes and MaxPower are the bmAttributes/bMaxPower fields of
	// the active configuration.
	Attributes uint8
	MaxPower   uint8

	StringManufacturer uint8
	StringProduct      uint8
	StringSerial       uint8

	EP0In  Endpoint
	EP0Out Endpoint

	Interfaces []*Interface

	// Handler is the control-transfer backend. Nil for purely simulated
	// devices, which are served by the model's standard-request handling
	// alone.
	Handler DeviceHandler

	// strings is the append-only string pool backing the device's string
	// descriptors; index 0 is the language-id table.
	strings []string
}

// NewSimulatedDevice builds a synthetic device with control endpoints in
// place and the given interfaces. Callers fill in identity and descriptor
// fields afterwards.
func NewSimulatedDevice(busID string, interfaces ...*Interface) *Device {
	return &Device{
		Path:               "/sys/bus/0/1/" + busID,
		BusID:              busID,
		Speed:              SpeedHigh,
		USBVersion:         0x0200,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Attributes:         configAttributeBase | configAttributeSelfPowered,
		EP0In: Endpoint{
			Address:       EndpointDirectionIn,
			Attributes:    EndpointAttrControl,
			MaxPacketSize: EP0MaxPacketSize,
		},
		EP0Out: Endpoint{
			Address:       EndpointDirectionOut,
			Attributes:    EndpointAttrControl,
			MaxPacketSize: EP0MaxPacketSize,
		},
		Interfaces: interfaces,
	}
}

// Device speeds as encoded in the USB/IP device description.
const (
	SpeedUnknown uint32 = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

// NewString appends s to the device's string pool and returns its
// string-descriptor index.
func (d *Device) NewString(s string) uint8 {
	d.strings = append(d.strings, s)
	return uint8(len(d.strings))
}

// FindEndpoint resolves a wire endpoint address to the endpoint and its
// owning interface. Addresses 0x00 and 0x80 resolve to the control
// endpoints with a nil interface. The final return value is false when
// the device exposes no such endpoint.
func (d *Device) FindEndpoint(address uint8) (Endpoint, *Interface, bool) {
	switch address {
	case d.EP0In.Address:
		return d.EP0In, nil, true
	case d.EP0Out.Address:
		return d.EP0Out, nil, true
	}
	for _, intf := range d.Interfaces {
		for _, ep := range intf.Endpoints {
			if ep.Address == address {
				return ep, intf, true
			}
		}
	}
	return Endpoint{}, nil, false
}

// HandleURB routes one transfer to the right handler. Control transfers
// on endpoint zero answer standard device requests from the model itself
// and delegate everything else to the device handler; transfers owned by
// an interface go to that interface's handler.
func (d *Device) HandleURB(ep Endpoint, intf *Interface, transferBufferLength uint32, setup SetupPacket, req []byte) ([]byte, error) {
	if intf != nil {
		if intf.Handler == nil {
			return nil, errors.Newf("interface for endpoint 0x%02x has no handler", ep.Address)
		}
		return intf.Handler.HandleURB(intf, ep, transferBufferLength, setup, req)
	}

	if setup.Type() == RequestTypeStandard && setup.Recipient() == RecipientDevice {
		resp, err := d.handleStandardRequest(setup, req)
		if err != nil {
			return nil, err
		}
		return truncateResponse(resp, setup, transferBufferLength), nil
	}

	if d.Handler != nil {
		resp, err := d.Handler.HandleURB(transferBufferLength, setup, req)
		if err != nil {
			return nil, err
		}
		return truncateResponse(resp, setup, transferBufferLength), nil
	}

	// Simulated devices route interface-recipient control requests to the
	// owning interface's handler.
	if setup.Recipient() == RecipientInterface {
		idx := int(setup.Index & 0xFF)
		if idx < len(d.Interfaces) && d.Interfaces[idx].Handler != nil {
			target := d.Interfaces[idx]
			resp, err := target.Handler.HandleURB(target, ep, transferBufferLength, setup, req)
			if err != nil {
				return nil, err
			}
			return truncateResponse(resp, setup, transferBufferLength), nil
		}
	}

	return nil, errors.Newf("no handler for control request %s", setup)
}

// truncateResponse clips an IN response to what the host asked for. The
// host rejects replies longer than the submitted buffer.
func truncateResponse(resp []byte, setup SetupPacket, transferBufferLength uint32) []byte {
	if !setup.IsDeviceToHost() {
		return resp
	}
	limit := int(transferBufferLength)
	if int(setup.Length) < limit {
		limit = int(setup.Length)
	}
	if len(resp) > limit {
		return resp[:limit]
	}
	return resp
}

func (d *Device) handleStandardRequest(setup SetupPacket, req []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetDescriptor:
		descriptorType, index := DescriptorRequestValue(setup.Value)
		return d.getDescriptor(descriptorType, index)
	case RequestGetStatus:
		// Self-powered, no remote wakeup.
		return []byte{0x01, 0x00}, nil
	case RequestGetConfiguration:
		return []byte{d.ConfigurationValue}, nil
	case RequestSetConfiguration:
		if d.Handler != nil {
			if err := d.Handler.SetConfiguration(setup); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case RequestSetInterface, RequestSetFeature, RequestClearFeature:
		// Nothing to toggle on a model-backed device.
		return nil, nil
	default:
		return nil, errors.Newf("unsupported standard request 0x%02x", setup.Request)
	}
}
