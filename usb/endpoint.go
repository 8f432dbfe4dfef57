package usb

// Endpoint transfer types, as stored in bits 0-1 of the attributes field
// (USB 2.0 spec table 9-13).
const (
	EndpointAttrControl     uint8 = 0x00
	EndpointAttrIsochronous uint8 = 0x01
	EndpointAttrBulk        uint8 = 0x02
	EndpointAttrInterrupt   uint8 = 0x03
)

// Endpoint address direction bit (bit 7) and number mask (bits 0-3).
const (
	EndpointDirectionIn  uint8 = 0x80
	EndpointDirectionOut uint8 = 0x00
	endpointNumberMask   uint8 = 0x0F
)

// EP0MaxPacketSize is the control endpoint packet size advertised for
// every device served by this implementation.
const EP0MaxPacketSize uint16 = 64

// Endpoint describes one endpoint of a device: its wire address
// (direction bit plus number), transfer attributes, packet size and
// polling interval. It is a value type owned by its interface, or by the
// device itself for endpoint zero.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number without the direction bit.
func (e Endpoint) Number() uint8 {
	return e.Address & endpointNumberMask
}

// IsIn reports whether this is a device-to-host endpoint.
func (e Endpoint) IsIn() bool {
	return e.Address&EndpointDirectionIn != 0
}

// TransferType returns the transfer type bits of the attributes field.
func (e Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}
