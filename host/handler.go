// SPDX-License-Identifier: Apache-2.0

package host

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

// deviceHandler forwards endpoint-zero control transfers to the usbfs
// handle.
type deviceHandler struct {
	handle *Handle
	logger log.Logger
}

func (h *deviceHandler) HandleURB(transferBufferLength uint32, setup usb.SetupPacket, req []byte) ([]byte, error) {
	_ = level.Debug(h.logger).Log("msg", "forwarding control transfer", "setup", setup.String())
	if setup.IsDeviceToHost() {
		buffer := make([]byte, transferBufferLength)
		n, err := h.handle.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buffer)
		if err != nil {
			return nil, err
		}
		return buffer[:n], nil
	}
	_, err := h.handle.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, req)
	return nil, err
}

func (h *deviceHandler) ReleaseClaim() {
	h.handle.Close()
}

func (h *deviceHandler) Reset() error {
	return h.handle.Reset()
}

func (h *deviceHandler) SetConfiguration(setup usb.SetupPacket) error {
	return h.handle.SetConfiguration(uint8(setup.Value))
}

// interfaceHandler forwards transfers for one claimed interface. All
// interface handlers of a device share the device's handle.
type interfaceHandler struct {
	handle *Handle
	logger log.Logger
}

func (h *interfaceHandler) HandleURB(intf *usb.Interface, ep usb.Endpoint, transferBufferLength uint32, setup usb.SetupPacket, req []byte) ([]byte, error) {
	_ = level.Debug(h.logger).Log("msg", "forwarding transfer", "ep", ep.Address, "setup", setup.String())
	switch ep.TransferType() {
	case usb.EndpointAttrControl:
		if setup.IsDeviceToHost() {
			buffer := make([]byte, transferBufferLength)
			n, err := h.handle.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buffer)
			if err != nil {
				return nil, err
			}
			return buffer[:n], nil
		}
		_, err := h.handle.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, req)
		return nil, err
	case usb.EndpointAttrBulk, usb.EndpointAttrInterrupt:
		if ep.IsIn() {
			buffer := make([]byte, transferBufferLength)
			n, err := h.handle.Transfer(ep.Address, buffer)
			if err != nil {
				return nil, err
			}
			return buffer[:n], nil
		}
		_, err := h.handle.Transfer(ep.Address, req)
		return nil, err
	default:
		// Isochronous endpoints are advertised but not scheduled.
		return nil, nil
	}
}

func (h *interfaceHandler) ClassSpecificDescriptor() []byte {
	return nil
}
