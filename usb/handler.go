package usb

// DeviceHandler is the backend capability for control transfers addressed
// to the device itself (endpoint zero). Implementations exist for host
// hardware (see the host package); purely simulated devices may leave the
// device handler unset and rely on the model's standard-request handling.
type DeviceHandler interface {
	// HandleURB performs a control transfer. For IN transfers the returned
	// bytes are the response payload; for OUT transfers req carries the
	// data already received from the client.
	HandleURB(transferBufferLength uint32, setup SetupPacket, req []byte) ([]byte, error)

	// ReleaseClaim hands the device back to the host OS. Best effort,
	// no error path.
	ReleaseClaim()

	// Reset performs a port reset of the backend device.
	Reset() error

	// SetConfiguration applies a SET_CONFIGURATION request to the backend.
	SetConfiguration(setup SetupPacket) error
}

// InterfaceHandler is the backend capability for transfers scoped to one
// interface: non-control endpoints, and control requests with an
// interface recipient.
type InterfaceHandler interface {
	// HandleURB performs a transfer on ep, which belongs to intf.
	HandleURB(intf *Interface, ep Endpoint, transferBufferLength uint32, setup SetupPacket, req []byte) ([]byte, error)

	// ClassSpecificDescriptor returns the descriptor bytes inserted after
	// the interface descriptor in the configuration tree, or nil.
	ClassSpecificDescriptor() []byte
}
