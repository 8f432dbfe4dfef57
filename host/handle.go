// SPDX-License-Identifier: Apache-2.0

package host

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// usbfs ioctl request numbers, from linux/usbdevice_fs.h.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsReset            = 0x00005514
	usbdevfsConnect          = 0x00005517
	usbdevfsDisconnectClaim  = 0x8108551b
)

// transferTimeoutMS bounds every usbfs transfer so a wedged device cannot
// hold a URB slot forever.
const transferTimeoutMS = 1000

type usbfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type usbfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

type usbfsDisconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

// Handle is an open usbfs device node. One Handle is shared between the
// device handler and all interface handlers of a host-backed device; the
// mutex serializes transfers the same way the kernel serializes the fd.
type Handle struct {
	logger log.Logger

	mu      sync.Mutex
	fd      int
	claimed []uint8
	closed  bool
}

// OpenHandle opens the usbfs node at path (/dev/bus/usb/BBB/DDD).
func OpenHandle(path string, logger log.Logger) (*Handle, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open device node %s", path)
	}
	return &Handle{logger: logger, fd: fd}, nil
}

// ioctl must be called with h.mu held.
func (h *Handle) ioctl(request uintptr, arg unsafe.Pointer) (int, error) {
	if h.closed {
		return 0, errors.New("device handle is closed")
	}
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), request, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

// ClaimInterface detaches any bound kernel driver and claims the
// interface for this handle. Falls back to a plain claim on kernels
// without the combined ioctl.
func (h *Handle) ClaimInterface(number uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dc := usbfsDisconnectClaim{Interface: uint32(number)}
	_, err := h.ioctl(usbdevfsDisconnectClaim, unsafe.Pointer(&dc))
	if errno, ok := err.(unix.Errno); ok && (errno == unix.ENOTTY || errno == unix.EINVAL) {
		ifNum := uint32(number)
		_, err = h.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&ifNum))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to claim interface %d", number)
	}
	h.claimed = append(h.claimed, number)
	return nil
}

// Close releases every claimed interface, hands the interfaces back to
// their kernel drivers and closes the fd. Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, number := range h.claimed {
		ifNum := uint32(number)
		if _, err := h.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&ifNum)); err != nil {
			_ = level.Warn(h.logger).Log("msg", "failed to release interface", "interface", number, "err", err)
			continue
		}
		// Reattach the kernel driver; ENODATA means none was bound.
		ifNum = uint32(number)
		if _, err := h.ioctl(usbdevfsConnect, unsafe.Pointer(&ifNum)); err != nil {
			if errno, ok := err.(unix.Errno); !ok || (errno != unix.ENODATA && errno != unix.EBUSY) {
				_ = level.Warn(h.logger).Log("msg", "failed to reattach kernel driver", "interface", number, "err", err)
			}
		}
	}
	h.claimed = nil
	_ = unix.Close(h.fd)
	h.closed = true
}

// Control performs a control transfer. For IN requests data is filled
// with the response; the returned count is the transferred length.
func (h *Handle) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctrl := usbfsCtrlTransfer{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     transferTimeoutMS,
	}
	if len(data) > 0 {
		ctrl.Data = unsafe.Pointer(&data[0])
	}
	n, err := h.ioctl(usbdevfsControl, unsafe.Pointer(&ctrl))
	if err != nil {
		return 0, errors.Wrapf(err, "control transfer 0x%02x/0x%02x failed", requestType, request)
	}
	return n, nil
}

// Transfer performs a bulk or interrupt transfer on the given endpoint
// address. The kernel drives interrupt endpoints through the same ioctl.
func (h *Handle) Transfer(endpoint uint8, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bulk := usbfsBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  transferTimeoutMS,
	}
	if len(data) > 0 {
		bulk.Data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := h.ioctl(usbdevfsBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, errors.Wrapf(err, "transfer on endpoint 0x%02x failed", endpoint)
	}
	return n, nil
}

// SetConfiguration selects the active configuration.
func (h *Handle) SetConfiguration(value uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := uint32(value)
	if _, err := h.ioctl(usbdevfsSetConfiguration, unsafe.Pointer(&cfg)); err != nil {
		return errors.Wrapf(err, "failed to set configuration %d", value)
	}
	return nil
}

// Reset performs a port reset.
func (h *Handle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.ioctl(usbdevfsReset, nil); err != nil {
		return errors.Wrap(err, "failed to reset device")
	}
	return nil
}
