// SPDX-License-Identifier: Apache-2.0

package host

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

const usbDevicesDir = "bus/usb/devices"

// Info is the sysfs identity of one host USB device, enough to decide
// whether to export it and to open its usbfs node.
type Info struct {
	BusID   string
	SysPath string

	BusNum uint16
	DevNum uint16
	Speed  uint32

	Vendor  uint16
	Product uint16

	DeviceBCD     uint16
	USBVersion    uint16
	Class         uint8
	SubClass      uint8
	Protocol      uint8
	NumConfigs    uint8
	Configuration uint8

	Manufacturer  string
	ProductString string
	SerialNumber  string
}

// DevicePath returns the usbfs node backing this device.
func (i Info) DevicePath() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", i.BusNum, i.DevNum)
}

// Selector matches devices by any combination of vendor id, product id
// and bus id. Zero-valued fields match everything.
type Selector struct {
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	BusID   string `json:"busId"`
}

// Matches reports whether the device satisfies every set field.
func (s Selector) Matches(info Info) bool {
	if s.Vendor != 0 && s.Vendor != info.Vendor {
		return false
	}
	if s.Product != 0 && s.Product != info.Product {
		return false
	}
	if s.BusID != "" && s.BusID != info.BusID {
		return false
	}
	return true
}

// AnySelectorMatches is the enumeration predicate used by the server
// config: a device is exported when any configured selector matches it.
func AnySelectorMatches(selectors []Selector) func(Info) bool {
	return func(info Info) bool {
		for _, s := range selectors {
			if s.Matches(info) {
				return true
			}
		}
		return false
	}
}

type enumerator struct {
	fsys   fs.FS
	logger log.Logger
}

func (e *enumerator) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(e.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (e *enumerator) readDeviceUint16Attribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (e *enumerator) readDeviceUint8Attribute(sysPath string, attributeName string) (uint8, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint8 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (e *enumerator) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

// parseSpeed maps the sysfs speed attribute (megabits, textual) to the
// encoding used on the wire.
func parseSpeed(attr string) uint32 {
	switch attr {
	case "1.5":
		return usb.SpeedLow
	case "12":
		return usb.SpeedFull
	case "480":
		return usb.SpeedHigh
	case "5000":
		return usb.SpeedSuper
	case "10000", "20000":
		return usb.SpeedSuperPlus
	default:
		return usb.SpeedUnknown
	}
}

// parseUSBVersion converts the sysfs version attribute ("2.01") to BCD.
func parseUSBVersion(attr string) uint16 {
	var major, minor int
	if n, _ := fmt.Sscanf(attr, "%d.%02d", &major, &minor); n == 2 {
		return uint16(major)<<8 | uint16(minor)
	}
	return 0
}

func (e *enumerator) describeDevice(busID string) (Info, error) {
	sysPath := path.Join(usbDevicesDir, busID)
	info := Info{BusID: busID, SysPath: sysPath}

	var vendErr, prodErr, busnumErr, devnumErr error
	info.Vendor, vendErr = e.readDeviceUint16HexAttribute(sysPath, "idVendor")
	info.Product, prodErr = e.readDeviceUint16HexAttribute(sysPath, "idProduct")
	info.BusNum, busnumErr = e.readDeviceUint16Attribute(sysPath, "busnum")
	info.DevNum, devnumErr = e.readDeviceUint16Attribute(sysPath, "devnum")
	if err := baseerrors.Join(vendErr, prodErr, busnumErr, devnumErr); err != nil {
		return Info{}, errors.Wrapf(err, "failed to describe device %s", busID)
	}

	info.DeviceBCD, _ = e.readDeviceUint16HexAttribute(sysPath, "bcdDevice")
	info.Class, _ = e.readDeviceUint8Attribute(sysPath, "bDeviceClass")
	info.SubClass, _ = e.readDeviceUint8Attribute(sysPath, "bDeviceSubClass")
	info.Protocol, _ = e.readDeviceUint8Attribute(sysPath, "bDeviceProtocol")
	info.NumConfigs, _ = e.readDeviceUint8Attribute(sysPath, "bNumConfigurations")
	info.Configuration, _ = e.readDeviceUint8Attribute(sysPath, "bConfigurationValue")

	if speedStr, err := e.readDeviceAttribute(sysPath, "speed"); err == nil {
		info.Speed = parseSpeed(speedStr)
	}
	if versionStr, err := e.readDeviceAttribute(sysPath, "version"); err == nil {
		info.USBVersion = parseUSBVersion(versionStr)
	}
	info.Manufacturer, _ = e.readDeviceAttribute(sysPath, "manufacturer")
	info.ProductString, _ = e.readDeviceAttribute(sysPath, "product")
	info.SerialNumber, _ = e.readDeviceAttribute(sysPath, "serial")

	return info, nil
}

// Enumerate walks the sysfs USB bus (fsys rooted at /sys) and returns
// every device that satisfies the filter. Interface entries and
// incomplete devices are skipped; root hubs stay in since some setups
// deliberately export them.
func Enumerate(fsys fs.FS, logger log.Logger, filter func(Info) bool) ([]Info, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &enumerator{fsys: fsys, logger: logger}

	entries, err := fs.ReadDir(fsys, usbDevicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read USB sysdir")
	}

	var found []Info
	for _, entry := range entries {
		name := entry.Name()
		// Interface entries carry a colon; only whole devices qualify.
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}
		info, err := e.describeDevice(name)
		if err != nil {
			_ = level.Debug(logger).Log("msg", "skipping sysfs entry", "entry", name, "err", err)
			continue
		}
		if filter != nil && !filter(info) {
			continue
		}
		found = append(found, info)
	}
	return found, nil
}
