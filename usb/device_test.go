package usb

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

type echoInterfaceHandler struct {
	lastEP Endpoint
}

func (h *echoInterfaceHandler) HandleURB(_ *Interface, ep Endpoint, _ uint32, _ SetupPacket, req []byte) ([]byte, error) {
	h.lastEP = ep
	if ep.IsIn() {
		return []byte{0xca, 0xfe}, nil
	}
	return nil, nil
}

func (h *echoInterfaceHandler) ClassSpecificDescriptor() []byte {
	return nil
}

func testDevice(handler InterfaceHandler) *Device {
	d := NewSimulatedDevice("1-1", &Interface{
		Class:    0xff,
		SubClass: 0x01,
		Protocol: 0x02,
		Endpoints: []Endpoint{
			{Address: 0x81, Attributes: EndpointAttrInterrupt, MaxPacketSize: 8, Interval: 10},
			{Address: 0x02, Attributes: EndpointAttrBulk, MaxPacketSize: 512},
		},
		Handler: handler,
	})
	d.VendorID = 0x1209
	d.ProductID = 0x0001
	d.NumConfigurations = 1
	d.StringManufacturer = d.NewString("acme")
	d.StringProduct = d.NewString("widget")
	return d
}

func TestFindEndpoint(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})

	for _, tc := range []struct {
		name      string
		address   uint8
		found     bool
		wantsIntf bool
	}{
		{name: "control in", address: 0x80, found: true},
		{name: "control out", address: 0x00, found: true},
		{name: "interrupt in", address: 0x81, found: true, wantsIntf: true},
		{name: "bulk out", address: 0x02, found: true, wantsIntf: true},
		{name: "missing", address: 0x83, found: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ep, intf, ok := d.FindEndpoint(tc.address)
			if ok != tc.found {
				t.Fatalf("FindEndpoint(0x%02x) found = %v; want %v", tc.address, ok, tc.found)
			}
			if !ok {
				return
			}
			if ep.Address != tc.address {
				t.Errorf("resolved address 0x%02x; want 0x%02x", ep.Address, tc.address)
			}
			if (intf != nil) != tc.wantsIntf {
				t.Errorf("interface presence = %v; want %v", intf != nil, tc.wantsIntf)
			}
		})
	}
}

func TestHandleURBRoutesToInterfaceHandler(t *testing.T) {
	handler := &echoInterfaceHandler{}
	d := testDevice(handler)

	ep, intf, ok := d.FindEndpoint(0x81)
	if !ok {
		t.Fatal("endpoint 0x81 not found")
	}
	resp, err := d.HandleURB(ep, intf, 8, SetupPacket{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0xca, 0xfe}) {
		t.Errorf("response = %v; want [ca fe]", resp)
	}
	if handler.lastEP.Address != 0x81 {
		t.Errorf("handler saw endpoint 0x%02x; want 0x81", handler.lastEP.Address)
	}
}

func TestGetDeviceDescriptor(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	ep, intf, _ := d.FindEndpoint(0x80)

	setup := SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      18,
	}
	resp, err := d.HandleURB(ep, intf, 18, setup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 18 {
		t.Fatalf("device descriptor length = %d; want 18", len(resp))
	}
	if resp[0] != 18 || resp[1] != DescriptorTypeDevice {
		t.Errorf("descriptor header = [%d %d]; want [18 1]", resp[0], resp[1])
	}
	if vendor := binary.LittleEndian.Uint16(resp[8:10]); vendor != 0x1209 {
		t.Errorf("idVendor = 0x%04x; want 0x1209", vendor)
	}
}

func TestGetConfigurationTree(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	ep, intf, _ := d.FindEndpoint(0x80)

	setup := SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeConfiguration) << 8,
		Length:      0xffff,
	}
	resp, err := d.HandleURB(ep, intf, 0xffff, setup, nil)
	if err != nil {
		t.Fatal(err)
	}
	// config header + one interface + two endpoints
	wantLen := 9 + 9 + 7 + 7
	if len(resp) != wantLen {
		t.Fatalf("configuration tree length = %d; want %d", len(resp), wantLen)
	}
	if total := binary.LittleEndian.Uint16(resp[2:4]); int(total) != wantLen {
		t.Errorf("wTotalLength = %d; want %d", total, wantLen)
	}
	if resp[9+5] != 0xff {
		t.Errorf("bInterfaceClass = 0x%02x; want 0xff", resp[9+5])
	}
	if resp[9+9+2] != 0x81 {
		t.Errorf("first endpoint address = 0x%02x; want 0x81", resp[9+9+2])
	}
}

func TestGetStringDescriptor(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	ep, intf, _ := d.FindEndpoint(0x80)

	// Index 0 is the language table.
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeString) << 8,
		Length:      0xff,
	}
	resp, err := d.HandleURB(ep, intf, 0xff, setup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{4, DescriptorTypeString, 0x09, 0x04}) {
		t.Errorf("language table = %v", resp)
	}

	setup.Value = uint16(DescriptorTypeString)<<8 | uint16(d.StringProduct)
	resp, err = d.HandleURB(ep, intf, 0xff, setup, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{14, DescriptorTypeString, 'w', 0, 'i', 0, 'd', 0, 'g', 0, 'e', 0, 't', 0}
	if !bytes.Equal(resp, want) {
		t.Errorf("product string = %v; want %v", resp, want)
	}

	setup.Value = uint16(DescriptorTypeString)<<8 | 9
	if _, err = d.HandleURB(ep, intf, 0xff, setup, nil); err == nil {
		t.Error("expected error for out-of-range string index")
	}
}

func TestGetStringDescriptorClampsLongStrings(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	long := d.NewString(strings.Repeat("x", 200))

	resp, err := d.getDescriptor(DescriptorTypeString, long)
	if err != nil {
		t.Fatal(err)
	}
	// 126 UTF-16 units is the most a one-byte bLength can describe.
	if len(resp) != 254 {
		t.Fatalf("descriptor length = %d; want 254", len(resp))
	}
	if resp[0] != 254 {
		t.Errorf("bLength = %d; want 254", resp[0])
	}
}

func TestResponseTruncation(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	ep, intf, _ := d.FindEndpoint(0x80)

	// The host asks for only the first 8 bytes of the device descriptor.
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      8,
	}
	resp, err := d.HandleURB(ep, intf, 8, setup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 8 {
		t.Errorf("truncated descriptor length = %d; want 8", len(resp))
	}
}

func TestStandardRequests(t *testing.T) {
	d := testDevice(&echoInterfaceHandler{})
	ep, intf, _ := d.FindEndpoint(0x80)

	resp, err := d.HandleURB(ep, intf, 2, SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x01, 0x00}) {
		t.Errorf("GET_STATUS = %v; want [1 0]", resp)
	}

	resp, err = d.HandleURB(ep, intf, 1, SetupPacket{RequestType: 0x80, Request: RequestGetConfiguration, Length: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{1}) {
		t.Errorf("GET_CONFIGURATION = %v; want [1]", resp)
	}

	epOut, intfOut, _ := d.FindEndpoint(0x00)
	if _, err = d.HandleURB(epOut, intfOut, 0, SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil); err != nil {
		t.Errorf("SET_CONFIGURATION failed: %v", err)
	}
}

func TestStringPoolIndices(t *testing.T) {
	d := NewSimulatedDevice("1-2")
	first := d.NewString("one")
	second := d.NewString("two")
	if first != 1 || second != 2 {
		t.Errorf("string indices = %d, %d; want 1, 2", first, second)
	}
}
