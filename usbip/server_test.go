package usbip

import (
	"bytes"
	"context"
	baseerrors "errors"
	"sync"
	"testing"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

func busIDBytes(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}

func poolDevice(busID string, handler usb.InterfaceHandler) *usb.Device {
	d := usb.NewSimulatedDevice(busID, &usb.Interface{
		Class: 0xff,
		Endpoints: []usb.Endpoint{
			{Address: 0x81, Attributes: usb.EndpointAttrInterrupt, MaxPacketSize: 8},
			{Address: 0x02, Attributes: usb.EndpointAttrBulk, MaxPacketSize: 512},
		},
		Handler: handler,
	})
	d.VendorID = 0x1209
	return d
}

type staticHandler struct {
	response []byte
	err      error
}

func (h *staticHandler) HandleURB(_ *usb.Interface, ep usb.Endpoint, _ uint32, _ usb.SetupPacket, _ []byte) ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}
	if ep.IsIn() {
		return h.response, nil
	}
	return nil, nil
}

func (h *staticHandler) ClassSpecificDescriptor() []byte { return nil }

func TestOccupyRelease(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	got, err := s.Occupy("1-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatal("occupied a different device")
	}

	// Occupying again must fail while the device is held.
	if _, err := s.Occupy("1-1"); !baseerrors.Is(err, ErrNoAvailableDevice) {
		t.Errorf("second occupy: err = %v; want ErrNoAvailableDevice", err)
	}

	s.Release(d)
	if _, err := s.Occupy("1-1"); err != nil {
		t.Errorf("occupy after release failed: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	if _, err := s.Occupy("1-1"); err != nil {
		t.Fatal(err)
	}
	s.Release(d)
	s.Release(d)

	if n := len(s.SnapshotAvailable()); n != 1 {
		t.Errorf("available devices = %d; want 1", n)
	}
}

func TestConcurrentOccupySingleWinner(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	const clients = 16
	var wg sync.WaitGroup
	winners := make(chan *usb.Device, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := s.Occupy("1-1"); err == nil {
				winners <- got
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines occupied the device; want exactly 1", count)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	s := NewServer(nil, nil, nil)

	busIDs := []string{"1-1", "1-2", "1-3", "1-4", "1-5", "2-1", "2-2", "2-3", "2-4", "2-5"}
	var wg sync.WaitGroup
	for _, busID := range busIDs {
		wg.Add(1)
		go func(busID string) {
			defer wg.Done()
			s.AddDevice(poolDevice(busID, &staticHandler{}))
			if err := s.RemoveDevice(busID); err != nil {
				t.Errorf("remove %s: %v", busID, err)
			}
		}(busID)
	}
	wg.Wait()

	if n := len(s.SnapshotAvailable()); n != 0 {
		t.Errorf("available devices = %d; want 0", n)
	}
}

func TestRemoveDevice(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	if err := s.RemoveDevice("9-9"); !baseerrors.Is(err, ErrNotFound) {
		t.Errorf("remove unknown: err = %v; want ErrNotFound", err)
	}

	if _, err := s.Occupy("1-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice("1-1"); !baseerrors.Is(err, ErrDeviceBusy) {
		t.Errorf("remove imported: err = %v; want ErrDeviceBusy", err)
	}

	s.Release(d)
	if err := s.RemoveDevice("1-1"); err != nil {
		t.Errorf("remove available: %v", err)
	}
	if _, err := s.Occupy("1-1"); !baseerrors.Is(err, ErrNoAvailableDevice) {
		t.Errorf("occupy removed: err = %v; want ErrNoAvailableDevice", err)
	}
}

func TestCleanupReturnsImportedDevices(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	if _, err := s.Occupy("1-1"); err != nil {
		t.Fatal(err)
	}
	s.Cleanup()
	if n := len(s.SnapshotAvailable()); n != 1 {
		t.Errorf("available after cleanup = %d; want 1", n)
	}

	s.Shutdown()
	if n := len(s.SnapshotAvailable()); n != 0 {
		t.Errorf("available after shutdown = %d; want 0", n)
	}
}

func TestHandleImport(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	var imported *usb.Device
	resp, err := s.HandleImport(busIDBytes("1-1"), &imported)
	if err != nil {
		t.Fatal(err)
	}
	if imported != d {
		t.Fatal("import did not record the device")
	}
	if resp.(*ImportResponse).Status != 0 {
		t.Errorf("import status = %d; want 0", resp.(*ImportResponse).Status)
	}

	// A second connection importing the same bus id is refused.
	var other *usb.Device
	resp, err = s.HandleImport(busIDBytes("1-1"), &other)
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Error("refused import still recorded a device")
	}
	if resp.(*ImportResponse).Status != importStatusError {
		t.Errorf("refused import status = %d; want %d", resp.(*ImportResponse).Status, importStatusError)
	}
}

func TestHandleImportReplacesPreviousImport(t *testing.T) {
	first := poolDevice("1-1", &staticHandler{})
	second := poolDevice("1-2", &staticHandler{})
	s := NewServer([]*usb.Device{first, second}, nil, nil)

	var imported *usb.Device
	if _, err := s.HandleImport(busIDBytes("1-1"), &imported); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HandleImport(busIDBytes("1-2"), &imported); err != nil {
		t.Fatal(err)
	}
	if imported != second {
		t.Fatal("second import did not replace the first")
	}

	// The first device went back to the pool.
	if _, err := s.Occupy("1-1"); err != nil {
		t.Errorf("first device not released: %v", err)
	}
}

func TestHandleImportInvalidBusID(t *testing.T) {
	s := NewServer(nil, nil, nil)

	var imported *usb.Device
	var busID [32]byte
	busID[0] = 0xff
	busID[1] = 0xfe
	if _, err := s.HandleImport(busID, &imported); !baseerrors.Is(err, ErrInvalidBusID) {
		t.Errorf("err = %v; want ErrInvalidBusID", err)
	}
}

func TestHandleSubmitIn(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{response: []byte{0xca, 0xfe}})
	s := NewServer([]*usb.Device{d}, nil, nil)

	cmd := &CmdSubmit{
		Header:               HeaderBasic{Command: usbipCmdSubmit, Seqnum: 3, Direction: DirIn, Endpoint: 1},
		TransferBufferLength: 8,
	}
	resp := s.HandleSubmit(context.Background(), cmd, d).(*SubmitResponse)
	if resp.Status != 0 {
		t.Fatalf("status = %d; want 0", resp.Status)
	}
	if resp.ActualLength != 2 || !bytes.Equal(resp.Data, []byte{0xca, 0xfe}) {
		t.Errorf("actual = %d, data = %v; want 2, [ca fe]", resp.ActualLength, resp.Data)
	}
	if resp.Header.Seqnum != 3 || resp.Header.Command != usbipRetSubmit {
		t.Errorf("reply header = %s", resp.Header)
	}
}

func TestHandleSubmitOut(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	cmd := &CmdSubmit{
		Header:               HeaderBasic{Command: usbipCmdSubmit, Seqnum: 4, Direction: DirOut, Endpoint: 2},
		TransferBufferLength: 4,
		Data:                 []byte{1, 2, 3, 4},
	}
	resp := s.HandleSubmit(context.Background(), cmd, d).(*SubmitResponse)
	if resp.Status != 0 {
		t.Fatalf("status = %d; want 0", resp.Status)
	}
	if resp.ActualLength != 4 {
		t.Errorf("actual length = %d; want the full OUT length 4", resp.ActualLength)
	}
	if resp.Data != nil {
		t.Errorf("OUT reply carries data: %v", resp.Data)
	}
}

func TestHandleSubmitUnknownEndpoint(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{})
	s := NewServer([]*usb.Device{d}, nil, nil)

	cmd := &CmdSubmit{
		Header: HeaderBasic{Command: usbipCmdSubmit, Seqnum: 5, Direction: DirIn, Endpoint: 7},
	}
	resp := s.HandleSubmit(context.Background(), cmd, d).(*SubmitResponse)
	if resp.Status == 0 {
		t.Error("expected a failed status for an unknown endpoint")
	}
	if resp.ActualLength != 0 {
		t.Errorf("actual length = %d; want 0", resp.ActualLength)
	}
}

func TestHandleSubmitHandlerError(t *testing.T) {
	d := poolDevice("1-1", &staticHandler{err: baseerrors.New("device unplugged")})
	s := NewServer([]*usb.Device{d}, nil, nil)

	in := &CmdSubmit{
		Header:               HeaderBasic{Command: usbipCmdSubmit, Seqnum: 6, Direction: DirIn, Endpoint: 1},
		TransferBufferLength: 8,
	}
	resp := s.HandleSubmit(context.Background(), in, d).(*SubmitResponse)
	if resp.Status == 0 || resp.ActualLength != 0 {
		t.Errorf("failed IN: status = %d, actual = %d; want nonzero, 0", resp.Status, resp.ActualLength)
	}

	out := &CmdSubmit{
		Header:               HeaderBasic{Command: usbipCmdSubmit, Seqnum: 7, Direction: DirOut, Endpoint: 2},
		TransferBufferLength: 4,
		Data:                 []byte{1, 2, 3, 4},
	}
	resp = s.HandleSubmit(context.Background(), out, d).(*SubmitResponse)
	if resp.Status == 0 || resp.ActualLength != 4 {
		t.Errorf("failed OUT: status = %d, actual = %d; want nonzero, 4", resp.Status, resp.ActualLength)
	}
}

func TestHandleUnlink(t *testing.T) {
	s := NewServer(nil, nil, nil)

	cmd := &CmdUnlink{
		Header:       HeaderBasic{Command: usbipCmdUnlink, Seqnum: 8},
		UnlinkSeqnum: 3,
	}
	resp := s.HandleUnlink(cmd).(*UnlinkResponse)
	if resp.Status != 0 {
		t.Errorf("unlink status = %d; want 0", resp.Status)
	}
	if resp.Header.Command != usbipRetUnlink || resp.Header.Seqnum != 8 {
		t.Errorf("reply header = %s", resp.Header)
	}
}

func TestHandleDevlistSnapshotsAvailableOnly(t *testing.T) {
	first := poolDevice("1-1", &staticHandler{})
	second := poolDevice("1-2", &staticHandler{})
	s := NewServer([]*usb.Device{first, second}, nil, nil)

	if _, err := s.Occupy("1-1"); err != nil {
		t.Fatal(err)
	}
	resp := s.HandleDevlist().(*DevlistResponse)
	if len(resp.devices) != 1 || resp.devices[0] != second {
		t.Errorf("devlist = %v; want only 1-2", resp.devices)
	}
}
