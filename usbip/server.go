package usbip

import (
	"context"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

var (
	// ErrDeviceBusy means the device is currently imported by a client.
	ErrDeviceBusy = errors.New("device is in use")
	// ErrNotFound means no device with the given bus id is known.
	ErrNotFound = errors.New("device not found")
	// ErrNoAvailableDevice covers both an unknown bus id and a device
	// already imported elsewhere; the wire protocol does not distinguish.
	ErrNoAvailableDevice = errors.New("no available device")
	// ErrInvalidBusID means an import request carried a bus id that is
	// not valid UTF-8 text.
	ErrInvalidBusID = errors.New("invalid bus id")
)

// maxInflightURBs bounds how many blocking backend transfers may run at
// once across all connections, so one slow device cannot monopolize the
// scheduler.
const maxInflightURBs = 64

// Server owns the device pool: the partition of all known devices into
// an available set and an in-use set, keyed by bus id. At most one
// connection holds a given device at a time.
type Server struct {
	logger log.Logger

	// mu guards both sets together so a device is never observable in
	// both, or in neither, mid-move.
	mu        sync.RWMutex
	available []*usb.Device
	used      []*usb.Device

	urbSlots *semaphore.Weighted

	availableGauge      prometheus.Gauge
	importedGauge       prometheus.Gauge
	connectionsTotal    prometheus.Counter
	importsTotal        prometheus.Counter
	importFailuresTotal prometheus.Counter
	urbsTotal           prometheus.Counter
	urbFailuresTotal    prometheus.Counter
}

// NewServer creates a pool pre-populated with devices. Metrics are
// registered on reg when it is non-nil; logger may be nil.
func NewServer(devices []*usb.Device, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		logger:    logger,
		available: append([]*usb.Device(nil), devices...),
		urbSlots:  semaphore.NewWeighted(maxInflightURBs),
		availableGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_server_available_devices",
			Help: "The number of devices currently exportable from this server.",
		}),
		importedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_server_imported_devices",
			Help: "The number of devices currently imported by clients.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_connections_total",
			Help: "The total number of client connections accepted.",
		}),
		importsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_imports_total",
			Help: "The total number of successful device imports.",
		}),
		importFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_import_failures_total",
			Help: "The total number of rejected device imports.",
		}),
		urbsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_urbs_total",
			Help: "The total number of URBs submitted by clients.",
		}),
		urbFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_urb_failures_total",
			Help: "The total number of URBs that completed with an error.",
		}),
	}
	s.availableGauge.Set(float64(len(s.available)))
	if reg != nil {
		reg.MustRegister(
			s.availableGauge, s.importedGauge,
			s.connectionsTotal, s.importsTotal, s.importFailuresTotal,
			s.urbsTotal, s.urbFailuresTotal,
		)
	}
	return s
}

func (s *Server) updateGauges() {
	s.availableGauge.Set(float64(len(s.available)))
	s.importedGauge.Set(float64(len(s.used)))
}

func indexByBusID(devices []*usb.Device, busID string) int {
	for i, d := range devices {
		if d.BusID == busID {
			return i
		}
	}
	return -1
}

func removeAt(devices []*usb.Device, i int) []*usb.Device {
	return append(devices[:i], devices[i+1:]...)
}

// AddDevice appends a device to the available set. Bus-id uniqueness is
// a caller obligation; duplicates are not rejected here.
func (s *Server) AddDevice(d *usb.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, d)
	s.updateGauges()
}

// RemoveDevice drops a device from the pool, releasing any backend claim
// first. Removing an imported device fails with ErrDeviceBusy.
func (s *Server) RemoveDevice(busID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexByBusID(s.available, busID); i >= 0 {
		if h := s.available[i].Handler; h != nil {
			h.ReleaseClaim()
		}
		s.available = removeAt(s.available, i)
		s.updateGauges()
		return nil
	}
	if indexByBusID(s.used, busID) >= 0 {
		return errors.Wrapf(ErrDeviceBusy, "device %s", busID)
	}
	return errors.Wrapf(ErrNotFound, "device %s", busID)
}

// Occupy atomically moves a device from available to used, transferring
// exclusive ownership to the caller.
func (s *Server) Occupy(busID string) (*usb.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexByBusID(s.available, busID)
	if i < 0 {
		return nil, errors.Wrapf(ErrNoAvailableDevice, "device %s", busID)
	}
	d := s.available[i]
	s.available = removeAt(s.available, i)
	s.used = append(s.used, d)
	s.updateGauges()
	return d, nil
}

// Release returns an occupied device to the available set. It is
// idempotent: releasing a device whose bus id is already available is a
// no-op.
func (s *Server) Release(d *usb.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexByBusID(s.used, d.BusID); i >= 0 {
		s.used = removeAt(s.used, i)
	}
	if indexByBusID(s.available, d.BusID) < 0 {
		s.available = append(s.available, d)
	}
	s.updateGauges()
}

// Cleanup moves every imported device back to the available set. It does
// not touch backend claims; see Shutdown for the destructive pass.
func (s *Server) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.used {
		if indexByBusID(s.available, d.BusID) < 0 {
			s.available = append(s.available, d)
		}
	}
	s.used = nil
	s.updateGauges()
}

// Shutdown runs Cleanup and then hands every device back to the host OS,
// emptying the pool. Claim release is best effort per device; a failing
// device is logged and skipped. Only meant for process shutdown since it
// destroys the device list.
func (s *Server) Shutdown() {
	s.Cleanup()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.available {
		if d.Handler == nil {
			continue
		}
		_ = level.Debug(s.logger).Log("msg", "releasing device claim", "busid", d.BusID)
		d.Handler.ReleaseClaim()
	}
	s.available = nil
	s.updateGauges()
}

// SnapshotAvailable copies the current available set, for the devlist
// reply and for management callers.
func (s *Server) SnapshotAvailable() []*usb.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*usb.Device(nil), s.available...)
}

// HandleDevlist builds the OP_REP_DEVLIST reply from a snapshot of the
// available set.
func (s *Server) HandleDevlist() Response {
	return opRepDevlistResponse(s.SnapshotAvailable())
}

// HandleImport decodes the requested bus id and tries to occupy that
// device. A device already held by the connection is released first, so
// re-import replaces rather than stacks. On success the imported slot is
// filled; on an occupy failure the reply carries an error status and the
// slot stays empty. A bus id that is not valid text fails with
// ErrInvalidBusID and no reply.
func (s *Server) HandleImport(busID [32]byte, imported **usb.Device) (Response, error) {
	raw := busID[:]
	for i, b := range raw {
		if b == 0 {
			raw = raw[:i]
			break
		}
	}
	if !utf8.Valid(raw) {
		return nil, errors.Wrapf(ErrInvalidBusID, "%q", raw)
	}

	if *imported != nil {
		s.Release(*imported)
		*imported = nil
	}

	d, err := s.Occupy(string(raw))
	if err != nil {
		_ = level.Info(s.logger).Log("msg", "rejecting import", "busid", string(raw), "err", err)
		s.importFailuresTotal.Inc()
		return opRepImportFail(), nil
	}
	*imported = d
	s.importsTotal.Inc()
	_ = level.Info(s.logger).Log("msg", "device imported", "busid", d.BusID)
	return opRepImportSuccess(d), nil
}

// HandleSubmit resolves the target endpoint and routes the URB to the
// device. Failures become failed submit replies; the connection is never
// torn down over a URB.
func (s *Server) HandleSubmit(ctx context.Context, cmd *CmdSubmit, device *usb.Device) Response {
	s.urbsTotal.Inc()

	out := cmd.Header.Direction == DirOut
	realEP := uint8(cmd.Header.Endpoint)
	if !out {
		realEP |= usb.EndpointDirectionIn
	}
	reply := cmd.Header.reply(usbipRetSubmit)

	ep, intf, ok := device.FindEndpoint(realEP)
	if !ok {
		_ = level.Warn(s.logger).Log("msg", "URB failed", "busid", device.BusID, "ep", realEP, "err", usb.ErrEndpointNotFound)
		s.urbFailuresTotal.Inc()
		return retSubmitFail(reply, -int32(syscall.EPIPE), 0)
	}

	// Backend transfers block; take a slot so they cannot starve the
	// rest of the server.
	if err := s.urbSlots.Acquire(ctx, 1); err != nil {
		s.urbFailuresTotal.Inc()
		return retSubmitFail(reply, -int32(syscall.ECONNRESET), 0)
	}
	resp, err := device.HandleURB(ep, intf, cmd.TransferBufferLength, usb.ParseSetupPacket(cmd.Setup), cmd.Data)
	s.urbSlots.Release(1)

	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "URB failed", "busid", device.BusID, "ep", realEP, "err", err)
		s.urbFailuresTotal.Inc()
		// A failed OUT still reports the full requested length so the
		// client does not amplify retries.
		actual := cmd.TransferBufferLength
		if ep.IsIn() {
			actual = 0
		}
		return retSubmitFail(reply, -int32(syscall.EPIPE), actual)
	}

	if ep.IsIn() {
		return retSubmitSuccess(reply, uint32(len(resp)), resp)
	}
	return retSubmitSuccess(reply, cmd.TransferBufferLength, nil)
}

// HandleUnlink acknowledges the cancellation unconditionally. In-flight
// URBs are handled synchronously here, so there is never a transfer left
// to cancel by the time an unlink arrives.
func (s *Server) HandleUnlink(cmd *CmdUnlink) Response {
	_ = level.Debug(s.logger).Log("msg", "unlink acknowledged", "seqnum", cmd.UnlinkSeqnum)
	return &UnlinkResponse{Header: cmd.Header.reply(usbipRetUnlink)}
}
