// Package transport wraps a gousb device handle with the four primitive USB
// operations the rest of the core uses: control, bulk-out, bulk-in and
// interrupt transfers, each with an explicit timeout and a typed error
// result (spec §4.A, Component A).
//
// Modeled on internal/driver/device/usb_device.go's direct gousb usage in
// the teacher repo, generalized from a single fixed-VID/PID ASIC link to an
// arbitrary already-open device handle.
package transport

import (
	"context"
	"time"

	"github.com/google/gousb"

	"xburst-cloner/internal/xerrors"
	"xburst-cloner/internal/xlog"
)

// Endpoint addresses (spec §4.A).
const (
	EndpointBulkIn       = 0x81
	EndpointBulkOut      = 0x01
	EndpointInterruptIn  = 0x80
	EndpointInterruptOut = 0x00
)

// Control request types (spec §4.A). The Interface-recipient variants are
// the fallback tried when the Device-recipient form fails with a
// timeout/pipe/no-device error.
const (
	RequestTypeVendorIn        = 0xC0
	RequestTypeVendorOut       = 0x40
	RequestTypeVendorInterface = 0xC1
	RequestTypeVendorOutIface  = 0x41
)

// Direction distinguishes IN (device-to-host) from OUT control transfers.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// Controller is the four-primitive-transfer surface Protocol depends on.
// *Transport is the production implementation; tests substitute a fake to
// exercise the retry/timeout-carve-out policy in internal/protocol without
// real USB hardware.
type Controller interface {
	Control(direction Direction, requestType byte, request byte, value, index uint16, buffer []byte, timeout time.Duration) (int, error)
	BulkOut(endpoint byte, buffer []byte, timeout time.Duration) (int, error)
	BulkIn(endpoint byte, buffer []byte, timeout time.Duration) (int, error)
	Interrupt(endpoint byte, buffer []byte, timeout time.Duration) (int, error)
}

// Transport performs raw transfers against one open gousb device. It is not
// safe for concurrent use by design — spec §5 mandates a single owner per
// handle at a time.
type Transport struct {
	dev *gousb.Device
	log *xlog.Logger
}

// New wraps an already-opened gousb device.
func New(dev *gousb.Device, log *xlog.Logger) *Transport {
	if log == nil {
		log = xlog.Default()
	}
	return &Transport{dev: dev, log: log}
}

// Device exposes the underlying gousb handle for components (Registry) that
// need descriptor access the Transport doesn't wrap.
func (t *Transport) Device() *gousb.Device { return t.dev }

// Control issues a control transfer. direction selects IN vs OUT;
// requestType must be one of the RequestType* constants (device- or
// interface-recipient, vendor class). buffer is filled (IN) or sent (OUT).
// Returns bytes transferred. A reported timeout whose byte counter equals
// len(buffer) is treated as success (spec §4.A controller quirk).
func (t *Transport) Control(direction Direction, requestType byte, request byte, value, index uint16, buffer []byte, timeout time.Duration) (int, error) {
	t.dev.ControlTimeout = timeout

	// direction is carried by requestType's direction bit (0x80); gousb's
	// Control call is symmetric and just needs the right requestType byte.
	_ = direction
	n, err := t.dev.Control(requestType, request, value, index, buffer)

	if err == nil {
		return n, nil
	}
	if isTimeout(err) && n == len(buffer) {
		t.log.Debugf("control request 0x%02x timed out but transferred the full %d bytes, treating as success", request, n)
		return n, nil
	}
	return n, classify(err)
}

// BulkOut writes buffer to endpoint (expected EndpointBulkOut) with timeout.
func (t *Transport) BulkOut(endpoint byte, buffer []byte, timeout time.Duration) (int, error) {
	ep, err := t.outEndpoint(endpoint)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, werr := ep.WriteContext(ctx, buffer)
	if werr == nil {
		return n, nil
	}
	if isTimeout(werr) && n == len(buffer) {
		t.log.Debugf("bulk-out on ep 0x%02x timed out but transferred the full %d bytes, treating as success", endpoint, n)
		return n, nil
	}
	return n, classify(werr)
}

// BulkIn reads up to len(buffer) bytes from endpoint (expected
// EndpointBulkIn) with timeout.
func (t *Transport) BulkIn(endpoint byte, buffer []byte, timeout time.Duration) (int, error) {
	ep, err := t.inEndpoint(endpoint)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, rerr := ep.ReadContext(ctx, buffer)
	if rerr == nil {
		return n, nil
	}
	if isTimeout(rerr) && n == len(buffer) {
		return n, nil
	}
	return n, classify(rerr)
}

// Interrupt performs an interrupt transfer in either direction, selected by
// the endpoint address's direction bit.
func (t *Transport) Interrupt(endpoint byte, buffer []byte, timeout time.Duration) (int, error) {
	if endpoint&0x80 != 0 {
		ep, err := t.inEndpoint(endpoint)
		if err != nil {
			return 0, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := ep.ReadContext(ctx, buffer)
		if err != nil && !(isTimeout(err) && n == len(buffer)) {
			return n, classify(err)
		}
		return n, nil
	}
	ep, err := t.outEndpoint(endpoint)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := ep.WriteContext(ctx, buffer)
	if err != nil && !(isTimeout(err) && n == len(buffer)) {
		return n, classify(err)
	}
	return n, nil
}

// endpoint lookups are not cached: the caller (Protocol/Flash layer) issues
// transfers infrequently enough that re-resolving via the claimed interface
// is not a hot path, and it keeps Transport free of cached interface state.
// The Config and Interface resolved here are not closed by Transport or by
// Registry.
func (t *Transport) outEndpoint(addr byte) (*gousb.OutEndpoint, error) {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return nil, xerrors.New("transport.outEndpoint", xerrors.OpenFailed, err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return nil, xerrors.New("transport.outEndpoint", xerrors.OpenFailed, err)
	}
	ep, err := intf.OutEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, xerrors.New("transport.outEndpoint", xerrors.OpenFailed, err)
	}
	return ep, nil
}

func (t *Transport) inEndpoint(addr byte) (*gousb.InEndpoint, error) {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return nil, xerrors.New("transport.inEndpoint", xerrors.OpenFailed, err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return nil, xerrors.New("transport.inEndpoint", xerrors.OpenFailed, err)
	}
	ep, err := intf.InEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, xerrors.New("transport.inEndpoint", xerrors.OpenFailed, err)
	}
	return ep, nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded {
		return true
	}
	s := err.Error()
	return contains(s, "timeout") || contains(s, "timed out")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// classify maps an underlying transport error into the spec's error-kind
// set (spec §7).
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isTimeout(err):
		return xerrors.New("transport", xerrors.Timeout, err)
	case isPipeOrNoDevice(err):
		return xerrors.New("transport", xerrors.DeviceNotFound, err)
	default:
		return xerrors.New("transport", xerrors.TransferFailed, err)
	}
}

func isPipeOrNoDevice(err error) bool {
	s := err.Error()
	return contains(s, "pipe") || contains(s, "no device") || contains(s, "disconnected")
}
