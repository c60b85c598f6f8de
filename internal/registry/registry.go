// Package registry enumerates, opens, and re-opens XBurst devices over
// libusb, classifying each one by CPU-magic (spec §4.B, Component B).
//
// Grounded on internal/driver/device/usb_device.go's OpenUSBDevice /
// IsUSBDeviceAvailable (fixed VID:PID open via gousb.Context) generalized to
// a multi-VID/PID device walk, and original_source/src/usb/device.c's
// usb_device_init (bus/address based lookup + descriptor read).
package registry

import (
	"time"

	"github.com/google/gousb"

	"xburst-cloner/internal/protocol"
	"xburst-cloner/internal/transport"
	"xburst-cloner/internal/variant"
	"xburst-cloner/internal/xerrors"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xlog"
)

// VendorProductPair is one recognized (vendor, product) combination (spec
// §4.B step 1).
type VendorProductPair struct {
	VendorID  uint16
	ProductID uint16
}

// Recognized device identifiers.
var Recognized = []VendorProductPair{
	{VendorID: 0x601A, ProductID: 0x4770},
	{VendorID: 0x601A, ProductID: 0xC309},
	{VendorID: 0x601A, ProductID: 0x601A},
	{VendorID: 0x601A, ProductID: 0x8887},
	{VendorID: 0x601A, ProductID: 0x601E},
	{VendorID: 0xA108, ProductID: 0x4770},
	{VendorID: 0xA108, ProductID: 0xC309},
	{VendorID: 0xA108, ProductID: 0x601A},
	{VendorID: 0xA108, ProductID: 0x8887},
	{VendorID: 0xA108, ProductID: 0x601E},
}

func isRecognized(vid, pid uint16) bool {
	for _, p := range Recognized {
		if p.VendorID == vid && p.ProductID == pid {
			return true
		}
	}
	return false
}

func firmwareProductID(pid uint16) bool {
	return pid == 0x8887 || pid == 0x601E
}

// Handle owns one open device exclusively for the duration of an operation
// (spec §3 DeviceHandle).
type Handle struct {
	ctx      *gousb.Context
	dev      *gousb.Device
	Identity xburst.DeviceIdentity
	Closed   bool

	Transport *transport.Transport
	Protocol  *protocol.Protocol
}

// Registry enumerates and opens devices against one shared libusb context.
// The context must outlive every Handle opened from it (spec §5).
type Registry struct {
	ctx *gousb.Context
	log *xlog.Logger
}

// New creates a Registry and its libusb context.
func New(log *xlog.Logger) *Registry {
	if log == nil {
		log = xlog.Default()
	}
	return &Registry{ctx: gousb.NewContext(), log: log}
}

// Close releases the underlying libusb context. Must not be called while
// any Handle from this Registry remains open (spec §5).
func (r *Registry) Close() error {
	return r.ctx.Close()
}

// Enumerate walks all USB devices, keeping the ones with a recognized
// (vendor, product) pair, tentatively classifies stage from the product ID,
// then probes ROM-boot candidates with GET_CPU_INFO to resolve the
// authoritative stage and variant (spec §4.B step 1-3).
func (r *Registry) Enumerate() ([]xburst.DeviceIdentity, error) {
	return r.enumerate(true)
}

// FastEnumerate skips the CPU-info probe; it is used right after a
// suspected re-enumeration when the caller cannot afford a blocking query
// (spec §4.B).
func (r *Registry) FastEnumerate() ([]xburst.DeviceIdentity, error) {
	return r.enumerate(false)
}

func (r *Registry) enumerate(probe bool) ([]xburst.DeviceIdentity, error) {
	var out []xburst.DeviceIdentity

	devs, err := r.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isRecognized(uint16(desc.Vendor), uint16(desc.Product))
	})
	if err != nil {
		return nil, xerrors.New("registry.Enumerate", xerrors.TransferFailed, err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		id := xburst.DeviceIdentity{
			Bus:       uint8(d.Desc.Bus),
			Address:   uint8(d.Desc.Address),
			VendorID:  uint16(d.Desc.Vendor),
			ProductID: uint16(d.Desc.Product),
			Stage:     xburst.StageRomBoot,
			Variant:   xburst.VariantUnknown,
		}
		if firmwareProductID(id.ProductID) {
			id.Stage = xburst.StageFirmware
		}

		if probe && id.Stage == xburst.StageRomBoot {
			tp := transport.New(d, r.log)
			proto := protocol.New(tp, xburst.StageRomBoot, r.log)
			info, cerr := proto.GetCPUInfo()
			if cerr == nil {
				if info.Stage == xburst.StageFirmware {
					id.Stage = xburst.StageFirmware
				}
				id.Variant = variant.Classify(info.MagicClean)
			} else {
				r.log.Debugf("enumerate: GET_CPU_INFO failed for %s: %v", id, cerr)
			}
		}

		out = append(out, id)
	}

	return out, nil
}

// Open locates the device at identity's (bus, address), opens it, and
// returns an exclusively-owned Handle preserving the resolved variant
// (spec §4.B).
func (r *Registry) Open(identity xburst.DeviceIdentity) (*Handle, error) {
	devs, err := r.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint8(desc.Bus) == identity.Bus && uint8(desc.Address) == identity.Address
	})
	if err != nil {
		return nil, xerrors.New("registry.Open", xerrors.OpenFailed, err)
	}
	if len(devs) == 0 {
		return nil, xerrors.New("registry.Open", xerrors.DeviceNotFound, nil)
	}
	// Close any extras beyond the first match (there should be exactly one).
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]

	tp := transport.New(dev, r.log)
	proto := protocol.New(tp, identity.Stage, r.log)

	return &Handle{
		ctx:       r.ctx,
		dev:       dev,
		Identity:  identity,
		Transport: tp,
		Protocol:  proto,
	}, nil
}

// Reopen releases h's current device and re-opens a device with the same
// (vendor, product) pair on the same context, accepting that (bus, address)
// may have changed across a re-enumeration (spec §4.B, §9 "collapse to a
// single path").
func (r *Registry) Reopen(h *Handle) error {
	if err := h.Close(); err != nil {
		r.log.Debugf("reopen: close of previous handle failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var last error
	for time.Now().Before(deadline) {
		ids, err := r.FastEnumerate()
		if err != nil {
			last = err
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, id := range ids {
			if id.VendorID == h.Identity.VendorID && id.ProductID == h.Identity.ProductID {
				id.Variant = h.Identity.Variant
				nh, err := r.Open(id)
				if err != nil {
					last = err
					continue
				}
				*h = *nh
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	if last == nil {
		last = xerrors.New("registry.Reopen", xerrors.DeviceNotFound, nil)
	}
	return last
}

// Close releases the handle's device. Safe to call more than once.
func (h *Handle) Close() error {
	if h.Closed {
		return nil
	}
	h.Closed = true
	if h.dev != nil {
		return h.dev.Close()
	}
	return nil
}
