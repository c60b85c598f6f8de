// Package protocol encodes the XBurst vendor USB request catalog over
// transport.Transport, applying the per-request timeout and retry policy
// (spec §4.C, Component C).
//
// Grounded on original_source/src/usb/device.c's usb_device_vendor_request
// (5 attempts, {500,1000,2000,3000,5000}ms backoff, retry only on
// timeout/pipe/no-device) and spec §4.C's request table.
package protocol

import (
	"strings"
	"time"

	"xburst-cloner/internal/transport"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xerrors"
	"xburst-cloner/internal/xlog"
)

// Request byte codes (spec §4.C).
const (
	ReqGetCPUInfo       = 0x00
	ReqSetDataAddr      = 0x01
	ReqSetDataLen       = 0x02
	ReqFlushCache       = 0x03
	ReqProgStage1       = 0x04
	ReqProgStage2       = 0x05
	ReqNandOps          = 0x07
	ReqFWRead           = 0x10
	ReqFWHandshake      = 0x11
	ReqVRWrite          = 0x12
	ReqFWWrite1         = 0x13
	ReqFWWrite2         = 0x14
	ReqFWReadStatus1    = 0x16
	ReqFWReadStatus2    = 0x19
	ReqFWReadStatus3    = 0x25
	ReqFWReadStatus4    = 0x26
)

// NAND sub-operation selectors carried in wValue of NAND_OPS (spec §9 open
// question — defined, never exercised by a read/write flow in this core).
const (
	NandOpRead  = 0x05
	NandOpWrite = 0x06
)

const (
	defaultControlTimeout = 5000 * time.Millisecond
	longControlTimeout    = 12000 * time.Millisecond
	cpuInfoTimeout        = 1500 * time.Millisecond
	cpuInfoQuickTimeout   = 50 * time.Millisecond
)

var retryBackoff = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	3000 * time.Millisecond,
	5000 * time.Millisecond,
}

const maxRetries = 5

// Protocol issues vendor requests against one Transport, tracking the
// device's current stage so stage-dependent timeout-is-success rules can be
// applied (spec §4.C "Special rule").
type Protocol struct {
	tp    transport.Controller
	stage xburst.Stage
	log   *xlog.Logger
}

// New builds a Protocol. stage should reflect the handle's current
// xburst.DeviceIdentity.Stage and is updated by SetStage as the Bootstrap
// Orchestrator advances the device.
func New(tp transport.Controller, stage xburst.Stage, log *xlog.Logger) *Protocol {
	if log == nil {
		log = xlog.Default()
	}
	return &Protocol{tp: tp, stage: stage, log: log}
}

// SetStage updates the stage used by the firmware-stage timeout-is-success
// carve-outs.
func (p *Protocol) SetStage(s xburst.Stage) { p.stage = s }

// splitAddr splits a 32-bit address into (wValue=hi16, wIndex=lo16) per
// spec §4.C's SET_DATA_ADDR/PROG_STAGE1/PROG_STAGE2 encoding.
func splitAddr(a uint32) (value, index uint16) {
	return uint16(a >> 16), uint16(a & 0xFFFF)
}

func isRecoverable(err error) bool {
	s := xerrors.StatusOf(err)
	return s == xerrors.Timeout || s == xerrors.DeviceNotFound
}

// controlWithRetry issues a vendor control request, retrying per spec
// §4.C's backoff table on timeout/pipe/no-device, and — for the named set
// of OUT requests with recipient=device — falling back once to
// recipient=interface on the same recoverable errors.
func (p *Protocol) controlWithRetry(direction transport.Direction, request byte, value, index uint16, buffer []byte, timeout time.Duration, retryAsInterface bool) (int, error) {
	requestType := byte(transport.RequestTypeVendorOut)
	ifaceType := byte(transport.RequestTypeVendorOutIface)
	if direction == transport.DirIn {
		requestType = transport.RequestTypeVendorIn
		ifaceType = transport.RequestTypeVendorInterface
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		n, err := p.tp.Control(direction, requestType, request, value, index, buffer, timeout)
		if err == nil {
			return n, nil
		}
		lastErr = err

		if retryAsInterface && isRecoverable(err) {
			n2, err2 := p.tp.Control(direction, ifaceType, request, value, index, buffer, timeout)
			if err2 == nil {
				return n2, nil
			}
			lastErr = err2
		}

		if !isRecoverable(lastErr) {
			return n, lastErr
		}
		if attempt < maxRetries-1 {
			time.Sleep(retryBackoff[attempt])
		}
	}
	return 0, lastErr
}

// GetCPUInfo fetches 8 or 16 magic bytes, falling back from device- to
// interface-recipient, and classifies the resulting stage (spec §4.C).
func (p *Protocol) GetCPUInfo() (xburst.CpuInfo, error) {
	buf := make([]byte, 16)
	n, err := p.tp.Control(transport.DirIn, transport.RequestTypeVendorIn, ReqGetCPUInfo, 0, 0, buf, cpuInfoTimeout)
	if err != nil || n < 8 {
		n2, err2 := p.tp.Control(transport.DirIn, transport.RequestTypeVendorInterface, ReqGetCPUInfo, 0, 0, buf, cpuInfoTimeout)
		if err2 != nil {
			return xburst.CpuInfo{}, err2
		}
		n = n2
	}
	if n < 8 {
		return xburst.CpuInfo{}, xerrors.New("protocol.GetCPUInfo", xerrors.ProtocolViolation, nil)
	}

	raw := append([]byte(nil), buf[:n]...)
	clean := cleanPrintable(raw[:8])
	stage := classifyStage(clean)

	return xburst.CpuInfo{MagicRaw: raw, MagicClean: clean, Stage: stage}, nil
}

// GetCPUInfoQuick issues a short (50ms) GET_CPU_INFO for fast polling
// (spec §4.C). It makes a single device-recipient attempt and returns any
// transport error, timeouts included, to the caller.
func (p *Protocol) GetCPUInfoQuick() (xburst.CpuInfo, error) {
	buf := make([]byte, 16)
	n, err := p.tp.Control(transport.DirIn, transport.RequestTypeVendorIn, ReqGetCPUInfo, 0, 0, buf, cpuInfoQuickTimeout)
	if err != nil {
		return xburst.CpuInfo{}, err
	}
	if n < 8 {
		return xburst.CpuInfo{}, xerrors.New("protocol.GetCPUInfoQuick", xerrors.ProtocolViolation, nil)
	}
	raw := append([]byte(nil), buf[:n]...)
	clean := cleanPrintable(raw[:8])
	return xburst.CpuInfo{MagicRaw: raw, MagicClean: clean, Stage: classifyStage(clean)}, nil
}

func cleanPrintable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c <= 0x7E {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

func classifyStage(clean string) xburst.Stage {
	upper := strings.ToUpper(clean)
	if strings.HasPrefix(upper, "BOOT") || upper == "X2580" || upper == "A1" {
		return xburst.StageFirmware
	}
	return xburst.StageRomBoot
}

// SetDataAddr emits wValue=a>>16, wIndex=a&0xFFFF with no payload (spec
// §4.C). In Firmware stage a timeout is treated as success (chip-erase in
// progress).
func (p *Protocol) SetDataAddr(a uint32) error {
	value, index := splitAddr(a)
	_, err := p.controlWithRetry(transport.DirOut, ReqSetDataAddr, value, index, nil, longControlTimeout, true)
	if err != nil && p.stage == xburst.StageFirmware && xerrors.StatusOf(err) == xerrors.Timeout {
		p.log.Debugf("SET_DATA_ADDR timed out in firmware stage; treating as success (erase in progress)")
		err = nil
	}
	if err == nil {
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// SetDataLen emits the same address-style split of a 32-bit length (spec
// §4.C).
func (p *Protocol) SetDataLen(n uint32) error {
	value, index := splitAddr(n)
	_, err := p.controlWithRetry(transport.DirOut, ReqSetDataLen, value, index, nil, longControlTimeout, true)
	if err == nil {
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// FlushCache issues FLUSH_CACHE with no payload.
func (p *Protocol) FlushCache() error {
	_, err := p.controlWithRetry(transport.DirOut, ReqFlushCache, 0, 0, nil, defaultControlTimeout, false)
	if err == nil {
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// ProgStage1 executes at the given address (spec §4.C).
func (p *Protocol) ProgStage1(addr uint32) error {
	value, index := splitAddr(addr)
	_, err := p.controlWithRetry(transport.DirOut, ReqProgStage1, value, index, nil, longControlTimeout, false)
	if err == nil {
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// ProgStage2 executes the stage-2 jump. A timeout or pipe error here is
// success — the device is expected to disconnect after the jump (spec
// §4.C/§4.E/§7).
func (p *Protocol) ProgStage2(addr uint32) error {
	value, index := splitAddr(addr)
	_, err := p.controlWithRetry(transport.DirOut, ReqProgStage2, value, index, nil, longControlTimeout, true)
	if err != nil {
		status := xerrors.StatusOf(err)
		if status == xerrors.Timeout || status == xerrors.DeviceNotFound {
			p.log.Debugf("PROG_STAGE2 disconnected as expected (%v); treating as success", err)
			return nil
		}
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// FWRead issues the 4-byte firmware-stage status read (spec §4.F read-chunk
// step 4). Transport errors are returned; the flash engine's callers log
// them and carry on.
func (p *Protocol) FWRead(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 4)
	n, err := p.tp.Control(transport.DirIn, transport.RequestTypeVendorIn, ReqFWRead, 0, 0, buf, timeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// FWReadStatus issues one of the FW_READ_STATUS{1,2,3,4} requests, returning
// up to 8 bytes.
func (p *Protocol) FWReadStatus(request byte, length int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, length)
	n, err := p.tp.Control(transport.DirIn, transport.RequestTypeVendorIn, request, 0, 0, buf, timeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// FWHandshake enters burner read/write mode with no payload.
func (p *Protocol) FWHandshake() error {
	_, err := p.controlWithRetry(transport.DirOut, ReqFWHandshake, 0, 0, nil, defaultControlTimeout, false)
	return err
}

// SendHandshakeFrame sends a 40-byte handshake frame (VR_WRITE, FW_WRITE1 or
// FW_WRITE2 depending on request) as a control-OUT with wValue=wIndex=0
// (spec §4.F). In Firmware stage, a VR_WRITE timeout is success (spec §4.C
// "Special rule").
func (p *Protocol) SendHandshakeFrame(request byte, frame []byte) error {
	_, err := p.tp.Control(transport.DirOut, transport.RequestTypeVendorOut, request, 0, 0, frame, defaultControlTimeout)
	if err != nil && request == ReqVRWrite && p.stage == xburst.StageFirmware && xerrors.StatusOf(err) == xerrors.Timeout {
		p.log.Debugf("VR_WRITE timed out in firmware stage; treating as success")
		return nil
	}
	return err
}

// BulkOut writes data to the bulk-OUT endpoint with the given timeout.
func (p *Protocol) BulkOut(data []byte, timeout time.Duration) (int, error) {
	return p.tp.BulkOut(transport.EndpointBulkOut, data, timeout)
}

// BulkIn reads into buf from the bulk-IN endpoint with the given timeout.
func (p *Protocol) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	return p.tp.BulkIn(transport.EndpointBulkIn, buf, timeout)
}

// DrainBulkIn performs a best-effort drain of the bulk-IN endpoint with
// short timeouts, up to maxTries times, to absorb burner log traffic after a
// write chunk (spec §4.F "drain logs").
func (p *Protocol) DrainBulkIn(maxTries int, perTry time.Duration) {
	buf := make([]byte, 512)
	for i := 0; i < maxTries; i++ {
		_, err := p.tp.BulkIn(transport.EndpointBulkIn, buf, perTry)
		if err != nil {
			// Zero-byte timeout is the normal terminating condition.
			return
		}
	}
}
