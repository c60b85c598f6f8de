// Package bootstrap drives a device from ROM-boot through DRAM init,
// stage-1 execution, optional re-enumeration, stage-2 execution and into
// firmware/burner stage (spec §4.E, Component E).
//
// Grounded on internal/driver/device/controller.go's OpenDevice staged
// strategy cascade (Strategy 0/1/2, each step logs and falls through on
// failure), generalized into a linear state machine.
package bootstrap

import (
	"time"

	"xburst-cloner/internal/registry"
	"xburst-cloner/internal/variant"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xerrors"
	"xburst-cloner/internal/xlog"
)

// State is one point in the bootstrap state machine (spec §4.E).
type State int

const (
	StateDisconnected State = iota
	StateRomBoot
	StateDramReady
	StateStage1Loaded
	StateStage1Running
	StateReEnumerating
	StateStage2Loaded
	StateStage2Running
	StateFirmware
	StateFailed
)

func (s State) String() string {
	names := [...]string{
		"Disconnected", "RomBoot", "DramReady", "Stage1Loaded", "Stage1Running",
		"ReEnumerating", "Stage2Loaded", "Stage2Running", "Firmware", "Failed",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

const (
	bulkChunkSize   = 1 << 20 // 1 MiB, spec §4.E bulk-out chunking
	flashBaseOffset = 0x00008010
)

// Reopener re-opens a Handle after a re-enumerating variant drops off the
// bus following stage-1 execution. *registry.Registry satisfies this; tests
// substitute a fake so the re-enumeration branch is exercisable without
// hardware.
type Reopener interface {
	Reopen(h *registry.Handle) error
}

// Orchestrator drives one Handle through the bootstrap state machine.
type Orchestrator struct {
	reg Reopener
	log *xlog.Logger
}

// New builds an Orchestrator using reg for any re-enumeration step.
func New(reg Reopener, log *xlog.Logger) *Orchestrator {
	if log == nil {
		log = xlog.Default()
	}
	return &Orchestrator{reg: reg, log: log}
}

// EnsureFirmwareStage brings h to Firmware stage, idempotently: if h is
// already in Firmware stage this returns success without side effects
// (spec §4.E "Entry contract").
func (o *Orchestrator) EnsureFirmwareStage(h *registry.Handle, plan xburst.BootstrapPlan) (State, error) {
	if h.Identity.Stage == xburst.StageFirmware {
		return StateFirmware, nil
	}

	state := StateRomBoot
	consts := variant.For(h.Identity.Variant)
	stage2Addr := consts.Stage2AddrDefault
	if plan.Stage2AddrSet {
		stage2Addr = plan.Stage2Addr
	}

	// 1. RomBoot -> RomBoot: best-effort CPU-info refresh.
	if info, err := h.Protocol.GetCPUInfo(); err != nil {
		o.log.Warnf("bootstrap: GET_CPU_INFO failed (non-fatal): %v", err)
	} else {
		h.Identity.Variant = variant.Classify(info.MagicClean)
		if info.Stage == xburst.StageFirmware {
			h.Identity.Stage = xburst.StageFirmware
			h.Protocol.SetStage(xburst.StageFirmware)
			return StateFirmware, nil
		}
	}

	// 2. RomBoot -> DramReady.
	if !plan.SkipDramInit {
		if err := o.uploadBlob(h, consts.DramInitAddr, plan.DramInit); err != nil {
			return StateFailed, xerrors.New("bootstrap.dramInit", xerrors.StatusOf(err), err)
		}
	}
	state = StateDramReady

	// 3. DramReady -> Stage1Loaded.
	if err := o.uploadBlob(h, consts.Stage1Addr, plan.Stage1); err != nil {
		return StateFailed, xerrors.New("bootstrap.stage1Load", xerrors.StatusOf(err), err)
	}
	state = StateStage1Loaded

	// 4. Stage1Loaded -> Stage1Running.
	if err := h.Protocol.SetDataLen(consts.Stage1ExecLength); err != nil {
		return StateFailed, xerrors.New("bootstrap.stage1ExecLen", xerrors.StatusOf(err), err)
	}
	if err := h.Protocol.ProgStage1(consts.Stage1Addr); err != nil {
		return StateFailed, xerrors.New("bootstrap.progStage1", xerrors.StatusOf(err), err)
	}
	state = StateStage1Running
	o.waitPostStage1(h, consts)

	// 5. Stage1Running -> ReEnumerating (variants that re-enumerate after stage-1).
	if consts.ReEnumerates {
		state = StateReEnumerating
		if err := o.reg.Reopen(h); err != nil {
			return StateFailed, xerrors.New("bootstrap.reenumerate", xerrors.StatusOf(err), err)
		}
		state = StateStage1Running
	}

	// 6. Stage1Running -> Stage2Loaded.
	if err := h.Protocol.SetDataAddr(stage2Addr); err != nil {
		o.log.Debugf("bootstrap: SET_DATA_ADDR(stage2) failed (tolerated on some variants): %v", err)
	}
	if err := h.Protocol.SetDataLen(uint32(len(plan.Stage2))); err != nil {
		o.log.Debugf("bootstrap: SET_DATA_LEN(stage2) failed (tolerated on some variants): %v", err)
	}
	if err := o.bulkOutAll(h, plan.Stage2); err != nil {
		return StateFailed, xerrors.New("bootstrap.stage2Load", xerrors.StatusOf(err), err)
	}
	time.Sleep(500 * time.Millisecond)
	state = StateStage2Loaded

	// 7. Stage2Loaded -> Stage2Running.
	if consts.FlushCacheBeforeSt2 {
		if err := h.Protocol.FlushCache(); err != nil {
			return StateFailed, xerrors.New("bootstrap.flushCache", xerrors.StatusOf(err), err)
		}
	}
	if err := h.Protocol.ProgStage2(stage2Addr); err != nil {
		return StateFailed, xerrors.New("bootstrap.progStage2", xerrors.StatusOf(err), err)
	}
	state = StateStage2Running

	// 8. Stage2Running -> Firmware: best-effort observation.
	if info, err := h.Protocol.GetCPUInfo(); err == nil {
		h.Identity.Variant = variant.Classify(info.MagicClean)
		if info.Stage == xburst.StageFirmware || !consts.ReEnumerates {
			h.Identity.Stage = xburst.StageFirmware
			h.Protocol.SetStage(xburst.StageFirmware)
		}
	} else {
		o.log.Debugf("bootstrap: post-stage2 GET_CPU_INFO failed (non-authoritative for re-enumerating variants): %v", err)
		if !consts.ReEnumerates {
			h.Identity.Stage = xburst.StageFirmware
			h.Protocol.SetStage(xburst.StageFirmware)
		}
	}

	state = StateFirmware
	return state, nil
}

func (o *Orchestrator) waitPostStage1(h *registry.Handle, consts variant.Constants) {
	if consts.PollPostStage1 {
		const pollInterval = 200 * time.Millisecond
		const maxWait = 5 * time.Second
		const neededSuccesses = 3
		deadline := time.Now().Add(maxWait)
		successes := 0
		for time.Now().Before(deadline) {
			if _, err := h.Protocol.GetCPUInfoQuick(); err == nil {
				successes++
				if successes >= neededSuccesses {
					return
				}
			} else {
				successes = 0
			}
			time.Sleep(pollInterval)
		}
		return
	}
	time.Sleep(time.Duration(consts.PostStage1Wait) * time.Millisecond)
}

// uploadBlob performs SET_DATA_ADDR, SET_DATA_LEN, then chunked bulk-out of
// data (spec §4.E steps 2/3).
func (o *Orchestrator) uploadBlob(h *registry.Handle, addr uint32, data []byte) error {
	if err := h.Protocol.SetDataAddr(addr); err != nil {
		return err
	}
	if err := h.Protocol.SetDataLen(uint32(len(data))); err != nil {
		return err
	}
	return o.bulkOutAll(h, data)
}

// bulkOutAll chunks data into 1 MiB bulk-out transfers with the clamp(5000 +
// bytes/65536*1000, 5000, 30000)ms timeout, up to 3 retries per chunk, a
// 10ms inter-chunk pause for transfers over 100KiB, and partial-write
// offset advancement (spec §4.E "Bulk-out chunking").
func (o *Orchestrator) bulkOutAll(h *registry.Handle, data []byte) error {
	offset := 0
	for offset < len(data) {
		end := offset + bulkChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		written := 0
		for written < len(chunk) {
			remaining := chunk[written:]
			timeout := clampTimeout(len(remaining))

			var n int
			var err error
			for attempt := 0; attempt <= 3; attempt++ {
				n, err = h.Protocol.BulkOut(remaining, timeout)
				if err == nil {
					break
				}
			}
			if err != nil {
				return err
			}
			written += n
			if n < len(remaining) {
				// partial write: advance and resize the remaining request
				continue
			}
		}

		offset = end
		if len(chunk) > 100*1024 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

func clampTimeout(bytes int) time.Duration {
	ms := 5000 + (bytes/65536)*1000
	if ms < 5000 {
		ms = 5000
	}
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}
