package flash

import (
	"time"

	"xburst-cloner/internal/protocol"
	"xburst-cloner/internal/registry"
	"xburst-cloner/internal/variant"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xerrors"
	"xburst-cloner/internal/xlog"
)

const (
	flashBaseAddress = 0x00008010
	bankSize         = 1 << 20 // 1 MiB
	bankCount        = 16      // 16 MiB NOR
	fullImageSize    = bankCount * bankSize
)

// Engine drives the firmware-stage chunked read/write loops and the
// flash-descriptor prelude against one Handle (spec §4.F/§4.G, Components F
// and G). It builds the partition marker and flash descriptor records
// in-process (spec.md Component G) rather than sourcing them externally —
// the core never reads chip-identification records from an outside
// provider, only the DRAM-init/stage1/stage2 blobs the Bootstrap
// Orchestrator uses do that.
//
// Grounded on original_source/src/firmware/writer.c's write_firmware_to_device
// and firmware_wait_for_erase_ready.
type Engine struct {
	h   *registry.Handle
	log *xlog.Logger
}

// New builds an Engine for h.
func New(h *registry.Handle, log *xlog.Logger) *Engine {
	if log == nil {
		log = xlog.Default()
	}
	return &Engine{h: h, log: log}
}

func readChunkTimeout(size int) time.Duration {
	ms := 5000 + (size/65536)*1000
	if ms < 5000 {
		ms = 5000
	}
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}

// readChunk executes the per-chunk read protocol: FW_WRITE1 handshake,
// FW_READ_STATUS2, bulk-IN, FW_READ (spec §4.F "Read chunk protocol").
func (e *Engine) readChunk(offset, size uint32) ([]byte, error) {
	frame := ReadHandshakeFrame(offset, size)
	if err := e.h.Protocol.SendHandshakeFrame(protocol.ReqFWWrite1, frame); err != nil {
		return nil, xerrors.New("flash.readChunk.handshake", xerrors.StatusOf(err), err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := e.h.Protocol.FWReadStatus(protocol.ReqFWReadStatus2, 8, 2000*time.Millisecond); err != nil {
		e.log.Debugf("flash: FW_READ_STATUS2 during read chunk failed (non-fatal): %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, size)
	n, err := e.h.Protocol.BulkIn(buf, readChunkTimeout(int(size)))
	if err != nil {
		return nil, xerrors.New("flash.readChunk.bulkIn", xerrors.StatusOf(err), err)
	}

	if _, err := e.h.Protocol.FWRead(2000 * time.Millisecond); err != nil {
		e.log.Debugf("flash: FW_READ after read chunk failed (non-fatal): %v", err)
	}

	return buf[:n], nil
}

// writeChunk executes the per-chunk write protocol for the T31/T41 family
// (spec §4.F "Write chunk protocol (T31 family)"/"(T41)").
func (e *Engine) writeChunk(v xburst.Variant, chunkOffset uint32, data []byte) error {
	frame := WriteHandshakeFrame(chunkOffset, uint32(len(data)), data, TrailerFor(v))
	if err := e.h.Protocol.SendHandshakeFrame(protocol.ReqVRWrite, frame); err != nil {
		return xerrors.New("flash.writeChunk.handshake", xerrors.StatusOf(err), err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := e.h.Protocol.BulkOut(data, 6000*time.Millisecond); err != nil {
		return xerrors.New("flash.writeChunk.bulkOut", xerrors.StatusOf(err), err)
	}
	time.Sleep(100 * time.Millisecond)

	if v == xburst.VariantT41 {
		if _, err := e.h.Protocol.FWRead(1000 * time.Millisecond); err != nil {
			e.log.Debugf("flash: FW_READ after T41 chunk failed (tolerated): %v", err)
		}
	}

	e.h.Protocol.DrainBulkIn(16, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	return nil
}

// writeChunkA1 executes the A1-specific write-chunk protocol: the T31
// sequence with the A1 handshake frame layout (spec §4.F "Write chunk
// protocol (A1)").
func (e *Engine) writeChunkA1(chunkOffset uint32, data []byte) error {
	frame := WriteHandshakeFrameA1(chunkOffset, data)
	if err := e.h.Protocol.SendHandshakeFrame(protocol.ReqVRWrite, frame); err != nil {
		return xerrors.New("flash.writeChunkA1.handshake", xerrors.StatusOf(err), err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := e.h.Protocol.BulkOut(data, 6000*time.Millisecond); err != nil {
		return xerrors.New("flash.writeChunkA1.bulkOut", xerrors.StatusOf(err), err)
	}
	time.Sleep(100 * time.Millisecond)

	e.h.Protocol.DrainBulkIn(16, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	return nil
}

// waitEraseReady implements the erase-ready poller (spec §4.F
// "Erase-ready polling", grounded on
// original_source/src/firmware/writer.c's firmware_wait_for_erase_ready):
// enforce a minimum wait, then poll FW_READ_STATUS2 every 500ms, treating
// three equal polls in a row, or a change of value followed by one repeat of
// the new value, as ready, with a hard cap of maxWait (60s from WriteImage).
func (e *Engine) waitEraseReady(minWait, maxWait time.Duration) {
	const pollInterval = 500 * time.Millisecond
	deadline := time.Now().Add(maxWait)
	minDeadline := time.Now().Add(minWait)

	var lastStatus []byte
	haveStatus := false
	transitioned := false
	stableCount := 0

	for time.Now().Before(deadline) {
		status, err := e.h.Protocol.FWReadStatus(protocol.ReqFWReadStatus2, 8, 1500*time.Millisecond)
		if err != nil {
			e.log.Debugf("flash: erase-ready poll error (treated as busy): %v", err)
		} else if time.Now().After(minDeadline) {
			if !haveStatus {
				haveStatus = true
				lastStatus = status
				stableCount = 1
			} else if bytesEqual(status, lastStatus) {
				stableCount++
			} else {
				e.log.Debugf("flash: erase status transitioned; waiting for it to settle")
				transitioned = true
				stableCount = 1
			}
			if stableCount >= 3 || (transitioned && stableCount >= 2) {
				e.log.Debugf("flash: erase status stable for %d polls; proceeding", stableCount)
				return
			}
			lastStatus = status
		}
		sleep := pollInterval
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
	e.log.Warnf("flash: timed out waiting for erase-ready after %v; continuing anyway", maxWait)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sendT41Metadata sends the T41N write prelude: two fixed FW_WRITE2 frames
// bracketing the partition marker and flash descriptor bulk transfers (spec
// §4.F "Whole-image write sequence" step 1).
func (e *Engine) sendT41Metadata() error {
	if err := e.h.Protocol.SendHandshakeFrame(protocol.ReqFWWrite2, T41WriteMetadataFrame1); err != nil {
		return xerrors.New("flash.sendT41Metadata.frame1", xerrors.StatusOf(err), err)
	}

	marker := BuildPartitionMarker()
	if _, err := e.h.Protocol.BulkOut(marker, 5000*time.Millisecond); err != nil {
		return xerrors.New("flash.sendT41Metadata.markerBulkOut", xerrors.StatusOf(err), err)
	}

	if _, err := e.h.Protocol.FWRead(2000 * time.Millisecond); err != nil {
		e.log.Debugf("flash: FW_READ after T41 marker failed (non-fatal): %v", err)
	}
	if _, err := e.h.Protocol.FWReadStatus(protocol.ReqFWReadStatus4, 8, 2000*time.Millisecond); err != nil {
		e.log.Debugf("flash: FW_READ_STATUS4 after T41 marker failed (non-fatal): %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := e.h.Protocol.SendHandshakeFrame(protocol.ReqFWWrite2, T41WriteMetadataFrame2); err != nil {
		return xerrors.New("flash.sendT41Metadata.frame2", xerrors.StatusOf(err), err)
	}

	desc := BuildT41Descriptor()
	if _, err := e.h.Protocol.BulkOut(desc, 30000*time.Millisecond); err != nil {
		if xerrors.StatusOf(err) != xerrors.Timeout {
			return xerrors.New("flash.sendT41Metadata.descriptorBulkOut", xerrors.StatusOf(err), err)
		}
		e.log.Warnf("flash: T41 descriptor transfer timed out with 0 bytes; continuing anyway")
	}

	if _, err := e.h.Protocol.FWRead(2000 * time.Millisecond); err != nil {
		e.log.Debugf("flash: FW_READ after T41 descriptor failed (non-fatal): %v", err)
	}
	if err := e.h.Protocol.FWHandshake(); err != nil {
		return xerrors.New("flash.sendT41Metadata.handshake", xerrors.StatusOf(err), err)
	}
	if _, err := e.h.Protocol.FWRead(2000 * time.Millisecond); err != nil {
		e.log.Debugf("flash: final FW_READ after T41 metadata failed (non-fatal): %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// sendT31Prelude sends the T31/T31X/T31ZX/A1 write prelude: the partition
// marker then the variant-selected 972-byte flash descriptor, then
// FW_HANDSHAKE (spec §4.F "Whole-image write sequence" step 2).
func (e *Engine) sendT31Prelude(v xburst.Variant) error {
	marker := BuildPartitionMarker()
	if _, err := e.h.Protocol.BulkOut(marker, 5000*time.Millisecond); err != nil {
		return xerrors.New("flash.sendT31Prelude.markerBulkOut", xerrors.StatusOf(err), err)
	}

	desc := BuildT31xWriterFullDescriptor()
	if v == xburst.VariantA1 {
		desc = BuildA1WriterFullDescriptor()
	}
	if _, err := e.h.Protocol.BulkOut(desc, 30000*time.Millisecond); err != nil {
		return xerrors.New("flash.sendT31Prelude.descriptorBulkOut", xerrors.StatusOf(err), err)
	}

	return e.h.Protocol.FWHandshake()
}

// WriteImage executes the whole-image write sequence (spec §4.F
// "Whole-image write sequence").
func (e *Engine) WriteImage(data []byte) (bytesWritten uint32, chunks uint32, err error) {
	v := e.h.Identity.Variant
	consts := variant.For(v)

	if v == xburst.VariantT41 {
		if err := e.sendT41Metadata(); err != nil {
			return 0, 0, err
		}
	} else {
		if err := e.sendT31Prelude(v); err != nil {
			return 0, 0, err
		}
	}

	if err := e.h.Protocol.SetDataAddr(flashBaseAddress); err != nil {
		return 0, 0, xerrors.New("flash.WriteImage.setDataAddr", xerrors.StatusOf(err), err)
	}

	if v == xburst.VariantA1 {
		e.log.Infof("flash: waiting ~60s for A1 chip erase")
		time.Sleep(60 * time.Second)
	}

	setLen := uint32(len(data))
	if v == xburst.VariantT41 {
		setLen = 65536
	}
	if err := e.h.Protocol.SetDataLen(setLen); err != nil {
		return 0, 0, xerrors.New("flash.WriteImage.setDataLen", xerrors.StatusOf(err), err)
	}

	if v != xburst.VariantA1 {
		e.waitEraseReady(5*time.Second, 60*time.Second)
	}

	plan := xburst.ChunkPlan{
		ChunkSize:        consts.WriteChunkSize,
		TotalSize:        uint32(len(data)),
		BaseFlashAddress: flashBaseAddress,
	}

	var written uint32
	var chunkNum uint32
	count := plan.Count()
	if plan.TotalSize == 0 {
		count = 0
	}
	for i := 1; i <= count; i++ {
		start, end := plan.ChunkBounds(i)
		chunk := data[start:end]
		chunkNum++

		var werr error
		if v == xburst.VariantA1 {
			werr = e.writeChunkA1(start, chunk)
		} else {
			werr = e.writeChunk(v, start, chunk)
		}
		if werr != nil {
			return written, chunkNum, werr
		}
		written = end
	}

	if err := e.h.Protocol.FlushCache(); err != nil {
		e.log.Warnf("flash: FLUSH_CACHE after write failed (tolerated): %v", err)
	}

	return written, chunkNum, nil
}

// FlashBank is one 1 MiB bank of the 16 MiB NOR address space read by
// ReadImage (spec §4.F "Whole-image read sequence" step 3).
type FlashBank struct {
	Offset uint32
	Data   []byte
}

// ReadImage executes the whole-image read sequence: send the default
// descriptor, FW_HANDSHAKE, then iterate the 16 1 MiB banks (spec §4.F
// "Whole-image read sequence").
func (e *Engine) ReadImage(bankMask uint16) ([]FlashBank, error) {
	desc := BuildWin25Q128Descriptor()
	if _, err := e.h.Protocol.BulkOut(desc, 30000*time.Millisecond); err != nil {
		return nil, xerrors.New("flash.ReadImage.descriptor", xerrors.StatusOf(err), err)
	}
	time.Sleep(500 * time.Millisecond)

	if err := e.h.Protocol.FWHandshake(); err != nil {
		return nil, xerrors.New("flash.ReadImage.handshake", xerrors.StatusOf(err), err)
	}

	var banks []FlashBank
	for i := 0; i < bankCount; i++ {
		if bankMask != 0 && bankMask&(1<<uint(i)) == 0 {
			continue
		}
		offset := uint32(i * bankSize)
		data, err := e.readChunk(offset, bankSize)
		if err != nil {
			return banks, xerrors.New("flash.ReadImage.bank", xerrors.StatusOf(err), err)
		}
		banks = append(banks, FlashBank{Offset: offset, Data: data})
	}
	return banks, nil
}
