// Package xburst holds the data model shared by every component: device
// identity, CPU info, variants and the bootstrap plan (spec §3).
package xburst

import (
	"fmt"
	"strings"
)

// Stage is the device's current boot stage.
type Stage int

const (
	StageRomBoot Stage = iota
	StageFirmware
)

func (s Stage) String() string {
	if s == StageFirmware {
		return "firmware"
	}
	return "rom-boot"
}

// Variant identifies the attached SoC family.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantT20
	VariantT21
	VariantT23
	VariantT30
	VariantT31
	VariantT31X
	VariantT31ZX
	VariantT40
	VariantT41
	VariantA1
	VariantX1000
	VariantX1600
	VariantX1700
	VariantX2000
	VariantX2100
	VariantX2600
)

var variantNames = map[Variant]string{
	VariantUnknown: "unknown",
	VariantT20:     "T20",
	VariantT21:     "T21",
	VariantT23:     "T23",
	VariantT30:     "T30",
	VariantT31:     "T31",
	VariantT31X:    "T31X",
	VariantT31ZX:   "T31ZX",
	VariantT40:     "T40",
	VariantT41:     "T41",
	VariantA1:      "A1",
	VariantX1000:   "X1000",
	VariantX1600:   "X1600",
	VariantX1700:   "X1700",
	VariantX2000:   "X2000",
	VariantX2100:   "X2100",
	VariantX2600:   "X2600",
}

func (v Variant) String() string {
	if n, ok := variantNames[v]; ok {
		return n
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant maps a variant name (as printed by String, case-insensitive)
// back to a Variant, used by the CLI's --variant override. Returns
// VariantUnknown if name matches nothing.
func ParseVariant(name string) Variant {
	for v, n := range variantNames {
		if strings.EqualFold(n, name) {
			return v
		}
	}
	return VariantUnknown
}

// DeviceIdentity locates a device on the USB bus and records its classified
// stage and variant (spec §3).
type DeviceIdentity struct {
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16
	Stage     Stage
	Variant   Variant
}

func (d DeviceIdentity) String() string {
	return fmt.Sprintf("bus=%d addr=%d vid=0x%04x pid=0x%04x stage=%s variant=%s",
		d.Bus, d.Address, d.VendorID, d.ProductID, d.Stage, d.Variant)
}

// CpuInfo is the result of GET_CPU_INFO, projected to a printable string
// and classified into a Stage (spec §3).
type CpuInfo struct {
	MagicRaw   []byte
	MagicClean string
	Stage      Stage
}

// BootstrapPlan carries the three opaque blobs and overrides driving the
// Bootstrap Orchestrator (spec §3).
type BootstrapPlan struct {
	DramInit      []byte
	Stage1        []byte
	Stage2        []byte
	SkipDramInit  bool
	Stage2AddrSet bool
	Stage2Addr    uint32
}

// ChunkPlan is the (chunk size, total size, base address) tuple driving a
// chunked transfer loop (spec §3).
type ChunkPlan struct {
	ChunkSize        uint32
	TotalSize        uint32
	BaseFlashAddress uint32
}

// Count returns the number of chunks (ceil(TotalSize/ChunkSize)), at least 1
// when ChunkSize is non-zero; it returns 0 when ChunkSize is 0.
func (p ChunkPlan) Count() int {
	if p.ChunkSize == 0 {
		return 0
	}
	n := (p.TotalSize + p.ChunkSize - 1) / p.ChunkSize
	if n == 0 {
		n = 1
	}
	return int(n)
}

// ChunkBounds returns the byte range [start,end) of the (1-based) chunk
// index within a total-size image.
func (p ChunkPlan) ChunkBounds(index1Based int) (start, end uint32) {
	start = uint32(index1Based-1) * p.ChunkSize
	end = start + p.ChunkSize
	if end > p.TotalSize {
		end = p.TotalSize
	}
	return start, end
}
