// Package variant classifies an attached SoC from its CPU-magic string and
// exposes the per-variant constants the rest of the core consults (spec
// §4.D, Component D).
package variant

import (
	"strings"

	"xburst-cloner/internal/xburst"
)

// Classify maps a cleaned CPU-magic string to a Variant. Order matters:
// first match wins (spec §4.D).
func Classify(magicClean string) xburst.Variant {
	lower := strings.ToLower(magicClean)

	if strings.Contains(lower, "x2580") {
		return xburst.VariantT41
	}
	if lower == "a1" {
		return xburst.VariantA1
	}
	for _, x := range []struct {
		substr string
		v      xburst.Variant
	}{
		{"x1000", xburst.VariantX1000},
		{"x1600", xburst.VariantX1600},
		{"x1700", xburst.VariantX1700},
		{"x2000", xburst.VariantX2000},
		{"x2100", xburst.VariantX2100},
		{"x2600", xburst.VariantX2600},
	} {
		if strings.Contains(lower, x.substr) {
			return x.v
		}
	}
	if strings.Contains(lower, "zx") || strings.Contains(magicClean, "T31ZX") || strings.Contains(magicClean, "t31zx") {
		return xburst.VariantT31ZX
	}

	compact := strings.ReplaceAll(magicClean, " ", "")
	compactUpper := strings.ToUpper(compact)
	switch {
	case strings.HasPrefix(compactUpper, "T31V"):
		return xburst.VariantT31ZX
	case strings.HasPrefix(compactUpper, "T31"):
		return xburst.VariantT31
	case strings.HasPrefix(compactUpper, "T20"):
		return xburst.VariantT20
	case strings.HasPrefix(compactUpper, "T21"):
		return xburst.VariantT21
	case strings.HasPrefix(compactUpper, "T23"):
		return xburst.VariantT23
	case strings.HasPrefix(compactUpper, "T30"):
		return xburst.VariantT30
	case strings.HasPrefix(compactUpper, "T40"):
		return xburst.VariantT40
	case strings.HasPrefix(compactUpper, "T41"):
		return xburst.VariantT41
	}

	// Fallback: a "BOOT47XX"-style string — inspect the 7th/8th characters
	// as the numeric suffix (spec §4.D step 6).
	if len(compact) >= 8 {
		suffix := compact[6:8]
		switch suffix {
		case "20":
			return xburst.VariantT20
		case "21":
			return xburst.VariantT21
		case "23":
			return xburst.VariantT23
		case "30":
			return xburst.VariantT30
		case "31":
			return xburst.VariantT31
		case "40":
			return xburst.VariantT40
		case "41":
			return xburst.VariantT41
		}
	}

	return xburst.VariantT31X
}

// EraseReadyPolicy selects how the Flash Transfer Engine waits for the NOR
// erase to complete before the first chunk (spec §4.D table).
type EraseReadyPolicy int

const (
	EraseReadyFixed EraseReadyPolicy = iota
	EraseReadyStatusPoll
	EraseReadyFixedDelay60s
)

// Constants holds the per-variant addresses, timings and geometry the
// Bootstrap Orchestrator and Flash Transfer Engine consult (spec §4.D
// table).
type Constants struct {
	DramInitAddr        uint32
	Stage1Addr          uint32
	Stage2AddrDefault   uint32
	Stage1ExecLength    uint32
	PostStage1Wait      uint32 // milliseconds to sleep; ignored when PollPostStage1 is set
	PollPostStage1      bool
	ReEnumerates        bool
	FlushCacheBeforeSt2 bool
	ErasePolicy         EraseReadyPolicy
	WriteChunkSize      uint32
}

var table = map[xburst.Variant]Constants{
	xburst.VariantT20: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x4000, PostStage1Wait: 1100, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT21: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT23: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT30: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT31: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyStatusPoll, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT31X: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: true,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyStatusPoll, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT31ZX: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: true,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyStatusPoll, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT40: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 1100, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
	},
	xburst.VariantT41: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PollPostStage1: true, ReEnumerates: true,
		FlushCacheBeforeSt2: false, ErasePolicy: EraseReadyStatusPoll, WriteChunkSize: 64 * 1024,
	},
	xburst.VariantA1: {
		DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
		Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
		FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixedDelay60s, WriteChunkSize: 1024 * 1024,
	},
}

var defaultConstants = Constants{
	DramInitAddr: 0x80001000, Stage1Addr: 0x80001800, Stage2AddrDefault: 0x80100000,
	Stage1ExecLength: 0x7000, PostStage1Wait: 2000, ReEnumerates: false,
	FlushCacheBeforeSt2: true, ErasePolicy: EraseReadyFixed, WriteChunkSize: 128 * 1024,
}

// For X1000..X2600 ("Others" row of the table), fall back to the default
// generic constants.
func init() {
	for _, v := range []xburst.Variant{
		xburst.VariantX1000, xburst.VariantX1600, xburst.VariantX1700,
		xburst.VariantX2000, xburst.VariantX2100, xburst.VariantX2600,
		xburst.VariantUnknown,
	} {
		table[v] = defaultConstants
	}
}

// For looks up the per-variant constants, falling back to the generic
// defaults for anything not in the table.
func For(v xburst.Variant) Constants {
	if c, ok := table[v]; ok {
		return c
	}
	return defaultConstants
}
