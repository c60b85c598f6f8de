package flash

import "encoding/binary"

// Sizes of the three fixed prelude blobs (spec §4.G).
const (
	PartitionMarkerSize       = 172
	FlashDescriptorSizeT31    = 972
	FlashDescriptorSizeT41    = 984
	flashChipInfoSize         = 24 + 4 + 200
	flashDescriptorHeaderSize = 0x1C + 4
	flashDescriptorEntryCount = 20
	flashDescriptorMagic1     = 0x00474244 // "GBD\x00"
	flashDescriptorMagic2     = 0x494C4F50 // "ILOP"
	a1NorTagOffset            = 0xF0
)

// BuildPartitionMarker returns a PartitionMarkerSize-byte blob whose first
// four bytes are the ASCII tag "ILOP" (spec §4.G). The Prelude transmits
// this opaquely; it does not interpret the remaining bytes.
func BuildPartitionMarker() []byte {
	b := make([]byte, PartitionMarkerSize)
	copy(b, []byte("ILOP"))
	return b
}

// flashChipInfo is the 228-byte per-chip record embedded in a flash
// descriptor: a 24-byte name, a 4-byte little-endian JEDEC ID, and 200
// bytes of opaque command/parameter data (spec §4.G, grounded on
// original_source/include/flash_descriptor.h's flash_chip_info_t).
type flashChipInfo struct {
	Name    string
	JEDECID uint32
	Params  [200]byte
}

func (c flashChipInfo) encode() []byte {
	b := make([]byte, flashChipInfoSize)
	copy(b[:24], []byte(c.Name))
	binary.LittleEndian.PutUint32(b[24:28], c.JEDECID)
	copy(b[28:], c.Params[:])
	return b
}

// buildDescriptorHeader writes the magic1/count/magic2 header shared by the
// T31x and A1 972-byte descriptors (spec §4.G, flash_descriptor_header_t).
func buildDescriptorHeader(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0x00:0x04], flashDescriptorMagic1)
	binary.LittleEndian.PutUint32(buf[0x04:0x08], flashDescriptorEntryCount)
	binary.LittleEndian.PutUint32(buf[0x1C:0x20], flashDescriptorMagic2)
}

// BuildT31xWriterFullDescriptor returns the 972-byte descriptor used by the
// T31/T31X/T31ZX firmware-stage write path, carrying the GD25Q127CSIG chip
// record (spec §4.G "Flash descriptor (T31x writer_full)").
func BuildT31xWriterFullDescriptor() []byte {
	buf := make([]byte, FlashDescriptorSizeT31)
	buildDescriptorHeader(buf)
	chip := flashChipInfo{Name: "GD25Q127CSIG", JEDECID: 0xC84018}
	copy(buf[flashDescriptorHeaderSize:flashDescriptorHeaderSize+flashChipInfoSize], chip.encode())
	return buf
}

// BuildA1WriterFullDescriptor returns the 972-byte descriptor used by the A1
// firmware-stage write path: same framing as the T31x descriptor, but
// carrying the XM25QH128B chip record and the ASCII literal "nor" at offset
// 0xF0 that forces NOR mode in the A1 burner (spec §4.G).
func BuildA1WriterFullDescriptor() []byte {
	buf := make([]byte, FlashDescriptorSizeT31)
	buildDescriptorHeader(buf)
	chip := flashChipInfo{Name: "XM25QH128B", JEDECID: 0x20CA18}
	copy(buf[flashDescriptorHeaderSize:flashDescriptorHeaderSize+flashChipInfoSize], chip.encode())
	copy(buf[a1NorTagOffset:a1NorTagOffset+3], []byte("nor"))
	return buf
}

// BuildWin25Q128Descriptor returns the default 972-byte descriptor for the
// WIN25Q128JVSQ chip used by the whole-image read sequence's default
// prelude (spec §4.F "Whole-image read sequence" step 1, grounded on
// original_source/include/flash_descriptor.h's
// flash_descriptor_create_win25q128).
func BuildWin25Q128Descriptor() []byte {
	buf := make([]byte, FlashDescriptorSizeT31)
	buildDescriptorHeader(buf)
	chip := flashChipInfo{Name: "WIN25Q128JVSQ", JEDECID: 0xEF4018}
	copy(buf[flashDescriptorHeaderSize:flashDescriptorHeaderSize+flashChipInfoSize], chip.encode())
	return buf
}

// BuildT41Descriptor returns the 984-byte T41/XBurst2 flash descriptor,
// delivered alongside the T41WriteMetadataFrame2 FW_WRITE2 frame (spec
// §4.G "Flash descriptor (T41)").
func BuildT41Descriptor() []byte {
	buf := make([]byte, FlashDescriptorSizeT41)
	buildDescriptorHeader(buf)
	chip := flashChipInfo{Name: "XBURST2-NOR", JEDECID: 0xC84018}
	copy(buf[flashDescriptorHeaderSize:flashDescriptorHeaderSize+flashChipInfoSize], chip.encode())
	return buf
}
