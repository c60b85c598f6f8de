// Package flash implements the chunked flash read/write loops built on the
// 40-byte HandshakeFrame, erase-ready polling, and the flash descriptor
// prelude (spec §4.F/§4.G, Components F and G).
//
// Grounded on original_source/src/firmware/writer.c's chunked write loop
// (firmware_wait_for_erase_ready, t41n_send_write_metadata, the per-variant
// chunk loops in write_firmware_to_device) and the handshake-frame layout
// carried verbatim from the vendor USB captures it describes.
package flash

import (
	"encoding/binary"
	"hash/crc32"

	"xburst-cloner/internal/xburst"
)

const handshakeFrameSize = 40

var (
	trailerT31 = [8]byte{0x20, 0xFB, 0x00, 0x08, 0xA2, 0x77, 0x00, 0x00}
	trailerT41 = [8]byte{0xF0, 0x17, 0x00, 0x44, 0x70, 0x7A, 0x00, 0x00}
	trailerA1  = [8]byte{0x30, 0x24, 0x00, 0xD4, 0x02, 0x75, 0x00, 0x00}
)

// invertedCRC32 computes the standard Ethernet CRC32 (polynomial
// 0xEDB88320, init/final XOR 0xFFFFFFFF) and returns its bitwise inverse,
// which is the value every handshake frame stores (spec §4.F).
func invertedCRC32(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

// ReadHandshakeFrame builds the 40-byte FW_WRITE1 frame for reading
// chunkSize bytes starting at offset (spec §4.F "Common read-handshake
// frame").
func ReadHandshakeFrame(offset, chunkSize uint32) []byte {
	f := make([]byte, handshakeFrameSize)
	binary.LittleEndian.PutUint32(f[8:12], offset)
	binary.LittleEndian.PutUint32(f[16:20], chunkSize)
	copy(f[24:28], []byte{0x00, 0x00, 0x06, 0x00})
	copy(f[28:32], []byte{0xAF, 0x7F, 0x00, 0x00})
	return f
}

// WriteHandshakeFrame builds the 40-byte VR_WRITE frame for the T31 family
// (spec §4.F "Write-handshake frame"). trailer selects T31 vs T41 framing.
func WriteHandshakeFrame(chunkOffset, chunkSize uint32, data []byte, trailer [8]byte) []byte {
	f := make([]byte, handshakeFrameSize)
	binary.LittleEndian.PutUint16(f[10:12], uint16(chunkOffset/65536))
	sizeUnits := (chunkSize + 65535) / 65536
	binary.LittleEndian.PutUint16(f[18:20], uint16(sizeUnits))
	copy(f[24:28], []byte{0x00, 0x00, 0x06, 0x00})
	binary.LittleEndian.PutUint32(f[28:32], invertedCRC32(data))
	copy(f[32:40], trailer[:])
	return f
}

// WriteHandshakeFrameA1 builds the A1-specific 40-byte write-handshake
// frame (byte-unit offset, fixed 1 MiB chunk size) per spec §4.F "A1
// write-handshake frame".
func WriteHandshakeFrameA1(chunkOffset uint32, data []byte) []byte {
	f := make([]byte, handshakeFrameSize)
	copy(f[8:12], []byte{0x00, 0x00, 0x06, 0x00})
	binary.LittleEndian.PutUint32(f[12:16], chunkOffset)
	binary.LittleEndian.PutUint32(f[16:20], 0x00100000)
	binary.LittleEndian.PutUint32(f[20:24], invertedCRC32(data))
	copy(f[32:40], trailerA1[:])
	return f
}

// TrailerFor returns the write-handshake trailer bytes for v (spec §4.F).
func TrailerFor(v xburst.Variant) [8]byte {
	if v == xburst.VariantT41 {
		return trailerT41
	}
	return trailerT31
}

// T41WriteMetadataFrame1 and T41WriteMetadataFrame2 are the two fixed
// 40-byte FW_WRITE2 payloads the T41N burner expects before the partition
// marker and flash descriptor respectively, captured from the vendor USB
// trace referenced in original_source/src/firmware/writer.c
// (T41N_FW_WRITE2_CMD1/CMD2). Treated as opaque protocol constants per spec
// §7 "magic numbers and trailer bytes".
var (
	T41WriteMetadataFrame1 = []byte{
		0xAC, 0x00, 0x00, 0x00,
		0x70, 0x7A, 0x00, 0x00,
		0xD0, 0x2C, 0x06, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xAC, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x20, 0x36, 0x01, 0x38,
		0x70, 0x7A, 0x00, 0x00,
		0x00, 0xAF, 0x45, 0x1E,
		0x00, 0x00, 0x00, 0x00,
	}

	T41WriteMetadataFrame2 = []byte{
		0xD8, 0x03, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x62, 0x74, 0xBE, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xE0, 0xA9, 0x45, 0x1E,
		0x00, 0x00, 0x00, 0x00,
		0xC0, 0xF7, 0x3F, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0xA0, 0xF9, 0x3F, 0x01,
		0x00, 0x00, 0x00, 0x00,
	}
)
