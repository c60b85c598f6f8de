package flash

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildPartitionMarker(t *testing.T) {
	m := BuildPartitionMarker()
	if len(m) != PartitionMarkerSize {
		t.Fatalf("marker length = %d, want %d", len(m), PartitionMarkerSize)
	}
	if !bytes.HasPrefix(m, []byte("ILOP")) {
		t.Errorf("marker missing ILOP tag: %x", m[:4])
	}
}

func TestT31xWriterFullDescriptorHeader(t *testing.T) {
	d := BuildT31xWriterFullDescriptor()
	if len(d) != FlashDescriptorSizeT31 {
		t.Fatalf("descriptor length = %d, want %d", len(d), FlashDescriptorSizeT31)
	}
	if got := binary.LittleEndian.Uint32(d[0x00:0x04]); got != flashDescriptorMagic1 {
		t.Errorf("magic1 = 0x%08X, want 0x%08X", got, flashDescriptorMagic1)
	}
	if got := binary.LittleEndian.Uint32(d[0x04:0x08]); got != flashDescriptorEntryCount {
		t.Errorf("count = %d, want %d", got, flashDescriptorEntryCount)
	}
	if got := binary.LittleEndian.Uint32(d[0x1C:0x20]); got != flashDescriptorMagic2 {
		t.Errorf("magic2 = 0x%08X, want 0x%08X", got, flashDescriptorMagic2)
	}
}

func TestA1WriterFullDescriptorNorTag(t *testing.T) {
	d := BuildA1WriterFullDescriptor()
	if len(d) != FlashDescriptorSizeT31 {
		t.Fatalf("descriptor length = %d, want %d", len(d), FlashDescriptorSizeT31)
	}
	if got := d[a1NorTagOffset : a1NorTagOffset+3]; !bytes.Equal(got, []byte("nor")) {
		t.Errorf("NOR tag at 0x%X = %q, want \"nor\"", a1NorTagOffset, got)
	}
}

func TestT41DescriptorSize(t *testing.T) {
	d := BuildT41Descriptor()
	if len(d) != FlashDescriptorSizeT41 {
		t.Fatalf("T41 descriptor length = %d, want %d", len(d), FlashDescriptorSizeT41)
	}
}

func TestT41WriteMetadataFramesAreFortyBytes(t *testing.T) {
	if len(T41WriteMetadataFrame1) != handshakeFrameSize {
		t.Errorf("metadata frame 1 length = %d, want %d", len(T41WriteMetadataFrame1), handshakeFrameSize)
	}
	if len(T41WriteMetadataFrame2) != handshakeFrameSize {
		t.Errorf("metadata frame 2 length = %d, want %d", len(T41WriteMetadataFrame2), handshakeFrameSize)
	}
}
