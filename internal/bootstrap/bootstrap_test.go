package bootstrap

import (
	"sync"
	"testing"
	"time"

	"xburst-cloner/internal/protocol"
	"xburst-cloner/internal/registry"
	"xburst-cloner/internal/transport"
	"xburst-cloner/internal/variant"
	"xburst-cloner/internal/xburst"
)

func TestClampTimeout(t *testing.T) {
	cases := []struct {
		bytes int
		want  time.Duration
	}{
		{0, 5000 * time.Millisecond},
		{65536, 6000 * time.Millisecond},
		{1 << 20, 5000*time.Millisecond + 16*1000*time.Millisecond},
		{100 << 20, 30000 * time.Millisecond},
	}
	for _, c := range cases {
		if got := clampTimeout(c.bytes); got != c.want {
			t.Errorf("clampTimeout(%d) = %v, want %v", c.bytes, got, c.want)
		}
	}
}

// recordingController records every BulkOut call's byte length, always
// succeeding with a full write.
type recordingController struct {
	bulkOutSizes []int
}

func (r *recordingController) Control(transport.Direction, byte, byte, uint16, uint16, []byte, time.Duration) (int, error) {
	return 0, nil
}
func (r *recordingController) BulkOut(_ byte, buffer []byte, _ time.Duration) (int, error) {
	r.bulkOutSizes = append(r.bulkOutSizes, len(buffer))
	return len(buffer), nil
}
func (r *recordingController) BulkIn(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}
func (r *recordingController) Interrupt(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}

func TestBulkOutAllChunksAtOneMiB(t *testing.T) {
	rc := &recordingController{}
	h := &registry.Handle{Protocol: protocol.New(rc, 0, nil)}
	orch := New(nil, nil)

	data := make([]byte, bulkChunkSize*2+123)
	if err := orch.bulkOutAll(h, data); err != nil {
		t.Fatalf("bulkOutAll failed: %v", err)
	}

	if len(rc.bulkOutSizes) != 3 {
		t.Fatalf("expected 3 bulk-out calls, got %d", len(rc.bulkOutSizes))
	}
	if rc.bulkOutSizes[0] != bulkChunkSize || rc.bulkOutSizes[1] != bulkChunkSize {
		t.Errorf("first two chunks should be %d bytes, got %v", bulkChunkSize, rc.bulkOutSizes[:2])
	}
	if rc.bulkOutSizes[2] != 123 {
		t.Errorf("final chunk should be 123 bytes, got %d", rc.bulkOutSizes[2])
	}
}

func TestStateString(t *testing.T) {
	if StateFirmware.String() != "Firmware" {
		t.Errorf("StateFirmware.String() = %q", StateFirmware.String())
	}
	if State(99).String() != "Unknown" {
		t.Errorf("out-of-range State.String() = %q, want Unknown", State(99).String())
	}
}

// controlCall records one Control invocation's request code and wValue/wIndex,
// so tests can assert which addresses were targeted.
type controlCall struct {
	request byte
	value   uint16
	index   uint16
}

// fakeStateController is a transport.Controller test double that drives
// EnsureFirmwareStage end to end without hardware: GET_CPU_INFO always
// returns a zeroed buffer (classifies to xburst.StageRomBoot, never
// short-circuiting the state machine), and every other request trivially
// succeeds. Every Control call is recorded for assertion.
type fakeStateController struct {
	mu    sync.Mutex
	calls []controlCall
}

func (f *fakeStateController) Control(_ transport.Direction, _ byte, request byte, value, index uint16, buffer []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, controlCall{request: request, value: value, index: index})
	f.mu.Unlock()
	return len(buffer), nil
}

func (f *fakeStateController) BulkOut(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}

func (f *fakeStateController) BulkIn(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}

func (f *fakeStateController) Interrupt(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}

func (f *fakeStateController) sawDataAddr(addr uint32) bool {
	value, index := splitAddrForTest(addr)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.request == protocol.ReqSetDataAddr && c.value == value && c.index == index {
			return true
		}
	}
	return false
}

// splitAddrForTest mirrors protocol.splitAddr's unexported encoding so tests
// can recognize which address a recorded SET_DATA_ADDR call targeted.
func splitAddrForTest(a uint32) (value, index uint16) {
	return uint16(a >> 16), uint16(a & 0xFFFF)
}

// fakeReopener is a Reopener test double counting how many times Reopen was
// invoked, so the re-enumeration branch can be asserted without hardware.
type fakeReopener struct {
	calls int
}

func (f *fakeReopener) Reopen(h *registry.Handle) error {
	f.calls++
	return nil
}

func newStateTestHandle(fc *fakeStateController, v xburst.Variant) *registry.Handle {
	return &registry.Handle{
		Identity: xburst.DeviceIdentity{Variant: v, Stage: xburst.StageRomBoot},
		Protocol: protocol.New(fc, xburst.StageRomBoot, nil),
	}
}

func TestEnsureFirmwareStageAlreadyFirmware(t *testing.T) {
	fc := &fakeStateController{}
	h := newStateTestHandle(fc, xburst.VariantT31)
	h.Identity.Stage = xburst.StageFirmware
	orch := New(nil, nil)

	state, err := orch.EnsureFirmwareStage(h, xburst.BootstrapPlan{})
	if err != nil {
		t.Fatalf("EnsureFirmwareStage failed: %v", err)
	}
	if state != StateFirmware {
		t.Errorf("state = %v, want Firmware", state)
	}
	if len(fc.calls) != 0 {
		t.Errorf("expected no Control calls for an already-firmware handle, got %d", len(fc.calls))
	}
}

func TestEnsureFirmwareStageHappyPathNoReenumeration(t *testing.T) {
	fc := &fakeStateController{}
	h := newStateTestHandle(fc, xburst.VariantT31)
	orch := New(nil, nil)

	plan := xburst.BootstrapPlan{
		DramInit: []byte{0x01, 0x02},
		Stage1:   []byte{0x03, 0x04},
		Stage2:   []byte{0x05, 0x06},
	}
	state, err := orch.EnsureFirmwareStage(h, plan)
	if err != nil {
		t.Fatalf("EnsureFirmwareStage failed: %v", err)
	}
	if state != StateFirmware {
		t.Errorf("state = %v, want Firmware", state)
	}

	consts := variant.For(xburst.VariantT31)
	if !fc.sawDataAddr(consts.DramInitAddr) {
		t.Error("expected a SET_DATA_ADDR targeting DramInitAddr")
	}
	if !fc.sawDataAddr(consts.Stage1Addr) {
		t.Error("expected a SET_DATA_ADDR targeting Stage1Addr")
	}
}

func TestEnsureFirmwareStageReenumerates(t *testing.T) {
	fc := &fakeStateController{}
	h := newStateTestHandle(fc, xburst.VariantT31X)
	reopener := &fakeReopener{}
	orch := New(reopener, nil)

	consts := variant.For(xburst.VariantT31X)
	if !consts.ReEnumerates {
		t.Fatal("VariantT31X is expected to re-enumerate after stage-1; test is not exercising the intended branch")
	}

	plan := xburst.BootstrapPlan{
		DramInit: []byte{0x01, 0x02},
		Stage1:   []byte{0x03, 0x04},
		Stage2:   []byte{0x05, 0x06},
	}
	state, err := orch.EnsureFirmwareStage(h, plan)
	if err != nil {
		t.Fatalf("EnsureFirmwareStage failed: %v", err)
	}
	if state != StateFirmware {
		t.Errorf("state = %v, want Firmware", state)
	}
	if reopener.calls != 1 {
		t.Errorf("Reopen called %d times, want 1", reopener.calls)
	}
}

func TestEnsureFirmwareStageSkipDramInit(t *testing.T) {
	consts := variant.For(xburst.VariantT31)

	fcSkipped := &fakeStateController{}
	hSkipped := newStateTestHandle(fcSkipped, xburst.VariantT31)
	orch := New(nil, nil)
	skippedPlan := xburst.BootstrapPlan{
		Stage1:       []byte{0x03, 0x04},
		Stage2:       []byte{0x05, 0x06},
		SkipDramInit: true,
	}
	if _, err := orch.EnsureFirmwareStage(hSkipped, skippedPlan); err != nil {
		t.Fatalf("EnsureFirmwareStage (skip) failed: %v", err)
	}
	if fcSkipped.sawDataAddr(consts.DramInitAddr) {
		t.Error("expected no SET_DATA_ADDR targeting DramInitAddr when SkipDramInit is set")
	}

	fcLoaded := &fakeStateController{}
	hLoaded := newStateTestHandle(fcLoaded, xburst.VariantT31)
	loadedPlan := xburst.BootstrapPlan{
		DramInit: []byte{0x01, 0x02},
		Stage1:   []byte{0x03, 0x04},
		Stage2:   []byte{0x05, 0x06},
	}
	if _, err := orch.EnsureFirmwareStage(hLoaded, loadedPlan); err != nil {
		t.Fatalf("EnsureFirmwareStage (load) failed: %v", err)
	}
	if !fcLoaded.sawDataAddr(consts.DramInitAddr) {
		t.Error("expected a SET_DATA_ADDR targeting DramInitAddr when SkipDramInit is unset")
	}
}
