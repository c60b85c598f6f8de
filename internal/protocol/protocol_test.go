package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xburst-cloner/internal/transport"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xerrors"
)

// fakeController is a transport.Controller test double that fails a fixed
// number of times with a given error before succeeding, recording every call
// so the retry/backoff policy in controlWithRetry can be asserted on (spec
// §8 "Retry table").
type fakeController struct {
	failTimes int
	failErr   error
	calls     int
	sleeps    []time.Duration
}

func (f *fakeController) Control(_ transport.Direction, _ byte, _ byte, _, _ uint16, buffer []byte, _ time.Duration) (int, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return 0, f.failErr
	}
	return len(buffer), nil
}

func (f *fakeController) BulkOut(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}
func (f *fakeController) BulkIn(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}
func (f *fakeController) Interrupt(_ byte, buffer []byte, _ time.Duration) (int, error) {
	return len(buffer), nil
}

func TestControlWithRetrySucceedsBeforeLimit(t *testing.T) {
	for n := 0; n < maxRetries; n++ {
		fc := &fakeController{failTimes: n, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
		p := New(fc, xburst.StageRomBoot, nil)
		err := p.FlushCache()
		require.NoErrorf(t, err, "n=%d failures before success should succeed", n)
		assert.Equal(t, n+1, fc.calls)
	}
}

func TestControlWithRetryFailsAtLimit(t *testing.T) {
	fc := &fakeController{failTimes: maxRetries, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
	p := New(fc, xburst.StageRomBoot, nil)
	err := p.FlushCache()
	require.Error(t, err)
	assert.Equal(t, maxRetries, fc.calls)
}

func TestControlWithRetryDoesNotRetryNonRecoverable(t *testing.T) {
	fc := &fakeController{failTimes: 1, failErr: xerrors.New("fake", xerrors.TransferFailed, nil)}
	p := New(fc, xburst.StageRomBoot, nil)
	err := p.FlushCache()
	require.Error(t, err)
	assert.Equal(t, 1, fc.calls)
}

func TestSetDataAddrTimeoutIsSuccessInFirmwareStage(t *testing.T) {
	// failTimes is large enough that every call across every attempt (and
	// its interface-recipient fallback) fails, exhausting retries.
	fc := &fakeController{failTimes: 1000, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
	p := New(fc, xburst.StageFirmware, nil)
	err := p.SetDataAddr(0x00008010)
	assert.NoError(t, err, "SET_DATA_ADDR timeout must be swallowed as success in firmware stage")
}

func TestSetDataAddrTimeoutIsFailureInRomBootStage(t *testing.T) {
	fc := &fakeController{failTimes: 1000, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
	p := New(fc, xburst.StageRomBoot, nil)
	err := p.SetDataAddr(0x00008010)
	assert.Error(t, err, "SET_DATA_ADDR timeout must propagate outside firmware stage")
}

func TestProgStage2DisconnectIsSuccess(t *testing.T) {
	fc := &fakeController{failTimes: 1000, failErr: xerrors.New("fake", xerrors.DeviceNotFound, nil)}
	p := New(fc, xburst.StageRomBoot, nil)
	err := p.ProgStage2(0x80100000)
	assert.NoError(t, err, "PROG_STAGE2 disconnect must be swallowed as success")
}

func TestSendHandshakeFrameVRWriteTimeoutIsSuccessInFirmwareStage(t *testing.T) {
	fc := &fakeController{failTimes: 1, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
	p := New(fc, xburst.StageFirmware, nil)
	err := p.SendHandshakeFrame(ReqVRWrite, make([]byte, 40))
	assert.NoError(t, err, "VR_WRITE timeout must be swallowed as success in firmware stage")
}

func TestSendHandshakeFrameVRWriteTimeoutFailsOutsideFirmwareStage(t *testing.T) {
	fc := &fakeController{failTimes: 1, failErr: xerrors.New("fake", xerrors.Timeout, nil)}
	p := New(fc, xburst.StageRomBoot, nil)
	err := p.SendHandshakeFrame(ReqVRWrite, make([]byte, 40))
	assert.Error(t, err)
}

func TestSplitAddr(t *testing.T) {
	cases := []uint32{0, 1, 0x0000FFFF, 0x00010000, 0x80100000, 0xFFFFFFFF}
	for _, a := range cases {
		value, index := splitAddr(a)
		got := (uint32(value) << 16) | uint32(index)
		if got != a {
			t.Errorf("splitAddr(0x%08X) round-trip = 0x%08X", a, got)
		}
	}
}
