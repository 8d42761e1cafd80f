package proximity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

func intPtr(v int) *int { return &v }

func TestTxPowerFromHint(t *testing.T) {
	tests := []struct {
		hint *int
		want radio.TxPowerLevel
	}{
		{nil, radio.TxPowerMedium},
		{intPtr(3), radio.TxPowerHigh},
		{intPtr(10), radio.TxPowerHigh},
		{intPtr(2), radio.TxPowerMedium},
		{intPtr(-5), radio.TxPowerMedium},
		{intPtr(-6), radio.TxPowerLow},
		{intPtr(-20), radio.TxPowerLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TxPowerFromHint(tt.hint))
	}
}

func TestBuildAdvertisement(t *testing.T) {
	tok := []byte{0x01, 0x02}
	adv := BuildAdvertisement(testService, tok, nil)
	tok[0] = 0xff

	assert.Equal(t, testService, adv.ServiceUUID)
	assert.Equal(t, []byte{0x01, 0x02}, adv.ServiceData, "payload is copied")
	assert.False(t, adv.Connectable)
	assert.Equal(t, radio.TxPowerMedium, adv.TxPower)
}

func TestStartBroadcast(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())

	require.NoError(t, s.StartBroadcast("AQI", testService.String(), intPtr(4)))
	calls := d.calls()
	require.Len(t, calls.advStarts, 1)
	assert.Equal(t, []byte{0x01, 0x02}, calls.advStarts[0].ServiceData)
	assert.Equal(t, radio.TxPowerHigh, calls.advStarts[0].TxPower)
	assert.True(t, s.Broadcaster().Advertising())
}

func TestStartBroadcastValidation(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())

	err := s.StartBroadcast("abcde", testService.String(), nil)
	require.ErrorIs(t, err, ErrInvalidTokenFormat)
	assert.Equal(t, "invalid_token", Code(err))

	err = s.StartBroadcast("0102", "6e400001", nil)
	require.ErrorIs(t, err, ErrInvalidServiceID)
	assert.Equal(t, "invalid_service_id", Code(err))

	assert.Empty(t, d.calls().advStarts)
}

func TestStartBroadcastReplacesSession(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())

	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))
	require.NoError(t, s.StartBroadcast("02", testService.String(), nil))

	calls := d.calls()
	require.Len(t, calls.advStarts, 2)
	assert.Equal(t, 1, calls.advStops)
	assert.Equal(t, []byte{0x02}, calls.advStarts[1].ServiceData)
}

func TestStopBroadcastWhenIdle(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())
	s.StopBroadcast()
	s.StopBroadcast()
	assert.Equal(t, 0, d.calls().advStops)

	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))
	s.StopBroadcast()
	assert.Equal(t, 1, d.calls().advStops)
	assert.False(t, s.Broadcaster().Advertising())
}

func TestBroadcastDeferredUntilReady(t *testing.T) {
	s, d, _ := newTestService(t, radio.StateResetting, DefaultOptions())

	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))
	assert.Empty(t, d.calls().advStarts)
	assert.True(t, s.Broadcaster().Deferred())

	d.setState(radio.StatePoweredOn)
	assert.Len(t, d.calls().advStarts, 1)
	assert.True(t, s.Broadcaster().Advertising())
	assert.False(t, s.Broadcaster().Deferred())
}

func TestBroadcastStopCancelsDeferredStart(t *testing.T) {
	s, d, _ := newTestService(t, radio.StateUnknown, DefaultOptions())
	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))
	s.StopBroadcast()

	d.setState(radio.StatePoweredOn)
	assert.Empty(t, d.calls().advStarts)
}

func TestBroadcastNotResumedAfterPowerCycle(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())
	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))

	d.setState(radio.StatePoweredOff)
	d.setState(radio.StatePoweredOn)

	calls := d.calls()
	assert.Len(t, calls.advStarts, 1)
	assert.False(t, calls.advActive)
}

func TestBroadcastResumedWhenConfigured(t *testing.T) {
	opts := DefaultOptions()
	opts.ResumeBroadcastOnPowerOn = true
	s, d, _ := newTestService(t, radio.StatePoweredOn, opts)
	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))

	d.setState(radio.StatePoweredOff)
	d.setState(radio.StatePoweredOn)

	calls := d.calls()
	require.Len(t, calls.advStarts, 2)
	assert.Equal(t, calls.advStarts[0], calls.advStarts[1])
	assert.True(t, calls.advActive)
}

func TestAdvertiseFailureIsAnEvent(t *testing.T) {
	s, d, sink := newTestService(t, radio.StatePoweredOn, DefaultOptions())

	require.NoError(t, s.StartBroadcast("01", testService.String(), nil))
	d.emit(radio.AdvertiseFailed{Err: errors.New("data too large")})

	errs := sink.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorKindAdvertiseFailed, errs[0].Kind)
	assert.Equal(t, "data too large", errs[0].Message)
	assert.False(t, s.Broadcaster().Advertising())

	d.configure(func(d *fakeDriver) { d.startAdvErr = errors.New("busy") })
	require.NoError(t, s.StartBroadcast("01", testService.String(), nil), "driver failures are not call failures")
	assert.Len(t, sink.errors(), 2)
}

func TestStartBroadcastDriverEnvironmentError(t *testing.T) {
	s, d, _ := newTestService(t, radio.StatePoweredOn, DefaultOptions())
	d.configure(func(d *fakeDriver) { d.startAdvErr = radio.ErrUnsupported })

	err := s.StartBroadcast("01", testService.String(), nil)
	require.ErrorIs(t, err, ErrBluetoothUnavailable)
	assert.Equal(t, "unsupported", Code(err))
}
