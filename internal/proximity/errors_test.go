package proximity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrInvalidTokenFormat), "invalid_token"},
		{ErrInvalidServiceID, "invalid_service_id"},
		{ErrTooManyTargets, "too_many_targets"},
		{ErrBluetoothUnavailable, "unsupported"},
		{ErrBluetoothDisabled, "bluetooth_off"},
		{ErrPermissionDenied, "permission_denied"},
		{ErrBusy, "busy"},
		{ErrDeviceNotFound, "not_found"},
		{ErrConnectFailed, "connect_failed"},
		{ErrDiscoverFailed, "debug_discover_failed"},
		{ErrTimedOut, "timeout"},
		{context.DeadlineExceeded, "canceled"},
		{errors.New("boom"), "native_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}
}

func TestParseServiceID(t *testing.T) {
	id, err := ParseServiceID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.Equal(t, testService, id)

	_, err = ParseServiceID("")
	assert.ErrorIs(t, err, ErrInvalidServiceID)
}

func TestCheckRadio(t *testing.T) {
	assert.NoError(t, checkRadio(radio.StatePoweredOn))
	assert.NoError(t, checkRadio(radio.StateUnknown))
	assert.NoError(t, checkRadio(radio.StateResetting))
	assert.ErrorIs(t, checkRadio(radio.StatePoweredOff), ErrBluetoothDisabled)
}

func TestPowerGateEdgeTriggered(t *testing.T) {
	r := &countingResumer{}
	g := newPowerGate(radio.StateUnknown, r)

	g.Observe(radio.StateResetting)
	g.Observe(radio.StatePoweredOn)
	g.Observe(radio.StatePoweredOn)
	assert.Equal(t, 1, r.n)
	assert.True(t, g.Ready())

	g.Observe(radio.StatePoweredOff)
	assert.False(t, g.Ready())
	g.Observe(radio.StatePoweredOn)
	assert.Equal(t, 2, r.n)
	assert.Equal(t, radio.StatePoweredOn, g.State())
}

type countingResumer struct{ n int }

func (c *countingResumer) resume() { c.n++ }
