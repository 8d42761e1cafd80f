// Package proximity implements the BLE proximity protocol: broadcasting a
// token in a service-scoped advertisement, scanning for allow-listed tokens,
// and a single-flight GATT discovery used for diagnostics. It drives any
// radio.Driver and reports asynchronous results through a Sink.
package proximity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/proximity-signal/internal/radio"
	"github.com/chaz8081/proximity-signal/internal/token"
)

// MaxTargets is the allow-list limit outside allow-all mode.
const MaxTargets = 5

// Validation errors.
var (
	ErrInvalidTokenFormat = token.ErrInvalidFormat
	ErrInvalidServiceID   = errors.New("invalid service UUID")
	ErrTooManyTargets     = fmt.Errorf("targetTokens must be <= %d", MaxTargets)
)

// Environment errors.
var (
	ErrBluetoothUnavailable = errors.New("bluetooth not supported")
	ErrBluetoothDisabled    = errors.New("bluetooth is off")
	ErrPermissionDenied     = errors.New("bluetooth permission denied")
)

// Diagnostic session errors.
var (
	ErrBusy           = errors.New("discovery already in progress")
	ErrDeviceNotFound = errors.New("device not found")
	ErrConnectFailed  = errors.New("connect failed")
	ErrDiscoverFailed = errors.New("service discovery failed")
	ErrTimedOut       = errors.New("discovery timed out")
)

// Code maps an error to the short machine-readable code used on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTokenFormat):
		return "invalid_token"
	case errors.Is(err, ErrInvalidServiceID):
		return "invalid_service_id"
	case errors.Is(err, ErrTooManyTargets):
		return "too_many_targets"
	case errors.Is(err, ErrBluetoothUnavailable):
		return "unsupported"
	case errors.Is(err, ErrBluetoothDisabled):
		return "bluetooth_off"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrDiscoverFailed):
		return "debug_discover_failed"
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "native_error"
	}
}

// ParseServiceID validates a 128-bit service UUID in text form.
func ParseServiceID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("proximity: %w %q: %v", ErrInvalidServiceID, s, err)
	}
	return id, nil
}

// checkRadio turns a radio state into the environment error a call must
// fail with. Ready and still-settling states pass.
func checkRadio(s radio.State) error {
	switch s {
	case radio.StateUnsupported:
		return ErrBluetoothUnavailable
	case radio.StateUnauthorized:
		return ErrPermissionDenied
	case radio.StatePoweredOff:
		return ErrBluetoothDisabled
	default:
		return nil
	}
}

// envError maps the synchronous errors a driver may return onto the
// environment errors of this package, or nil for anything else.
func envError(err error) error {
	switch {
	case errors.Is(err, radio.ErrUnsupported):
		return ErrBluetoothUnavailable
	case errors.Is(err, radio.ErrPermissionDenied):
		return ErrPermissionDenied
	default:
		return nil
	}
}
