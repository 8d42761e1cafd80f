// Package radio defines the Bluetooth capability the proximity core drives:
// advertising, scanning, and a minimal GATT client for diagnostics. Every
// operation returns immediately; outcomes are delivered as Events on the
// handler registered with SetEventHandler, serialized per driver.
package radio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnsupported means the host has no usable Bluetooth LE radio or the
	// radio lacks the requested role.
	ErrUnsupported = errors.New("radio: bluetooth LE not supported")
	// ErrPermissionDenied means the platform refused the operation.
	ErrPermissionDenied = errors.New("radio: permission denied")
	// ErrNotFound means no peripheral matches the given identifier.
	ErrNotFound = errors.New("radio: device not found")
	// ErrNotConnected means the connection handle is unknown or closed.
	ErrNotConnected = errors.New("radio: not connected")
)

// State is the radio power/authorization state.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Ready reports whether the radio can advertise, scan and connect.
func (s State) Ready() bool { return s == StatePoweredOn }

// Pending reports whether the platform has not settled on a state yet, so
// requests should wait for the next transition rather than fail.
func (s State) Pending() bool { return s == StateUnknown || s == StateResetting }

// TxPowerLevel is the coarse transmit power requested for advertising.
type TxPowerLevel int

const (
	TxPowerUnset TxPowerLevel = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

func (l TxPowerLevel) String() string {
	switch l {
	case TxPowerLow:
		return "low"
	case TxPowerMedium:
		return "medium"
	case TxPowerHigh:
		return "high"
	default:
		return "unset"
	}
}

// Advertisement describes what a broadcaster puts on the air: the service
// UUID plus token bytes as data scoped to that service. Device name and TX
// power level fields are never included.
type Advertisement struct {
	ServiceUUID uuid.UUID
	ServiceData []byte
	TxPower     TxPowerLevel
	Connectable bool
}

// ScanOptions configures a scan. A nil ServiceUUID scans every advertisement.
type ScanOptions struct {
	ServiceUUID *uuid.UUID
}

// ServiceData is a data payload keyed by a service UUID.
type ServiceData struct {
	UUID uuid.UUID
	Data []byte
}

// ManufacturerData is a manufacturer-specific payload keyed by company ID.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Record is one received advertisement as reported by the driver.
type Record struct {
	DeviceID         string // platform address or identifier
	DeviceName       string // cached platform device name, may differ from LocalName
	LocalName        string // name carried in the advertisement itself
	RSSI             int
	ServiceUUIDs     []uuid.UUID
	ServiceData      []ServiceData
	ManufacturerData []ManufacturerData
}

// ServiceDataFor returns the payload keyed by id, if present.
func (r *Record) ServiceDataFor(id uuid.UUID) ([]byte, bool) {
	for _, sd := range r.ServiceData {
		if sd.UUID == id {
			return sd.Data, true
		}
	}
	return nil, false
}

// Advertises reports whether the record names id as a service UUID or
// carries service data for it.
func (r *Record) Advertises(id uuid.UUID) bool {
	for _, u := range r.ServiceUUIDs {
		if u == id {
			return true
		}
	}
	_, ok := r.ServiceDataFor(id)
	return ok
}

// Peripheral identifies a remote device that can be connected to.
type Peripheral struct {
	ID   string
	Name string
}

// ConnHandle identifies one connection attempt. Handles are never reused by
// a driver, so stale callbacks can be told apart from current ones.
type ConnHandle uint64

// Service is a discovered GATT service. Handle is unique within a connection
// and is echoed back in CharacteristicsDiscovered.
type Service struct {
	Handle  int
	UUID    string
	Primary bool
}

// Property is the GATT characteristic property bitmask.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
	PropSignedWrite     Property = 0x40
	PropExtendedProps   Property = 0x80
)

// String lists the set flags in a fixed order joined by "|", or "none".
func (p Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteNoResponse, "writeNoResponse"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
		{PropSignedWrite, "signedWrite"},
		{PropExtendedProps, "extendedProps"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Driver is the platform Bluetooth capability.
type Driver interface {
	// State returns the current radio state.
	State() State
	// SetEventHandler registers the single receiver of driver events.
	SetEventHandler(h func(Event))

	// StartAdvertising begins broadcasting adv. Failures after the call
	// returns are reported as AdvertiseFailed.
	StartAdvertising(adv Advertisement) error
	// StopAdvertising stops any active advertisement. No-op when idle.
	StopAdvertising() error

	// StartScan begins delivering AdvertisementReceived events. Failures
	// after the call returns are reported as ScanFailed.
	StartScan(opts ScanOptions) error
	// StopScan stops an active scan. No-op when idle.
	StopScan() error

	// Lookup resolves an identifier the driver was not handed in a scan.
	Lookup(deviceID string) (Peripheral, error)
	// Connect starts connecting; the outcome arrives as ConnectionChanged.
	Connect(p Peripheral) (ConnHandle, error)
	// DiscoverServices requests the service list; see ServicesDiscovered.
	DiscoverServices(c ConnHandle) error
	// DiscoverCharacteristics requests one service's characteristics; see
	// CharacteristicsDiscovered.
	DiscoverCharacteristics(c ConnHandle, s Service) error
	// Disconnect tears down the connection and releases the handle.
	Disconnect(c ConnHandle) error
}

var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit assigned number onto the Bluetooth base UUID.
func UUID16(v uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// FormatManufacturerData renders entries as "cccc:hex" joined by ",".
func FormatManufacturerData(entries []ManufacturerData) string {
	parts := make([]string, 0, len(entries))
	for _, m := range entries {
		parts = append(parts, fmt.Sprintf("%04x:%s", m.CompanyID, hex.EncodeToString(m.Data)))
	}
	return strings.Join(parts, ",")
}
