package proximity

import (
	"github.com/google/uuid"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// TxPowerFromHint maps a caller's dBm-like hint onto the three advertise
// power levels. The mapping is advisory; drivers may ignore it.
func TxPowerFromHint(hint *int) radio.TxPowerLevel {
	switch {
	case hint == nil:
		return radio.TxPowerMedium
	case *hint >= 3:
		return radio.TxPowerHigh
	case *hint <= -6:
		return radio.TxPowerLow
	default:
		return radio.TxPowerMedium
	}
}

// BuildAdvertisement returns a non-connectable advertisement carrying the
// service UUID and the token bytes as data scoped to that service.
func BuildAdvertisement(service uuid.UUID, tokenBytes []byte, txPowerHint *int) radio.Advertisement {
	data := make([]byte, len(tokenBytes))
	copy(data, tokenBytes)
	return radio.Advertisement{
		ServiceUUID: service,
		ServiceData: data,
		TxPower:     TxPowerFromHint(txPowerHint),
	}
}
