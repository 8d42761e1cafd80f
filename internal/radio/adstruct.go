package radio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AD types used by the proximity protocol.
const (
	ADTypeFlags                     = 0x01
	ADTypeIncomplete16BitUUIDs      = 0x02
	ADTypeComplete16BitUUIDs        = 0x03
	ADTypeIncomplete128BitUUIDs     = 0x06
	ADTypeComplete128BitUUIDs       = 0x07
	ADTypeShortenedLocalName        = 0x08
	ADTypeCompleteLocalName         = 0x09
	ADTypeServiceData16Bit          = 0x16
	ADTypeServiceData128Bit         = 0x21
	ADTypeManufacturerSpecificData  = 0xFF
	flagsGeneralDiscoverableNoBREDR = 0x06
)

const (
	// MaxLegacyAdvertisingDataLen is the BLE 4.x advertising data limit.
	MaxLegacyAdvertisingDataLen = 31
	// MaxExtendedAdvertisingDataLen is the BLE 5 extended advertising limit
	// for a single PDU chain.
	MaxExtendedAdvertisingDataLen = 254
)

// ADStructure is one length-type-value element of advertising data.
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeAdvertisingData serializes adv as flags, the complete 128-bit
// service UUID list and 128-bit service data.
func EncodeAdvertisingData(adv Advertisement) ([]byte, error) {
	uuidLE := uuidToLE(adv.ServiceUUID)
	structures := []ADStructure{
		{Type: ADTypeFlags, Data: []byte{flagsGeneralDiscoverableNoBREDR}},
		{Type: ADTypeComplete128BitUUIDs, Data: uuidLE},
		{Type: ADTypeServiceData128Bit, Data: append(append([]byte{}, uuidLE...), adv.ServiceData...)},
	}
	buf, err := EncodeADStructures(structures)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxExtendedAdvertisingDataLen {
		return nil, fmt.Errorf("radio: advertising data exceeds %d bytes: %d", MaxExtendedAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// EncodeADStructures concatenates AD structures.
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("radio: AD structure too long: %d bytes (max 255)", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}
	return buf, nil
}

// DecodeADStructures splits advertising data into AD structures. A zero
// length byte terminates the data (trailing padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	for offset := 0; offset < len(data); {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("radio: AD structure length %d exceeds remaining %d bytes", length, len(data)-offset)
		}
		s := ADStructure{Type: data[offset], Data: make([]byte, length-1)}
		copy(s.Data, data[offset+1:offset+length])
		structures = append(structures, s)
		offset += length
	}
	return structures, nil
}

// ParseAdvertisingData fills the advertisement fields of a Record from raw
// advertising data. DeviceID, DeviceName and RSSI are left to the caller.
func ParseAdvertisingData(data []byte) (Record, error) {
	var rec Record
	structures, err := DecodeADStructures(data)
	if err != nil {
		return rec, err
	}
	for _, s := range structures {
		switch s.Type {
		case ADTypeIncomplete16BitUUIDs, ADTypeComplete16BitUUIDs:
			if len(s.Data)%2 != 0 {
				return rec, errors.New("radio: malformed 16-bit UUID list")
			}
			for i := 0; i < len(s.Data); i += 2 {
				rec.ServiceUUIDs = append(rec.ServiceUUIDs, UUID16(binary.LittleEndian.Uint16(s.Data[i:])))
			}
		case ADTypeIncomplete128BitUUIDs, ADTypeComplete128BitUUIDs:
			if len(s.Data)%16 != 0 {
				return rec, errors.New("radio: malformed 128-bit UUID list")
			}
			for i := 0; i < len(s.Data); i += 16 {
				rec.ServiceUUIDs = append(rec.ServiceUUIDs, uuidFromLE(s.Data[i:i+16]))
			}
		case ADTypeShortenedLocalName, ADTypeCompleteLocalName:
			rec.LocalName = string(s.Data)
		case ADTypeServiceData16Bit:
			if len(s.Data) < 2 {
				return rec, errors.New("radio: malformed 16-bit service data")
			}
			rec.ServiceData = append(rec.ServiceData, ServiceData{
				UUID: UUID16(binary.LittleEndian.Uint16(s.Data)),
				Data: s.Data[2:],
			})
		case ADTypeServiceData128Bit:
			if len(s.Data) < 16 {
				return rec, errors.New("radio: malformed 128-bit service data")
			}
			rec.ServiceData = append(rec.ServiceData, ServiceData{
				UUID: uuidFromLE(s.Data[:16]),
				Data: s.Data[16:],
			})
		case ADTypeManufacturerSpecificData:
			if len(s.Data) < 2 {
				return rec, errors.New("radio: malformed manufacturer data")
			}
			rec.ManufacturerData = append(rec.ManufacturerData, ManufacturerData{
				CompanyID: binary.LittleEndian.Uint16(s.Data),
				Data:      s.Data[2:],
			})
		}
	}
	return rec, nil
}

// uuidToLE returns the over-the-air (little-endian) byte order of u.
func uuidToLE(u uuid.UUID) []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

func uuidFromLE(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := 0; i < 16; i++ {
		u[i] = b[15-i]
	}
	return u
}
