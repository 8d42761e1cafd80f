package radio

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

var testService = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

func TestEncodeParseAdvertisingData(t *testing.T) {
	adv := Advertisement{ServiceUUID: testService, ServiceData: []byte{0xa1, 0xb2, 0xc3, 0xd4}}
	raw, err := EncodeAdvertisingData(adv)
	if err != nil {
		t.Fatalf("EncodeAdvertisingData() error = %v", err)
	}
	// flags (3) + uuid list (18) + service data (18 + 4)
	if len(raw) != 43 {
		t.Errorf("encoded length = %d, want 43", len(raw))
	}

	rec, err := ParseAdvertisingData(raw)
	if err != nil {
		t.Fatalf("ParseAdvertisingData() error = %v", err)
	}
	if len(rec.ServiceUUIDs) != 1 || rec.ServiceUUIDs[0] != testService {
		t.Errorf("ServiceUUIDs = %v, want [%s]", rec.ServiceUUIDs, testService)
	}
	data, ok := rec.ServiceDataFor(testService)
	if !ok || !bytes.Equal(data, adv.ServiceData) {
		t.Errorf("ServiceDataFor() = %x, %v; want %x, true", data, ok, adv.ServiceData)
	}
	if rec.LocalName != "" {
		t.Errorf("LocalName = %q, want empty (name is never advertised)", rec.LocalName)
	}
}

func TestEncodeUsesLittleEndianUUID(t *testing.T) {
	raw, err := EncodeAdvertisingData(Advertisement{ServiceUUID: testService})
	if err != nil {
		t.Fatalf("EncodeAdvertisingData() error = %v", err)
	}
	// second structure: len, type 0x07, then UUID reversed
	if raw[4] != ADTypeComplete128BitUUIDs {
		t.Fatalf("type = 0x%02x, want 0x07", raw[4])
	}
	if raw[5] != 0x9e || raw[20] != 0x6e {
		t.Errorf("uuid bytes = %x, want little-endian order", raw[5:21])
	}
}

func TestParseAdvertisingDataOtherFields(t *testing.T) {
	raw, err := EncodeADStructures([]ADStructure{
		{Type: ADTypeComplete16BitUUIDs, Data: []byte{0x0d, 0x18}},
		{Type: ADTypeCompleteLocalName, Data: []byte("beacon")},
		{Type: ADTypeServiceData16Bit, Data: []byte{0xaa, 0xfe, 0x01, 0x02}},
		{Type: ADTypeManufacturerSpecificData, Data: []byte{0x4c, 0x00, 0x02, 0x15}},
	})
	if err != nil {
		t.Fatalf("EncodeADStructures() error = %v", err)
	}
	raw = append(raw, 0x00, 0x00) // trailing padding

	rec, err := ParseAdvertisingData(raw)
	if err != nil {
		t.Fatalf("ParseAdvertisingData() error = %v", err)
	}
	if len(rec.ServiceUUIDs) != 1 || rec.ServiceUUIDs[0] != UUID16(0x180d) {
		t.Errorf("ServiceUUIDs = %v, want [%s]", rec.ServiceUUIDs, UUID16(0x180d))
	}
	if rec.LocalName != "beacon" {
		t.Errorf("LocalName = %q, want %q", rec.LocalName, "beacon")
	}
	data, ok := rec.ServiceDataFor(UUID16(0xfeaa))
	if !ok || !bytes.Equal(data, []byte{0x01, 0x02}) {
		t.Errorf("16-bit service data = %x, %v", data, ok)
	}
	if len(rec.ManufacturerData) != 1 || rec.ManufacturerData[0].CompanyID != 0x004c {
		t.Fatalf("ManufacturerData = %+v", rec.ManufacturerData)
	}
	if got := FormatManufacturerData(rec.ManufacturerData); got != "004c:0215" {
		t.Errorf("FormatManufacturerData() = %q, want %q", got, "004c:0215")
	}
}

func TestDecodeADStructuresTruncated(t *testing.T) {
	if _, err := DecodeADStructures([]byte{0x05, 0x09, 'a'}); err == nil {
		t.Error("DecodeADStructures() should fail on truncated structure")
	}
}

func TestParseAdvertisingDataMalformed(t *testing.T) {
	tests := []struct {
		name string
		s    ADStructure
	}{
		{"odd 16-bit list", ADStructure{Type: ADTypeComplete16BitUUIDs, Data: []byte{0x01}}},
		{"short 128-bit list", ADStructure{Type: ADTypeComplete128BitUUIDs, Data: make([]byte, 10)}},
		{"short service data", ADStructure{Type: ADTypeServiceData128Bit, Data: make([]byte, 4)}},
		{"short manufacturer data", ADStructure{Type: ADTypeManufacturerSpecificData, Data: []byte{0x4c}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeADStructures([]ADStructure{tt.s})
			if err != nil {
				t.Fatalf("EncodeADStructures() error = %v", err)
			}
			if _, err := ParseAdvertisingData(raw); err == nil {
				t.Error("ParseAdvertisingData() should fail")
			}
		})
	}
}

func TestUUID16(t *testing.T) {
	want := "0000180d-0000-1000-8000-00805f9b34fb"
	if got := UUID16(0x180d).String(); got != want {
		t.Errorf("UUID16(0x180d) = %s, want %s", got, want)
	}
}

func TestPropertyString(t *testing.T) {
	tests := []struct {
		p    Property
		want string
	}{
		{0, "none"},
		{PropBroadcast, "none"},
		{PropRead | PropNotify, "read|notify"},
		{PropExtendedProps | PropSignedWrite | PropIndicate | PropNotify | PropWriteNoResponse | PropWrite | PropRead,
			"read|write|writeNoResponse|notify|indicate|signedWrite|extendedProps"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Property(0x%02x).String() = %q, want %q", uint8(tt.p), got, tt.want)
		}
	}
}

func TestRecordAdvertises(t *testing.T) {
	other := UUID16(0x180f)
	byList := Record{ServiceUUIDs: []uuid.UUID{testService}}
	byData := Record{ServiceData: []ServiceData{{UUID: testService}}}
	neither := Record{ServiceUUIDs: []uuid.UUID{other}}
	if !byList.Advertises(testService) || !byData.Advertises(testService) {
		t.Error("Advertises() should match by UUID list and by service data")
	}
	if neither.Advertises(testService) {
		t.Error("Advertises() matched an unrelated service")
	}
}
