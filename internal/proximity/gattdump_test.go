package proximity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

func TestGattDumpString(t *testing.T) {
	dump := GattDump{
		DeviceID: "11:22:33:44:55:66",
		Services: []DumpService{
			{
				UUID:    "0000180f-0000-1000-8000-00805f9b34fb",
				Primary: true,
				Characteristics: []radio.Characteristic{
					{UUID: "00002a19-0000-1000-8000-00805f9b34fb", Properties: radio.PropNotify | radio.PropRead},
					{UUID: "00002a1a-0000-1000-8000-00805f9b34fb"},
				},
			},
			{UUID: "0000fe59-0000-1000-8000-00805f9b34fb"},
		},
	}

	want := "deviceId: 11:22:33:44:55:66\n" +
		"name: unknown\n" +
		"service 0000180f-0000-1000-8000-00805f9b34fb (primary)\n" +
		"  char 00002a19-0000-1000-8000-00805f9b34fb props=read|notify\n" +
		"  char 00002a1a-0000-1000-8000-00805f9b34fb props=none\n" +
		"service 0000fe59-0000-1000-8000-00805f9b34fb (secondary)"
	assert.Equal(t, want, dump.String())
}

func TestGattDumpHeaderOnly(t *testing.T) {
	assert.Equal(t, "deviceId: x\nname: Tag", GattDump{DeviceID: "x", Name: "Tag"}.String())
}

func TestGattDumpKeepsNameWhitespace(t *testing.T) {
	assert.Equal(t, "deviceId: AA:BB\nname: Sensor ", GattDump{DeviceID: "AA:BB", Name: "Sensor "}.String())
}
