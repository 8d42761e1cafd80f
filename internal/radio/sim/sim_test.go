package sim

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

var svc = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

type recorder struct {
	mu     sync.Mutex
	events []radio.Event
}

func record(r *Radio) *recorder {
	rec := &recorder{}
	r.SetEventHandler(func(ev radio.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
	})
	return rec
}

func (r *recorder) all() []radio.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]radio.Event(nil), r.events...)
}

func (r *recorder) adverts() []radio.Record {
	var out []radio.Record
	for _, ev := range r.all() {
		if a, ok := ev.(radio.AdvertisementReceived); ok {
			out = append(out, a.Record)
		}
	}
	return out
}

func TestAdvertisementReachesScanner(t *testing.T) {
	air := NewAir()
	air.SetRSSI(func(from, to string) int { return -42 })
	beacon := air.NewRadio("AA:AA:AA:AA:AA:01", "beacon")
	scanner := air.NewRadio("AA:AA:AA:AA:AA:02", "phone")
	defer beacon.Close()
	defer scanner.Close()
	rec := record(scanner)
	self := record(beacon)

	require.NoError(t, beacon.StartAdvertising(radio.Advertisement{ServiceUUID: svc, ServiceData: []byte{0xa1, 0xb2}}))
	require.NoError(t, scanner.StartScan(radio.ScanOptions{ServiceUUID: &svc}))
	require.NoError(t, beacon.StartScan(radio.ScanOptions{}))

	air.Tick()
	air.Tick()
	scanner.Flush()
	beacon.Flush()

	got := rec.adverts()
	require.Len(t, got, 2)
	assert.Equal(t, "AA:AA:AA:AA:AA:01", got[0].DeviceID)
	assert.Equal(t, "beacon", got[0].DeviceName)
	assert.Equal(t, -42, got[0].RSSI)
	data, ok := got[0].ServiceDataFor(svc)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xa1, 0xb2}, data)

	assert.Empty(t, self.adverts(), "a radio must not hear itself")
}

func TestScanFilterExcludesOtherServices(t *testing.T) {
	air := NewAir()
	other := uuid.MustParse("0000feaa-0000-1000-8000-00805f9b34fb")
	beacon := air.NewRadio("01", "")
	scanner := air.NewRadio("02", "")
	rec := record(scanner)

	require.NoError(t, beacon.StartAdvertising(radio.Advertisement{ServiceUUID: other}))
	require.NoError(t, scanner.StartScan(radio.ScanOptions{ServiceUUID: &svc}))
	air.Tick()
	scanner.Flush()
	assert.Empty(t, rec.adverts())

	require.NoError(t, scanner.StopScan())
	require.NoError(t, scanner.StartScan(radio.ScanOptions{}))
	air.Tick()
	scanner.Flush()
	assert.Len(t, rec.adverts(), 1)
}

func TestForeignPacket(t *testing.T) {
	air := NewAir()
	scanner := air.NewRadio("02", "")
	rec := record(scanner)
	require.NoError(t, scanner.StartScan(radio.ScanOptions{}))

	data, err := radio.EncodeADStructures([]radio.ADStructure{{Type: radio.ADTypeCompleteLocalName, Data: []byte("a1b2")}})
	require.NoError(t, err)
	air.Broadcast(Packet{Address: "ff", RSSI: -80, Data: data})
	air.Broadcast(Packet{Address: "fe", Data: []byte{0x09}}) // malformed, dropped
	scanner.Flush()

	got := rec.adverts()
	require.Len(t, got, 1)
	assert.Equal(t, "a1b2", got[0].LocalName)
	assert.Equal(t, -80, got[0].RSSI)
}

func TestPowerOffStopsSessions(t *testing.T) {
	air := NewAir()
	r := air.NewRadio("01", "")
	rec := record(r)
	require.NoError(t, r.StartScan(radio.ScanOptions{}))
	require.NoError(t, r.StartAdvertising(radio.Advertisement{ServiceUUID: svc}))

	r.SetState(radio.StatePoweredOff)
	r.Flush()
	assert.False(t, r.Scanning())
	assert.False(t, r.Advertising())
	assert.Error(t, r.StartScan(radio.ScanOptions{}))
	assert.Equal(t, []radio.Event{radio.StateChanged{State: radio.StatePoweredOff}}, rec.all())

	r.SetState(radio.StatePoweredOn)
	require.NoError(t, r.StartScan(radio.ScanOptions{}))
}

func TestFaultsAreReportedAsEvents(t *testing.T) {
	air := NewAir()
	r := air.NewRadio("01", "")
	rec := record(r)
	boom := errors.New("boom")
	r.SetFaults(Faults{Advertise: boom, Scan: boom})

	require.NoError(t, r.StartAdvertising(radio.Advertisement{ServiceUUID: svc}))
	require.NoError(t, r.StartScan(radio.ScanOptions{}))
	r.Flush()

	assert.Equal(t, []radio.Event{
		radio.AdvertiseFailed{Err: boom},
		radio.ScanFailed{Err: boom},
	}, rec.all())
}

func TestGattDiscovery(t *testing.T) {
	air := NewAir()
	central := air.NewRadio("01", "")
	peripheral := air.NewRadio("02", "sensor")
	peripheral.Publish([]GattService{
		{UUID: "0000180d-0000-1000-8000-00805f9b34fb", Primary: true, Characteristics: []radio.Characteristic{
			{UUID: "00002a37-0000-1000-8000-00805f9b34fb", Properties: radio.PropNotify},
		}},
	})
	rec := record(central)

	p, err := central.Lookup("02")
	require.NoError(t, err)
	assert.Equal(t, "sensor", p.Name)

	h, err := central.Connect(p)
	require.NoError(t, err)
	require.NoError(t, central.DiscoverServices(h))
	central.Flush()

	evs := rec.all()
	require.Len(t, evs, 2)
	assert.Equal(t, radio.ConnectionChanged{Conn: h, Connected: true}, evs[0])
	sd := evs[1].(radio.ServicesDiscovered)
	require.Len(t, sd.Services, 1)

	require.NoError(t, central.DiscoverCharacteristics(h, sd.Services[0]))
	central.Flush()
	cd := rec.all()[2].(radio.CharacteristicsDiscovered)
	assert.Equal(t, sd.Services[0], cd.Service)
	assert.Equal(t, radio.PropNotify, cd.Characteristics[0].Properties)

	peripheral.DropLinks()
	central.Flush()
	assert.Equal(t, radio.ConnectionChanged{Conn: h, Connected: false}, rec.all()[3])
	assert.ErrorIs(t, central.DiscoverServices(h), radio.ErrNotConnected)
}

func TestLookupUnknown(t *testing.T) {
	air := NewAir()
	r := air.NewRadio("01", "")
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, radio.ErrNotFound)
}

func TestConnectUnreachable(t *testing.T) {
	air := NewAir()
	r := air.NewRadio("01", "")
	rec := record(r)
	h, err := r.Connect(radio.Peripheral{ID: "missing"})
	require.NoError(t, err)
	r.Flush()
	evs := rec.all()
	require.Len(t, evs, 1)
	cc := evs[0].(radio.ConnectionChanged)
	assert.Equal(t, h, cc.Conn)
	assert.False(t, cc.Connected)
	assert.Error(t, cc.Err)
}
