// Package sim is an in-memory Bluetooth LE environment. Radios placed in the
// same Air see each other's advertisements, encoded and decoded through the
// real AD-structure codec, and can connect to each other's GATT tables.
// It backs the "sim" driver of the CLI and the end-to-end tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// DefaultRSSI is reported for every packet unless Air.SetRSSI overrides it.
const DefaultRSSI = -55

var errNotPoweredOn = errors.New("sim: radio not powered on")

// Packet is one advertisement on the air.
type Packet struct {
	Address string
	Name    string // platform-cached device name reported with the record
	RSSI    int
	Data    []byte // raw AD structures
}

// Air connects radios.
type Air struct {
	mu     sync.Mutex
	radios map[string]*Radio
	order  []string
	rssi   func(from, to string) int
}

// NewAir returns an empty environment.
func NewAir() *Air {
	return &Air{
		radios: make(map[string]*Radio),
		rssi:   func(string, string) int { return DefaultRSSI },
	}
}

// SetRSSI overrides the signal strength model.
func (a *Air) SetRSSI(f func(from, to string) int) {
	a.mu.Lock()
	a.rssi = f
	a.mu.Unlock()
}

// NewRadio adds a powered-on radio with the given address and device name.
func (a *Air) NewRadio(address, name string) *Radio {
	r := &Radio{
		air:     a,
		address: address,
		name:    name,
		events:  radio.NewEventQueue(),
		state:   radio.StatePoweredOn,
		conns:   make(map[radio.ConnHandle]*simConn),
	}
	a.mu.Lock()
	if _, ok := a.radios[address]; !ok {
		a.order = append(a.order, address)
	}
	a.radios[address] = r
	a.mu.Unlock()
	return r
}

func (a *Air) radio(address string) (*Radio, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.radios[address]
	return r, ok
}

func (a *Air) snapshot() []*Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Radio, 0, len(a.order))
	for _, addr := range a.order {
		out = append(out, a.radios[addr])
	}
	return out
}

// Tick delivers one advertisement from every advertising radio to every
// scanning radio.
func (a *Air) Tick() {
	for _, src := range a.snapshot() {
		data, ok := src.packet()
		if !ok {
			continue
		}
		a.deliver(Packet{Address: src.address, Name: src.name, Data: data}, true)
	}
}

// Broadcast delivers a foreign packet, for peers that are not simulated
// radios. p.RSSI is used as given.
func (a *Air) Broadcast(p Packet) {
	a.deliver(p, false)
}

func (a *Air) deliver(p Packet, modelRSSI bool) {
	a.mu.Lock()
	rssi := a.rssi
	a.mu.Unlock()
	for _, dst := range a.snapshot() {
		if dst.address == p.Address {
			continue
		}
		pkt := p
		if modelRSSI {
			pkt.RSSI = rssi(p.Address, dst.address)
		}
		dst.receive(pkt)
	}
}

// Run ticks every interval until ctx is done.
func (a *Air) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Tick()
		}
	}
}

// Faults makes a radio misbehave. Zero value is a healthy radio.
type Faults struct {
	Advertise       error // reported as AdvertiseFailed after StartAdvertising
	Scan            error // reported as ScanFailed after StartScan
	ConnectSync     error // returned directly from Connect
	Connect         error // reported as a failed ConnectionChanged
	Services        error // reported by ServicesDiscovered
	Characteristics error // reported by CharacteristicsDiscovered
	HoldGATT        bool  // discovery requests are never answered
}

// GattService is one entry of a radio's published GATT table.
type GattService struct {
	UUID            string
	Primary         bool
	Characteristics []radio.Characteristic
}

// Radio is a simulated radio implementing radio.Driver.
type Radio struct {
	air     *Air
	address string
	name    string
	events  *radio.EventQueue

	mu          sync.Mutex
	state       radio.State
	advertising []byte
	scanning    bool
	scanFilter  *uuid.UUID
	faults      Faults
	gatt        []GattService
	nextConn    radio.ConnHandle
	conns       map[radio.ConnHandle]*simConn
}

type simConn struct {
	peer *Radio
	up   bool
}

// Compile-time check that Radio implements radio.Driver.
var _ radio.Driver = (*Radio)(nil)

// Address returns the radio's device identifier.
func (r *Radio) Address() string { return r.address }

// SetFaults replaces the fault configuration.
func (r *Radio) SetFaults(f Faults) {
	r.mu.Lock()
	r.faults = f
	r.mu.Unlock()
}

// Publish sets the GATT table peers discover after connecting.
func (r *Radio) Publish(services []GattService) {
	r.mu.Lock()
	r.gatt = services
	r.mu.Unlock()
}

// SetState simulates a power or authorization transition. Leaving the
// powered-on state drops scanning, advertising and connections, as real
// stacks do.
func (r *Radio) SetState(s radio.State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	var dropped []radio.ConnHandle
	if !s.Ready() {
		r.advertising = nil
		r.scanning = false
		for h, c := range r.conns {
			if c.up {
				dropped = append(dropped, h)
			}
			delete(r.conns, h)
		}
	}
	r.mu.Unlock()

	r.events.Push(radio.StateChanged{State: s})
	for _, h := range dropped {
		r.events.Push(radio.ConnectionChanged{Conn: h, Connected: false})
	}
}

// DropLinks simulates this peripheral going out of range: every central
// connected to it sees a disconnect.
func (r *Radio) DropLinks() {
	for _, central := range r.air.snapshot() {
		central.peerLost(r)
	}
}

func (r *Radio) peerLost(peer *Radio) {
	r.mu.Lock()
	var dropped []radio.ConnHandle
	for h, c := range r.conns {
		if c.peer == peer && c.up {
			c.up = false
			dropped = append(dropped, h)
		}
	}
	r.mu.Unlock()
	for _, h := range dropped {
		r.events.Push(radio.ConnectionChanged{Conn: h, Connected: false})
	}
}

// Flush waits until all queued events have been delivered.
func (r *Radio) Flush() { r.events.Flush() }

// Close stops event delivery.
func (r *Radio) Close() error {
	r.events.Close()
	return nil
}

func (r *Radio) packet() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertising == nil || !r.state.Ready() {
		return nil, false
	}
	return r.advertising, true
}

func (r *Radio) receive(p Packet) {
	r.mu.Lock()
	scanning := r.scanning && r.state.Ready()
	filter := r.scanFilter
	r.mu.Unlock()
	if !scanning {
		return
	}

	rec, err := radio.ParseAdvertisingData(p.Data)
	if err != nil {
		return
	}
	if filter != nil && !rec.Advertises(*filter) {
		return
	}
	rec.DeviceID = p.Address
	rec.DeviceName = p.Name
	rec.RSSI = p.RSSI
	r.events.Push(radio.AdvertisementReceived{Record: rec})
}

func (r *Radio) State() radio.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) SetEventHandler(h func(radio.Event)) {
	r.events.SetHandler(h)
}

func (r *Radio) StartAdvertising(adv radio.Advertisement) error {
	data, err := radio.EncodeAdvertisingData(adv)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Ready() {
		return errNotPoweredOn
	}
	if r.faults.Advertise != nil {
		r.events.Push(radio.AdvertiseFailed{Err: r.faults.Advertise})
		return nil
	}
	r.advertising = data
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	r.advertising = nil
	r.mu.Unlock()
	return nil
}

// Advertising reports whether the radio is currently on the air.
func (r *Radio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising != nil
}

func (r *Radio) StartScan(opts radio.ScanOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Ready() {
		return errNotPoweredOn
	}
	if r.scanning {
		return errors.New("sim: scan already running")
	}
	if r.faults.Scan != nil {
		r.events.Push(radio.ScanFailed{Err: r.faults.Scan})
		return nil
	}
	r.scanning = true
	r.scanFilter = opts.ServiceUUID
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	r.scanning = false
	r.scanFilter = nil
	r.mu.Unlock()
	return nil
}

// Scanning reports whether a scan is active.
func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *Radio) Lookup(deviceID string) (radio.Peripheral, error) {
	peer, ok := r.air.radio(deviceID)
	if !ok {
		return radio.Peripheral{}, radio.ErrNotFound
	}
	return radio.Peripheral{ID: peer.address, Name: peer.name}, nil
}

func (r *Radio) Connect(p radio.Peripheral) (radio.ConnHandle, error) {
	peer, ok := r.air.radio(p.ID)
	reachable := ok && peer != r && peer.State().Ready()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Ready() {
		return 0, errNotPoweredOn
	}
	if r.faults.ConnectSync != nil {
		return 0, r.faults.ConnectSync
	}
	r.nextConn++
	h := r.nextConn

	switch {
	case r.faults.Connect != nil:
		r.events.Push(radio.ConnectionChanged{Conn: h, Err: r.faults.Connect})
	case !reachable:
		r.events.Push(radio.ConnectionChanged{Conn: h, Err: fmt.Errorf("sim: %s unreachable", p.ID)})
	default:
		r.conns[h] = &simConn{peer: peer, up: true}
		r.events.Push(radio.ConnectionChanged{Conn: h, Connected: true})
	}
	return h, nil
}

func (r *Radio) conn(h radio.ConnHandle) (*simConn, Faults, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[h]
	if !ok || !c.up {
		return nil, r.faults, radio.ErrNotConnected
	}
	return c, r.faults, nil
}

func (r *Radio) DiscoverServices(h radio.ConnHandle) error {
	c, faults, err := r.conn(h)
	if err != nil {
		return err
	}
	if faults.HoldGATT {
		return nil
	}
	if faults.Services != nil {
		r.events.Push(radio.ServicesDiscovered{Conn: h, Err: faults.Services})
		return nil
	}
	c.peer.mu.Lock()
	table := c.peer.gatt
	c.peer.mu.Unlock()

	services := make([]radio.Service, len(table))
	for i, s := range table {
		services[i] = radio.Service{Handle: i, UUID: s.UUID, Primary: s.Primary}
	}
	r.events.Push(radio.ServicesDiscovered{Conn: h, Services: services})
	return nil
}

func (r *Radio) DiscoverCharacteristics(h radio.ConnHandle, s radio.Service) error {
	c, faults, err := r.conn(h)
	if err != nil {
		return err
	}
	if faults.HoldGATT {
		return nil
	}
	if faults.Characteristics != nil {
		r.events.Push(radio.CharacteristicsDiscovered{Conn: h, Service: s, Err: faults.Characteristics})
		return nil
	}
	c.peer.mu.Lock()
	table := c.peer.gatt
	c.peer.mu.Unlock()
	if s.Handle < 0 || s.Handle >= len(table) {
		r.events.Push(radio.CharacteristicsDiscovered{Conn: h, Service: s, Err: fmt.Errorf("sim: unknown service handle %d", s.Handle)})
		return nil
	}
	chars := append([]radio.Characteristic(nil), table[s.Handle].Characteristics...)
	r.events.Push(radio.CharacteristicsDiscovered{Conn: h, Service: s, Characteristics: chars})
	return nil
}

func (r *Radio) Disconnect(h radio.ConnHandle) error {
	r.mu.Lock()
	delete(r.conns, h)
	r.mu.Unlock()
	return nil
}
