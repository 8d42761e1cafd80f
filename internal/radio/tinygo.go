package radio

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinyGoDriver implements Driver on tinygo-org/bluetooth. On macOS device
// identifiers are CoreBluetooth UUIDs rather than MAC addresses; both are
// carried as opaque strings.
//
// The library exposes neither TX power nor characteristic properties, so
// TX power hints are ignored and every characteristic reports no properties.
type TinyGoDriver struct {
	adapter *bluetooth.Adapter
	events  *EventQueue

	// scan and stopScan are the adapter's Scan and StopScan.
	scan     func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	stopScan func() error
	stopWait time.Duration

	mu          sync.Mutex
	state       State
	advertising bool
	scanning    bool
	scanStopped bool
	scanDone    chan struct{}
	nextConn    ConnHandle
	conns       map[ConnHandle]*tinygoConn
}

// scanStopTimeout bounds how long StopScan waits for the library's scan
// loop to unwind. BlueZ ends discovery with a D-Bus round trip.
const scanStopTimeout = 5 * time.Second

type tinygoConn struct {
	id     string
	device *bluetooth.Device
	closed bool

	// discovery calls on one device are not safe to overlap
	gattMu   sync.Mutex
	services []bluetooth.DeviceService
}

// NewTinyGoDriver creates a driver on the default adapter. Call Enable before use.
func NewTinyGoDriver() *TinyGoDriver {
	adapter := bluetooth.DefaultAdapter
	return &TinyGoDriver{
		adapter:  adapter,
		events:   NewEventQueue(),
		scan:     adapter.Scan,
		stopScan: adapter.StopScan,
		stopWait: scanStopTimeout,
		conns:    make(map[ConnHandle]*tinygoConn),
	}
}

// Compile-time check that TinyGoDriver implements Driver.
var _ Driver = (*TinyGoDriver)(nil)

// Enable powers on the adapter and reports the resulting state.
func (d *TinyGoDriver) Enable() error {
	if err := d.adapter.Enable(); err != nil {
		d.setState(StatePoweredOff)
		return fmt.Errorf("radio: enable adapter: %w", err)
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral
	// drops, on every platform that supports central mode.
	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		d.mu.Lock()
		var dropped []ConnHandle
		for h, c := range d.conns {
			if c.id == id && c.device != nil && !c.closed {
				dropped = append(dropped, h)
			}
		}
		d.mu.Unlock()
		for _, h := range dropped {
			d.events.Push(ConnectionChanged{Conn: h, Connected: false})
		}
	})

	d.setState(StatePoweredOn)
	return nil
}

// Close stops scanning and advertising and halts event delivery.
func (d *TinyGoDriver) Close() error {
	_ = d.StopScan()
	_ = d.StopAdvertising()
	d.events.Close()
	return nil
}

func (d *TinyGoDriver) setState(s State) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed {
		d.events.Push(StateChanged{State: s})
	}
}

func (d *TinyGoDriver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *TinyGoDriver) SetEventHandler(h func(Event)) {
	d.events.SetHandler(h)
}

func (d *TinyGoDriver) StartAdvertising(adv Advertisement) error {
	a := d.adapter.DefaultAdvertisement()
	if a == nil {
		return ErrUnsupported
	}
	svc := bluetooth.NewUUID(adv.ServiceUUID)
	err := a.Configure(bluetooth.AdvertisementOptions{
		ServiceUUIDs: []bluetooth.UUID{svc},
		ServiceData:  []bluetooth.ServiceDataElement{{UUID: svc, Data: adv.ServiceData}},
	})
	if err == nil {
		err = a.Start()
	}
	if err != nil {
		d.events.Push(AdvertiseFailed{Err: fmt.Errorf("radio: advertise: %w", err)})
		return nil
	}
	d.mu.Lock()
	d.advertising = true
	d.mu.Unlock()
	slog.Debug("[RADIO] advertising", "service", adv.ServiceUUID, "bytes", len(adv.ServiceData))
	return nil
}

func (d *TinyGoDriver) StopAdvertising() error {
	d.mu.Lock()
	active := d.advertising
	d.advertising = false
	d.mu.Unlock()
	if !active {
		return nil
	}
	a := d.adapter.DefaultAdvertisement()
	if a == nil {
		return nil
	}
	if err := a.Stop(); err != nil {
		return fmt.Errorf("radio: stop advertising: %w", err)
	}
	return nil
}

func (d *TinyGoDriver) StartScan(opts ScanOptions) error {
	var filter *bluetooth.UUID
	if opts.ServiceUUID != nil {
		u := bluetooth.NewUUID(*opts.ServiceUUID)
		filter = &u
	}

	d.mu.Lock()
	if d.scanning {
		d.mu.Unlock()
		return fmt.Errorf("radio: scan already running")
	}
	d.scanning = true
	d.scanStopped = false
	done := make(chan struct{})
	d.scanDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		err := d.scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if filter != nil && !result.HasServiceUUID(*filter) && !hasServiceData(result, *filter) {
				return
			}
			d.events.Push(AdvertisementReceived{Record: recordFromScan(result, filter)})
		})

		d.mu.Lock()
		stopped := d.scanStopped
		d.scanning = false
		d.mu.Unlock()
		if err != nil && !stopped {
			d.events.Push(ScanFailed{Err: fmt.Errorf("radio: scan: %w", err)})
		}
	}()
	return nil
}

// StopScan returns once the scan loop has exited, so a following StartScan
// does not race the previous session.
func (d *TinyGoDriver) StopScan() error {
	d.mu.Lock()
	if !d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.scanStopped = true
	done := d.scanDone
	d.mu.Unlock()
	if err := d.stopScan(); err != nil {
		return fmt.Errorf("radio: stop scan: %w", err)
	}

	timer := time.NewTimer(d.stopWait)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("radio: stop scan: scan did not end within %s", d.stopWait)
	}
}

func hasServiceData(result bluetooth.ScanResult, svc bluetooth.UUID) bool {
	for _, sd := range result.ServiceData() {
		if sd.UUID == svc {
			return true
		}
	}
	return false
}

func recordFromScan(result bluetooth.ScanResult, filter *bluetooth.UUID) Record {
	rec := Record{
		DeviceID:  result.Address.String(),
		LocalName: result.LocalName(),
		RSSI:      int(result.RSSI),
	}
	if filter != nil && result.HasServiceUUID(*filter) {
		if u, err := uuid.Parse(filter.String()); err == nil {
			rec.ServiceUUIDs = append(rec.ServiceUUIDs, u)
		}
	}
	for _, m := range result.ManufacturerData() {
		rec.ManufacturerData = append(rec.ManufacturerData, ManufacturerData{CompanyID: m.CompanyID, Data: m.Data})
	}
	for _, sd := range result.ServiceData() {
		u, err := uuid.Parse(sd.UUID.String())
		if err != nil {
			continue
		}
		rec.ServiceData = append(rec.ServiceData, ServiceData{UUID: u, Data: sd.Data})
	}
	return rec
}

// Lookup accepts any well-formed address: the library connects by address
// without a prior scan. Addresses are MACs, or CoreBluetooth UUIDs on macOS.
func (d *TinyGoDriver) Lookup(deviceID string) (Peripheral, error) {
	id, err := parseAddress(runtime.GOOS, deviceID)
	if err != nil {
		return Peripheral{}, fmt.Errorf("radio: lookup %q: %w", deviceID, ErrNotFound)
	}
	return Peripheral{ID: id}, nil
}

// parseAddress returns id in the library's canonical form.
func parseAddress(goos, id string) (string, error) {
	if goos == "darwin" {
		if len(id) != 36 {
			return "", fmt.Errorf("not a peripheral UUID: %q", id)
		}
		u, err := bluetooth.ParseUUID(id)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	if len(id) != 17 {
		return "", bluetooth.ErrInvalidMAC
	}
	mac, err := bluetooth.ParseMAC(strings.ToUpper(id))
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

func (d *TinyGoDriver) Connect(p Peripheral) (ConnHandle, error) {
	var addr bluetooth.Address
	addr.Set(p.ID)

	d.mu.Lock()
	d.nextConn++
	h := d.nextConn
	conn := &tinygoConn{id: p.ID}
	d.conns[h] = conn
	d.mu.Unlock()

	// Connect blocks with the library's own timeout.
	go func() {
		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})

		d.mu.Lock()
		if conn.closed {
			d.mu.Unlock()
			if err == nil {
				_ = device.Disconnect()
			}
			return
		}
		if err == nil {
			conn.device = &device
		}
		d.mu.Unlock()

		if err != nil {
			d.events.Push(ConnectionChanged{Conn: h, Err: fmt.Errorf("radio: connect to %s: %w", p.ID, err)})
			return
		}
		d.events.Push(ConnectionChanged{Conn: h, Connected: true})
	}()
	return h, nil
}

func (d *TinyGoDriver) conn(h ConnHandle) (*tinygoConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[h]
	if !ok || c.closed || c.device == nil {
		return nil, ErrNotConnected
	}
	return c, nil
}

func (d *TinyGoDriver) DiscoverServices(h ConnHandle) error {
	c, err := d.conn(h)
	if err != nil {
		return err
	}
	go func() {
		c.gattMu.Lock()
		svcs, err := c.device.DiscoverServices(nil)
		if err == nil {
			c.services = svcs
		}
		c.gattMu.Unlock()

		if err != nil {
			d.events.Push(ServicesDiscovered{Conn: h, Err: fmt.Errorf("radio: discover services: %w", err)})
			return
		}
		out := make([]Service, len(svcs))
		for i, s := range svcs {
			out[i] = Service{Handle: i, UUID: s.UUID().String(), Primary: true}
		}
		d.events.Push(ServicesDiscovered{Conn: h, Services: out})
	}()
	return nil
}

func (d *TinyGoDriver) DiscoverCharacteristics(h ConnHandle, s Service) error {
	c, err := d.conn(h)
	if err != nil {
		return err
	}
	go func() {
		c.gattMu.Lock()
		var chars []bluetooth.DeviceCharacteristic
		var err error
		if s.Handle < 0 || s.Handle >= len(c.services) {
			err = fmt.Errorf("unknown service handle %d", s.Handle)
		} else {
			chars, err = c.services[s.Handle].DiscoverCharacteristics(nil)
		}
		c.gattMu.Unlock()

		if err != nil {
			d.events.Push(CharacteristicsDiscovered{Conn: h, Service: s, Err: fmt.Errorf("radio: discover characteristics: %w", err)})
			return
		}
		out := make([]Characteristic, len(chars))
		for i, ch := range chars {
			out[i] = Characteristic{UUID: ch.UUID().String()}
		}
		d.events.Push(CharacteristicsDiscovered{Conn: h, Service: s, Characteristics: out})
	}()
	return nil
}

func (d *TinyGoDriver) Disconnect(h ConnHandle) error {
	d.mu.Lock()
	c, ok := d.conns[h]
	var device *bluetooth.Device
	if ok {
		c.closed = true
		device = c.device
		delete(d.conns, h)
	}
	d.mu.Unlock()
	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("radio: disconnect %s: %w", c.id, err)
	}
	return nil
}
