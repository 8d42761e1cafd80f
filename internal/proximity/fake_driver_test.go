package proximity

import (
	"sync"
	"time"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// fakeDriver records calls and never invokes the handler from inside a
// driver method. Tests inject events with emit.
type fakeDriver struct {
	mu      sync.Mutex
	state   radio.State
	handler func(radio.Event)

	advStarts []radio.Advertisement
	advStops  int
	advActive bool

	scanStarts []radio.ScanOptions
	scanStops  int
	scanActive bool

	startAdvErr  error
	startScanErr error
	lookupErr    error
	connectErr   error
	servicesErr  error

	peripherals map[string]radio.Peripheral
	nextConn    radio.ConnHandle
	connects    []radio.Peripheral
	serviceReqs []radio.ConnHandle
	charReqs    []radio.Service
	disconnects []radio.ConnHandle
}

var _ radio.Driver = (*fakeDriver)(nil)

func newFakeDriver(state radio.State) *fakeDriver {
	return &fakeDriver{state: state, peripherals: make(map[string]radio.Peripheral)}
}

// configure mutates the driver under its lock.
func (d *fakeDriver) configure(f func(d *fakeDriver)) {
	d.mu.Lock()
	f(d)
	d.mu.Unlock()
}

func (d *fakeDriver) emit(ev radio.Event) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// setState changes the state and notifies, the way platform stacks do.
func (d *fakeDriver) setState(s radio.State) {
	d.mu.Lock()
	d.state = s
	if !s.Ready() {
		d.advActive = false
		d.scanActive = false
	}
	d.mu.Unlock()
	d.emit(radio.StateChanged{State: s})
}

func (d *fakeDriver) State() radio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDriver) SetEventHandler(h func(radio.Event)) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *fakeDriver) StartAdvertising(adv radio.Advertisement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advStarts = append(d.advStarts, adv)
	if d.startAdvErr != nil {
		return d.startAdvErr
	}
	d.advActive = true
	return nil
}

func (d *fakeDriver) StopAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advStops++
	d.advActive = false
	return nil
}

func (d *fakeDriver) StartScan(opts radio.ScanOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanStarts = append(d.scanStarts, opts)
	if d.startScanErr != nil {
		return d.startScanErr
	}
	d.scanActive = true
	return nil
}

func (d *fakeDriver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanStops++
	d.scanActive = false
	return nil
}

func (d *fakeDriver) Lookup(deviceID string) (radio.Peripheral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lookupErr != nil {
		return radio.Peripheral{}, d.lookupErr
	}
	p, ok := d.peripherals[deviceID]
	if !ok {
		return radio.Peripheral{}, radio.ErrNotFound
	}
	return p, nil
}

func (d *fakeDriver) Connect(p radio.Peripheral) (radio.ConnHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return 0, d.connectErr
	}
	d.nextConn++
	d.connects = append(d.connects, p)
	return d.nextConn, nil
}

func (d *fakeDriver) DiscoverServices(c radio.ConnHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serviceReqs = append(d.serviceReqs, c)
	return d.servicesErr
}

func (d *fakeDriver) DiscoverCharacteristics(c radio.ConnHandle, s radio.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.charReqs = append(d.charReqs, s)
	return nil
}

func (d *fakeDriver) Disconnect(c radio.ConnHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, c)
	return nil
}

// driverCalls is a copy of what a fakeDriver has been asked to do.
type driverCalls struct {
	advStarts   []radio.Advertisement
	advStops    int
	advActive   bool
	scanStarts  []radio.ScanOptions
	scanStops   int
	scanActive  bool
	connects    []radio.Peripheral
	serviceReqs []radio.ConnHandle
	charReqs    []radio.Service
	disconnects []radio.ConnHandle
}

func (d *fakeDriver) calls() driverCalls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driverCalls{
		advStarts:   append([]radio.Advertisement(nil), d.advStarts...),
		advStops:    d.advStops,
		advActive:   d.advActive,
		scanStarts:  append([]radio.ScanOptions(nil), d.scanStarts...),
		scanStops:   d.scanStops,
		scanActive:  d.scanActive,
		connects:    append([]radio.Peripheral(nil), d.connects...),
		serviceReqs: append([]radio.ConnHandle(nil), d.serviceReqs...),
		charReqs:    append([]radio.Service(nil), d.charReqs...),
		disconnects: append([]radio.ConnHandle(nil), d.disconnects...),
	}
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) proximity() []ProximityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProximityEvent
	for _, ev := range s.events {
		if ev.Proximity != nil {
			out = append(out, *ev.Proximity)
		}
	}
	return out
}

func (s *recordingSink) errors() []ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ErrorEvent
	for _, ev := range s.events {
		if ev.Error != nil {
			out = append(out, *ev.Error)
		}
	}
	return out
}

// fixedClock returns a clock that always reports t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
