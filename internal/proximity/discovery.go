package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// DefaultDiscoveryTimeout bounds a diagnostic discovery when no timeout is
// given.
const DefaultDiscoveryTimeout = 8000 * time.Millisecond

// Phase is the state of the diagnostic discovery machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseDiscoveringServices
	PhaseDiscoveringCharacteristics
	PhaseCompleted
	PhaseFailed
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscoveringServices:
		return "discovering_services"
	case PhaseDiscoveringCharacteristics:
		return "discovering_characteristics"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

// peripheralSource resolves identifiers seen during scanning.
type peripheralSource interface {
	Seen(deviceID string) (radio.Peripheral, bool)
}

type discoveryResult struct {
	dump GattDump
	err  error
}

// discoveryRequest is the single pending diagnostic session. Callbacks are
// matched against it by pointer identity and connection handle.
type discoveryRequest struct {
	id         ulid.ULID
	peripheral radio.Peripheral
	conn       radio.ConnHandle
	phase      Phase
	timer      *time.Timer
	started    time.Time

	services  []radio.Service
	chars     map[int][]radio.Characteristic
	done      map[int]bool
	remaining int

	result chan discoveryResult
}

// Discoverer runs at most one connect, discover, disconnect sequence at a
// time.
type Discoverer struct {
	driver  radio.Driver
	devices peripheralSource

	mu      sync.Mutex
	pending *discoveryRequest
}

// NewDiscoverer returns an idle discoverer. devices may be nil, in which
// case every identifier goes through driver.Lookup.
func NewDiscoverer(driver radio.Driver, devices peripheralSource) *Discoverer {
	return &Discoverer{driver: driver, devices: devices}
}

// Phase returns the phase of the pending request, or PhaseIdle.
func (d *Discoverer) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return PhaseIdle
	}
	return d.pending.phase
}

// Discover connects to deviceID, walks its GATT table and disconnects. It
// blocks until the walk completes, fails, times out or ctx is done; the
// first of these wins and the connection is always released. A timeout of
// zero or less means DefaultDiscoveryTimeout.
func (d *Discoverer) Discover(ctx context.Context, deviceID string, timeout time.Duration) (GattDump, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	req, err := d.begin(deviceID, timeout)
	if err != nil {
		return GattDump{}, err
	}

	select {
	case res := <-req.result:
		return res.dump, res.err
	case <-ctx.Done():
		d.mu.Lock()
		d.finishLocked(req, PhaseFailed, discoveryResult{
			err: fmt.Errorf("proximity: discover %s: %w", deviceID, ctx.Err()),
		})
		d.mu.Unlock()
		res := <-req.result
		return res.dump, res.err
	}
}

func (d *Discoverer) begin(deviceID string, timeout time.Duration) (*discoveryRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		return nil, fmt.Errorf("proximity: discover %s: %w", deviceID, ErrBusy)
	}
	state := d.driver.State()
	if err := checkRadio(state); err != nil {
		return nil, fmt.Errorf("proximity: discover %s: %w", deviceID, err)
	}
	if !state.Ready() {
		return nil, fmt.Errorf("proximity: discover %s: %w (state %s)", deviceID, ErrBluetoothDisabled, state)
	}

	p, err := d.resolve(deviceID)
	if err != nil {
		return nil, fmt.Errorf("proximity: discover %s: %w", deviceID, err)
	}

	req := &discoveryRequest{
		id:         ulid.Make(),
		peripheral: p,
		phase:      PhaseConnecting,
		started:    time.Now(),
		chars:      make(map[int][]radio.Characteristic),
		done:       make(map[int]bool),
		result:     make(chan discoveryResult, 1),
	}
	conn, err := d.driver.Connect(p)
	if err != nil {
		if env := envError(err); env != nil {
			return nil, fmt.Errorf("proximity: discover %s: %w", deviceID, env)
		}
		return nil, fmt.Errorf("proximity: discover %s: %w: %v", deviceID, ErrConnectFailed, err)
	}
	req.conn = conn
	d.pending = req
	req.timer = time.AfterFunc(timeout, func() { d.expire(req, timeout) })

	slog.Info("[GATT] discovery started", "request", req.id, "device", p.ID, "timeout", timeout)
	return req, nil
}

func (d *Discoverer) resolve(deviceID string) (radio.Peripheral, error) {
	if deviceID == "" {
		return radio.Peripheral{}, ErrDeviceNotFound
	}
	if d.devices != nil {
		if p, ok := d.devices.Seen(deviceID); ok {
			return p, nil
		}
	}
	p, err := d.driver.Lookup(deviceID)
	if err != nil {
		if env := envError(err); env != nil {
			return radio.Peripheral{}, env
		}
		return radio.Peripheral{}, ErrDeviceNotFound
	}
	return p, nil
}

// finishLocked delivers res and releases req's resources, unless another
// outcome already did.
func (d *Discoverer) finishLocked(req *discoveryRequest, phase Phase, res discoveryResult) {
	if d.pending != req {
		return
	}
	d.pending = nil
	req.phase = phase
	if req.timer != nil {
		req.timer.Stop()
	}
	if err := d.driver.Disconnect(req.conn); err != nil {
		slog.Warn("[GATT] disconnect failed", "request", req.id, "error", err)
	}
	if res.err != nil {
		slog.Warn("[GATT] discovery ended", "request", req.id, "phase", phase,
			"elapsed", time.Since(req.started), "error", res.err)
	} else {
		slog.Info("[GATT] discovery completed", "request", req.id,
			"services", len(res.dump.Services), "elapsed", time.Since(req.started))
	}
	req.result <- res
}

func (d *Discoverer) fail(req *discoveryRequest, kind error, cause error) {
	err := fmt.Errorf("proximity: discover %s: %w", req.peripheral.ID, kind)
	if cause != nil {
		err = fmt.Errorf("proximity: discover %s: %w: %v", req.peripheral.ID, kind, cause)
	}
	d.finishLocked(req, PhaseFailed, discoveryResult{err: err})
}

func (d *Discoverer) expire(req *discoveryRequest, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := fmt.Errorf("proximity: discover %s: %w: Timeout after %dms",
		req.peripheral.ID, ErrTimedOut, timeout.Milliseconds())
	d.finishLocked(req, PhaseTimedOut, discoveryResult{err: err})
}

// current returns the pending request if conn belongs to it.
func (d *Discoverer) current(conn radio.ConnHandle) *discoveryRequest {
	if d.pending == nil || d.pending.conn != conn {
		return nil
	}
	return d.pending
}

func (d *Discoverer) handleConnection(ev radio.ConnectionChanged) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.current(ev.Conn)
	if req == nil {
		return
	}

	if !ev.Connected || ev.Err != nil {
		if req.phase == PhaseConnecting {
			d.fail(req, ErrConnectFailed, ev.Err)
			return
		}
		cause := ev.Err
		if cause == nil {
			cause = fmt.Errorf("disconnected during %s", req.phase)
		}
		d.fail(req, ErrConnectFailed, cause)
		return
	}
	if req.phase != PhaseConnecting {
		return
	}
	req.phase = PhaseDiscoveringServices
	if err := d.driver.DiscoverServices(req.conn); err != nil {
		d.fail(req, ErrDiscoverFailed, err)
	}
}

func (d *Discoverer) handleServices(ev radio.ServicesDiscovered) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.current(ev.Conn)
	if req == nil || req.phase != PhaseDiscoveringServices {
		return
	}
	if ev.Err != nil {
		d.fail(req, ErrDiscoverFailed, ev.Err)
		return
	}
	req.services = append([]radio.Service(nil), ev.Services...)
	if len(req.services) == 0 {
		d.finishLocked(req, PhaseCompleted, discoveryResult{dump: req.dump()})
		return
	}
	req.phase = PhaseDiscoveringCharacteristics
	req.remaining = len(req.services)
	for _, s := range req.services {
		if err := d.driver.DiscoverCharacteristics(req.conn, s); err != nil {
			d.fail(req, ErrDiscoverFailed, err)
			return
		}
	}
}

func (d *Discoverer) handleCharacteristics(ev radio.CharacteristicsDiscovered) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.current(ev.Conn)
	if req == nil || req.phase != PhaseDiscoveringCharacteristics {
		return
	}
	if !req.hasService(ev.Service.Handle) || req.done[ev.Service.Handle] {
		return
	}
	if ev.Err != nil {
		d.fail(req, ErrDiscoverFailed, ev.Err)
		return
	}
	req.done[ev.Service.Handle] = true
	req.chars[ev.Service.Handle] = append([]radio.Characteristic(nil), ev.Characteristics...)
	req.remaining--
	if req.remaining == 0 {
		d.finishLocked(req, PhaseCompleted, discoveryResult{dump: req.dump()})
	}
}

// Cancel ends the pending request, if any, with context.Canceled.
func (d *Discoverer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req := d.pending; req != nil {
		d.finishLocked(req, PhaseFailed, discoveryResult{
			err: fmt.Errorf("proximity: discover %s: %w", req.peripheral.ID, context.Canceled),
		})
	}
}

func (r *discoveryRequest) hasService(handle int) bool {
	for _, s := range r.services {
		if s.Handle == handle {
			return true
		}
	}
	return false
}

func (r *discoveryRequest) dump() GattDump {
	out := GattDump{DeviceID: r.peripheral.ID, Name: r.peripheral.Name}
	for _, s := range r.services {
		out.Services = append(out.Services, DumpService{
			UUID:            s.UUID,
			Primary:         s.Primary,
			Characteristics: r.chars[s.Handle],
		})
	}
	return out
}
