package proximity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// DefaultDeviceCacheSize bounds the peripherals remembered for discovery.
const DefaultDeviceCacheSize = 64

// Scanner owns the scan session: the filter policy, the platform scan and
// the cache of peripherals seen since the last reset.
type Scanner struct {
	driver       radio.Driver
	sink         Sink
	nameFallback bool
	now          func() time.Time
	devices      *deviceCache

	mu       sync.Mutex
	filter   *FilterEngine // nil when no session was requested
	scanning bool
}

// NewScanner returns an idle scanner.
func NewScanner(driver radio.Driver, sink Sink, nameFallback bool, cacheSize int, now func() time.Time) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		driver:       driver,
		sink:         sink,
		nameFallback: nameFallback,
		now:          now,
		devices:      newDeviceCache(cacheSize),
	}
}

// Start replaces any running session with one accepting targets scoped to
// serviceID. In allow-all mode targets are ignored and the service filter is
// not applied. Validation happens before any state changes. When the radio
// has not reported readiness yet the scan starts on the next Ready edge.
func (s *Scanner) Start(targets []string, serviceID string, allowAll bool) error {
	id, err := ParseServiceID(serviceID)
	if err != nil {
		return err
	}
	var set map[string]struct{}
	if !allowAll {
		if len(targets) > MaxTargets {
			return fmt.Errorf("proximity: start scan: %w (got %d)", ErrTooManyTargets, len(targets))
		}
		set, err = normalizeTargets(targets)
		if err != nil {
			return fmt.Errorf("proximity: start scan: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.driver.State()
	if err := checkRadio(state); err != nil {
		return fmt.Errorf("proximity: start scan: %w", err)
	}

	s.stopLocked()
	s.filter = NewFilterEngine(FilterPolicy{
		ServiceID:    id,
		Targets:      set,
		AllowAll:     allowAll,
		NameFallback: s.nameFallback,
	})

	if !state.Ready() {
		slog.Info("[SCAN] radio not ready, scan deferred", "state", state)
		return nil
	}
	if err := s.startLocked(); err != nil {
		s.filter = nil
		return fmt.Errorf("proximity: start scan: %w", err)
	}
	return nil
}

// startLocked issues the platform scan for the current filter. Environment
// errors are returned; any other driver error becomes a scan_failed event.
func (s *Scanner) startLocked() error {
	p := s.filter.Policy()
	var opts radio.ScanOptions
	if !p.AllowAll {
		id := p.ServiceID
		opts.ServiceUUID = &id
	}
	if err := s.driver.StartScan(opts); err != nil {
		if env := envError(err); env != nil {
			return env
		}
		slog.Error("[SCAN] start failed", "error", err)
		s.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindScanFailed, Message: err.Error()}})
		return nil
	}
	s.scanning = true
	slog.Info("[SCAN] started", "service", p.ServiceID, "targets", len(p.Targets), "allow_all", p.AllowAll)
	return nil
}

func (s *Scanner) stopLocked() {
	if !s.scanning {
		return
	}
	if err := s.driver.StopScan(); err != nil {
		slog.Warn("[SCAN] stop failed", "error", err)
	}
	s.scanning = false
}

// Stop ends the platform scan if one is running. With resetState the target
// set, allow-all flag and device cache are cleared as well, so the scan is
// not resumed on the next Ready edge.
func (s *Scanner) Stop(resetState bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if resetState {
		s.filter = nil
		s.devices.Clear()
	}
	slog.Info("[SCAN] stopped", "reset", resetState)
}

// Scanning reports whether a platform scan is believed to be running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Policy returns the active filter policy, if a session was requested.
func (s *Scanner) Policy() (FilterPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return FilterPolicy{}, false
	}
	return s.filter.Policy(), true
}

// Seen returns a peripheral observed in the current or most recent session.
func (s *Scanner) Seen(deviceID string) (radio.Peripheral, bool) {
	return s.devices.Get(deviceID)
}

// resume restarts the requested session after the radio becomes usable.
func (s *Scanner) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return
	}
	p := s.filter.Policy()
	if len(p.Targets) == 0 && !p.AllowAll {
		return
	}
	s.stopLocked()
	if err := s.startLocked(); err != nil {
		slog.Error("[SCAN] resume failed", "error", err)
		s.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindScanFailed, Message: err.Error()}})
	}
}

func (s *Scanner) handleAdvertisement(rec radio.Record) {
	receivedAt := s.now()
	if rec.DeviceID != "" {
		s.devices.Put(radio.Peripheral{ID: rec.DeviceID, Name: deviceName(rec)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil || !s.scanning {
		return
	}
	ev, ok := s.filter.Classify(rec, receivedAt)
	if !ok {
		return
	}
	slog.Debug("[SCAN] match", "token", ev.TargetToken, "rssi", ev.RSSI, "device", ev.DeviceID)
	// Emitting under the lock keeps events in reception order.
	s.sink.Emit(Event{Proximity: &ev})
}

func (s *Scanner) handleScanFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanning {
		return
	}
	s.scanning = false
	slog.Error("[SCAN] scan failed", "error", err)
	s.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindScanFailed, Message: err.Error()}})
}

func deviceName(rec radio.Record) string {
	if rec.DeviceName != "" {
		return rec.DeviceName
	}
	return rec.LocalName
}

// deviceCache remembers peripherals in insertion order, evicting the oldest.
type deviceCache struct {
	mu    sync.Mutex
	size  int
	order []string
	byID  map[string]radio.Peripheral
}

func newDeviceCache(size int) *deviceCache {
	if size <= 0 {
		size = DefaultDeviceCacheSize
	}
	return &deviceCache{size: size, byID: make(map[string]radio.Peripheral)}
}

func (c *deviceCache) Put(p radio.Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[p.ID]; ok {
		if p.Name == "" {
			p.Name = old.Name
		}
		c.byID[p.ID] = p
		return
	}
	if len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest)
	}
	c.order = append(c.order, p.ID)
	c.byID[p.ID] = p
}

func (c *deviceCache) Get(id string) (radio.Peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok
}

func (c *deviceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *deviceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byID = make(map[string]radio.Peripheral)
}
