package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// Options tunes a Service.
type Options struct {
	// NameFallback enables token recovery from advertised local names.
	NameFallback bool
	// ResumeBroadcastOnPowerOn restarts the last broadcast after a power
	// cycle, like scanning does.
	ResumeBroadcastOnPowerOn bool
	// CacheSize bounds the scanned-device cache used by discovery.
	CacheSize int
	// Now is the reception clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{NameFallback: true, CacheSize: DefaultDeviceCacheSize}
}

// Service is the call surface: it owns one controller of each kind, routes
// driver events to them and reports asynchronous results to a Sink.
type Service struct {
	driver    radio.Driver
	sink      Sink
	broadcast *Broadcaster
	scan      *Scanner
	discovery *Discoverer
	gate      *PowerGate

	closeOnce sync.Once
}

// New wires a Service onto driver and registers itself as the driver's event
// handler. A nil sink discards events.
func New(driver radio.Driver, sink Sink, opts Options) *Service {
	if sink == nil {
		sink = discard{}
	}
	s := &Service{driver: driver, sink: sink}
	s.broadcast = NewBroadcaster(driver, sink, opts.ResumeBroadcastOnPowerOn)
	s.scan = NewScanner(driver, sink, opts.NameFallback, opts.CacheSize, opts.Now)
	s.discovery = NewDiscoverer(driver, s.scan)
	s.gate = newPowerGate(driver.State(), s.broadcast, s.scan)
	driver.SetEventHandler(s.handleRadioEvent)
	return s
}

// StartBroadcast begins advertising tokenText under serviceID.
func (s *Service) StartBroadcast(tokenText, serviceID string, txPowerHint *int) error {
	return s.broadcast.Start(tokenText, serviceID, txPowerHint)
}

// StopBroadcast stops advertising. No-op when idle.
func (s *Service) StopBroadcast() {
	s.broadcast.Stop()
}

// StartScan begins scanning for targets under serviceID.
func (s *Service) StartScan(targets []string, serviceID string, allowAll bool) error {
	return s.scan.Start(targets, serviceID, allowAll)
}

// StopScan stops scanning and forgets the target set. No-op when idle.
func (s *Service) StopScan() {
	s.scan.Stop(true)
}

// DebugDiscoverServices walks deviceID's GATT table and returns the dump
// text.
func (s *Service) DebugDiscoverServices(ctx context.Context, deviceID string, timeout time.Duration) (string, error) {
	dump, err := s.discovery.Discover(ctx, deviceID, timeout)
	if err != nil {
		return "", err
	}
	return dump.String(), nil
}

// State returns the driver's radio state.
func (s *Service) State() radio.State {
	return s.driver.State()
}

// Broadcaster exposes the broadcast controller.
func (s *Service) Broadcaster() *Broadcaster { return s.broadcast }

// Scanner exposes the scan controller.
func (s *Service) Scanner() *Scanner { return s.scan }

// Discoverer exposes the discovery state machine.
func (s *Service) Discoverer() *Discoverer { return s.discovery }

// Close stops scanning and broadcasting, cancels a pending discovery and
// detaches from the driver.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.scan.Stop(true)
		s.broadcast.Stop()
		s.discovery.Cancel()
		s.driver.SetEventHandler(nil)
		slog.Info("[GATE] service closed")
	})
}

func (s *Service) handleRadioEvent(ev radio.Event) {
	switch e := ev.(type) {
	case radio.StateChanged:
		s.gate.Observe(e.State)
	case radio.AdvertisementReceived:
		s.scan.handleAdvertisement(e.Record)
	case radio.ScanFailed:
		s.scan.handleScanFailed(e.Err)
	case radio.AdvertiseFailed:
		s.broadcast.handleAdvertiseFailed(e.Err)
	case radio.ConnectionChanged:
		s.discovery.handleConnection(e)
	case radio.ServicesDiscovered:
		s.discovery.handleServices(e)
	case radio.CharacteristicsDiscovered:
		s.discovery.handleCharacteristics(e)
	default:
		slog.Debug("[GATE] unhandled radio event", "type", fmt.Sprintf("%T", ev))
	}
}

type discard struct{}

func (discard) Emit(Event) {}
