package proximity

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/proximity-signal/internal/radio"
	"github.com/chaz8081/proximity-signal/internal/token"
)

// Broadcaster owns the advertise session.
type Broadcaster struct {
	driver          radio.Driver
	sink            Sink
	resumeOnPowerOn bool

	mu      sync.Mutex
	active  *radio.Advertisement // on the air, as far as we know
	pending *radio.Advertisement // requested before the radio was ready
}

// NewBroadcaster returns an idle broadcaster. With resumeOnPowerOn the last
// session is restarted after every power cycle; otherwise only a start
// deferred while the radio was not ready is picked up on the Ready edge.
func NewBroadcaster(driver radio.Driver, sink Sink, resumeOnPowerOn bool) *Broadcaster {
	return &Broadcaster{driver: driver, sink: sink, resumeOnPowerOn: resumeOnPowerOn}
}

// Start replaces any running session with one advertising tokenText under
// serviceID. Driver failures after the request was accepted are reported as
// advertise_failed events, not as errors.
func (b *Broadcaster) Start(tokenText, serviceID string, txPowerHint *int) error {
	id, err := ParseServiceID(serviceID)
	if err != nil {
		return err
	}
	raw, err := token.Decode(tokenText)
	if err != nil {
		return fmt.Errorf("proximity: start broadcast: %w", err)
	}
	adv := BuildAdvertisement(id, raw, txPowerHint)
	if data, err := radio.EncodeAdvertisingData(adv); err == nil && len(data) > radio.MaxLegacyAdvertisingDataLen {
		slog.Warn("[ADV] advertisement exceeds legacy length, needs extended advertising",
			"bytes", len(data), "token_bytes", len(raw))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.driver.State()
	if err := checkRadio(state); err != nil {
		return fmt.Errorf("proximity: start broadcast: %w", err)
	}

	b.stopLocked()
	if !state.Ready() {
		b.pending = &adv
		slog.Info("[ADV] radio not ready, broadcast deferred", "state", state)
		return nil
	}
	if err := b.startLocked(adv); err != nil {
		return fmt.Errorf("proximity: start broadcast: %w", err)
	}
	return nil
}

func (b *Broadcaster) startLocked(adv radio.Advertisement) error {
	if err := b.driver.StartAdvertising(adv); err != nil {
		if env := envError(err); env != nil {
			return env
		}
		slog.Error("[ADV] start failed", "error", err)
		b.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindAdvertiseFailed, Message: err.Error()}})
		return nil
	}
	b.active = &adv
	slog.Info("[ADV] started", "service", adv.ServiceUUID, "tx_power", adv.TxPower,
		"token_bytes", len(adv.ServiceData))
	return nil
}

func (b *Broadcaster) stopLocked() {
	b.pending = nil
	if b.active == nil {
		return
	}
	if err := b.driver.StopAdvertising(); err != nil {
		slog.Warn("[ADV] stop failed", "error", err)
	}
	b.active = nil
}

// Stop tears down the current session. Stopping while idle is a no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasActive := b.active != nil || b.pending != nil
	b.stopLocked()
	if wasActive {
		slog.Info("[ADV] stopped")
	}
}

// Advertising reports whether a session is on the air.
func (b *Broadcaster) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

// Deferred reports whether a session waits for the radio to become ready.
func (b *Broadcaster) Deferred() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

func (b *Broadcaster) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var adv radio.Advertisement
	switch {
	case b.pending != nil:
		adv = *b.pending
		b.pending = nil
	case b.active != nil && b.resumeOnPowerOn:
		adv = *b.active
		b.stopLocked()
	default:
		return
	}
	if err := b.startLocked(adv); err != nil {
		slog.Error("[ADV] resume failed", "error", err)
		b.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindAdvertiseFailed, Message: err.Error()}})
	}
}

func (b *Broadcaster) handleAdvertiseFailed(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = nil
	slog.Error("[ADV] advertise failed", "error", err)
	b.sink.Emit(Event{Error: &ErrorEvent{Kind: ErrorKindAdvertiseFailed, Message: err.Error()}})
}
