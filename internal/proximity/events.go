package proximity

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Error event kinds.
const (
	ErrorKindAdvertiseFailed = "advertise_failed"
	ErrorKindScanFailed      = "scan_failed"
)

// DefaultEventBuffer is the EventBus queue length when none is given.
const DefaultEventBuffer = 256

// ProximityEvent is produced for every accepted advertisement. Events are
// not deduplicated: a peer that keeps advertising yields a steady stream.
type ProximityEvent struct {
	TargetToken         string            `json:"targetToken"`
	RSSI                int               `json:"rssi"`
	TimestampMs         int64             `json:"timestampMs"`
	DeviceID            string            `json:"deviceId,omitempty"`
	DeviceName          string            `json:"deviceName,omitempty"`
	LocalName           string            `json:"localName,omitempty"`
	LocalNameHex        string            `json:"localNameHex,omitempty"`
	ManufacturerDataLen int               `json:"manufacturerDataLen,omitempty"`
	ManufacturerDataHex string            `json:"manufacturerDataHex,omitempty"`
	ServiceDataLen      int               `json:"serviceDataLen,omitempty"`
	ServiceDataUUIDs    []string          `json:"serviceDataUuids,omitempty"`
	ServiceDataHex      map[string]string `json:"serviceDataHex,omitempty"`
	ServiceUUIDs        []string          `json:"serviceUuids,omitempty"`
}

// ErrorEvent reports an asynchronous operational failure.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one item of the event stream: exactly one field is set.
type Event struct {
	Proximity *ProximityEvent `json:"proximity,omitempty"`
	Error     *ErrorEvent     `json:"error,omitempty"`
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(ev Event)
}

// EventBus is a Sink that fans events out to subscribers on one goroutine,
// preserving emit order. When its buffer is full new events are dropped.
type EventBus struct {
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	subs   map[uint64]func(Event)
	nextID uint64

	dropped atomic.Uint64
	dropLog rate.Sometimes
}

// NewEventBus starts a bus with the given buffer length.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	b := &EventBus{
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		subs:    make(map[uint64]func(Event)),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Compile-time check that EventBus implements Sink.
var _ Sink = (*EventBus)(nil)

// Emit queues ev for delivery without blocking.
func (b *EventBus) Emit(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		b.dropLog.Do(func() {
			slog.Warn("[EVENTS] buffer full, dropping events", "dropped_total", n)
		})
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *EventBus) Subscribe(h func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Close stops delivery and waits for the delivery goroutine to exit.
func (b *EventBus) Close() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *EventBus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.ch:
			b.mu.Lock()
			subs := make([]func(Event), 0, len(b.subs))
			for _, h := range b.subs {
				subs = append(subs, h)
			}
			b.mu.Unlock()
			for _, h := range subs {
				h(ev)
			}
		}
	}
}
