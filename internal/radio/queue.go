package radio

import "sync"

// EventQueue delivers events to a handler one at a time, in push order, on
// a single goroutine. Push never blocks, so platform callbacks are never held
// up by a slow consumer.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	handler func(Event)
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewEventQueue starts the delivery goroutine.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// SetHandler replaces the receiver. Events pushed while no handler is set
// are discarded at delivery time.
func (q *EventQueue) SetHandler(h func(Event)) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// Push appends ev to the queue.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every event pushed before the call has been handed to
// the handler, or the queue is closed.
func (q *EventQueue) Flush() {
	m := flushMarker{done: make(chan struct{})}
	q.Push(m)
	select {
	case <-m.done:
	case <-q.done:
	}
}

type flushMarker struct{ done chan struct{} }

func (flushMarker) radioEvent() {}

// Close stops delivery. Undelivered events are dropped.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			h := q.handler
			q.mu.Unlock()

			if m, ok := ev.(flushMarker); ok {
				close(m.done)
			} else if h != nil {
				h(ev)
			}
			select {
			case <-q.done:
				return
			default:
			}
		}
	}
}
