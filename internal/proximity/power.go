package proximity

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// resumer is a controller that re-arms its requested session when the radio
// becomes usable.
type resumer interface {
	resume()
}

// PowerGate turns radio state notifications into a Ready/NotReady signal and
// re-arms controllers on every NotReady to Ready edge. It never tears
// sessions down when the radio goes away.
type PowerGate struct {
	mu       sync.Mutex
	state    radio.State
	ready    bool
	resumers []resumer
}

func newPowerGate(initial radio.State, rs ...resumer) *PowerGate {
	return &PowerGate{state: initial, ready: initial.Ready(), resumers: rs}
}

// Observe records a state notification.
func (g *PowerGate) Observe(s radio.State) {
	g.mu.Lock()
	was := g.ready
	g.state = s
	g.ready = s.Ready()
	g.mu.Unlock()

	slog.Info("[GATE] radio state", "state", s)
	if was || !s.Ready() {
		return
	}
	for _, r := range g.resumers {
		r.resume()
	}
}

// Ready reports the last observed readiness.
func (g *PowerGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// State returns the last observed state.
func (g *PowerGate) State() radio.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
