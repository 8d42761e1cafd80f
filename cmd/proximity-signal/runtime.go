package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/proximity-signal/internal/config"
	"github.com/chaz8081/proximity-signal/internal/proximity"
	"github.com/chaz8081/proximity-signal/internal/radio"
	"github.com/chaz8081/proximity-signal/internal/radio/sim"
)

const (
	simLocalAddress = "5A:00:00:00:00:01"
	simPeerAddress  = "5A:00:00:00:00:02"
	simTickInterval = time.Second
)

// simPeerToken is advertised by the simulated peer so a sim scan has
// something to find.
var simPeerToken = []byte{0xc0, 0xff, 0xee}

// runtime is a wired proximity service plus the resources behind it.
type runtime struct {
	svc     *proximity.Service
	bus     *proximity.EventBus
	closers []func()
}

func (r *runtime) Close() {
	r.svc.Close()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.bus.Close()
}

// openRuntime builds the driver named by cfg and a service on top of it.
// The service is registered before the radio is enabled so requests made
// right away are deferred until the radio reports readiness.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{bus: proximity.NewEventBus(cfg.Events.Buffer)}
	opts := proximity.Options{
		NameFallback:             cfg.Scan.NameFallback,
		ResumeBroadcastOnPowerOn: cfg.Broadcast.ResumeOnPowerOn,
		CacheSize:                cfg.Scan.CacheSize,
	}

	switch cfg.Driver {
	case "tinygo":
		d := radio.NewTinyGoDriver()
		rt.svc = proximity.New(d, rt.bus, opts)
		rt.closers = append(rt.closers, func() { d.Close() })
		if err := d.Enable(); err != nil {
			slog.Warn("[GATE] bluetooth adapter unavailable", "error", err)
		}
	case "sim":
		service, err := uuid.Parse(cfg.ServiceUUID)
		if err != nil {
			rt.bus.Close()
			return nil, fmt.Errorf("service_uuid: %w", err)
		}
		air := sim.NewAir()
		local := air.NewRadio(simLocalAddress, "proximity-signal")
		peer := newSimPeer(air, service)
		rt.svc = proximity.New(local, rt.bus, opts)

		tickCtx, cancel := context.WithCancel(ctx)
		go air.Run(tickCtx, simTickInterval)
		rt.closers = append(rt.closers, func() {
			cancel()
			peer.Close()
			local.Close()
		})
		slog.Info("[GATE] simulated radio ready", "address", simLocalAddress, "peer", simPeerAddress)
	default:
		rt.bus.Close()
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	return rt, nil
}

// newSimPeer adds a peer that advertises simPeerToken and exposes a small
// GATT table.
func newSimPeer(air *sim.Air, service uuid.UUID) *sim.Radio {
	peer := air.NewRadio(simPeerAddress, "sim-peer")
	peer.Publish([]sim.GattService{
		{
			UUID:    radio.UUID16(0x180a).String(),
			Primary: true,
			Characteristics: []radio.Characteristic{
				{UUID: radio.UUID16(0x2a29).String(), Properties: radio.PropRead},
				{UUID: radio.UUID16(0x2a24).String(), Properties: radio.PropRead},
			},
		},
		{
			UUID:    service.String(),
			Primary: true,
			Characteristics: []radio.Characteristic{
				{UUID: radio.UUID16(0x2a37).String(), Properties: radio.PropNotify},
			},
		},
	})
	if err := peer.StartAdvertising(proximity.BuildAdvertisement(service, simPeerToken, nil)); err != nil {
		slog.Warn("[ADV] simulated peer advertise failed", "error", err)
	}
	return peer
}
