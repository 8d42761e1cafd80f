package proximity

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/proximity-signal/internal/radio"
	"github.com/chaz8081/proximity-signal/internal/token"
)

// FilterPolicy is the match policy of one scan session.
type FilterPolicy struct {
	ServiceID uuid.UUID
	// Targets holds canonical hex tokens. Ignored when AllowAll is set.
	Targets map[string]struct{}
	// AllowAll accepts every advertisement, whatever its service or token.
	AllowAll bool
	// NameFallback treats the advertised local name as token text when the
	// advertisement carries no service data for ServiceID.
	NameFallback bool
}

// FilterEngine classifies raw advertisements against a FilterPolicy.
type FilterEngine struct {
	policy FilterPolicy
}

// NewFilterEngine returns an engine for p. The caller must not modify
// p.Targets afterwards.
func NewFilterEngine(p FilterPolicy) *FilterEngine {
	if p.Targets == nil {
		p.Targets = map[string]struct{}{}
	}
	return &FilterEngine{policy: p}
}

// Policy returns the engine's policy.
func (f *FilterEngine) Policy() FilterPolicy { return f.policy }

// RecoverToken extracts the canonical hex token from rec: service data keyed
// by the policy's service first, then the local name when name fallback is
// on. A name that is not valid token text yields no token.
func (f *FilterEngine) RecoverToken(rec radio.Record) (string, bool) {
	if data, ok := rec.ServiceDataFor(f.policy.ServiceID); ok {
		return token.EncodeHex(data), true
	}
	if f.policy.NameFallback && rec.LocalName != "" {
		if h, err := token.NormalizeToHex(rec.LocalName); err == nil {
			return h, true
		}
	}
	return "", false
}

// Classify decides whether rec is accepted and, if so, builds its event
// stamped with receivedAt.
func (f *FilterEngine) Classify(rec radio.Record, receivedAt time.Time) (ProximityEvent, bool) {
	if !f.policy.AllowAll && !rec.Advertises(f.policy.ServiceID) {
		return ProximityEvent{}, false
	}
	tokenHex, found := f.RecoverToken(rec)
	if !f.policy.AllowAll {
		if !found {
			return ProximityEvent{}, false
		}
		if _, ok := f.policy.Targets[tokenHex]; !ok {
			return ProximityEvent{}, false
		}
	}
	return buildEvent(rec, tokenHex, found, receivedAt), true
}

func buildEvent(rec radio.Record, tokenHex string, found bool, receivedAt time.Time) ProximityEvent {
	ev := ProximityEvent{
		RSSI:        rec.RSSI,
		TimestampMs: receivedAt.UnixMilli(),
		DeviceID:    rec.DeviceID,
		DeviceName:  rec.DeviceName,
		LocalName:   rec.LocalName,
	}
	switch {
	case found:
		ev.TargetToken = tokenHex
	case rec.DeviceID != "":
		ev.TargetToken = rec.DeviceID
	default:
		ev.TargetToken = rec.LocalName
	}
	if rec.LocalName != "" {
		ev.LocalNameHex = hex.EncodeToString([]byte(rec.LocalName))
	}
	if len(rec.ManufacturerData) > 0 {
		for _, m := range rec.ManufacturerData {
			ev.ManufacturerDataLen += len(m.Data)
		}
		ev.ManufacturerDataHex = radio.FormatManufacturerData(rec.ManufacturerData)
	}
	if len(rec.ServiceData) > 0 {
		ev.ServiceDataHex = make(map[string]string, len(rec.ServiceData))
		for _, sd := range rec.ServiceData {
			ev.ServiceDataLen += len(sd.Data)
			ev.ServiceDataUUIDs = append(ev.ServiceDataUUIDs, sd.UUID.String())
			ev.ServiceDataHex[sd.UUID.String()] = hex.EncodeToString(sd.Data)
		}
	}
	for _, u := range rec.ServiceUUIDs {
		ev.ServiceUUIDs = append(ev.ServiceUUIDs, u.String())
	}
	return ev
}

// normalizeTargets canonicalizes every target, failing on the first bad one.
func normalizeTargets(targets []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		h, err := token.NormalizeToHex(t)
		if err != nil {
			return nil, err
		}
		set[h] = struct{}{}
	}
	return set, nil
}
