package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chaz8081/proximity-signal/internal/proximity"
)

// RPC method names.
const (
	MethodStartBroadcast        = "startBroadcast"
	MethodStopBroadcast         = "stopBroadcast"
	MethodStartScan             = "startScan"
	MethodStopScan              = "stopScan"
	MethodDebugDiscoverServices = "debugDiscoverServices"
)

func registerHandlers(s *Server) {
	s.RegisterHandler(MethodStartBroadcast, startBroadcastHandler(s.svc))
	s.RegisterHandler(MethodStopBroadcast, stopBroadcastHandler(s.svc))
	s.RegisterHandler(MethodStartScan, startScanHandler(s.svc))
	s.RegisterHandler(MethodStopScan, stopScanHandler(s.svc))
	s.RegisterHandler(MethodDebugDiscoverServices, discoverHandler(s.svc))
}

// decodeArgs unmarshals payload into v. An absent payload decodes as {}.
func decodeArgs(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func missing(name string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
}

// --- broadcast ---

type startBroadcastRequest struct {
	Token       *string `json:"token"`
	ServiceUUID *string `json:"serviceUuid"`
	TxPower     *int    `json:"txPower"`
}

func startBroadcastHandler(svc Proximity) RPCHandler {
	return func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req startBroadcastRequest
		if err := decodeArgs(payload, &req); err != nil {
			return nil, err
		}
		if req.Token == nil {
			return nil, missing("token")
		}
		if req.ServiceUUID == nil {
			return nil, missing("serviceUuid")
		}
		if err := svc.StartBroadcast(*req.Token, *req.ServiceUUID, req.TxPower); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func stopBroadcastHandler(svc Proximity) RPCHandler {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		svc.StopBroadcast()
		return nil, nil
	}
}

// --- scan ---

type startScanRequest struct {
	TargetTokens  []string `json:"targetTokens"`
	ServiceUUID   *string  `json:"serviceUuid"`
	DebugAllowAll bool     `json:"debugAllowAll"`
}

func startScanHandler(svc Proximity) RPCHandler {
	return func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req startScanRequest
		if err := decodeArgs(payload, &req); err != nil {
			return nil, err
		}
		if req.ServiceUUID == nil {
			return nil, missing("serviceUuid")
		}
		if err := svc.StartScan(req.TargetTokens, *req.ServiceUUID, req.DebugAllowAll); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func stopScanHandler(svc Proximity) RPCHandler {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		svc.StopScan()
		return nil, nil
	}
}

// --- discovery ---

type discoverRequest struct {
	DeviceID  *string `json:"deviceId"`
	TimeoutMs *int    `json:"timeoutMs"`
}

func discoverHandler(svc Proximity) RPCHandler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req discoverRequest
		if err := decodeArgs(payload, &req); err != nil {
			return nil, err
		}
		if req.DeviceID == nil || *req.DeviceID == "" {
			return nil, missing("deviceId")
		}
		timeout := proximity.DefaultDiscoveryTimeout
		if req.TimeoutMs != nil && *req.TimeoutMs > 0 {
			timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
		}
		dump, err := svc.DebugDiscoverServices(ctx, *req.DeviceID, timeout)
		if err != nil {
			return nil, err
		}
		return json.Marshal(dump)
	}
}
