// Package gateway exposes a proximity.Service over WebSocket: RPC requests
// map onto the call surface and every proximity event is pushed to every
// connected client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chaz8081/proximity-signal/internal/proximity"
	"github.com/chaz8081/proximity-signal/internal/radio"
)

// sendBuffer is the per-client outbound queue length.
const sendBuffer = 64

var (
	// ErrInvalidArgs means a request payload is malformed or lacks a
	// required argument.
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrMethodNotFound means no handler is registered for the method.
	ErrMethodNotFound = errors.New("method not implemented")
)

// Proximity is the call surface served by the gateway.
type Proximity interface {
	StartBroadcast(token, serviceID string, txPowerHint *int) error
	StopBroadcast()
	StartScan(targets []string, serviceID string, allowAll bool) error
	StopScan()
	DebugDiscoverServices(ctx context.Context, deviceID string, timeout time.Duration) (string, error)
	State() radio.State
}

// EventSource delivers proximity events to subscribers.
type EventSource interface {
	Subscribe(h func(proximity.Event)) func()
}

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is the WebSocket gateway.
type Server struct {
	svc    Proximity
	events EventSource
	addr   string

	clients    sync.Map // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	nextID     atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsub     func()
	bound     chan struct{}
}

// NewServer creates a gateway serving svc on addr, with the default RPC
// methods registered.
func NewServer(svc Proximity, events EventSource, addr string) *Server {
	s := &Server{
		svc:      svc,
		events:   events,
		addr:     addr,
		handlers: make(map[string]RPCHandler),
		bound:    make(chan struct{}),
	}
	registerHandlers(s)
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Start begins accepting WebSocket connections. Blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpSrv = httpSrv
	s.boundAddr = listener.Addr().String()
	if s.events != nil {
		s.unsub = s.events.Subscribe(s.forward)
	}
	s.mu.Unlock()
	close(s.bound)

	slog.Info("[GW] listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Bound is closed once the listener is bound.
func (s *Server) Bound() <-chan struct{} { return s.bound }

// BoundAddr returns the address the server bound to, or "" before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	httpSrv := s.httpSrv
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// forward fans one event out to every client, dropping it for clients
// whose queue is full.
func (s *Server) forward(ev proximity.Event) {
	var (
		method string
		body   any
	)
	switch {
	case ev.Proximity != nil:
		method, body = EventProximity, ev.Proximity
	case ev.Error != nil:
		method, body = EventError, ev.Error
	default:
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("[GW] encode event", "error", err)
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: method, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			slog.Warn("[GW] dropped event for slow client", "conn_id", cc.id)
		}
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"radio":  s.svc.State().String(),
	})
	if err != nil {
		slog.Warn("[GW] health response write failed", "error", err)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		slog.Warn("[GW] websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:     s.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	slog.Info("[GW] client connected", "conn_id", cc.id, "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("[GW] client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, fmt.Errorf("%w: %q", ErrMethodNotFound, req.Method))
		return
	}

	result, err := handler(ctx, req.Payload)
	if err != nil {
		slog.Debug("[GW] rpc failed", "method", req.Method, "error", err)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
	}
	select {
	case cc.sendCh <- resp:
	default:
		slog.Warn("[GW] dropped RPC response for slow client", "conn_id", cc.id, "frame_id", id)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgs):
		return "invalid_args"
	case errors.Is(err, ErrMethodNotFound):
		return "not_implemented"
	default:
		return proximity.Code(err)
	}
}
