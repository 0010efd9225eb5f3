// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// Protocol names
const (
	ProtocolZAP       = "zap"  // Length-prefixed TCP, default
	ProtocolJSON      = "json" // JSON-RPC 2.0 over HTTP
	ProtocolGRPC      = "grpc" // gRPC with a raw frame codec
	ProtocolWebSocket = "ws"   // One WebSocket exchange per send
	ProtocolMem       = "mem"  // In-process, for tests and embedding
)

// DefaultProtocol is the default protocol (ZAP)
const DefaultProtocol = ProtocolZAP

// Transport performs the physical exchange of a frame with an address and
// returns the answer.
type Transport interface {
	Send(ctx context.Context, address string, f Frame) (Frame, error)
	Close() error
}

type dialFunc func(o *dialOptions) (Transport, error)
type listenFunc func(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		ProtocolZAP: {dialZAP, listenZAP},
	}
)

// registerTransport registers a new protocol implementation (used from init)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportEntry{dial, listen}
}

func lookupTransport(name string) (transportEntry, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	e, ok := transports[name]
	return e, ok
}

// AvailableTransports returns the list of available protocols, sorted
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport checks if a protocol is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}

// TransportRegistry maps protocols to the transports that send over them.
type TransportRegistry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewTransportRegistry returns an empty registry.
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{transports: make(map[string]Transport)}
}

// Register adds or replaces the transport for a protocol.
func (r *TransportRegistry) Register(protocol string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[protocol] = t
}

// Protocols returns the registered protocols, sorted.
func (r *TransportRegistry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for p := range r.transports {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// SendOver sends a frame to address over protocol. Every failure is returned
// as a *TransportError.
func (r *TransportRegistry) SendOver(ctx context.Context, protocol, address string, f Frame) (resp Frame, err error) {
	r.mu.RLock()
	t, ok := r.transports[protocol]
	r.mu.RUnlock()
	if !ok {
		return Frame{}, &TransportError{Protocol: protocol, Address: address, Err: ErrUnknownProtocol}
	}

	defer func() {
		if p := recover(); p != nil {
			err = &TransportError{Protocol: protocol, Address: address, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	resp, err = t.Send(ctx, address, f)
	if err != nil {
		return Frame{}, &TransportError{Protocol: protocol, Address: address, Err: err}
	}
	return resp, nil
}

// Close closes every registered transport.
func (r *TransportRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for p, t := range r.transports {
		if cerr := t.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s transport: %w", p, cerr))
		}
	}
	r.transports = make(map[string]Transport)
	return err
}
