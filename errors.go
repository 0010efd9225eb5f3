// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrDispatcherClosed    = errors.New("comm: dispatcher closed")
	ErrSchedulerClosed     = errors.New("comm: scheduler closed")
	ErrListenerStarted     = errors.New("comm: listener already started")
	ErrListenerStopped     = errors.New("comm: listener stopped")
	ErrUnknownInterpreter  = errors.New("comm: unknown interpreter")
	ErrUnknownProtocol     = errors.New("comm: unknown protocol")
	ErrMissingCollaborator = errors.New("comm: missing collaborator")
	ErrNoHandler           = errors.New("comm: no inbound handler")
	ErrUnsupportedPayload  = errors.New("comm: unsupported payload")
	ErrNoListener          = errors.New("comm: no listener at address")
)

// AddressResolutionError reports that a node has no usable address. Address is
// set when an address was found but could not be mapped to a protocol.
type AddressResolutionError struct {
	Node    string
	Address string
	Err     error
}

func (e *AddressResolutionError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("comm: no reachable address for node %q", e.Node)
	}
	return fmt.Sprintf("comm: address %q of node %q: %v", e.Address, e.Node, e.Err)
}

func (e *AddressResolutionError) Unwrap() error { return e.Err }

// InterpreterNegotiationError reports that a node and the protocol of its
// address share no interpreter.
type InterpreterNegotiationError struct {
	Node     string
	Protocol string
	Offered  []string // protocol preference order
	Accepted []string // declared by the node
}

func (e *InterpreterNegotiationError) Error() string {
	return fmt.Sprintf("comm: no interpreter shared by node %q [%s] and protocol %q [%s]",
		e.Node, strings.Join(e.Accepted, ","), e.Protocol, strings.Join(e.Offered, ","))
}

// CodecError wraps an encode or decode failure of an interpreter.
type CodecError struct {
	Interpreter string
	Op          string // "encode" or "decode"
	Err         error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("comm: %s with interpreter %q: %v", e.Op, e.Interpreter, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TransportError wraps a failure of the physical exchange, including
// timeouts, connection loss and errors answered by the remote listener.
type TransportError struct {
	Protocol string
	Address  string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("comm: send over %s to %s: %v", e.Protocol, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange failed because a deadline passed.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ListenerStartupError reports that a listener could not bind its address.
type ListenerStartupError struct {
	Protocol string
	Address  string
	Err      error
}

func (e *ListenerStartupError) Error() string {
	return fmt.Sprintf("comm: start %s listener on %s: %v", e.Protocol, e.Address, e.Err)
}

func (e *ListenerStartupError) Unwrap() error { return e.Err }

// RemoteError carries a failure reported by the listener on the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "comm: remote: " + e.Message }
