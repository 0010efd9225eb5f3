// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dial creates the transport for a protocol.
func Dial(protocol string, opts ...DialOption) (Transport, error) {
	e, ok := lookupTransport(protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return e.dial(newDialOptions(opts))
}

// DialAll creates a registry with a transport for each protocol.
func DialAll(protocols []string, opts ...DialOption) (*TransportRegistry, error) {
	reg := NewTransportRegistry()
	for _, p := range protocols {
		t, err := Dial(p, opts...)
		if err != nil {
			return nil, multierr.Append(err, reg.Close())
		}
		reg.Register(p, t)
	}
	return reg, nil
}

// Listen creates a listener for a protocol. It is not started.
func Listen(protocol, addr string, reg *InterpreterRegistry, opts ...ListenOption) (Listener, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: interpreter registry", ErrMissingCollaborator)
	}
	e, ok := lookupTransport(protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return e.listen(addr, reg, newListenOptions(opts))
}

// dialZAP creates a ZAP transport
func dialZAP(o *dialOptions) (Transport, error) {
	return &zapTransport{
		conns:   make(map[string]*ZAPConn),
		dial:    ZAPDial,
		timeout: o.timeout,
		log:     o.log.With(zap.String("protocol", ProtocolZAP)),
	}, nil
}

// listenZAP creates a ZAP listener
func listenZAP(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error) {
	return &zapListener{lifecycle: newLifecycle(ProtocolZAP, addr, reg, o)}, nil
}

// zapTransport keeps one multiplexed connection per address. mu only guards
// the map; dials run outside it and are shared per address.
type zapTransport struct {
	mu      sync.Mutex
	conns   map[string]*ZAPConn
	closed  bool
	dials   singleflight.Group
	dial    func(ctx context.Context, addr string) (*ZAPConn, error)
	timeout time.Duration
	log     *zap.Logger
}

func (t *zapTransport) cached(address string) (*ZAPConn, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false, ErrZAPClosed
	}
	c, ok := t.conns[address]
	if !ok || c.Closed() {
		return nil, false, nil
	}
	return c, true, nil
}

func (t *zapTransport) conn(ctx context.Context, address string) (*ZAPConn, error) {
	if c, ok, err := t.cached(address); ok || err != nil {
		return c, err
	}

	// The dial is shared by every caller waiting on address, so it is bounded
	// by the dial timeout rather than by the first caller's context.
	ch := t.dials.DoChan(address, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		c, err := t.dial(dctx, address)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			c.Close()
			return nil, ErrZAPClosed
		}
		if old, ok := t.conns[address]; ok && !old.Closed() {
			c.Close()
			return old, nil
		}
		t.conns[address] = c
		t.log.Debug("connected", zap.String("address", address))
		return c, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*ZAPConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *zapTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	c, err := t.conn(ctx, address)
	if err != nil {
		return Frame{}, err
	}
	body, err := c.Call(ctx, f)
	if err != nil {
		if c.Closed() {
			t.drop(address, c)
		}
		return Frame{}, err
	}
	return Frame{Interpreter: f.Interpreter, Body: body}, nil
}

func (t *zapTransport) drop(address string, c *ZAPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[address] == c {
		delete(t.conns, address)
	}
}

func (t *zapTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var err error
	for addr, c := range t.conns {
		err = multierr.Append(err, c.Close())
		delete(t.conns, addr)
	}
	return err
}

// zapListener serves frames with a ZAPServer
type zapListener struct {
	*lifecycle
}

func (l *zapListener) Start(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", l.Address())
	if err != nil {
		return l.abort(err)
	}
	server := NewZAPServer(ln, l.dispatch, l.report)
	return l.run(ln.Addr().String(), server, func(ctx context.Context) {
		if err := server.Serve(ctx); err != nil {
			l.report(err)
		}
	})
}

func (l *zapListener) Stop() error {
	return l.stop()
}
