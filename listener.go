// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Listener accepts inbound frames on one address and forwards them to the
// interpreter registry. Lifecycle is driven from outside: Created, Running,
// Stopped. Stopped is terminal.
type Listener interface {
	// Address returns where the listener can be reached. After Start it is
	// the bound address, so ":0" resolves to the chosen port.
	Address() string

	Protocol() string

	State() ListenerState

	// Start binds the address and runs the accept loop on its own goroutine.
	// Bind failures are returned as *ListenerStartupError.
	Start(ctx context.Context) error

	// Stop interrupts the accept loop and waits for in-flight dispatches.
	// No dispatch happens after Stop returns.
	Stop() error

	// Errors reports decode and dispatch failures. It is closed by Stop.
	Errors() <-chan error
}

// ListenerState is the lifecycle state of a listener
type ListenerState int32

const (
	ListenerCreated ListenerState = iota
	ListenerRunning
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerCreated:
		return "created"
	case ListenerRunning:
		return "running"
	case ListenerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ListenerState(%d)", int32(s))
	}
}

// lifecycle is the state machine shared by every listener implementation.
// mu gates dispatch: a dispatch only starts while Running, and stop flips the
// state under the write lock before waiting for the in-flight ones.
type lifecycle struct {
	protocol string
	log      *zap.Logger
	metrics  *Metrics

	mu      sync.RWMutex
	state   ListenerState
	address string
	reg     *InterpreterRegistry
	closer  io.Closer
	ctx     context.Context
	cancel  context.CancelFunc

	errs     chan error
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	done     chan struct{}
}

func newLifecycle(protocol, addr string, reg *InterpreterRegistry, o *listenOptions) *lifecycle {
	return &lifecycle{
		protocol: protocol,
		log:      o.log.With(zap.String("protocol", protocol)),
		metrics:  o.metrics,
		address:  addr,
		reg:      reg,
		errs:     make(chan error, o.errBuffer),
		done:     make(chan struct{}),
	}
}

func (l *lifecycle) Protocol() string { return l.protocol }

func (l *lifecycle) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.address
}

func (l *lifecycle) State() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *lifecycle) Errors() <-chan error { return l.errs }

// begin moves Created to Running.
func (l *lifecycle) begin(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case ListenerRunning:
		return ErrListenerStarted
	case ListenerStopped:
		return ErrListenerStopped
	}
	l.state = ListenerRunning
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// abort returns a listener whose bind failed to Created.
func (l *lifecycle) abort(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == ListenerRunning {
		l.state = ListenerCreated
		l.cancel()
	}
	return &ListenerStartupError{Protocol: l.protocol, Address: l.address, Err: err}
}

// run publishes the bound resource and starts serve on its own goroutine.
func (l *lifecycle) run(bound string, c io.Closer, serve func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != ListenerRunning {
		c.Close()
		return ErrListenerStopped
	}
	l.address = bound
	l.closer = c
	ctx := l.ctx
	l.loops.Add(1)
	go func() {
		defer l.loops.Done()
		serve(ctx)
	}()
	l.log.Info("listener started", zap.String("address", bound))
	return nil
}

func (l *lifecycle) stop() error {
	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.state = ListenerStopped
	c, cancel := l.closer, l.cancel
	l.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if c != nil {
		err = c.Close()
	}
	l.loops.Wait()
	l.inflight.Wait()

	l.mu.Lock()
	l.reg = nil
	l.closer = nil
	l.mu.Unlock()
	close(l.errs)
	close(l.done)
	l.log.Info("listener stopped", zap.String("address", l.Address()))
	return err
}

// dispatch forwards a frame to the registry unless the listener is stopping.
func (l *lifecycle) dispatch(ctx context.Context, f Frame) (Frame, error) {
	l.mu.RLock()
	if l.state != ListenerRunning {
		l.mu.RUnlock()
		return Frame{}, ErrListenerStopped
	}
	reg := l.reg
	l.inflight.Add(1)
	l.mu.RUnlock()
	defer l.inflight.Done()

	l.metrics.listenerFrame(l.protocol)
	out, err := reg.Dispatch(ctx, f)
	if err != nil {
		l.report(err)
	}
	return out, err
}

// report hands err to the error channel without blocking the accept loop.
// Errors raised while stopping are only logged.
func (l *lifecycle) report(err error) {
	l.metrics.listenerError(l.protocol)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state == ListenerStopped {
		l.log.Debug("listener error after stop", zap.Error(err))
		return
	}
	err = fmt.Errorf("%s listener %s: %w", l.protocol, l.address, err)
	select {
	case l.errs <- err:
	default:
		l.log.Warn("listener error dropped", zap.Error(err))
	}
}

// ListenerSet drives a group of listeners together and logs their errors.
type ListenerSet struct {
	listeners []Listener
	log       *zap.Logger
	drains    sync.WaitGroup
}

// NewListenerSet groups listeners. log may be nil.
func NewListenerSet(log *zap.Logger, listeners ...Listener) *ListenerSet {
	if log == nil {
		log = zap.NewNop()
	}
	return &ListenerSet{listeners: listeners, log: log}
}

// Start starts every listener. If one fails the ones already started are
// stopped and the failure is returned.
func (s *ListenerSet) Start(ctx context.Context) error {
	for i, l := range s.listeners {
		if err := l.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := s.listeners[j].Stop(); serr != nil {
					err = multierr.Append(err, serr)
				}
			}
			return err
		}
	}
	for _, l := range s.listeners {
		s.drains.Add(1)
		go func(l Listener) {
			defer s.drains.Done()
			for err := range l.Errors() {
				s.log.Warn("inbound frame failed", zap.String("protocol", l.Protocol()), zap.Error(err))
			}
		}(l)
	}
	return nil
}

// Stop stops every listener.
func (s *ListenerSet) Stop() error {
	var err error
	for _, l := range s.listeners {
		err = multierr.Append(err, l.Stop())
	}
	s.drains.Wait()
	return err
}

// Addresses returns the address of every listener, in order.
func (s *ListenerSet) Addresses() []string {
	out := make([]string, len(s.listeners))
	for i, l := range s.listeners {
		out[i] = l.Address()
	}
	return out
}

// Listeners returns the grouped listeners.
func (s *ListenerSet) Listeners() []Listener {
	return s.listeners
}
