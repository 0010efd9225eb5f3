// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ResultSink receives the outcome of a send: the decoded answer or one
// typed error. It is called exactly once.
type ResultSink func(value any, err error)

// Route is a negotiated destination. All fields are set.
type Route struct {
	Node        string
	Address     string
	Protocol    string
	Interpreter string
}

// Config holds the collaborators of a Dispatcher. Directory, Interpreters,
// Transports and Scheduler are required.
type Config struct {
	Directory    Directory
	Interpreters *InterpreterRegistry
	Transports   *TransportRegistry
	Scheduler    Scheduler

	// Listeners are started by Start and stopped by Close.
	Listeners []Listener

	// SendTimeout bounds each pipeline when positive.
	SendTimeout time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

// Dispatcher resolves destinations and runs the encode, send and decode
// pipeline on its scheduler.
type Dispatcher struct {
	dir          Directory
	interpreters *InterpreterRegistry
	transports   *TransportRegistry
	scheduler    Scheduler
	listeners    *ListenerSet
	timeout      time.Duration
	log          *zap.Logger
	metrics      *Metrics

	// mu orders new sends against Close: a send registers in inflight only
	// while the dispatcher is open, and Close flips closed before waiting.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New validates cfg and returns a ready dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	var missing []string
	if cfg.Directory == nil {
		missing = append(missing, "directory")
	}
	if cfg.Interpreters == nil {
		missing = append(missing, "interpreters")
	}
	if cfg.Transports == nil {
		missing = append(missing, "transports")
	}
	if cfg.Scheduler == nil {
		missing = append(missing, "scheduler")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCollaborator, strings.Join(missing, ", "))
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		dir:          cfg.Directory,
		interpreters: cfg.Interpreters,
		transports:   cfg.Transports,
		scheduler:    cfg.Scheduler,
		listeners:    NewListenerSet(log, cfg.Listeners...),
		timeout:      cfg.SendTimeout,
		log:          log,
		metrics:      cfg.Metrics,
	}, nil
}

// Start starts the configured listeners.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrDispatcherClosed
	}
	return d.listeners.Start(ctx)
}

// Addresses returns where the configured listeners can be reached.
func (d *Dispatcher) Addresses() []string {
	return d.listeners.Addresses()
}

// Negotiate resolves the address, protocol and interpreter for node. The
// first address wins and the protocol's preference order decides between
// interpreters the node supports.
func (d *Dispatcher) Negotiate(node string) (Route, error) {
	addrs := d.dir.AddressesOf(node)
	if len(addrs) == 0 {
		return Route{}, &AddressResolutionError{Node: node}
	}
	addr := addrs[0]

	protocol := d.dir.ProtocolOf(addr)
	if protocol == "" {
		return Route{}, &AddressResolutionError{Node: node, Address: addr, Err: ErrUnknownProtocol}
	}

	offered := d.dir.InterpretersFor(protocol)
	accepted := d.dir.InterpretersOf(node)
	for _, id := range offered {
		if slices.Contains(accepted, id) {
			return Route{Node: node, Address: addr, Protocol: protocol, Interpreter: id}, nil
		}
	}
	return Route{}, &InterpreterNegotiationError{
		Node:     node,
		Protocol: protocol,
		Offered:  offered,
		Accepted: accepted,
	}
}

// Send negotiates a route to node and submits the pipeline for payload.
//
// Negotiation and submission failures are returned and also handed to sink
// before Send returns; nothing runs in that case. Submission failures are
// *TransportError. Otherwise sink receives the decoded answer or the first
// stage failure from a scheduler worker. A nil sink discards the outcome.
func (d *Dispatcher) Send(ctx context.Context, node string, payload any, sink ResultSink) error {
	deliver := deliverOnce(sink)
	if !d.enter() {
		d.metrics.send("", ErrDispatcherClosed)
		deliver(nil, ErrDispatcherClosed)
		return ErrDispatcherClosed
	}

	route, err := d.Negotiate(node)
	if err != nil {
		d.inflight.Done()
		d.metrics.send("", err)
		d.log.Debug("negotiation failed", zap.String("node", node), zap.Error(err))
		deliver(nil, err)
		return err
	}

	log := d.log.With(
		zap.String("send_id", uuid.NewString()),
		zap.String("node", node),
		zap.String("address", route.Address),
		zap.String("protocol", route.Protocol),
		zap.String("interpreter", route.Interpreter),
	)
	_, err = d.scheduler.Submit(ctx, func(ctx context.Context) {
		defer d.inflight.Done()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		start := time.Now()
		v, err := d.pipeline(ctx, route, payload)
		d.metrics.pipelineDone(route.Protocol, time.Since(start))
		d.metrics.send(route.Protocol, err)
		if err != nil {
			log.Debug("send failed", zap.Error(err))
		} else {
			log.Debug("send completed")
		}
		deliver(v, err)
	})
	if err != nil {
		d.inflight.Done()
		err = &TransportError{Protocol: route.Protocol, Address: route.Address, Err: err}
		d.metrics.send(route.Protocol, err)
		log.Warn("submit failed", zap.Error(err))
		deliver(nil, err)
		return err
	}
	return nil
}

// Call sends payload to node and waits for the answer.
func (d *Dispatcher) Call(ctx context.Context, node string, payload any) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	if err := d.Send(ctx, node, payload, func(v any, err error) {
		ch <- result{v, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pipeline encodes, sends and decodes. The first failing stage ends it. A
// context that ended before the pipeline ran fails it as a transport error.
func (d *Dispatcher) pipeline(ctx context.Context, r Route, payload any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Protocol: r.Protocol, Address: r.Address, Err: err}
	}
	f, err := d.interpreters.Encode(r.Interpreter, payload)
	if err != nil {
		return nil, err
	}
	resp, err := d.transports.SendOver(ctx, r.Protocol, r.Address, f)
	if err != nil {
		return nil, err
	}
	return d.interpreters.Decode(r.Interpreter, resp)
}

func (d *Dispatcher) enter() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Close rejects new sends, waits for in-flight ones until ctx ends, then
// stops the listeners and closes the scheduler and transports. Sends still
// running when ctx ends fail with a *TransportError once their transport is
// closed; the collaborators themselves stay valid.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("drain in-flight sends: %w", ctx.Err())
		d.log.Warn("closing with sends in flight", zap.Error(ctx.Err()))
	}
	err = multierr.Append(err, d.listeners.Stop())
	err = multierr.Append(err, d.scheduler.Close(ctx))
	err = multierr.Append(err, d.transports.Close())
	return err
}

func deliverOnce(sink ResultSink) ResultSink {
	if sink == nil {
		return func(any, error) {}
	}
	var once sync.Once
	return func(v any, err error) {
		once.Do(func() { sink(v, err) })
	}
}
