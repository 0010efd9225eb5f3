// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newTestRegistry(h Handler) *InterpreterRegistry {
	return NewInterpreterRegistry(h, JSONInterpreter{}, CBORInterpreter{}, RawInterpreter{})
}

// startListener starts a listener on a loopback port and stops it when the
// test ends.
func startListener(t *testing.T, protocol string, reg *InterpreterRegistry, opts ...ListenOption) Listener {
	t.Helper()
	l, err := Listen(protocol, "127.0.0.1:0", reg, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

// countingInterpreter records how often each direction ran
type countingInterpreter struct {
	Interpreter
	id      string
	encodes atomic.Int32
	decodes atomic.Int32
}

func newCountingInterpreter(id string, inner Interpreter) *countingInterpreter {
	return &countingInterpreter{Interpreter: inner, id: id}
}

func (c *countingInterpreter) ID() string { return c.id }

func (c *countingInterpreter) Encode(payload any) ([]byte, error) {
	c.encodes.Add(1)
	return c.Interpreter.Encode(payload)
}

func (c *countingInterpreter) Decode(data []byte) (any, error) {
	c.decodes.Add(1)
	return c.Interpreter.Decode(data)
}

// funcTransport adapts a function to Transport and counts sends
type funcTransport struct {
	send   func(ctx context.Context, address string, f Frame) (Frame, error)
	sends  atomic.Int32
	closed atomic.Bool
}

func (t *funcTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	t.sends.Add(1)
	return t.send(ctx, address, f)
}

func (t *funcTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func echoTransport() *funcTransport {
	return &funcTransport{send: func(_ context.Context, _ string, f Frame) (Frame, error) {
		return f, nil
	}}
}

// countingScheduler wraps a Scheduler and counts submissions
type countingScheduler struct {
	Scheduler
	submits atomic.Int32
}

func (s *countingScheduler) Submit(ctx context.Context, task Task) (*Handle, error) {
	s.submits.Add(1)
	return s.Scheduler.Submit(ctx, task)
}

type result struct {
	v   any
	err error
}

// sinkRecorder is a ResultSink that records every call
type sinkRecorder struct {
	calls atomic.Int32
	ch    chan result
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan result, 8)}
}

func (s *sinkRecorder) sink(v any, err error) {
	s.calls.Add(1)
	s.ch <- result{v, err}
}

func (s *sinkRecorder) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("sink was not called")
		return result{}
	}
}
