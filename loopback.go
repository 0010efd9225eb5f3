// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// The mem protocol connects listeners and transports of the same process.
// Addresses are arbitrary names; "" or a name ending in ":0" gets a
// generated one on Start.

func init() {
	registerTransport(ProtocolMem, dialMem, listenMem)
}

var (
	memHubMu sync.RWMutex
	memHub   = map[string]*memListener{}
	memSeq   atomic.Uint64
)

type memRequest struct {
	ctx   context.Context
	frame Frame
	reply chan memReply
}

type memReply struct {
	frame Frame
	err   error
}

func dialMem(*dialOptions) (Transport, error) {
	return memTransport{}, nil
}

func listenMem(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error) {
	return &memListener{
		lifecycle: newLifecycle(ProtocolMem, addr, reg, o),
		inbox:     make(chan memRequest),
		closed:    make(chan struct{}),
	}, nil
}

type memTransport struct{}

func (memTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	memHubMu.RLock()
	l, ok := memHub[address]
	memHubMu.RUnlock()
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s", ErrNoListener, address)
	}

	req := memRequest{ctx: ctx, frame: f, reply: make(chan memReply, 1)}
	select {
	case l.inbox <- req:
	case <-l.closed:
		return Frame{}, fmt.Errorf("%w: %s", ErrNoListener, address)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (memTransport) Close() error { return nil }

// memListener accepts requests from its inbox
type memListener struct {
	*lifecycle
	inbox     chan memRequest
	closed    chan struct{}
	closeOnce sync.Once
	hubAddr   string
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		memHubMu.Lock()
		if memHub[l.hubAddr] == l {
			delete(memHub, l.hubAddr)
		}
		memHubMu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *memListener) Start(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}
	addr := l.Address()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		addr = fmt.Sprintf("mem-%d", memSeq.Add(1))
	}

	memHubMu.Lock()
	if _, taken := memHub[addr]; taken {
		memHubMu.Unlock()
		return l.abort(errors.New("address in use"))
	}
	memHub[addr] = l
	l.hubAddr = addr
	memHubMu.Unlock()

	return l.run(addr, l, l.accept)
}

func (l *memListener) accept(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-l.closed:
			return
		case req := <-l.inbox:
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := l.dispatch(req.ctx, req.frame)
				if err != nil {
					err = &RemoteError{Message: err.Error()}
				}
				req.reply <- memReply{frame: out, err: err}
			}()
		}
	}
}

func (l *memListener) Stop() error {
	return l.stop()
}
