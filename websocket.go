// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const wsPath = "/comm"

func init() {
	registerTransport(ProtocolWebSocket, dialWebSocket, listenWebSocket)
}

// wsEnvelope is the binary message exchanged in both directions
type wsEnvelope struct {
	Frame Frame  `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

func dialWebSocket(o *dialOptions) (Transport, error) {
	return &wsTransport{
		dialer: &websocket.Dialer{HandshakeTimeout: o.timeout},
		log:    o.log.With(zap.String("protocol", ProtocolWebSocket)),
	}, nil
}

func listenWebSocket(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error) {
	return &wsListener{
		lifecycle: newLifecycle(ProtocolWebSocket, addr, reg, o),
		maxFrame:  o.maxFrame,
	}, nil
}

// wsTransport opens one connection per exchange
type wsTransport struct {
	dialer *websocket.Dialer
	log    *zap.Logger
}

func wsURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "ws://" + address + wsPath
}

func (t *wsTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	conn, _, err := t.dialer.DialContext(ctx, wsURL(address), nil)
	if err != nil {
		t.log.Debug("dial failed", zap.String("address", address), zap.Error(err))
		return Frame{}, fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(MaxFrameSize)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := cbor.Marshal(&wsEnvelope{Frame: f})
	if err != nil {
		return Frame{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return Frame{}, wsErr(ctx, err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, wsErr(ctx, err)
	}
	var env wsEnvelope
	if err := cbor.Unmarshal(msg, &env); err != nil {
		return Frame{}, fmt.Errorf("ws: invalid response: %w", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if env.Error != "" {
		return Frame{}, &RemoteError{Message: env.Error}
	}
	return env.Frame, nil
}

// wsErr prefers the context error when the connection was closed because
// the context ended.
func wsErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func (t *wsTransport) Close() error { return nil }

// wsListener upgrades HTTP requests on wsPath and answers each message
type wsListener struct {
	*lifecycle
	upgrader websocket.Upgrader
	maxFrame int64

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// wsCloser closes the HTTP server and the hijacked connections it no longer
// tracks.
type wsCloser struct {
	srv *http.Server
	l   *wsListener
}

func (c wsCloser) Close() error {
	err := c.srv.Close()
	c.l.connsMu.Lock()
	defer c.l.connsMu.Unlock()
	for conn := range c.l.conns {
		err = multierr.Append(err, conn.Close())
	}
	c.l.conns = nil
	return err
}

func (l *wsListener) Start(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", l.Address())
	if err != nil {
		return l.abort(err)
	}
	l.conns = make(map[*websocket.Conn]struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.serveConn)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l.run(ln.Addr().String(), wsCloser{srv: srv, l: l}, func(ctx context.Context) {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.report(err)
		}
	})
}

func (l *wsListener) track(conn *websocket.Conn) bool {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	if l.conns == nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *wsListener) untrack(conn *websocket.Conn) {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	delete(l.conns, conn)
}

func (l *wsListener) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.report(fmt.Errorf("ws upgrade: %w", err))
		return
	}
	defer conn.Close()
	if !l.track(conn) {
		return
	}
	defer l.untrack(conn)
	conn.SetReadLimit(l.maxFrame)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				l.report(fmt.Errorf("ws: message from %s: %w", conn.RemoteAddr(), err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		var reply wsEnvelope
		var in wsEnvelope
		if err := cbor.Unmarshal(msg, &in); err != nil {
			err = fmt.Errorf("ws: invalid frame: %w", err)
			l.report(err)
			reply.Error = err.Error()
		} else if out, err := l.dispatch(r.Context(), in.Frame); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Frame = out
		}
		data, err := cbor.Marshal(&reply)
		if err != nil {
			l.report(err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (l *wsListener) Stop() error {
	return l.stop()
}
