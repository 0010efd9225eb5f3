// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrZAPClosed      = errors.New("zap: connection closed")
	ErrZAPInvalidResp = errors.New("zap: invalid response")
	ErrZAPFrameSize   = errors.New("zap: frame too large")
)

const (
	zapMaxFrame     = MaxFrameSize
	zapWriteTimeout = 30 * time.Second
)

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
)

// FrameHandler answers an inbound frame
type FrameHandler func(ctx context.Context, f Frame) (Frame, error)

// ZAPConn is a client connection multiplexing concurrent calls
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan zapResult
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

type zapResult struct {
	body []byte
	err  error
}

// ZAPDial connects to a ZAP listener
func ZAPDial(ctx context.Context, addr string) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// Call sends a frame and waits for the answer
//
// Request: [4 len][1 type][4 reqID][2 interpreterLen][interpreter][body]
func (z *ZAPConn) Call(ctx context.Context, f Frame) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}
	if len(f.Interpreter) > 0xFFFF {
		return nil, fmt.Errorf("zap: interpreter id too long (%d bytes)", len(f.Interpreter))
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan zapResult, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	msgLen := 1 + 4 + 2 + len(f.Interpreter) + len(f.Body)
	if msgLen > zapMaxFrame {
		return nil, ErrZAPFrameSize
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(f.Interpreter)))
	copy(buf[11:], f.Interpreter)
	copy(buf[11+len(f.Interpreter):], f.Body)

	deadline, _ := ctx.Deadline()
	z.writeMu.Lock()
	z.conn.SetWriteDeadline(deadline)
	_, err := z.conn.Write(buf)
	z.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("zap write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp.body, resp.err
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

func (z *ZAPConn) readLoop() {
	defer func() {
		z.closed.Store(true)
		z.conn.Close()
		close(z.readDone)
	}()

	for {
		msg, err := readZAPMessage(z.conn)
		if err != nil {
			return
		}
		if len(msg) < 5 {
			continue
		}

		msgType := MessageType(msg[0])
		requestID := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]

		ch, ok := z.pending.Load(requestID)
		if !ok {
			continue
		}
		respCh := ch.(chan zapResult)
		switch msgType {
		case MsgResponse:
			respCh <- zapResult{body: payload}
		case MsgError:
			respCh <- zapResult{err: &RemoteError{Message: string(payload)}}
		default:
			respCh <- zapResult{err: ErrZAPInvalidResp}
		}
	}
}

// Closed reports whether the connection can no longer be used
func (z *ZAPConn) Closed() bool {
	return z.closed.Load()
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

func readZAPMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 || msgLen > zapMaxFrame {
		return nil, ErrZAPFrameSize
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ZAPServer handles incoming ZAP requests
type ZAPServer struct {
	listener net.Listener
	handler  FrameHandler
	onError  func(error)
	conns    sync.Map
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewZAPServer creates a new ZAP server. onError receives malformed
// requests and may be nil.
func NewZAPServer(listener net.Listener, handler FrameHandler, onError func(error)) *ZAPServer {
	if onError == nil {
		onError = func(error) {}
	}
	return &ZAPServer{
		listener: listener,
		handler:  handler,
		onError:  onError,
	}
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *ZAPServer) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)
	if s.closed.Load() {
		return
	}

	var writeMu sync.Mutex
	var calls sync.WaitGroup
	defer calls.Wait()
	for {
		msg, err := readZAPMessage(conn)
		if err != nil {
			if errors.Is(err, ErrZAPFrameSize) {
				s.onError(err)
			}
			return
		}

		if len(msg) < 7 || MessageType(msg[0]) != MsgRequest {
			s.onError(fmt.Errorf("zap: malformed request from %s", conn.RemoteAddr()))
			continue
		}
		requestID := binary.BigEndian.Uint32(msg[1:5])
		idLen := int(binary.BigEndian.Uint16(msg[5:7]))
		if len(msg) < 7+idLen {
			s.onError(fmt.Errorf("zap: truncated request from %s", conn.RemoteAddr()))
			continue
		}
		f := Frame{Interpreter: string(msg[7 : 7+idLen]), Body: msg[7+idLen:]}

		calls.Add(1)
		go func() {
			defer calls.Done()
			resp, err := s.handler(ctx, f)
			writeMu.Lock()
			defer writeMu.Unlock()
			s.sendResponse(conn, requestID, resp.Body, err)
		}()
	}
}

// Response: [4 len][1 type][4 reqID][body or error text]
func (s *ZAPServer) sendResponse(conn net.Conn, requestID uint32, data []byte, err error) {
	msgType := MsgResponse
	payload := data
	if err != nil {
		msgType = MsgError
		payload = []byte(err.Error())
	}

	msgLen := 1 + 4 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)

	conn.SetWriteDeadline(time.Now().Add(zapWriteTimeout))
	conn.Write(buf)
}

// Close stops accepting and closes open connections. Serve returns once
// their handlers are done.
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return err
}

// Addr returns the listener address
func (s *ZAPServer) Addr() net.Addr {
	return s.listener.Addr()
}
