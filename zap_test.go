// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startZAPServer(tb testing.TB, handler FrameHandler) *ZAPServer {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Listen: %v", err)
	}
	server := NewZAPServer(ln, handler, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(context.Background())
	}()
	tb.Cleanup(func() {
		server.Close()
		<-done
	})
	return server
}

func TestZAPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		return f, nil
	})

	conn, err := ZAPDial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello world")
	resp, err := conn.Call(ctx, Frame{Interpreter: InterpreterRaw, Body: payload})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if string(resp) != string(payload) {
		t.Errorf("got %q, want %q", resp, payload)
	}
}

func TestZAPInterpreterTravelsAsMethod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan string, 1)
	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		seen <- f.Interpreter
		return Frame{Body: []byte("ok")}, nil
	})

	conn, err := ZAPDial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Call(ctx, Frame{Interpreter: "cbor+zstd", Body: []byte{1}}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := <-seen; got != "cbor+zstd" {
		t.Errorf("got interpreter %q, want %q", got, "cbor+zstd")
	}
}

func TestZAPRemoteError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		return Frame{}, errors.New("boom")
	})

	conn, err := ZAPDial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Call(ctx, Frame{Interpreter: InterpreterRaw})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want *RemoteError", err)
	}
	if remote.Message != "boom" {
		t.Errorf("got message %q, want %q", remote.Message, "boom")
	}
}

func TestZAPCallAfterServerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		return f, nil
	})
	conn, err := ZAPDial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	server.Close()
	select {
	case <-conn.readDone:
	case <-ctx.Done():
		t.Fatal("read loop did not notice the closed server")
	}
	if !conn.Closed() {
		t.Error("connection should report closed")
	}
	if _, err := conn.Call(ctx, Frame{Interpreter: InterpreterRaw}); !errors.Is(err, ErrZAPClosed) {
		t.Errorf("got %v, want ErrZAPClosed", err)
	}
}

func TestZAPTransportDialDoesNotBlockOtherAddresses(t *testing.T) {
	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		return f, nil
	})

	tr, err := dialZAP(newDialOptions(nil))
	if err != nil {
		t.Fatalf("dialZAP: %v", err)
	}
	zt := tr.(*zapTransport)

	const unreachable = "unreachable:9"
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	zt.dial = func(ctx context.Context, addr string) (*ZAPConn, error) {
		if addr != unreachable {
			return ZAPDial(ctx, addr)
		}
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("no route to host")
	}
	defer zt.Close()

	f := Frame{Interpreter: InterpreterRaw, Body: []byte("ping")}
	go zt.Send(context.Background(), unreachable, f)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := zt.Send(ctx, server.Addr().String(), f); err != nil {
		t.Fatalf("Send to healthy address: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("healthy send took %v while another dial hung", elapsed)
	}

	// callers waiting on the hung dial are bounded by their own context
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	start = time.Now()
	if _, err := zt.Send(short, unreachable, f); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send to hung address took %v", elapsed)
	}
}

func TestZAPTransportReusesConnection(t *testing.T) {
	server := startZAPServer(t, func(ctx context.Context, f Frame) (Frame, error) {
		return f, nil
	})
	tr, err := dialZAP(newDialOptions(nil))
	if err != nil {
		t.Fatalf("dialZAP: %v", err)
	}
	zt := tr.(*zapTransport)
	var dials atomic.Int32
	zt.dial = func(ctx context.Context, addr string) (*ZAPConn, error) {
		dials.Add(1)
		return ZAPDial(ctx, addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := Frame{Interpreter: InterpreterRaw, Body: []byte("ping")}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := zt.Send(ctx, server.Addr().String(), f); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := dials.Load(); n < 1 || n > 8 {
		t.Errorf("got %d dials", n)
	}
	if len(zt.conns) != 1 {
		t.Errorf("got %d cached connections, want 1", len(zt.conns))
	}

	if err := zt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := zt.Send(ctx, server.Addr().String(), f); !errors.Is(err, ErrZAPClosed) {
		t.Errorf("got %v after Close, want ErrZAPClosed", err)
	}
}

func BenchmarkZAPRoundTrip(b *testing.B) {
	ctx := context.Background()

	server := startZAPServer(b, func(ctx context.Context, f Frame) (Frame, error) {
		return f, nil
	})

	conn, err := ZAPDial(ctx, server.Addr().String())
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	f := Frame{Interpreter: InterpreterRaw, Body: make([]byte, 1024)}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := conn.Call(ctx, f)
		if err != nil {
			b.Fatal(err)
		}
	}
}
