// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// grpcMethod is the full method every frame is delivered to. The listener
// serves it through the unknown-service handler, so no generated stubs are
// involved.
const grpcMethod = "/comm.Comm/Deliver"

func init() {
	registerTransport(ProtocolGRPC, dialGRPC, listenGRPC)
}

// frameCodec marshals frames as CBOR on the gRPC stream
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return cbor.Marshal(f)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	return cbor.Unmarshal(data, f)
}

func (frameCodec) Name() string { return "comm-frame" }

func dialGRPC(o *dialOptions) (Transport, error) {
	return &grpcTransport{
		conns: make(map[string]*grpc.ClientConn),
		log:   o.log.With(zap.String("protocol", ProtocolGRPC)),
	}, nil
}

func listenGRPC(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error) {
	return &grpcListener{lifecycle: newLifecycle(ProtocolGRPC, addr, reg, o)}, nil
}

// grpcTransport keeps one client connection per address
type grpcTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	log   *zap.Logger
}

func (t *grpcTransport) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[address]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	t.conns[address] = c
	t.log.Debug("client created", zap.String("address", address))
	return c, nil
}

func (t *grpcTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	c, err := t.conn(address)
	if err != nil {
		return Frame{}, err
	}
	var reply Frame
	if err := c.Invoke(ctx, grpcMethod, &f, &reply, grpc.ForceCodec(frameCodec{})); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.Aborted {
			return Frame{}, &RemoteError{Message: s.Message()}
		}
		return Frame{}, err
	}
	return reply, nil
}

func (t *grpcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for addr, c := range t.conns {
		err = multierr.Append(err, c.Close())
		delete(t.conns, addr)
	}
	return err
}

// grpcListener serves grpcMethod
type grpcListener struct {
	*lifecycle
}

// grpcCloser adapts Server.Stop to io.Closer
type grpcCloser struct{ *grpc.Server }

func (c grpcCloser) Close() error {
	c.Stop()
	return nil
}

func (l *grpcListener) Start(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", l.Address())
	if err != nil {
		return l.abort(err)
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.UnknownServiceHandler(l.handleStream),
	)
	return l.run(ln.Addr().String(), grpcCloser{srv}, func(context.Context) {
		if err := srv.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			l.report(err)
		}
	})
}

func (l *grpcListener) handleStream(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != grpcMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	var in Frame
	if err := stream.RecvMsg(&in); err != nil {
		return err
	}
	out, err := l.dispatch(stream.Context(), in)
	if err != nil {
		return status.Error(codes.Aborted, err.Error())
	}
	return stream.SendMsg(&out)
}

func (l *grpcListener) Stop() error {
	return l.stop()
}
