// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package comm dispatches messages to named nodes. Given a node name it
// resolves an address, the protocol that address is served over and an
// interpreter both sides understand, then runs encode, send and decode on a
// worker pool and hands the answer to the caller.
//
// # Negotiation
//
// Negotiation is synchronous and only reads the Directory:
//
//   - the first address of the node is used
//   - the protocol is the one the directory maps that address to
//   - the interpreter is the first one in the protocol's preference list
//     that the node also supports
//
// Failures surface immediately as *AddressResolutionError or
// *InterpreterNegotiationError, both from Send and through the sink.
//
// # Usage
//
//	dir := comm.NewStaticDirectory()
//	dir.AddNode("n1", []string{"127.0.0.1:9000"}, []string{"cbor"})
//	dir.SetProtocol("127.0.0.1:9000", comm.ProtocolZAP)
//	dir.SetProtocolInterpreters(comm.ProtocolZAP, "cbor", "json")
//
//	transports, err := comm.DialAll([]string{comm.ProtocolZAP})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d, err := comm.New(comm.Config{
//	    Directory:    dir,
//	    Interpreters: comm.NewInterpreterRegistry(nil, comm.CBORInterpreter{}, comm.JSONInterpreter{}),
//	    Transports:   transports,
//	    Scheduler:    comm.NewPool(8, 64, nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close(context.Background())
//
//	err = d.Send(ctx, "n1", "hello", func(v any, err error) {
//	    // answer or typed failure, exactly once
//	})
//
// Receiving side:
//
//	reg := comm.NewInterpreterRegistry(comm.Echo, comm.CBORInterpreter{})
//	l, err := comm.Listen(comm.ProtocolZAP, ":9000", reg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
// # Protocols
//
//	zap   length-prefixed TCP frames, the interpreter id travels as the method
//	json  JSON-RPC 2.0 over HTTP (Comm.Deliver)
//	grpc  gRPC unary call /comm.Comm/Deliver with a CBOR frame codec
//	ws    one WebSocket exchange per send, CBOR envelopes
//	mem   in-process hub, for tests and embedding
//
// # Architecture
//
//   - dispatcher.go: Config, negotiation and the send pipeline
//   - directory.go: Directory contract and StaticDirectory
//   - codec.go: Interpreter contract, built-ins and InterpreterRegistry
//   - transport.go: Transport contract, protocol table and TransportRegistry
//   - dial.go: Dial, DialAll and Listen factories, ZAP adapters
//   - listener.go: Listener contract, lifecycle and ListenerSet
//   - scheduler.go: Scheduler contract and Pool
//   - config.go: TOML configuration
//
// Shutdown goes through Dispatcher.Close, which rejects new sends and drains
// the ones in flight before releasing listeners, scheduler and transports.
package comm
