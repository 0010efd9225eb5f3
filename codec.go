// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Built-in interpreter ids
const (
	InterpreterJSON = "json"
	InterpreterRaw  = "raw"
	InterpreterCBOR = "cbor"

	compressedSuffix = "+zstd"
)

// MaxFrameSize bounds inbound frames on every protocol and the decompressed
// size of "+zstd" bodies.
const MaxFrameSize = 64 * 1024 * 1024

// Interpreter is a paired encode/decode transform. Decode must invert Encode
// over the payloads the interpreter supports.
type Interpreter interface {
	ID() string
	Encode(payload any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Frame is the unit transports move. It declares the interpreter its body was
// encoded with so the receiving side can decode it.
type Frame struct {
	Interpreter string `json:"interpreter" cbor:"1,keyasint"`
	Body        []byte `json:"body" cbor:"2,keyasint"`
}

// Handler is the application-level entry point for inbound payloads. The
// returned value is encoded with the interpreter of the request.
type Handler func(ctx context.Context, payload any) (any, error)

// Echo answers every payload with itself.
func Echo(_ context.Context, payload any) (any, error) {
	return payload, nil
}

// JSONInterpreter is a JSON-based interpreter
type JSONInterpreter struct{}

func (JSONInterpreter) ID() string { return InterpreterJSON }

func (JSONInterpreter) Encode(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

func (JSONInterpreter) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RawInterpreter passes bytes through unchanged. Strings are sent as their
// bytes and come back as []byte.
type RawInterpreter struct{}

func (RawInterpreter) ID() string { return InterpreterRaw }

func (RawInterpreter) Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case *[]byte:
		return *p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload)
	}
}

func (RawInterpreter) Decode(data []byte) (any, error) {
	return data, nil
}

// CBORInterpreter encodes payloads as CBOR (RFC 8949).
type CBORInterpreter struct{}

func (CBORInterpreter) ID() string { return InterpreterCBOR }

func (CBORInterpreter) Encode(payload any) ([]byte, error) {
	return cbor.Marshal(payload)
}

func (CBORInterpreter) Decode(data []byte) (any, error) {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// compressed wraps an interpreter with zstd. Encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll.
type compressed struct {
	inner Interpreter
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Compressed returns an interpreter with id "<inner>+zstd" that compresses
// the output of inner. Bodies inflating past MaxFrameSize fail to decode.
func Compressed(inner Interpreter) (Interpreter, error) {
	return compressedWithLimit(inner, MaxFrameSize)
}

func compressedWithLimit(inner Interpreter, limit uint64) (Interpreter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &compressed{inner: inner, enc: enc, dec: dec}, nil
}

func (c *compressed) ID() string { return c.inner.ID() + compressedSuffix }

func (c *compressed) Encode(payload any) ([]byte, error) {
	data, err := c.inner.Encode(payload)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *compressed) Decode(data []byte) (any, error) {
	plain, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return c.inner.Decode(plain)
}

// BuiltinInterpreter returns the built-in interpreter with the given id,
// including "+zstd" variants of the built-ins.
func BuiltinInterpreter(id string) (Interpreter, error) {
	switch id {
	case InterpreterJSON:
		return JSONInterpreter{}, nil
	case InterpreterRaw:
		return RawInterpreter{}, nil
	case InterpreterCBOR:
		return CBORInterpreter{}, nil
	}
	if base, ok := strings.CutSuffix(id, compressedSuffix); ok {
		inner, err := BuiltinInterpreter(base)
		if err != nil {
			return nil, err
		}
		return Compressed(inner)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInterpreter, id)
}

// InterpreterRegistry maps interpreter ids to interpreters and is the decode
// and dispatch entry point for inbound frames.
type InterpreterRegistry struct {
	mu           sync.RWMutex
	interpreters map[string]Interpreter
	handler      Handler
	log          *zap.Logger
}

// NewInterpreterRegistry creates a registry. handler may be nil for a
// send-only process; inbound frames then fail with ErrNoHandler.
func NewInterpreterRegistry(handler Handler, interpreters ...Interpreter) *InterpreterRegistry {
	r := &InterpreterRegistry{
		interpreters: make(map[string]Interpreter, len(interpreters)),
		handler:      handler,
		log:          zap.NewNop(),
	}
	for _, in := range interpreters {
		r.interpreters[in.ID()] = in
	}
	return r
}

// SetLogger sets the logger used for inbound dispatch.
func (r *InterpreterRegistry) SetLogger(log *zap.Logger) {
	if log == nil {
		return
	}
	r.mu.Lock()
	r.log = log
	r.mu.Unlock()
}

// Register adds or replaces an interpreter.
func (r *InterpreterRegistry) Register(in Interpreter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interpreters[in.ID()] = in
}

// Lookup returns the interpreter with the given id.
func (r *InterpreterRegistry) Lookup(id string) (Interpreter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.interpreters[id]
	return in, ok
}

// IDs returns the registered interpreter ids, sorted.
func (r *InterpreterRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.interpreters))
	for id := range r.interpreters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Encode encodes payload into a frame.
func (r *InterpreterRegistry) Encode(id string, payload any) (f Frame, err error) {
	in, ok := r.Lookup(id)
	if !ok {
		return Frame{}, &CodecError{Interpreter: id, Op: "encode", Err: ErrUnknownInterpreter}
	}
	defer func() {
		if p := recover(); p != nil {
			err = &CodecError{Interpreter: id, Op: "encode", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	body, err := in.Encode(payload)
	if err != nil {
		return Frame{}, &CodecError{Interpreter: id, Op: "encode", Err: err}
	}
	return Frame{Interpreter: id, Body: body}, nil
}

// Decode decodes a frame with the interpreter id. A frame that declares a
// different interpreter is rejected.
func (r *InterpreterRegistry) Decode(id string, f Frame) (v any, err error) {
	if f.Interpreter != "" && f.Interpreter != id {
		return nil, &CodecError{Interpreter: id, Op: "decode",
			Err: fmt.Errorf("frame declares interpreter %q", f.Interpreter)}
	}
	in, ok := r.Lookup(id)
	if !ok {
		return nil, &CodecError{Interpreter: id, Op: "decode", Err: ErrUnknownInterpreter}
	}
	defer func() {
		if p := recover(); p != nil {
			err = &CodecError{Interpreter: id, Op: "decode", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	v, err = in.Decode(f.Body)
	if err != nil {
		return nil, &CodecError{Interpreter: id, Op: "decode", Err: err}
	}
	return v, nil
}

// Dispatch decodes an inbound frame with the interpreter it declares, hands
// the payload to the handler and encodes the reply with the same interpreter.
func (r *InterpreterRegistry) Dispatch(ctx context.Context, f Frame) (reply Frame, err error) {
	payload, err := r.Decode(f.Interpreter, f)
	if err != nil {
		return Frame{}, err
	}

	r.mu.RLock()
	handler, log := r.handler, r.log
	r.mu.RUnlock()
	if handler == nil {
		return Frame{}, ErrNoHandler
	}

	out, err := callHandler(ctx, handler, payload)
	if err != nil {
		log.Debug("inbound handler failed", zap.String("interpreter", f.Interpreter), zap.Error(err))
		return Frame{}, err
	}
	return r.Encode(f.Interpreter, out)
}

func callHandler(ctx context.Context, h Handler, payload any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, payload)
}
