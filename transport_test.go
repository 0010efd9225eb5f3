// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableTransports(t *testing.T) {
	assert.Equal(t, []string{ProtocolGRPC, ProtocolJSON, ProtocolMem, ProtocolWebSocket, ProtocolZAP}, AvailableTransports())
	assert.True(t, HasTransport(DefaultProtocol))
	assert.False(t, HasTransport("smoke"))

	_, err := Dial("smoke")
	require.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = DialAll([]string{ProtocolMem, "smoke"})
	require.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestTransportRegistry(t *testing.T) {
	reg := NewTransportRegistry()
	echo := echoTransport()
	failing := &funcTransport{send: func(context.Context, string, Frame) (Frame, error) {
		return Frame{}, errors.New("unreachable")
	}}
	reg.Register("p1", echo)
	reg.Register("p2", failing)
	assert.Equal(t, []string{"p1", "p2"}, reg.Protocols())

	ctx := context.Background()
	in := Frame{Interpreter: InterpreterRaw, Body: []byte("x")}
	out, err := reg.SendOver(ctx, "p1", "a1", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	var trErr *TransportError
	_, err = reg.SendOver(ctx, "p2", "a2", in)
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "p2", trErr.Protocol)
	assert.Equal(t, "a2", trErr.Address)

	_, err = reg.SendOver(ctx, "p3", "a3", in)
	require.ErrorAs(t, err, &trErr)
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	require.NoError(t, reg.Close())
	assert.True(t, echo.closed.Load())
	assert.True(t, failing.closed.Load())
	assert.Empty(t, reg.Protocols())
}

func TestMemTransportUnknownAddress(t *testing.T) {
	tr, err := Dial(ProtocolMem)
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), "mem-nowhere", Frame{})
	require.ErrorIs(t, err, ErrNoListener)
}

func TestJSONRequestOptions(t *testing.T) {
	o := NewOptions([]Option{
		WithHeader("X-Node", "n1"),
		WithQueryParam("trace", "1"),
	})
	assert.Equal(t, "n1", o.headers.Get("X-Node"))
	assert.Equal(t, "trace=1", o.queryParams.Encode())

	l := startListener(t, ProtocolJSON, newTestRegistry(Echo))
	tr, err := Dial(ProtocolJSON, WithRequestOptions(WithHeader("X-Node", "n1")))
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.Send(testContext(t), l.Address(), Frame{Interpreter: InterpreterRaw, Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out.Body)
}

func TestURLs(t *testing.T) {
	u, err := jsonURL("127.0.0.1:9650")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9650/rpc", u.String())

	u, err = jsonURL("https://node.example/custom")
	require.NoError(t, err)
	assert.Equal(t, "https://node.example/custom", u.String())

	assert.Equal(t, "ws://127.0.0.1:9650/comm", wsURL("127.0.0.1:9650"))
	assert.Equal(t, "wss://node.example/comm", wsURL("wss://node.example/comm"))
}
