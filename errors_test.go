// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{
			err:  &AddressResolutionError{Node: "n1"},
			want: `comm: no reachable address for node "n1"`,
		},
		{
			err:  &AddressResolutionError{Node: "n1", Address: "a1", Err: ErrUnknownProtocol},
			want: `comm: address "a1" of node "n1": comm: unknown protocol`,
		},
		{
			err:  &InterpreterNegotiationError{Node: "n1", Protocol: "p1", Offered: []string{"i1", "i2"}, Accepted: []string{"i3"}},
			want: `comm: no interpreter shared by node "n1" [i3] and protocol "p1" [i1,i2]`,
		},
		{
			err:  &CodecError{Interpreter: "json", Op: "decode", Err: errors.New("bad")},
			want: `comm: decode with interpreter "json": bad`,
		},
		{
			err:  &TransportError{Protocol: "zap", Address: "a1", Err: errors.New("reset")},
			want: "comm: send over zap to a1: reset",
		},
		{
			err:  &ListenerStartupError{Protocol: "zap", Address: ":1", Err: errors.New("in use")},
			want: "comm: start zap listener on :1: in use",
		},
		{
			err:  &RemoteError{Message: "busy"},
			want: "comm: remote: busy",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestTransportErrorTimeout(t *testing.T) {
	assert.True(t, (&TransportError{Err: context.DeadlineExceeded}).Timeout())
	assert.True(t, (&TransportError{Err: fmt.Errorf("read: %w", timeoutError{})}).Timeout())
	assert.False(t, (&TransportError{Err: context.Canceled}).Timeout())
	assert.False(t, (&TransportError{Err: errors.New("reset")}).Timeout())
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&AddressResolutionError{Node: "n"}, OutcomeAddress},
		{&InterpreterNegotiationError{Node: "n"}, OutcomeNegotiation},
		{&CodecError{Op: "encode"}, OutcomeCodec},
		{&TransportError{Err: context.DeadlineExceeded}, OutcomeTransport},
		{fmt.Errorf("wrapped: %w", &TransportError{}), OutcomeTransport},
		{context.Canceled, OutcomeCanceled},
		{context.DeadlineExceeded, OutcomeCanceled},
		{ErrDispatcherClosed, OutcomeClosed},
		{ErrSchedulerClosed, OutcomeClosed},
		{errors.New("other"), OutcomeError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}
