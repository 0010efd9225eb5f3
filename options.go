// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DialOption configures transports
type DialOption func(*dialOptions)

type dialOptions struct {
	log     *zap.Logger
	timeout time.Duration
	request []Option // JSON-RPC only
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		log:     zap.NewNop(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the transport logger
func WithLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDialTimeout bounds connection establishment and, for HTTP based
// protocols, the whole exchange when the context has no deadline
func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithRequestOptions sets headers and query parameters on JSON-RPC requests
func WithRequestOptions(opts ...Option) DialOption {
	return func(o *dialOptions) { o.request = append(o.request, opts...) }
}

// ListenOption configures listeners
type ListenOption func(*listenOptions)

type listenOptions struct {
	log       *zap.Logger
	metrics   *Metrics
	errBuffer int
	maxFrame  int64
}

func newListenOptions(opts []ListenOption) *listenOptions {
	o := &listenOptions{
		log:       zap.NewNop(),
		errBuffer: 16,
		maxFrame:  MaxFrameSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithListenLogger sets the listener logger
func WithListenLogger(l *zap.Logger) ListenOption {
	return func(o *listenOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithListenMetrics records inbound frames and failures
func WithListenMetrics(m *Metrics) ListenOption {
	return func(o *listenOptions) { o.metrics = m }
}

// WithErrorBuffer sets the capacity of the listener error channel
func WithErrorBuffer(n int) ListenOption {
	return func(o *listenOptions) {
		if n >= 0 {
			o.errBuffer = n
		}
	}
}

// WithMaxFrameSize lowers the inbound message limit of WebSocket listeners
func WithMaxFrameSize(n int64) ListenOption {
	return func(o *listenOptions) {
		if n > 0 && n < MaxFrameSize {
			o.maxFrame = n
		}
	}
}

// Option configures a single JSON-RPC request
type Option func(*Options)

// Options holds per-request HTTP settings
type Options struct {
	headers     http.Header
	queryParams url.Values
}

// NewOptions applies opts over empty headers and query parameters
func NewOptions(opts []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header
func WithHeader(key, value string) Option {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter
func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}
