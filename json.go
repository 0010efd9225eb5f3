// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	jsonPath    = "/rpc"
	jsonService = "Comm"
	jsonMethod  = jsonService + ".Deliver"
)

func init() {
	registerTransport(ProtocolJSON, dialJSON, listenJSON)
}

// newHTTPClient creates an HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// SendJSONRequest issues a single JSON-RPC 2.0 call. Errors answered by the
// server are returned as *RemoteError.
func SendJSONRequest(
	ctx context.Context,
	client *http.Client,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...Option,
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	u := *uri
	u.RawQuery = ops.queryParams.Encode()

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		u.String(),
		bytes.NewBuffer(requestBodyBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header = ops.headers
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	// Return an error for any non successful status code
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		var jerr *json2.Error
		if errors.As(err, &jerr) {
			return &RemoteError{Message: jerr.Message}
		}
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

func dialJSON(o *dialOptions) (Transport, error) {
	return &jsonTransport{
		client:  newHTTPClient(o.timeout),
		options: o.request,
		log:     o.log.With(zap.String("protocol", ProtocolJSON)),
	}, nil
}

func listenJSON(addr string, reg *InterpreterRegistry, o *listenOptions) (Listener, error) {
	return &jsonListener{lifecycle: newLifecycle(ProtocolJSON, addr, reg, o)}, nil
}

// jsonTransport posts frames to Comm.Deliver
type jsonTransport struct {
	client  *http.Client
	options []Option
	log     *zap.Logger
}

func jsonURL(address string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address + jsonPath
	}
	return url.Parse(address)
}

func (t *jsonTransport) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	uri, err := jsonURL(address)
	if err != nil {
		return Frame{}, err
	}
	var reply Frame
	if err := SendJSONRequest(ctx, t.client, uri, jsonMethod, &f, &reply, t.options...); err != nil {
		t.log.Debug("request failed", zap.String("address", address), zap.Error(err))
		return Frame{}, err
	}
	return reply, nil
}

func (t *jsonTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// jsonListener serves Comm.Deliver over HTTP
type jsonListener struct {
	*lifecycle
}

// DeliverService is the JSON-RPC receiver registered as "Comm"
type DeliverService struct {
	l *jsonListener
}

// Deliver hands a frame to the listener
func (s *DeliverService) Deliver(r *http.Request, args *Frame, reply *Frame) error {
	out, err := s.l.dispatch(r.Context(), *args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (l *jsonListener) Start(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}

	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&DeliverService{l: l}, jsonService); err != nil {
		return l.abort(err)
	}
	mux := http.NewServeMux()
	mux.Handle(jsonPath, server)

	ln, err := net.Listen("tcp", l.Address())
	if err != nil {
		return l.abort(err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l.run(ln.Addr().String(), srv, func(ctx context.Context) {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.report(err)
		}
	})
}

func (l *jsonListener) Stop() error {
	return l.stop()
}
