// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Send outcomes
const (
	OutcomeOK          = "ok"
	OutcomeAddress     = "address"
	OutcomeNegotiation = "negotiation"
	OutcomeCodec       = "codec"
	OutcomeTransport   = "transport"
	OutcomeCanceled    = "canceled"
	OutcomeClosed      = "closed"
	OutcomeError       = "error"
)

// Metrics holds the dispatcher and listener collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	sends          *prometheus.CounterVec
	pipeline       *prometheus.HistogramVec
	listenerFrames *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comm",
				Subsystem: "dispatch",
				Name:      "sends_total",
				Help:      "Sends by protocol and outcome.",
			},
			[]string{"protocol", "outcome"},
		),
		pipeline: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "comm",
				Subsystem: "dispatch",
				Name:      "pipeline_seconds",
				Help:      "Encode, send and decode duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		listenerFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comm",
				Subsystem: "listener",
				Name:      "frames_total",
				Help:      "Inbound frames forwarded for dispatch.",
			},
			[]string{"protocol"},
		),
		listenerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comm",
				Subsystem: "listener",
				Name:      "errors_total",
				Help:      "Inbound decode, dispatch and accept failures.",
			},
			[]string{"protocol"},
		),
	}
	var err error
	for _, c := range []prometheus.Collector{m.sends, m.pipeline, m.listenerFrames, m.listenerErrors} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Outcome classifies a send result for the outcome label
func Outcome(err error) string {
	var (
		addrErr  *AddressResolutionError
		negErr   *InterpreterNegotiationError
		codecErr *CodecError
		trErr    *TransportError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &addrErr):
		return OutcomeAddress
	case errors.As(err, &negErr):
		return OutcomeNegotiation
	case errors.As(err, &codecErr):
		return OutcomeCodec
	case errors.As(err, &trErr):
		return OutcomeTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, ErrDispatcherClosed), errors.Is(err, ErrSchedulerClosed):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}

func (m *Metrics) send(protocol string, err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(protocol, Outcome(err)).Inc()
}

func (m *Metrics) pipelineDone(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipeline.WithLabelValues(protocol).Observe(d.Seconds())
}

func (m *Metrics) listenerFrame(protocol string) {
	if m == nil {
		return
	}
	m.listenerFrames.WithLabelValues(protocol).Inc()
}

func (m *Metrics) listenerError(protocol string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(protocol).Inc()
}
