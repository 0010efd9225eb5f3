// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FileConfig is the TOML description of a node:
//
//	workers = 8
//	queue = 64
//	send_timeout = "5s"
//	interpreters = ["json", "cbor", "cbor+zstd"]
//
//	[protocols.zap]
//	interpreters = ["cbor+zstd", "cbor", "json"]
//
//	[[listener]]
//	protocol = "zap"
//	address = "127.0.0.1:9000"
//
//	[[node]]
//	name = "n1"
//	interpreters = ["json"]
//	  [[node.address]]
//	  address = "127.0.0.1:9001"
//	  protocol = "zap"
type FileConfig struct {
	Workers      int
	Queue        int
	SendTimeout  time.Duration
	Interpreters []string
	Protocols    map[string][]string
	Listeners    []ListenerConfig
	Nodes        []NodeConfig
}

// ListenerConfig is one [[listener]] table
type ListenerConfig struct {
	Protocol string `toml:"protocol"`
	Address  string `toml:"address"`
}

// NodeConfig is one [[node]] table
type NodeConfig struct {
	Name         string          `toml:"name"`
	Interpreters []string        `toml:"interpreters"`
	Addresses    []AddressConfig `toml:"address"`
}

// AddressConfig is one [[node.address]] table
type AddressConfig struct {
	Address  string `toml:"address"`
	Protocol string `toml:"protocol"`
}

type fileConfig struct {
	Workers      int                       `toml:"workers"`
	Queue        int                       `toml:"queue"`
	SendTimeout  time.Duration             `toml:"send_timeout"`
	Interpreters []string                  `toml:"interpreters"`
	Protocols    map[string]protocolConfig `toml:"protocols"`
	Listeners    []ListenerConfig          `toml:"listener"`
	Nodes        []NodeConfig              `toml:"node"`
}

type protocolConfig struct {
	Interpreters []string `toml:"interpreters"`
}

// DefaultFileConfig returns the configuration used for undefined keys.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		SendTimeout:  30 * time.Second,
		Interpreters: []string{InterpreterJSON, InterpreterCBOR, InterpreterRaw},
		Protocols:    map[string][]string{},
	}
}

// LoadConfig reads and validates a TOML file.
func LoadConfig(path string) (FileConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("load comm config: %w", err)
	}
	return buildConfig(raw, meta)
}

// ParseConfig parses and validates TOML text.
func ParseConfig(data string) (FileConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("parse comm config: %w", err)
	}
	return buildConfig(raw, meta)
}

func buildConfig(raw fileConfig, meta toml.MetaData) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("queue") {
		cfg.Queue = raw.Queue
	}
	if meta.IsDefined("send_timeout") {
		cfg.SendTimeout = raw.SendTimeout
	}
	if meta.IsDefined("interpreters") {
		cfg.Interpreters = raw.Interpreters
	}
	for name, p := range raw.Protocols {
		cfg.Protocols[name] = p.Interpreters
	}
	cfg.Listeners = raw.Listeners
	cfg.Nodes = raw.Nodes

	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// Validate checks protocols and interpreters against what this build
// provides.
func (c FileConfig) Validate() error {
	var err error
	if c.Workers < 0 {
		err = multierr.Append(err, errors.New("workers must not be negative"))
	}
	if c.Queue < 0 {
		err = multierr.Append(err, errors.New("queue must not be negative"))
	}
	if c.SendTimeout < 0 {
		err = multierr.Append(err, errors.New("send_timeout must not be negative"))
	}
	for _, id := range c.Interpreters {
		if _, ierr := BuiltinInterpreter(id); ierr != nil {
			err = multierr.Append(err, ierr)
		}
	}
	for name, ids := range c.Protocols {
		if !HasTransport(name) {
			err = multierr.Append(err, fmt.Errorf("protocols.%s: %w", name, ErrUnknownProtocol))
		}
		for _, id := range ids {
			if !slices.Contains(c.Interpreters, id) {
				err = multierr.Append(err, fmt.Errorf("protocols.%s: interpreter %q not enabled", name, id))
			}
		}
	}
	for i, l := range c.Listeners {
		if !HasTransport(l.Protocol) {
			err = multierr.Append(err, fmt.Errorf("listener[%d]: %w: %q", i, ErrUnknownProtocol, l.Protocol))
		}
	}
	for i, n := range c.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			err = multierr.Append(err, fmt.Errorf("node[%d]: name is required", i))
		}
		for j, a := range n.Addresses {
			if a.Address == "" {
				err = multierr.Append(err, fmt.Errorf("node[%d].address[%d]: address is required", i, j))
			}
			if !HasTransport(a.Protocol) {
				err = multierr.Append(err, fmt.Errorf("node[%d].address[%d]: %w: %q", i, j, ErrUnknownProtocol, a.Protocol))
			}
		}
	}
	return err
}

// Directory builds a StaticDirectory holding the configured nodes and
// protocol preferences.
func (c FileConfig) Directory() *StaticDirectory {
	dir := NewStaticDirectory()
	for name, ids := range c.Protocols {
		dir.SetProtocolInterpreters(name, ids...)
	}
	for _, n := range c.Nodes {
		addrs := make([]string, 0, len(n.Addresses))
		for _, a := range n.Addresses {
			addrs = append(addrs, a.Address)
			dir.SetProtocol(a.Address, a.Protocol)
		}
		dir.AddNode(n.Name, addrs, n.Interpreters)
	}
	return dir
}

// InterpreterRegistry builds a registry with the enabled interpreters.
func (c FileConfig) InterpreterRegistry(handler Handler) (*InterpreterRegistry, error) {
	reg := NewInterpreterRegistry(handler)
	for _, id := range c.Interpreters {
		in, err := BuiltinInterpreter(id)
		if err != nil {
			return nil, err
		}
		reg.Register(in)
	}
	return reg, nil
}

// SendProtocols returns the protocols used by configured node addresses and
// protocol tables, sorted.
func (c FileConfig) SendProtocols() []string {
	var out []string
	add := func(p string) {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for name := range c.Protocols {
		add(name)
	}
	for _, n := range c.Nodes {
		for _, a := range n.Addresses {
			add(a.Protocol)
		}
	}
	slices.Sort(out)
	return out
}

// NewDispatcher assembles a dispatcher from the file configuration. handler
// answers inbound frames on the configured listeners.
func (c FileConfig) NewDispatcher(handler Handler, log *zap.Logger, metrics *Metrics) (*Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	interpreters, err := c.InterpreterRegistry(handler)
	if err != nil {
		return nil, err
	}
	interpreters.SetLogger(log)

	transports, err := DialAll(c.SendProtocols(), WithLogger(log))
	if err != nil {
		return nil, err
	}

	listeners := make([]Listener, 0, len(c.Listeners))
	for _, lc := range c.Listeners {
		l, err := Listen(lc.Protocol, lc.Address, interpreters,
			WithListenLogger(log), WithListenMetrics(metrics))
		if err != nil {
			return nil, multierr.Append(err, transports.Close())
		}
		listeners = append(listeners, l)
	}

	return New(Config{
		Directory:    c.Directory(),
		Interpreters: interpreters,
		Transports:   transports,
		Scheduler:    NewPool(c.Workers, c.Queue, log),
		Listeners:    listeners,
		SendTimeout:  c.SendTimeout,
		Logger:       log,
		Metrics:      metrics,
	})
}
