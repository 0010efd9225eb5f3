// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comm

import (
	"slices"
	"sync"
)

// Directory is the authoritative source of node addresses, protocols and
// interpreters. The dispatcher only reads from it.
type Directory interface {
	// AddressesOf returns the node's addresses in preference order. It is
	// empty when the node is unknown or unreachable.
	AddressesOf(node string) []string

	// ProtocolOf returns the protocol an address is served over, or "".
	ProtocolOf(address string) string

	// InterpretersOf returns the interpreters a node declares support for.
	InterpretersOf(node string) []string

	// InterpretersFor returns the interpreters a protocol can carry, most
	// preferred first.
	InterpretersFor(protocol string) []string
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu           sync.RWMutex
	addresses    map[string][]string
	interpreters map[string][]string
	protocols    map[string]string
	preferences  map[string][]string
}

// NewStaticDirectory returns an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		addresses:    make(map[string][]string),
		interpreters: make(map[string][]string),
		protocols:    make(map[string]string),
		preferences:  make(map[string][]string),
	}
}

// AddNode registers or replaces a node.
func (d *StaticDirectory) AddNode(name string, addresses, interpreters []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[name] = slices.Clone(addresses)
	d.interpreters[name] = slices.Clone(interpreters)
}

// RemoveNode forgets a node. Address to protocol mappings are kept.
func (d *StaticDirectory) RemoveNode(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.addresses, name)
	delete(d.interpreters, name)
}

// SetProtocol maps an address to the protocol it is served over.
func (d *StaticDirectory) SetProtocol(address, protocol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocols[address] = protocol
}

// SetProtocolInterpreters sets the interpreter preference order of a protocol.
func (d *StaticDirectory) SetProtocolInterpreters(protocol string, interpreters ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preferences[protocol] = slices.Clone(interpreters)
}

func (d *StaticDirectory) AddressesOf(node string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.addresses[node])
}

func (d *StaticDirectory) ProtocolOf(address string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.protocols[address]
}

func (d *StaticDirectory) InterpretersOf(node string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.interpreters[node])
}

func (d *StaticDirectory) InterpretersFor(protocol string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.preferences[protocol])
}
