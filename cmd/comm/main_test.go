// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/comm"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "comm.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestProtocolsCommand(t *testing.T) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	require.NoError(t, app.Run([]string{"comm", "protocols"}))
	for _, p := range comm.AvailableTransports() {
		assert.Contains(t, out.String(), p+"\n")
	}
}

func TestSendCommand(t *testing.T) {
	peer, err := comm.Listen(comm.ProtocolMem, "cli-peer", comm.NewInterpreterRegistry(comm.Echo, comm.JSONInterpreter{}))
	require.NoError(t, err)
	require.NoError(t, peer.Start(context.Background()))
	t.Cleanup(func() { _ = peer.Stop() })

	path := writeConfig(t, `
interpreters = ["json"]

[protocols.mem]
interpreters = ["json"]

[[node]]
name = "n1"
interpreters = ["json"]
  [[node.address]]
  address = "cli-peer"
  protocol = "mem"
`)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"comm", "-c", path, "send", "n1", "hello"}))
	assert.Contains(t, out.String(), "route: n1 via mem at cli-peer (json)\n")
	assert.Contains(t, out.String(), "hello\n")
}

func TestSendCommandErrors(t *testing.T) {
	path := writeConfig(t, `
[[node]]
name = "n1"
interpreters = ["json"]
  [[node.address]]
  address = "cli-nobody"
  protocol = "mem"
`)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing payload", args: []string{"comm", "-c", path, "send", "n1"}},
		{name: "unknown node", args: []string{"comm", "-c", path, "send", "n9", "x"}},
		{name: "no listener", args: []string{"comm", "-c", path, "send", "n1", "x"}},
		{name: "missing config", args: []string{"comm", "-c", filepath.Join(t.TempDir(), "none.toml"), "send", "n1", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			app.Writer = &bytes.Buffer{}
			require.Error(t, app.Run(tt.args))
		})
	}
}

func TestServeCommand(t *testing.T) {
	path := writeConfig(t, `
interpreters = ["json"]

[[listener]]
protocol = "mem"
address = "cli-served"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := newApp()
	app.Writer = &bytes.Buffer{}
	served := make(chan error, 1)
	go func() {
		served <- app.RunContext(ctx, []string{"comm", "-c", path, "serve", "--shutdown-timeout", "1s"})
	}()

	tr, err := comm.Dial(comm.ProtocolMem)
	require.NoError(t, err)
	defer tr.Close()
	frame := comm.Frame{Interpreter: comm.InterpreterJSON, Body: []byte(`"ping"`)}
	require.Eventually(t, func() bool {
		out, err := tr.Send(ctx, "cli-served", frame)
		return err == nil && string(out.Body) == `"ping"`
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after its context ended")
	}

	_, err = tr.Send(context.Background(), "cli-served", frame)
	require.ErrorIs(t, err, comm.ErrNoListener)
}
