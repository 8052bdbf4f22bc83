// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vdmabuf/cmd/vdmabuf-ctl/cli"
	"github.com/bureau-foundation/vdmabuf/lib/client"
	"github.com/bureau-foundation/vdmabuf/lib/clock"
	"github.com/bureau-foundation/vdmabuf/lib/process"
	"github.com/bureau-foundation/vdmabuf/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRoot(os.Stdout, clock.Real()).Execute(ctx, os.Args[1:])
}

func newRoot(stdout io.Writer, clk clock.Clock) *cli.Command {
	return &cli.Command{
		Name:    "vdmabuf-ctl",
		Summary: "Exercise and inspect a vdmabuf broker",
		Description: `vdmabuf-ctl talks to a vdmabuf broker as an ordinary client. It can
allocate and export a patterned buffer, import and verify one, query an
export, and read the daemon's status over its control socket.

Producer and consumer print a BLAKE3 digest of the buffer contents so
two sides (possibly in different VMs) can confirm they see the same pages.`,
		Subcommands: []*cli.Command{
			produceCommand(stdout, clk),
			consumeCommand(stdout),
			queryCommand(stdout),
			statusCommand(stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string) error {
					version.Fprint(stdout, "vdmabuf-ctl")
					return nil
				},
			},
		},
	}
}

// connectionFlags selects the broker and, on the host side, the VM.
type connectionFlags struct {
	socket  string
	backend bool
	vm      string
}

func (c *connectionFlags) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.socket, "socket", "", "broker socket path (default depends on --backend)")
	flagSet.BoolVarP(&c.backend, "backend", "b", false, "connect to the host-side broker")
	flagSet.StringVarP(&c.vm, "vm", "m", "", "VM to attach to (implies --backend)")
}

func (c *connectionFlags) connect(ctx context.Context) (*client.Client, error) {
	return client.Connect(ctx, client.Options{
		SocketPath: c.socket,
		Backend:    c.backend || c.vm != "",
		VMName:     c.vm,
	})
}
