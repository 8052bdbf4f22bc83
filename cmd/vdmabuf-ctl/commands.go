// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vdmabuf/cmd/vdmabuf-ctl/cli"
	"github.com/bureau-foundation/vdmabuf/lib/broker"
	"github.com/bureau-foundation/vdmabuf/lib/bufhash"
	"github.com/bureau-foundation/vdmabuf/lib/clock"
	"github.com/bureau-foundation/vdmabuf/lib/codec"
	"github.com/bureau-foundation/vdmabuf/lib/process"
	"github.com/bureau-foundation/vdmabuf/lib/service"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// releaseTimeout bounds the Unexport issued after produce's hold ends,
// which may run after the command context is cancelled.
const releaseTimeout = 5 * time.Second

func produceCommand(stdout io.Writer, clk clock.Clock) *cli.Command {
	var connection connectionFlags
	var size int
	var hold time.Duration
	var private string
	var jsonOutput bool

	return &cli.Command{
		Name:    "produce",
		Summary: "Allocate, fill, and export a buffer",
		Description: `Allocate a buffer, fill it with ascending int32 values, export it, and
print its BufferId and content digest. The export is held for --hold (or
until interrupted) and then unexported.`,
		Examples: []cli.Example{
			{Description: "Export 10 MiB from a guest", Command: "vdmabuf-ctl produce"},
			{Description: "Export from the host to VM vm1 for two minutes", Command: "vdmabuf-ctl produce --vm vm1 --hold 2m"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("produce", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.IntVarP(&size, "size", "s", 10*1024*1024, "buffer size in bytes")
			flagSet.DurationVar(&hold, "hold", 30*time.Second, "how long to keep the export before unexporting")
			flagSet.StringVar(&private, "private", "", "private info stored with the export (at most 192 bytes)")
			flagSet.BoolVar(&jsonOutput, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return process.Usagef("produce takes no arguments, got %q", args[0])
			}
			c, err := connection.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var privateInfo []byte
			if private != "" {
				privateInfo = []byte(private)
			}
			result, err := produce(ctx, c, size, privateInfo)
			if err != nil {
				return err
			}
			if jsonOutput || !cli.IsTerminal(stdout) {
				if err := cli.WriteJSON(stdout, result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(stdout, "exported %d bytes\nbuffer_id: %s (id %d)\nid bytes:  %s\ndigest:    %s\n",
					result.Size, result.BufferID, result.BufferID.ID(), decimalBytes(result.BufferID), result.Digest)
			}

			select {
			case <-clk.After(hold):
			case <-ctx.Done():
			}

			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			return c.Unexport(releaseCtx, result.BufferID)
		},
	}
}

func consumeCommand(stdout io.Writer) *cli.Command {
	var connection connectionFlags
	var id string
	var size int
	var count int
	var expect string
	var jsonOutput bool

	return &cli.Command{
		Name:    "consume",
		Summary: "Import and read an exported buffer",
		Description: `Import a buffer by BufferId, map it, and print its content digest and
first values. --id accepts the 32-character hex form or sixteen
space-separated decimal bytes.`,
		Examples: []cli.Example{
			{Command: "vdmabuf-ctl consume --id 0c000000000000007f3a12e4b90c55d1"},
			{Description: "Check the contents against produce's digest", Command: "vdmabuf-ctl consume --id 0c000000000000007f3a12e4b90c55d1 --expect <digest>"},
			{Description: "Import on the host from VM vm1", Command: `vdmabuf-ctl consume --vm vm1 --id "12 0 0 0 0 0 0 0 127 58 18 228 185 12 85 209"`},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("consume", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.StringVarP(&id, "id", "i", "", "BufferId to import (required)")
			flagSet.IntVarP(&size, "size", "s", 0, "bytes to map (default: the exported size)")
			flagSet.IntVar(&count, "count", 20, "number of int32 values to print")
			flagSet.StringVar(&expect, "expect", "", "fail unless the mapped bytes have this digest (as printed by produce)")
			flagSet.BoolVar(&jsonOutput, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			bufferID, err := requireBufferID(id)
			if err != nil {
				return err
			}
			var want bufhash.Digest
			if expect != "" {
				if want, err = bufhash.ParseDigest(expect); err != nil {
					return process.Usagef("--expect: %v", err)
				}
			}
			c, err := connection.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := consume(ctx, c, bufferID, size, count)
			if err != nil {
				return err
			}
			if expect != "" && result.Digest != want.String() {
				return fmt.Errorf("buffer %s digest %s, want %s", bufferID, result.Digest, want)
			}
			if jsonOutput || !cli.IsTerminal(stdout) {
				return cli.WriteJSON(stdout, result)
			}
			values := make([]string, len(result.Values))
			for index, value := range result.Values {
				values[index] = fmt.Sprint(value)
			}
			fmt.Fprintf(stdout, "mapped %d bytes of %s\ndigest: %s\n", result.Size, result.BufferID, result.Digest)
			if result.Private != "" {
				fmt.Fprintf(stdout, "private: %q\n", result.Private)
			}
			fmt.Fprintf(stdout, "first %d values: %s\n", len(values), strings.Join(values, " "))
			return nil
		},
	}
}

func queryCommand(stdout io.Writer) *cli.Command {
	var connection connectionFlags
	var id string

	return &cli.Command{
		Name:    "query",
		Summary: "Show the size and private info of an export",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.StringVarP(&id, "id", "i", "", "BufferId to query (required)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			bufferID, err := requireBufferID(id)
			if err != nil {
				return err
			}
			c, err := connection.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.Query(ctx, bufferID)
			if err != nil {
				return err
			}
			return cli.WriteJSON(stdout, struct {
				BufferID wire.BufferID `json:"buffer_id"`
				Size     int64         `json:"size"`
				Private  string        `json:"private"`
			}{bufferID, info.Size, string(info.Private)})
		},
	}
}

func statusCommand(stdout io.Writer) *cli.Command {
	var socketPath string
	var jsonOutput bool
	var raw bool

	return &cli.Command{
		Name:    "status",
		Summary: "Show the broker's sessions and devices",
		Description: `Read the broker's status snapshot over its control socket (the daemon's
--status-socket). Prints a table on a terminal and JSON otherwise.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "status-socket", "", "control socket path (required)")
			flagSet.BoolVar(&jsonOutput, "json", false, "output as JSON")
			flagSet.BoolVar(&raw, "raw", false, "print the response in CBOR diagnostic notation")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if socketPath == "" {
				return process.Usagef("--status-socket is required")
			}
			control := service.NewClient(socketPath)

			if raw {
				data, err := control.CallRaw(ctx, "status", nil)
				if err != nil {
					return err
				}
				notation, err := codec.Diagnose(data)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, notation)
				return nil
			}

			var status broker.Status
			if err := control.Call(ctx, "status", nil, &status); err != nil {
				return err
			}
			if jsonOutput || !cli.IsTerminal(stdout) {
				return cli.WriteJSON(stdout, status)
			}
			printStatus(stdout, status)
			return nil
		},
	}
}

func printStatus(w io.Writer, status broker.Status) {
	fmt.Fprintf(w, "mode: %s  socket: %s  cleanup: %s\n", status.Mode, status.SocketPath, status.Cleanup)
	fmt.Fprintf(w, "sessions: %d/%d  accepted: %d  rejected: %d  requests: %d  protocol errors: %d\n\n",
		len(status.Sessions), status.MaxSessions, status.Accepted, status.Rejected, status.Requests, status.ProtocolErrors)

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tEVENTS")
	for _, dev := range status.Devices {
		fmt.Fprintf(tw, "%s\t%d\n", dev.VM, dev.Events)
	}
	tw.Flush()
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tVM\tCONNECTED\tEXPORTS")
	for _, session := range status.Sessions {
		vm := session.VM
		if !session.Attached {
			vm = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", session.ID, vm, session.Connected.Format(time.RFC3339), len(session.Exported))
	}
	tw.Flush()
}

func requireBufferID(value string) (wire.BufferID, error) {
	if value == "" {
		return wire.BufferID{}, process.Usagef("--id is required")
	}
	id, err := wire.ParseBufferID(value)
	if err != nil {
		return wire.BufferID{}, process.Usagef("--id: %v", err)
	}
	return id, nil
}

// decimalBytes formats id as sixteen space-separated decimal bytes, the
// form older tools print and accept.
func decimalBytes(id wire.BufferID) string {
	parts := make([]string, len(id))
	for index, b := range id {
		parts[index] = fmt.Sprint(b)
	}
	return strings.Join(parts, " ")
}
