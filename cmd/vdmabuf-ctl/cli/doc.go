// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command tree used by vdmabuf-ctl.
//
// A [Command] carries its own pflag set, subcommands, help text, and
// examples. Execute dispatches on the first positional argument,
// parses flags, and reports unknown commands and flags with a
// "did you mean" suggestion based on edit distance.
//
// [WriteJSON] and [IsTerminal] support the convention that commands
// print human-readable tables on a terminal and JSON when piped.
package cli
