// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the vdmabuf
// daemon and CLI.
//
//   - [Fatal] reports an error from run() to stderr and exits, before
//     or after the structured logger exists.
//   - [UsageError] marks command-line mistakes so they exit with
//     status 2 instead of 1.
package process
