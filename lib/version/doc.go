// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version identifies the running vdmabuf build.
//
// Release builds inject [Version], [GitCommit], [GitDirty], and
// [BuildTime] with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/vdmabuf/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Anything left unset falls back to the VCS stamp in the binary's
// build info, so a plain "go build" inside a checkout still reports
// its revision. [Current] returns the result; [Fprint] formats it for
// --version.
package version
