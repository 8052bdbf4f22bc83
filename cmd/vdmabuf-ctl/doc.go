// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// vdmabuf-ctl is a client for the vdmabuf broker.
//
// Subcommands:
//
//	produce   allocate a buffer, fill it with ascending int32 values, export it
//	consume   import a buffer by BufferId and print its digest and first values
//	query     print an export's size and private info
//	status    read the daemon's status over its control socket
//	version   print version information
//
// produce and consume share --socket, --backend, and --vm. A producer in
// one VM and a consumer in another (or on the host) print the same BLAKE3
// digest when they map the same pages.
package main
