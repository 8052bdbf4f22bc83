// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// vdmabuf-broker is the shared-buffer broker daemon. It listens on a
// Unix socket and multiplexes client sessions onto the virtio-vdmabuf
// device, passing buffer descriptors in both directions so processes
// (and, through the device, VMs) can share pages without copying.
//
// In front-end mode (the default) it runs inside a guest against
// /dev/virtio-vdmabuf and listens on /dev/socket/vdmabuf. With
// --backend it runs on the host, opens /dev/virtio-vdmabuf-be once per
// VM named by --vm, and listens on /tmp/vdmabuf; back-end sessions
// Attach to a VM by name before any other command.
//
// Settings come from a YAML or TOML file (--config or $VDMABUF_CONFIG)
// with explicitly set flags taking precedence. Two optional surfaces
// run alongside the broker: a CBOR control socket (--status-socket)
// answering "status" and "version", and a Prometheus endpoint
// (--metrics-address). --memory-device swaps the kernel driver for an
// in-process memfd device, for development on machines without it.
//
// SIGINT or SIGTERM disconnects every session, unexporting what each
// owned, and removes the socket files.
package main
