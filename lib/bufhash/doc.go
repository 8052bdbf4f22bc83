// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufhash computes content digests of shared buffers.
//
// A producer prints the digest of what it wrote next to the BufferId
// it exported, and a consumer in another process or VM computes the
// digest of what it mapped. Matching digests show the pages really are
// shared. Digests are BLAKE3 in keyed mode with a fixed domain key, so
// they never collide with plain BLAKE3 sums of the same bytes.
//
//   - [Sum] -- digest of a mapping
//   - [Digest.String] and [ParseDigest] -- the hex form vdmabuf-ctl
//     prints and checks with consume --expect
//
// This package has no dependencies on other vdmabuf packages.
package bufhash
