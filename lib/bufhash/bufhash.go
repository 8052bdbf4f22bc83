// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bufhash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// bufferDomainKey is the keyed-mode key: the ASCII domain name,
// zero-padded to 32 bytes. Changing it changes every digest.
var bufferDomainKey = [32]byte{
	'v', 'd', 'm', 'a', 'b', 'u', 'f', '.', 'b', 'u', 'f', 'f', 'e', 'r',
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(bufferDomainKey[:])
	if err != nil {
		panic("bufhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	hasher := newHasher()
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the 64-character lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses the form produced by String.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
