// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import "hash/crc32"

// MaxPayloadSize is the upper bound for a chunk payload. All data chunks
// except the final one carry exactly this many bytes.
const MaxPayloadSize = 1150

// Chunk is a fixed-size fragment of a Bundle and the unit of
// acknowledgment. Chunks are immutable once generated.
type Chunk struct {
	BundleID BundleID
	ChunkID  uint32

	IsParity bool
	// BlockID is the FEC group index; undefined unless K > 0.
	BlockID uint32
	K       uint8
	R       uint8

	Checksum uint32
	Payload  []byte
}

// NewChunk creates a Chunk over the given payload with its CRC-32 set.
func NewChunk(bid BundleID, chunkID uint32, payload []byte) Chunk {
	return Chunk{
		BundleID: bid,
		ChunkID:  chunkID,
		Checksum: crc32.ChecksumIEEE(payload),
		Payload:  payload,
	}
}

// Verify recomputes the payload's CRC-32 against the Checksum field.
func (c Chunk) Verify() bool {
	return crc32.ChecksumIEEE(c.Payload) == c.Checksum
}
