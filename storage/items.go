// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"fmt"
	"time"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/wire"
)

// BundleItem is the durable row of the bundles table, keyed by the
// bundle id.
type BundleItem struct {
	Id string `badgerhold:"key"`

	Src string
	Dst string
	// DstAddr is the datagram endpoint the bundle is being sent to,
	// persisted so a restarted node can resume transmission unattended.
	DstAddr string

	TTL time.Time `badgerholdIndex:"TTL"`

	Length      uint64
	TotalChunks uint32

	FECEnabled bool
	K          uint8
	R          uint8
	Compressed bool

	State string `badgerholdIndex:"State"`

	BytesSent           uint64
	ChunksRetransmitted uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBundleItem converts a bundle.Bundle into its durable form.
func NewBundleItem(b bundle.Bundle, dstAddr string, now time.Time) BundleItem {
	return BundleItem{
		Id:                  b.ID.String(),
		Src:                 b.Src,
		Dst:                 b.Dst,
		DstAddr:             dstAddr,
		TTL:                 b.TTL,
		Length:              b.Length,
		TotalChunks:         b.TotalChunks,
		FECEnabled:          b.FECEnabled,
		K:                   b.K,
		R:                   b.R,
		Compressed:          b.Compressed,
		State:               b.State.String(),
		BytesSent:           b.BytesSent,
		ChunksRetransmitted: b.ChunksRetransmitted,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Bundle converts the row back into the in-memory form.
func (bi BundleItem) Bundle() (b bundle.Bundle, err error) {
	if b.ID, err = bundle.ParseBundleID(bi.Id); err != nil {
		return
	}
	if b.State, err = bundle.ParseState(bi.State); err != nil {
		return
	}

	b.Src = bi.Src
	b.Dst = bi.Dst
	b.TTL = bi.TTL
	b.Length = bi.Length
	b.TotalChunks = bi.TotalChunks
	b.FECEnabled = bi.FECEnabled
	b.K = bi.K
	b.R = bi.R
	b.Compressed = bi.Compressed
	b.BytesSent = bi.BytesSent
	b.ChunksRetransmitted = bi.ChunksRetransmitted
	return
}

// ChunkItem is the durable row of the chunks table, keyed by
// (bundle id, chunk id).
type ChunkItem struct {
	Id string `badgerhold:"key"`

	BundleId string `badgerholdIndex:"BundleId"`
	ChunkId  uint32

	IsParity bool
	BlockId  uint32
	K        uint8
	R        uint8

	Checksum uint32
	Payload  []byte
}

func chunkKey(bid bundle.BundleID, chunkID uint32) string {
	return fmt.Sprintf("%s-%08x", bid.String(), chunkID)
}

// NewChunkItem converts a bundle.Chunk into its durable form.
func NewChunkItem(c bundle.Chunk) ChunkItem {
	return ChunkItem{
		Id:       chunkKey(c.BundleID, c.ChunkID),
		BundleId: c.BundleID.String(),
		ChunkId:  c.ChunkID,
		IsParity: c.IsParity,
		BlockId:  c.BlockID,
		K:        c.K,
		R:        c.R,
		Checksum: c.Checksum,
		Payload:  c.Payload,
	}
}

// Chunk converts the row back into the in-memory form.
func (ci ChunkItem) Chunk() (c bundle.Chunk, err error) {
	if c.BundleID, err = bundle.ParseBundleID(ci.BundleId); err != nil {
		return
	}

	c.ChunkID = ci.ChunkId
	c.IsParity = ci.IsParity
	c.BlockID = ci.BlockId
	c.K = ci.K
	c.R = ci.R
	c.Checksum = ci.Checksum
	c.Payload = ci.Payload
	return
}

// CustodyItem is the durable row of the custody table, keyed by
// (bundle id, owner node).
type CustodyItem struct {
	Id string `badgerhold:"key"`

	BundleId  string `badgerholdIndex:"BundleId"`
	OwnerNode string

	Ranges []wire.ChunkRange

	AcquiredAt time.Time
	TTL        time.Time
	RetryTimer time.Time
	RetryCount int

	AckNonce uint64
	Upstream string

	State string `badgerholdIndex:"State"`
}

// CustodyKey builds the custody table's primary key.
func CustodyKey(bid bundle.BundleID, ownerNode string) string {
	return bid.String() + "-" + ownerNode
}
