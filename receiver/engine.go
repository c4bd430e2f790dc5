// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package receiver implements the Receive Engine: it validates and
// deduplicates DATA chunks, persists them, reconstructs missing chunks
// from XOR parity, answers with watermark-anchored SACKs and assembles
// the byte-identical file once every data chunk is present.
package receiver

import (
	"bytes"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/fec"
	"github.com/courier-net/courier-go/storage"
	"github.com/courier-net/courier-go/wire"
)

// DefaultSackCadence is the periodic SACK interval while chunks are
// outstanding, so the peer does not starve on pure losses.
const DefaultSackCadence = 100 * time.Millisecond

// sackBatch triggers a SACK after this many newly received chunks.
const sackBatch = 32

// TransmitFunc encodes and sends one message towards a peer.
type TransmitFunc func(addr *net.UDPAddr, msg wire.Message) error

// Config carries the receive-side parameters.
type Config struct {
	OutputDir   string
	SackCadence time.Duration
	TTL         time.Duration
}

// Engine is the receive path of a node.
type Engine struct {
	config   Config
	store    *storage.Store
	transmit TransmitFunc
	nodeID   string

	// isRelayed reports whether this node relays the bundle onward (it
	// holds custody for it, or it is configured as a relay), in which case
	// assembly and DELIVERED are the next hop's business.
	isRelayed func(bundle.BundleID) bool

	active map[bundle.BundleID]*receiveState

	// counters
	DupDropped       uint64
	ChecksumDropped  uint64
	MalformedDropped uint64
}

type receiveState struct {
	bundleID bundle.BundleID
	total    uint32
	numData  uint32

	fecEnabled bool
	k, r       int
	compressed bool

	outputPath string
	src        *net.UDPAddr

	got           map[uint32]struct{}
	dataPayloads  map[uint32][]byte
	parity        map[uint32]map[int][]byte
	reconstructed map[uint32]struct{}

	delivered    bool
	newSinceSack int
	lastSack     time.Time
}

// NewEngine wires a Receive Engine to its store and transmit function.
// isRelayed may be nil on pure destination nodes.
func NewEngine(config Config, store *storage.Store, transmit TransmitFunc, nodeID string, isRelayed func(bundle.BundleID) bool) *Engine {
	if config.SackCadence <= 0 {
		config.SackCadence = DefaultSackCadence
	}
	return &Engine{
		config:    config,
		store:     store,
		transmit:  transmit,
		nodeID:    nodeID,
		isRelayed: isRelayed,
		active:    make(map[bundle.BundleID]*receiveState),
	}
}

// OnData validates, persists and possibly reconstructs or assembles.
func (e *Engine) OnData(msg *wire.DataMessage, src *net.UDPAddr, now time.Time) {
	if crc32.ChecksumIEEE(msg.Payload) != msg.Checksum {
		e.ChecksumDropped++
		return
	}
	if msg.TotalChunks == 0 || msg.ChunkID >= msg.TotalChunks {
		e.MalformedDropped++
		log.WithFields(log.Fields{
			"bundle": msg.BundleID,
			"chunk":  msg.ChunkID,
		}).Debug("Chunk id out of range")
		return
	}

	st, ok := e.active[msg.BundleID]
	if !ok {
		st = e.createState(msg, src, now)
		e.active[msg.BundleID] = st
	}
	st.src = src

	if _, dup := st.got[msg.ChunkID]; dup {
		e.DupDropped++
		e.sendSack(st, now)
		if st.delivered {
			// the origin evidently missed the terminal notice
			e.send(st.src, &wire.DeliveredMessage{BundleID: st.bundleID})
		}
		return
	}

	filledGap := msg.ChunkID == st.watermark()
	st.got[msg.ChunkID] = struct{}{}
	st.newSinceSack++

	payload := append([]byte(nil), msg.Payload...)
	if msg.IsParity() && st.fecEnabled && msg.ChunkID >= st.numData {
		block := int(msg.ChunkID-st.numData) / st.r
		j := int(msg.ChunkID-st.numData) % st.r
		if st.parity[uint32(block)] == nil {
			st.parity[uint32(block)] = make(map[int][]byte)
		}
		st.parity[uint32(block)][j] = payload
	} else {
		st.dataPayloads[msg.ChunkID] = payload
	}

	chunk := bundle.Chunk{
		BundleID: msg.BundleID,
		ChunkID:  msg.ChunkID,
		IsParity: msg.IsParity(),
		BlockID:  msg.BlockID,
		K:        msg.K,
		R:        msg.R,
		Checksum: msg.Checksum,
		Payload:  payload,
	}
	if err := e.store.PushChunk(chunk); err != nil {
		log.WithError(err).WithField("bundle", msg.BundleID).Warn("Persisting chunk failed")
	}

	if st.fecEnabled {
		e.reconstructBlock(st, msg.BlockID)
	}

	if st.newSinceSack >= sackBatch || filledGap {
		e.sendSack(st, now)
	}

	e.maybeAssemble(st, now)
}

// createState derives the receive state from the first DATA of a bundle.
func (e *Engine) createState(msg *wire.DataMessage, src *net.UDPAddr, now time.Time) *receiveState {
	st := &receiveState{
		bundleID:      msg.BundleID,
		total:         msg.TotalChunks,
		numData:       msg.TotalChunks,
		compressed:    msg.IsCompressed(),
		src:           src,
		outputPath:    filepath.Join(e.config.OutputDir, "bundle_"+msg.BundleID.String()+".bin"),
		got:           make(map[uint32]struct{}),
		dataPayloads:  make(map[uint32][]byte),
		parity:        make(map[uint32]map[int][]byte),
		reconstructed: make(map[uint32]struct{}),
		lastSack:      now,
	}

	if msg.K > 0 && msg.R > 0 {
		if numData, ok := inferDataCount(msg.TotalChunks, int(msg.K), int(msg.R)); ok {
			st.fecEnabled = true
			st.k = int(msg.K)
			st.r = int(msg.R)
			st.numData = numData
		} else {
			log.WithFields(log.Fields{
				"bundle": msg.BundleID,
				"total":  msg.TotalChunks,
				"k":      msg.K,
				"r":      msg.R,
			}).Warn("Cannot infer FEC layout, treating bundle as plain")
		}
	}

	b := bundle.Bundle{
		ID:          msg.BundleID,
		Src:         src.String(),
		Dst:         e.nodeID,
		TTL:         now.Add(e.config.TTL),
		TotalChunks: msg.TotalChunks,
		FECEnabled:  st.fecEnabled,
		K:           msg.K,
		R:           msg.R,
		Compressed:  st.compressed,
		State:       bundle.StateInFlight,
	}
	if err := e.store.PushBundle(b, "", now); err != nil {
		log.WithError(err).WithField("bundle", msg.BundleID).Warn("Persisting bundle failed")
	}

	log.WithFields(log.Fields{
		"bundle":  msg.BundleID,
		"total":   st.total,
		"numData": st.numData,
		"fec":     st.fecEnabled,
	}).Info("Created receive state")
	return st
}

// inferDataCount solves total = numData + r*B with B = ceil(numData/k).
func inferDataCount(total uint32, k, r int) (uint32, bool) {
	for blocks := 1; blocks <= int(total); blocks++ {
		numData := int(total) - r*blocks
		if numData <= 0 {
			continue
		}
		if k*(blocks-1) < numData && numData <= k*blocks {
			return uint32(numData), true
		}
	}
	return 0, false
}

// reconstructBlock recovers missing data chunks of one block while a
// parity with exactly one absent member is available. The final data
// chunk is never reconstructed: its exact length is unknowable from a
// padded parity, and assembly must be byte-identical.
func (e *Engine) reconstructBlock(st *receiveState, blockID uint32) {
	parities := st.parity[blockID]
	if len(parities) == 0 {
		return
	}

	lo := blockID * uint32(st.k)
	hi := lo + uint32(st.k)
	if hi > st.numData {
		hi = st.numData
	}

	for {
		members := make(map[int][]byte)
		for id := lo; id < hi; id++ {
			if payload, ok := st.dataPayloads[id]; ok {
				members[int(id-lo)] = payload
			}
		}

		pos, payload, ok := fec.Reconstruct(members, parities, st.r, int(hi-lo))
		if !ok {
			return
		}

		id := lo + uint32(pos)
		if id == st.numData-1 {
			return
		}

		st.dataPayloads[id] = payload
		st.got[id] = struct{}{}
		st.reconstructed[id] = struct{}{}

		chunk := bundle.NewChunk(st.bundleID, id, payload)
		chunk.BlockID = blockID
		chunk.K = uint8(st.k)
		chunk.R = uint8(st.r)
		if err := e.store.PushChunk(chunk); err != nil {
			log.WithError(err).WithField("bundle", st.bundleID).Warn("Persisting reconstructed chunk failed")
		}

		log.WithFields(log.Fields{
			"bundle": st.bundleID,
			"chunk":  id,
			"block":  blockID,
		}).Info("Reconstructed chunk from parity")
	}
}

// watermark is the lowest chunk id not yet received or reconstructed.
func (st *receiveState) watermark() uint32 {
	for id := uint32(0); id < st.total; id++ {
		if _, ok := st.got[id]; !ok {
			return id
		}
	}
	return st.total
}

// sendSack emits the bitmap anchored at the current watermark.
// Watermarks never decrease because got only grows.
func (e *Engine) sendSack(st *receiveState, now time.Time) {
	watermark := st.watermark()

	highest := int64(-1)
	for id := range st.got {
		if id >= watermark && int64(id) > highest {
			highest = int64(id)
		}
	}

	var bitmap []byte
	if highest >= int64(watermark) {
		bits := highest - int64(watermark) + 1
		if bits > wire.MaxSackBitmapLen*8 {
			bits = wire.MaxSackBitmapLen * 8
		}
		bitmap = make([]byte, (bits+7)/8)
		for id := range st.got {
			if id < watermark {
				continue
			}
			bit := int64(id - watermark)
			if bit >= bits {
				continue
			}
			bitmap[bit/8] |= 1 << (7 - bit%8)
		}
	}

	e.send(st.src, &wire.SackMessage{
		BundleID:      st.bundleID,
		RecvWatermark: watermark,
		Bitmap:        bitmap,
	})
	st.newSinceSack = 0
	st.lastSack = now
}

func (e *Engine) send(addr *net.UDPAddr, msg wire.Message) {
	if err := e.transmit(addr, msg); err != nil {
		log.WithError(err).Warn("Transmitting receiver message failed")
	}
}

// maybeAssemble writes the ordered data chunks once they are complete,
// then announces DELIVERED towards the origin.
func (e *Engine) maybeAssemble(st *receiveState, now time.Time) {
	if st.delivered {
		return
	}
	if e.isRelayed != nil && e.isRelayed(st.bundleID) {
		return
	}

	var length uint64
	for id := uint32(0); id < st.numData; id++ {
		payload, ok := st.dataPayloads[id]
		if !ok {
			return
		}
		length += uint64(len(payload))
	}

	var buf bytes.Buffer
	buf.Grow(int(length))
	for id := uint32(0); id < st.numData; id++ {
		buf.Write(st.dataPayloads[id])
	}

	data := buf.Bytes()
	if st.compressed {
		decompressed, err := xzDecompress(data)
		if err != nil {
			log.WithError(err).WithField("bundle", st.bundleID).Error("Decompressing payload failed")
			return
		}
		data = decompressed
	}

	if err := os.MkdirAll(e.config.OutputDir, 0700); err != nil {
		log.WithError(err).Error("Creating output directory failed")
		return
	}
	if err := os.WriteFile(st.outputPath, data, 0600); err != nil {
		log.WithError(err).WithField("bundle", st.bundleID).Error("Writing output file failed")
		return
	}

	st.delivered = true

	bi, err := e.store.QueryBundle(st.bundleID)
	if err == nil {
		if b, bErr := bi.Bundle(); bErr == nil {
			b.State = bundle.StateDelivered
			b.Length = uint64(len(data))
			if uErr := e.store.UpdateBundle(b, now); uErr != nil {
				log.WithError(uErr).WithField("bundle", st.bundleID).Warn("Persisting delivery failed")
			}
		}
	}

	// one final SACK covers the complete id range
	e.sendSack(st, now)
	e.send(st.src, &wire.DeliveredMessage{BundleID: st.bundleID})

	log.WithFields(log.Fields{
		"bundle": st.bundleID,
		"file":   st.outputPath,
		"bytes":  len(data),
	}).Info("Bundle assembled and delivered")
}

func xzDecompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Tick emits the periodic SACK for every bundle with outstanding chunks.
func (e *Engine) Tick(now time.Time) {
	for _, st := range e.active {
		if st.delivered {
			continue
		}
		if now.Sub(st.lastSack) >= e.config.SackCadence {
			e.sendSack(st, now)
		}
	}
}

// Abort discards partial receive state for a bundle.
func (e *Engine) Abort(bid bundle.BundleID) {
	delete(e.active, bid)
}

// OutputPath returns the destination path derived from a bundle id.
func (e *Engine) OutputPath(bid bundle.BundleID) string {
	return filepath.Join(e.config.OutputDir, "bundle_"+bid.String()+".bin")
}

// Outstanding reports whether any bundle is still incomplete.
func (e *Engine) Outstanding() bool {
	for _, st := range e.active {
		if !st.delivered {
			return true
		}
	}
	return false
}
