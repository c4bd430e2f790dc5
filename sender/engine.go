// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sender implements the Send Engine: it splits a file into
// checksummed chunks, generates XOR parity, keeps a fixed-size
// selective-repeat window in flight, estimates the retransmission timeout
// from SACK feedback and drives retransmissions until the peer reports
// delivery. The engine is not safe for concurrent use; the orchestrator
// serializes every call into it. Handlers take an explicit now so tests
// can run under a fake clock.
package sender

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/fec"
	"github.com/courier-net/courier-go/storage"
	"github.com/courier-net/courier-go/wire"
)

// ErrSubmitRejected marks a submission the node cannot take on: storage
// cap exceeded or an invalid TTL.
var ErrSubmitRejected = errors.New("submit rejected")

// TransmitFunc encodes and sends one message towards a peer.
type TransmitFunc func(addr *net.UDPAddr, msg wire.Message) error

// Config carries the transfer parameters of the engine.
type Config struct {
	ChunkSize  int
	WindowSize uint32
	BaseRTO    time.Duration
	MaxRTO     time.Duration
	TTL        time.Duration
	Compress   bool
	CapBytes   uint64
}

// FECConfig carries the forward error correction parameters.
type FECConfig struct {
	Enabled bool
	K       int
	R       int
}

// SubmitOptions override the engine configuration for one submission.
// Zero values fall back to the configured defaults.
type SubmitOptions struct {
	FEC      bool
	Compress bool
	TTL      time.Duration
	Chunk    int
	Window   uint32
}

// Engine is the send path of a node.
type Engine struct {
	config Config
	fecCfg FECConfig

	store    *storage.Store
	transmit TransmitFunc
	nodeID   string

	active map[bundle.BundleID]*sendState
	chunks map[bundle.BundleID]map[uint32]bundle.Chunk
}

// NewEngine wires a Send Engine to its store and transmit function.
func NewEngine(config Config, fecCfg FECConfig, store *storage.Store, transmit TransmitFunc, nodeID string) *Engine {
	return &Engine{
		config:   config,
		fecCfg:   fecCfg,
		store:    store,
		transmit: transmit,
		nodeID:   nodeID,
		active:   make(map[bundle.BundleID]*sendState),
		chunks:   make(map[bundle.BundleID]map[uint32]bundle.Chunk),
	}
}

// Submit reads the file, chunks it, persists every record and pushes the
// first window. It returns the fresh bundle id.
func (e *Engine) Submit(path, dst string, addr *net.UDPAddr, opts SubmitOptions, now time.Time) (bundle.BundleID, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = e.config.TTL
	}
	if ttl <= 0 {
		return bundle.BundleID{}, fmt.Errorf("%w: non-positive TTL", ErrSubmitRejected)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return bundle.BundleID{}, err
	}

	compressed := opts.Compress || e.config.Compress
	if compressed {
		if data, err = xzCompress(data); err != nil {
			return bundle.BundleID{}, err
		}
	}

	if e.config.CapBytes > 0 {
		used, usedErr := e.store.UsedBytes()
		if usedErr != nil {
			return bundle.BundleID{}, usedErr
		}
		if used+uint64(len(data)) > e.config.CapBytes {
			return bundle.BundleID{}, fmt.Errorf("%w: storage cap of %d bytes exceeded", ErrSubmitRejected, e.config.CapBytes)
		}
	}

	bid, err := bundle.NewBundleID()
	if err != nil {
		return bundle.BundleID{}, err
	}

	useFEC := (opts.FEC || e.fecCfg.Enabled) && e.fecCfg.K > 0 && e.fecCfg.R > 0
	chunkSize := opts.Chunk
	if chunkSize <= 0 {
		chunkSize = e.config.ChunkSize
	}
	if chunkSize > bundle.MaxPayloadSize {
		chunkSize = bundle.MaxPayloadSize
	}

	chunks := e.createChunks(bid, data, chunkSize, useFEC)

	b := bundle.Bundle{
		ID:          bid,
		Src:         e.nodeID,
		Dst:         dst,
		TTL:         now.Add(ttl),
		Length:      uint64(len(data)),
		TotalChunks: uint32(len(chunks)),
		FECEnabled:  useFEC,
		Compressed:  compressed,
		State:       bundle.StateInFlight,
	}
	if useFEC {
		b.K = uint8(e.fecCfg.K)
		b.R = uint8(e.fecCfg.R)
	}

	// every record is durable before the first datagram leaves
	if err := e.store.PushBundle(b, addr.String(), now); err != nil {
		return bundle.BundleID{}, err
	}
	if err := e.store.PushChunks(chunks); err != nil {
		return bundle.BundleID{}, err
	}

	window := opts.Window
	if window == 0 {
		window = e.config.WindowSize
	}

	st := newSendState(b, addr, window, e.config.BaseRTO)
	e.active[bid] = st
	e.cacheChunks(bid, chunks)

	e.fillWindow(st, now)

	log.WithFields(log.Fields{
		"bundle": bid,
		"dst":    dst,
		"chunks": len(chunks),
		"fec":    useFEC,
	}).Info("Submitted bundle")
	return bid, nil
}

func xzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// createChunks splits data into contiguous chunk ids, appending parity
// chunks per FEC block behind the data range.
func (e *Engine) createChunks(bid bundle.BundleID, data []byte, chunkSize int, useFEC bool) []bundle.Chunk {
	numData := (len(data) + chunkSize - 1) / chunkSize
	if numData == 0 {
		numData = 1
	}

	chunks := make([]bundle.Chunk, 0, numData)
	for i := 0; i < numData; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}

		c := bundle.NewChunk(bid, uint32(i), append([]byte(nil), data[start:end]...))
		if useFEC {
			c.BlockID = uint32(i / e.fecCfg.K)
			c.K = uint8(e.fecCfg.K)
			c.R = uint8(e.fecCfg.R)
		}
		chunks = append(chunks, c)
	}

	if !useFEC {
		return chunks
	}

	k, r := e.fecCfg.K, e.fecCfg.R
	numBlocks := (numData + k - 1) / k
	for block := 0; block < numBlocks; block++ {
		lo := block * k
		hi := lo + k
		if hi > numData {
			hi = numData
		}

		payloads := make([][]byte, 0, hi-lo)
		for i := lo; i < hi; i++ {
			payloads = append(payloads, chunks[i].Payload)
		}

		for j, parity := range fec.Encode(payloads, r) {
			c := bundle.NewChunk(bid, uint32(numData+block*r+j), parity)
			c.IsParity = true
			c.BlockID = uint32(block)
			c.K = uint8(k)
			c.R = uint8(r)
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func (e *Engine) cacheChunks(bid bundle.BundleID, chunks []bundle.Chunk) {
	byID := make(map[uint32]bundle.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}
	e.chunks[bid] = byID
}

// OnSack folds a SACK into the window state: newly acked chunks leave
// flight, fresh first-transmission acks sample the RTT, and the window
// start advances over the acked prefix.
func (e *Engine) OnSack(msg *wire.SackMessage, now time.Time) {
	st, ok := e.active[msg.BundleID]
	if !ok || st.completed {
		log.WithField("bundle", msg.BundleID).Debug("SACK for inactive bundle")
		return
	}

	for id := uint32(0); id < st.total; id++ {
		if !msg.Acked(id) {
			continue
		}
		if _, seen := st.acked[id]; seen {
			continue
		}

		st.acked[id] = struct{}{}

		// Karn's rule: only first transmissions sample the RTT
		if sentAt, sent := st.sentAt[id]; sent {
			if _, retrans := st.retransmitted[id]; !retrans {
				st.updateRTO(now.Sub(sentAt), e.config.BaseRTO, e.config.MaxRTO)
			}
		}
		delete(st.timers, id)
		delete(st.sentAt, id)
		delete(st.retransmitted, id)
	}

	st.advanceWindow()

	if uint32(len(st.acked)) >= st.total {
		e.complete(st, now)
		return
	}

	e.fillWindow(st, now)
}

// OnDelivered honors the peer's terminal delivery notice.
func (e *Engine) OnDelivered(msg *wire.DeliveredMessage, now time.Time) {
	if st, ok := e.active[msg.BundleID]; ok {
		e.complete(st, now)
	}
}

// ReleaseRanges stops retransmission for chunk ranges whose forwarding
// obligation a downstream custody holder has accepted.
func (e *Engine) ReleaseRanges(bid bundle.BundleID, ranges []wire.ChunkRange, now time.Time) {
	st, ok := e.active[bid]
	if !ok || st.completed {
		return
	}

	for _, r := range ranges {
		for id := r.Start; id <= r.End && id < st.total; id++ {
			st.released[id] = struct{}{}
			delete(st.timers, id)
		}
	}
	st.advanceWindow()

	log.WithFields(log.Fields{
		"bundle": bid,
		"ranges": ranges,
	}).Info("Released chunk ranges to downstream custody")
}

// Forward starts (re-)transmission of an already stored bundle towards
// the given address: the relay forwarding path and the restart resume
// path share it.
func (e *Engine) Forward(bid bundle.BundleID, addr *net.UDPAddr, now time.Time) error {
	if st, ok := e.active[bid]; ok && !st.completed {
		// already sending; refresh the destination and pick up chunks
		// that arrived in the store since the last forward
		st.dst = addr
		if chunks, err := e.store.LoadChunks(bid); err == nil {
			e.cacheChunks(bid, chunks)
		}
		return nil
	}

	bi, err := e.store.QueryBundle(bid)
	if err != nil {
		return err
	}
	b, err := bi.Bundle()
	if err != nil {
		return err
	}
	if b.State == bundle.StateExpired {
		return fmt.Errorf("bundle %v: %w", bid, bundle.ErrExpired)
	}
	if b.State.Terminal() {
		return nil
	}

	chunks, err := e.store.LoadChunks(bid)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no stored chunks for bundle %v", bid)
	}

	b.State = bundle.StateInFlight
	st := newSendState(b, addr, e.config.WindowSize, e.config.BaseRTO)
	e.active[bid] = st
	e.cacheChunks(bid, chunks)
	e.fillWindow(st, now)

	log.WithFields(log.Fields{
		"bundle": bid,
		"dst":    addr,
	}).Info("Forwarding stored bundle")
	return nil
}

// Resume rebuilds SendState for every in-flight bundle after a restart.
func (e *Engine) Resume(now time.Time) error {
	items, err := e.store.LoadInFlightBundles()
	if err != nil {
		return err
	}

	for _, bi := range items {
		if bi.DstAddr == "" {
			continue
		}
		addr, addrErr := net.ResolveUDPAddr("udp", bi.DstAddr)
		if addrErr != nil {
			log.WithError(addrErr).WithField("bundle", bi.Id).Warn("Unresolvable resume destination")
			continue
		}

		bid, bidErr := bundle.ParseBundleID(bi.Id)
		if bidErr != nil {
			return bidErr
		}
		if err := e.Forward(bid, addr, now); err != nil {
			log.WithError(err).WithField("bundle", bi.Id).Warn("Resuming bundle failed")
			continue
		}
		log.WithField("bundle", bi.Id).Info("Resumed bundle after restart")
	}
	return nil
}

// Tick checks TTLs and per-chunk timers, queues retransmissions, emits
// the next window and persists dirty counters.
func (e *Engine) Tick(now time.Time) {
	for bid, st := range e.active {
		if st.completed {
			continue
		}

		if st.bundle.Expired(now) {
			st.bundle.State = bundle.StateExpired
			if err := e.store.UpdateBundle(st.bundle, now); err != nil {
				log.WithError(err).WithField("bundle", bid).Warn("Persisting expiry failed")
			}
			delete(e.active, bid)
			delete(e.chunks, bid)

			log.WithField("bundle", bid).Warn("Bundle expired before delivery")
			continue
		}

		timedOut := 0
		for id, expiry := range st.timers {
			if _, seen := st.acked[id]; seen {
				delete(st.timers, id)
				continue
			}
			if now.Before(expiry) {
				continue
			}

			st.retransmitQueue = append(st.retransmitQueue, id)
			delete(st.timers, id)
			timedOut++
		}

		if timedOut > 0 {
			st.backoff(e.config.MaxRTO)
			st.bundle.ChunksRetransmitted += uint64(timedOut)
			st.dirty = true

			log.WithFields(log.Fields{
				"bundle":   bid,
				"timedOut": timedOut,
				"rto":      st.rto,
			}).Debug("Chunk timers fired")
		}

		e.drainRetransmits(st, now)
		e.fillWindow(st, now)

		if st.dirty {
			if err := e.store.UpdateBundle(st.bundle, now); err != nil {
				log.WithError(err).WithField("bundle", bid).Warn("Persisting counters failed")
			} else {
				st.dirty = false
			}
		}
	}
}

// drainRetransmits sends every queued retransmission that is still
// unacked and unreleased.
func (e *Engine) drainRetransmits(st *sendState, now time.Time) {
	queue := st.retransmitQueue
	st.retransmitQueue = st.retransmitQueue[:0]

	for _, id := range queue {
		if _, seen := st.acked[id]; seen {
			continue
		}
		if _, rel := st.released[id]; rel {
			continue
		}
		e.sendChunk(st, id, now, true)
	}
}

// fillWindow transmits the not-yet-in-flight chunks of the current
// window.
func (e *Engine) fillWindow(st *sendState, now time.Time) {
	hi := st.windowStart + st.windowSize
	if hi > st.total {
		hi = st.total
	}

	for id := st.windowStart; id < hi; id++ {
		if _, seen := st.acked[id]; seen {
			continue
		}
		if _, rel := st.released[id]; rel {
			continue
		}
		if _, inFlight := st.timers[id]; inFlight {
			continue
		}

		_, isRetrans := st.retransmitted[id]
		if _, sentBefore := st.sentAt[id]; sentBefore && !isRetrans {
			// timed out earlier; this send is a retransmission
			isRetrans = true
		}
		e.sendChunk(st, id, now, isRetrans)
	}
}

func (e *Engine) sendChunk(st *sendState, id uint32, now time.Time, retransmit bool) {
	chunk, ok := e.chunks[st.bundle.ID][id]
	if !ok {
		return
	}

	var flags uint8
	if chunk.IsParity {
		flags |= wire.FlagParity
	}
	if st.bundle.Compressed {
		flags |= wire.FlagCompressed
	}

	msg := &wire.DataMessage{
		BundleID:    chunk.BundleID,
		ChunkID:     chunk.ChunkID,
		TotalChunks: st.total,
		BlockID:     chunk.BlockID,
		K:           chunk.K,
		R:           chunk.R,
		Flags:       flags,
		Checksum:    chunk.Checksum,
		Payload:     chunk.Payload,
	}

	if err := e.transmit(st.dst, msg); err != nil {
		// retried on the next tick; no timer keeps the chunk eligible
		log.WithError(err).WithFields(log.Fields{
			"bundle": st.bundle.ID,
			"chunk":  id,
		}).Warn("Transmitting chunk failed")
		return
	}

	st.timers[id] = now.Add(st.rto)
	if retransmit {
		st.retransmitted[id] = struct{}{}
	} else if _, sent := st.sentAt[id]; !sent {
		st.sentAt[id] = now
	}
	st.bundle.BytesSent += uint64(len(chunk.Payload))
	st.dirty = true
}

func (e *Engine) complete(st *sendState, now time.Time) {
	if st.completed {
		return
	}
	st.completed = true
	st.bundle.State = bundle.StateDelivered

	if err := e.store.UpdateBundle(st.bundle, now); err != nil {
		log.WithError(err).WithField("bundle", st.bundle.ID).Warn("Persisting delivery failed")
	}
	delete(e.chunks, st.bundle.ID)

	log.WithFields(log.Fields{
		"bundle":        st.bundle.ID,
		"bytesSent":     st.bundle.BytesSent,
		"retransmitted": st.bundle.ChunksRetransmitted,
	}).Info("Bundle delivered")
}

// CleanupCompleted drops completed transfers from memory.
func (e *Engine) CleanupCompleted() {
	for bid, st := range e.active {
		if st.completed {
			delete(e.active, bid)
		}
	}
}

// Abort cancels an active transfer without waiting for its TTL.
func (e *Engine) Abort(bid bundle.BundleID, now time.Time) {
	st, ok := e.active[bid]
	if !ok {
		return
	}

	st.bundle.State = bundle.StateFailed
	if err := e.store.UpdateBundle(st.bundle, now); err != nil {
		log.WithError(err).WithField("bundle", bid).Warn("Persisting abort failed")
	}
	delete(e.active, bid)
	delete(e.chunks, bid)
}

// Status describes one outbound bundle for the status surfaces.
type Status struct {
	BundleID            string  `json:"bundle_id"`
	State               string  `json:"state"`
	TotalChunks         uint32  `json:"total_chunks"`
	AckedChunks         int     `json:"acked_chunks"`
	Progress            float64 `json:"progress"`
	WindowStart         uint32  `json:"window_start"`
	BytesSent           uint64  `json:"bytes_sent"`
	ChunksRetransmitted uint64  `json:"chunks_retransmitted"`
	RTOMillis           int64   `json:"rto_ms"`
	SRTTMillis          int64   `json:"srtt_ms"`
}

// Status reports the live state of one active transfer.
func (e *Engine) Status(bid bundle.BundleID) (Status, bool) {
	st, ok := e.active[bid]
	if !ok {
		return Status{}, false
	}

	progress := 0.0
	if st.total > 0 {
		progress = float64(len(st.acked)) / float64(st.total)
	}

	return Status{
		BundleID:            bid.String(),
		State:               st.bundle.State.String(),
		TotalChunks:         st.total,
		AckedChunks:         len(st.acked),
		Progress:            progress,
		WindowStart:         st.windowStart,
		BytesSent:           st.bundle.BytesSent,
		ChunksRetransmitted: st.bundle.ChunksRetransmitted,
		RTOMillis:           st.rto.Milliseconds(),
		SRTTMillis:          st.srtt.Milliseconds(),
	}, true
}
