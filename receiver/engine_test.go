// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package receiver

import (
	"bytes"
	"hash/crc32"
	"math/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/fec"
	"github.com/courier-net/courier-go/storage"
	"github.com/courier-net/courier-go/wire"
)

type capture struct {
	msgs []wire.Message
}

func (c *capture) transmit(_ *net.UDPAddr, msg wire.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) lastSack() *wire.SackMessage {
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if s, ok := c.msgs[i].(*wire.SackMessage); ok {
			return s
		}
	}
	return nil
}

func (c *capture) delivered() bool {
	for _, msg := range c.msgs {
		if _, ok := msg.(*wire.DeliveredMessage); ok {
			return true
		}
	}
	return false
}

func setupEngine(t *testing.T, isRelayed func(bundle.BundleID) bool) (*Engine, *capture) {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cap := &capture{}
	cfg := Config{
		OutputDir:   t.TempDir(),
		SackCadence: 100 * time.Millisecond,
		TTL:         5 * time.Minute,
	}
	return NewEngine(cfg, store, cap.transmit, "dest-node", isRelayed), cap
}

func srcAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
}

// chunkify splits data the way the send side does, without FEC.
func chunkify(t *testing.T, data []byte, chunkSize int) (bundle.BundleID, []*wire.DataMessage) {
	t.Helper()

	bid, err := bundle.NewBundleID()
	if err != nil {
		t.Fatal(err)
	}

	numData := (len(data) + chunkSize - 1) / chunkSize
	msgs := make([]*wire.DataMessage, 0, numData)
	for i := 0; i < numData; i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[i*chunkSize : end]

		msgs = append(msgs, &wire.DataMessage{
			BundleID:    bid,
			ChunkID:     uint32(i),
			TotalChunks: uint32(numData),
			Checksum:    crc32.ChecksumIEEE(payload),
			Payload:     payload,
		})
	}
	return bid, msgs
}

// fecChunkify additionally appends the parity chunks of each block.
func fecChunkify(t *testing.T, data []byte, chunkSize, k, r int) (bundle.BundleID, []*wire.DataMessage) {
	bid, msgs := chunkify(t, data, chunkSize)
	numData := len(msgs)
	numBlocks := (numData + k - 1) / k

	for _, m := range msgs {
		m.TotalChunks = uint32(numData + numBlocks*r)
		m.BlockID = uint32(m.ChunkID) / uint32(k)
		m.K = uint8(k)
		m.R = uint8(r)
	}

	for block := 0; block < numBlocks; block++ {
		lo := block * k
		hi := lo + k
		if hi > numData {
			hi = numData
		}
		payloads := make([][]byte, 0, hi-lo)
		for i := lo; i < hi; i++ {
			payloads = append(payloads, msgs[i].Payload)
		}

		for j, parity := range fec.Encode(payloads, r) {
			msgs = append(msgs, &wire.DataMessage{
				BundleID:    bid,
				ChunkID:     uint32(numData + block*r + j),
				TotalChunks: uint32(numData + numBlocks*r),
				BlockID:     uint32(block),
				K:           uint8(k),
				R:           uint8(r),
				Flags:       wire.FlagParity,
				Checksum:    crc32.ChecksumIEEE(parity),
				Payload:     parity,
			})
		}
	}
	return bid, msgs
}

func randomData(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(99)).Read(data)
	return data
}

func TestAssembleInOrder(t *testing.T) {
	engine, cap := setupEngine(t, nil)
	now := time.Now()

	data := randomData(5*1150 + 311)
	bid, msgs := chunkify(t, data, 1150)

	for _, m := range msgs {
		engine.OnData(m, srcAddr(), now)
	}

	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled file differs from source")
	}
	if !cap.delivered() {
		t.Fatal("DELIVERED was not sent")
	}

	sack := cap.lastSack()
	if sack == nil || sack.RecvWatermark != uint32(len(msgs)) {
		t.Fatalf("final SACK watermark must cover all chunks, got %+v", sack)
	}
}

func TestDuplicateIdempotence(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	now := time.Now()

	data := randomData(3 * 1150)
	bid, msgs := chunkify(t, data, 1150)

	for _, m := range msgs {
		engine.OnData(m, srcAddr(), now)
	}
	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}

	// replay everything
	for _, m := range msgs {
		engine.OnData(m, srcAddr(), now)
	}

	if engine.DupDropped != uint64(len(msgs)) {
		t.Fatalf("expected %d duplicate drops, got %d", len(msgs), engine.DupDropped)
	}

	replayed, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, replayed) {
		t.Fatal("replay altered the assembled file")
	}
}

func TestChecksumSafety(t *testing.T) {
	engine, cap := setupEngine(t, nil)
	now := time.Now()

	_, msgs := chunkify(t, randomData(2*1150), 1150)
	msgs[0].Payload[0] ^= 0xff

	engine.OnData(msgs[0], srcAddr(), now)

	if engine.ChecksumDropped != 1 {
		t.Fatal("corrupt chunk must increment the checksum counter")
	}
	if len(cap.msgs) != 0 {
		t.Fatal("corrupt chunk must not be acknowledged")
	}
}

func TestOutOfRangeChunk(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	now := time.Now()

	_, msgs := chunkify(t, randomData(1150), 1150)
	msgs[0].ChunkID = 7 // total is 1

	engine.OnData(msgs[0], srcAddr(), now)
	if engine.MalformedDropped != 1 {
		t.Fatal("out-of-range chunk must be dropped as malformed")
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	engine, cap := setupEngine(t, nil)
	now := time.Now()

	_, msgs := chunkify(t, randomData(6*1150), 1150)

	// deliver out of order, forcing SACKs along the way
	order := []int{5, 0, 3, 1, 2, 4}
	last := uint32(0)
	for _, i := range order {
		engine.OnData(msgs[i], srcAddr(), now)
		engine.Tick(now.Add(time.Second)) // force a SACK
		if sack := cap.lastSack(); sack != nil {
			if sack.RecvWatermark < last {
				t.Fatalf("watermark decreased from %d to %d", last, sack.RecvWatermark)
			}
			last = sack.RecvWatermark
		}
	}
}

func TestFECReconstruction(t *testing.T) {
	engine, cap := setupEngine(t, nil)
	now := time.Now()

	data := randomData(8 * 64)
	bid, msgs := fecChunkify(t, data, 64, 4, 2)

	// drop data chunk 2; parity of block 0 recovers it
	for _, m := range msgs {
		if m.ChunkID == 2 {
			continue
		}
		engine.OnData(m, srcAddr(), now)
	}

	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("reconstructed file differs from source")
	}

	// the SACK reports the reconstructed chunk as received
	sack := cap.lastSack()
	if sack == nil || !sack.Acked(2) {
		t.Fatal("reconstructed chunk must be acknowledged")
	}
}

func TestFECDefersOnTwoMissing(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	now := time.Now()

	data := randomData(4 * 64)
	bid, msgs := fecChunkify(t, data, 64, 4, 2)

	// drop data chunks 0 and 2 of the single block: both sit only in the
	// overall stripe, so reconstruction must wait
	for _, m := range msgs {
		if m.ChunkID == 0 || m.ChunkID == 2 {
			continue
		}
		engine.OnData(m, srcAddr(), now)
	}
	if _, err := os.ReadFile(engine.OutputPath(bid)); err == nil {
		t.Fatal("bundle must not assemble with two missing chunks")
	}

	// the first missing chunk arrives; the second reconstructs
	for _, m := range msgs {
		if m.ChunkID == 0 {
			engine.OnData(m, srcAddr(), now)
		}
	}

	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled file differs from source")
	}
}

func TestFinalChunkNeverReconstructed(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	now := time.Now()

	// final chunk is short; its block parity alone could only recover a
	// padded image of it
	data := randomData(3*64 + 7)
	bid, msgs := fecChunkify(t, data, 64, 4, 2)

	var final *wire.DataMessage
	for _, m := range msgs {
		if m.ChunkID == 3 {
			final = m
			continue
		}
		engine.OnData(m, srcAddr(), now)
	}
	if _, err := os.ReadFile(engine.OutputPath(bid)); err == nil {
		t.Fatal("final chunk must not be reconstructed from padded parity")
	}

	engine.OnData(final, srcAddr(), now)

	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled file differs from source")
	}
}

func TestSackCadence(t *testing.T) {
	engine, cap := setupEngine(t, nil)
	now := time.Now()

	_, msgs := chunkify(t, randomData(2*1150), 1150)
	engine.OnData(msgs[0], srcAddr(), now)

	before := len(cap.msgs)
	engine.Tick(now.Add(50 * time.Millisecond))
	if len(cap.msgs) != before {
		t.Fatal("no SACK expected before the cadence elapses")
	}

	engine.Tick(now.Add(150 * time.Millisecond))
	if cap.lastSack() == nil {
		t.Fatal("cadence SACK missing")
	}
	if !engine.Outstanding() {
		t.Fatal("bundle must remain outstanding")
	}
}

func TestRelayedBundleNotAssembled(t *testing.T) {
	engine, cap := setupEngine(t, func(bundle.BundleID) bool { return true })
	now := time.Now()

	bid, msgs := chunkify(t, randomData(2*1150), 1150)
	for _, m := range msgs {
		engine.OnData(m, srcAddr(), now)
	}

	if _, err := os.ReadFile(engine.OutputPath(bid)); err == nil {
		t.Fatal("relayed bundle must not be assembled locally")
	}
	if cap.delivered() {
		t.Fatal("relayed bundle must not emit DELIVERED")
	}
	if cap.lastSack() == nil {
		t.Fatal("relay must still SACK upstream")
	}
}

func TestCompressedBundle(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	now := time.Now()

	plain := bytes.Repeat([]byte("courier "), 4096)

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	bid, msgs := chunkify(t, buf.Bytes(), 1150)
	for _, m := range msgs {
		m.Flags |= wire.FlagCompressed
	}
	for _, m := range msgs {
		engine.OnData(m, srcAddr(), now)
	}

	assembled, err := os.ReadFile(engine.OutputPath(bid))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, plain) {
		t.Fatal("decompressed file differs from source")
	}
}
