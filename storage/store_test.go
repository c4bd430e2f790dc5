// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/wire"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Error(err)
		}
	})
	return store
}

func testBundle(t *testing.T, now time.Time) bundle.Bundle {
	t.Helper()

	bid, err := bundle.NewBundleID()
	if err != nil {
		t.Fatal(err)
	}

	return bundle.Bundle{
		ID:          bid,
		Src:         "alpha",
		Dst:         "omega",
		TTL:         now.Add(5 * time.Minute),
		Length:      2300,
		TotalChunks: 2,
		State:       bundle.StateInFlight,
	}
}

func TestStoreBundleRoundtrip(t *testing.T) {
	store := setupStore(t)
	now := time.Now()
	b := testBundle(t, now)

	if err := store.PushBundle(b, "127.0.0.1:5000", now); err != nil {
		t.Fatal(err)
	}

	bi, err := store.QueryBundle(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bi.DstAddr != "127.0.0.1:5000" {
		t.Fatalf("unexpected destination address %q", bi.DstAddr)
	}

	b2, err := bi.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	if b2.ID != b.ID || b2.State != bundle.StateInFlight || b2.TotalChunks != 2 {
		t.Fatal("bundle did not roundtrip")
	}

	b.State = bundle.StateDelivered
	b.BytesSent = 2300
	if err := store.UpdateBundle(b, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	bi, err = store.QueryBundle(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bi.State != "DELIVERED" || bi.BytesSent != 2300 {
		t.Fatal("update not visible")
	}
}

func TestStoreChunks(t *testing.T) {
	store := setupStore(t)
	now := time.Now()
	b := testBundle(t, now)

	chunks := []bundle.Chunk{
		bundle.NewChunk(b.ID, 0, bytes.Repeat([]byte{0x01}, bundle.MaxPayloadSize)),
		bundle.NewChunk(b.ID, 1, []byte{0x02, 0x03}),
	}
	if err := store.PushChunks(chunks); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadChunks(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(loaded))
	}
	for _, c := range loaded {
		if !c.Verify() {
			t.Fatal("loaded chunk fails checksum")
		}
	}

	used, err := store.UsedBytes()
	if err != nil {
		t.Fatal(err)
	}
	if used != uint64(bundle.MaxPayloadSize+2) {
		t.Fatalf("unexpected used bytes %d", used)
	}
}

func TestStoreRecovery(t *testing.T) {
	store := setupStore(t)
	now := time.Now()

	inflight := testBundle(t, now)
	if err := store.PushBundle(inflight, "a:1", now); err != nil {
		t.Fatal(err)
	}

	done := testBundle(t, now)
	done.State = bundle.StateDelivered
	if err := store.PushBundle(done, "b:2", now); err != nil {
		t.Fatal(err)
	}

	items, err := store.LoadInFlightBundles()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Id != inflight.ID.String() {
		t.Fatalf("expected only the in-flight bundle, got %v", items)
	}

	custody := CustodyItem{
		Id:         CustodyKey(inflight.ID, "relay-1"),
		BundleId:   inflight.ID.String(),
		OwnerNode:  "relay-1",
		Ranges:     []wire.ChunkRange{{Start: 0, End: 1}},
		AcquiredAt: now,
		RetryTimer: now.Add(2 * time.Second),
		State:      "HELD",
	}
	if err := store.PushCustody(custody); err != nil {
		t.Fatal(err)
	}

	records, err := store.LoadCustodyRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].OwnerNode != "relay-1" {
		t.Fatal("custody record not recovered")
	}
}

func TestStorePurgeExpired(t *testing.T) {
	store := setupStore(t)
	now := time.Now()

	stale := testBundle(t, now)
	stale.State = bundle.StateDelivered
	if err := store.PushBundle(stale, "a:1", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.PushChunk(bundle.NewChunk(stale.ID, 0, []byte{1})); err != nil {
		t.Fatal(err)
	}

	overdue := testBundle(t, now)
	overdue.TTL = now.Add(-time.Minute)
	if err := store.PushBundle(overdue, "b:2", now.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := store.PurgeExpired(now); err != nil {
		t.Fatal(err)
	}

	if _, err := store.QueryBundle(stale.ID); err == nil {
		t.Fatal("retained bundle must be purged after the grace window")
	}
	if chunks, _ := store.LoadChunks(stale.ID); len(chunks) != 0 {
		t.Fatal("purged bundle's chunks must be gone")
	}

	bi, err := store.QueryBundle(overdue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bi.State != "EXPIRED" {
		t.Fatalf("overdue bundle must be EXPIRED, got %s", bi.State)
	}
}
