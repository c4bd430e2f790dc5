// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage is the durable record of bundles, chunks and custody
// entries. Every externally observable commitment is persisted here before
// it is transmitted or acknowledged; the in-memory engine state is derived
// and rebuildable from this store after a restart.
package storage

import (
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/courier-net/courier-go/bundle"
)

// retainGrace is how long DELIVERED or EXPIRED records are kept before a
// purge sweep removes them.
const retainGrace = time.Hour

// Store wraps the badgerhold tables for bundles, chunks and custody.
type Store struct {
	bh *badgerhold.Store

	dir string
}

// NewStore opens (or creates) a Store under the given directory.
func NewStore(dir string) (s *Store, err error) {
	if dirErr := os.MkdirAll(dir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh, dir: dir}
	}
	return
}

// Close the underlying database.
func (s *Store) Close() error {
	return s.bh.Close()
}

// PushBundle persists a new bundle row together with its destination
// datagram address.
func (s *Store) PushBundle(b bundle.Bundle, dstAddr string, now time.Time) error {
	return s.bh.Upsert(b.ID.String(), NewBundleItem(b, dstAddr, now))
}

// UpdateBundle rewrites the mutable fields of an existing bundle row.
func (s *Store) UpdateBundle(b bundle.Bundle, now time.Time) error {
	var bi BundleItem
	if err := s.bh.Get(b.ID.String(), &bi); err != nil {
		return err
	}

	bi.State = b.State.String()
	bi.BytesSent = b.BytesSent
	bi.ChunksRetransmitted = b.ChunksRetransmitted
	bi.Length = b.Length
	bi.UpdatedAt = now

	return s.bh.Update(bi.Id, bi)
}

// QueryBundle fetches one bundle row.
func (s *Store) QueryBundle(bid bundle.BundleID) (bi BundleItem, err error) {
	err = s.bh.Get(bid.String(), &bi)
	return
}

// ListBundles returns every bundle row.
func (s *Store) ListBundles() (items []BundleItem, err error) {
	err = s.bh.Find(&items, nil)
	return
}

// LoadInFlightBundles returns the bundles a restarted node must resume:
// those neither delivered nor in a terminal failure state.
func (s *Store) LoadInFlightBundles() (items []BundleItem, err error) {
	err = s.bh.Find(&items, badgerhold.Where("State").In(
		bundle.StateNew.String(), bundle.StateInFlight.String()))
	return
}

// PushChunk persists one chunk.
func (s *Store) PushChunk(c bundle.Chunk) error {
	return s.bh.Upsert(chunkKey(c.BundleID, c.ChunkID), NewChunkItem(c))
}

// PushChunks persists a batch of chunks.
func (s *Store) PushChunks(chunks []bundle.Chunk) error {
	var result *multierror.Error
	for _, c := range chunks {
		result = multierror.Append(result, s.PushChunk(c))
	}
	return result.ErrorOrNil()
}

// LoadChunks returns all persisted chunks of one bundle.
func (s *Store) LoadChunks(bid bundle.BundleID) (chunks []bundle.Chunk, err error) {
	var items []ChunkItem
	if err = s.bh.Find(&items, badgerhold.Where("BundleId").Eq(bid.String()).Index("BundleId")); err != nil {
		return
	}

	chunks = make([]bundle.Chunk, 0, len(items))
	for _, ci := range items {
		c, cErr := ci.Chunk()
		if cErr != nil {
			err = cErr
			return
		}
		chunks = append(chunks, c)
	}
	return
}

// PushCustody persists one custody record.
func (s *Store) PushCustody(ci CustodyItem) error {
	return s.bh.Upsert(ci.Id, ci)
}

// LoadCustodyRecords returns the custody rows a restarted node must pick
// back up: those still HELD or FORWARDING.
func (s *Store) LoadCustodyRecords() (items []CustodyItem, err error) {
	err = s.bh.Find(&items, badgerhold.Where("State").In("HELD", "FORWARDING"))
	return
}

// UsedBytes sums the payload bytes of all stored chunks, the figure the
// custody acceptance policy checks against the storage cap.
func (s *Store) UsedBytes() (total uint64, err error) {
	var items []ChunkItem
	if err = s.bh.Find(&items, nil); err != nil {
		return
	}
	for _, ci := range items {
		total += uint64(len(ci.Payload))
	}
	return
}

// PurgeExpired removes terminal bundles past the retention grace window
// together with their chunks and custody rows, and flags overdue
// in-flight bundles as EXPIRED.
func (s *Store) PurgeExpired(now time.Time) error {
	var result *multierror.Error

	var items []BundleItem
	if err := s.bh.Find(&items, nil); err != nil {
		return err
	}

	for _, bi := range items {
		state, err := bundle.ParseState(bi.State)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		switch {
		case state.Terminal() && now.Sub(bi.UpdatedAt) > retainGrace:
			log.WithFields(log.Fields{
				"bundle": bi.Id,
				"state":  bi.State,
			}).Debug("Purging retained bundle")

			result = multierror.Append(result,
				s.bh.Delete(bi.Id, BundleItem{}),
				s.bh.DeleteMatching(ChunkItem{}, badgerhold.Where("BundleId").Eq(bi.Id).Index("BundleId")),
				s.bh.DeleteMatching(CustodyItem{}, badgerhold.Where("BundleId").Eq(bi.Id).Index("BundleId")))

		case !state.Terminal() && now.After(bi.TTL):
			log.WithField("bundle", bi.Id).Info("Bundle TTL elapsed, flagging as expired")

			bi.State = bundle.StateExpired.String()
			bi.UpdatedAt = now
			result = multierror.Append(result, s.bh.Update(bi.Id, bi))
		}
	}

	return result.ErrorOrNil()
}
