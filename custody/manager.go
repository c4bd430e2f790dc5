// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package custody implements store-and-forward custody transfer: a relay
// durably promises to keep retransmitting accepted chunk ranges until a
// downstream node confirms them or the bundle is delivered or expires.
package custody

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/storage"
	"github.com/courier-net/courier-go/wire"
)

// ErrRetryExhausted marks a custody record whose forwarding retries ran
// out without a downstream confirmation.
var ErrRetryExhausted = errors.New("custody retries exhausted")

// Release policies for confirmed custody transfers.
const (
	ReleaseEager    = "eager"
	ReleaseDeferred = "deferred"
)

// RecordState is the lifecycle of one custody record.
type RecordState string

const (
	StateHeld       RecordState = "HELD"
	StateForwarding RecordState = "FORWARDING"
	StateReleased   RecordState = "RELEASED"
	StateFailed     RecordState = "FAILED"
)

func (s RecordState) terminal() bool {
	return s == StateReleased || s == StateFailed
}

// Config carries the custody parameters.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	ReleasePolicy string
	NextHop       string
	CapBytes      uint64
}

// TransmitFunc encodes and sends one message towards a peer.
type TransmitFunc func(addr *net.UDPAddr, msg wire.Message) error

// ForwardFunc asks the Send Engine to push a stored bundle downstream.
type ForwardFunc func(bid bundle.BundleID, addr *net.UDPAddr, now time.Time) error

// ReleaseFunc tells the Send Engine that downstream custody covers the
// given ranges.
type ReleaseFunc func(bid bundle.BundleID, ranges []wire.ChunkRange, now time.Time)

// Record is a relay's promise for a bundle's chunk ranges.
type Record struct {
	BundleID  bundle.BundleID
	OwnerNode string

	Ranges []wire.ChunkRange

	AcquiredAt time.Time
	TTL        time.Time
	RetryTimer time.Time
	RetryCount int

	AckNonce uint64
	Upstream *net.UDPAddr

	State RecordState
}

// request is an outstanding CUSTODY_REQ of this node towards downstream.
type request struct {
	ranges       []wire.ChunkRange
	downstream   *net.UDPAddr
	ttlRemaining uint32
	retryTimer   time.Time
	retryCount   int
}

// Manager drives custody records and outstanding custody requests.
type Manager struct {
	config   Config
	store    *storage.Store
	transmit TransmitFunc
	nodeID   string

	forward ForwardFunc
	release ReleaseFunc

	records  map[bundle.BundleID]*Record
	requests map[bundle.BundleID]*request
}

// NewManager wires a Custody Manager. forward and release connect it to
// the Send Engine and may be nil on pure destinations.
func NewManager(config Config, store *storage.Store, transmit TransmitFunc, nodeID string, forward ForwardFunc, release ReleaseFunc) *Manager {
	if config.ReleasePolicy == "" {
		config.ReleasePolicy = ReleaseEager
	}
	return &Manager{
		config:   config,
		store:    store,
		transmit: transmit,
		nodeID:   nodeID,
		forward:  forward,
		release:  release,
		records:  make(map[bundle.BundleID]*Record),
		requests: make(map[bundle.BundleID]*request),
	}
}

// HasRecord reports whether this node holds custody for the bundle.
func (m *Manager) HasRecord(bid bundle.BundleID) bool {
	rec, ok := m.records[bid]
	return ok && !rec.State.terminal()
}

// Request sends a CUSTODY_REQ downstream and keeps retrying it until a
// covering CUSTODY_ACK or a DELIVERED arrives.
func (m *Manager) Request(bid bundle.BundleID, ranges []wire.ChunkRange, ttlRemaining uint32, downstream *net.UDPAddr, now time.Time) {
	req := &request{
		ranges:       Normalize(ranges),
		downstream:   downstream,
		ttlRemaining: ttlRemaining,
		retryTimer:   now.Add(m.config.BackoffBase),
	}
	m.requests[bid] = req
	m.sendRequest(bid, req)
}

func (m *Manager) sendRequest(bid bundle.BundleID, req *request) {
	msg := &wire.CustodyReqMessage{
		BundleID:     bid,
		TTLRemaining: req.ttlRemaining,
		Ranges:       req.ranges,
	}
	if err := m.transmit(req.downstream, msg); err != nil {
		log.WithError(err).WithField("bundle", bid).Warn("Transmitting CUSTODY_REQ failed")
	}
}

// OnCustodyReq decides on acceptance. Accepted requests create a durable
// record, answer CUSTODY_ACK with a fresh nonce and start forwarding.
// Rejection is a silent drop; upstream retries on its own.
func (m *Manager) OnCustodyReq(msg *wire.CustodyReqMessage, src *net.UDPAddr, now time.Time) {
	if msg.TTLRemaining == 0 || len(msg.Ranges) == 0 {
		log.WithField("bundle", msg.BundleID).Debug("Rejecting custody: no TTL left")
		return
	}

	if m.config.CapBytes > 0 {
		used, err := m.store.UsedBytes()
		if err != nil || used > m.config.CapBytes {
			log.WithField("bundle", msg.BundleID).Info("Rejecting custody: storage cap")
			return
		}
	}

	requested := Normalize(msg.Ranges)
	if rec, ok := m.records[msg.BundleID]; ok && !rec.State.terminal() && Covers(rec.Ranges, requested) {
		// full overlap with an existing promise: answer again, but do not
		// restart the record
		m.sendAck(rec)
		return
	}

	nonce, err := newNonce()
	if err != nil {
		log.WithError(err).Error("Drawing custody nonce failed")
		return
	}

	rec := &Record{
		BundleID:   msg.BundleID,
		OwnerNode:  m.nodeID,
		Ranges:     requested,
		AcquiredAt: now,
		TTL:        now.Add(time.Duration(msg.TTLRemaining) * time.Second),
		RetryTimer: now.Add(m.config.BackoffBase),
		AckNonce:   nonce,
		Upstream:   src,
		State:      StateHeld,
	}

	if err := m.persist(rec, now); err != nil {
		log.WithError(err).WithField("bundle", msg.BundleID).Error("Persisting custody record failed")
		return
	}
	m.records[msg.BundleID] = rec

	log.WithFields(log.Fields{
		"bundle": msg.BundleID,
		"ranges": requested,
		"ttl":    msg.TTLRemaining,
	}).Info("Accepted custody")

	m.sendAck(rec)
	m.startForwarding(rec, now)
}

func (m *Manager) sendAck(rec *Record) {
	msg := &wire.CustodyAckMessage{
		BundleID: rec.BundleID,
		AckNonce: rec.AckNonce,
		Ranges:   rec.Ranges,
	}
	if err := m.transmit(rec.Upstream, msg); err != nil {
		log.WithError(err).WithField("bundle", rec.BundleID).Warn("Transmitting CUSTODY_ACK failed")
	}
}

func (m *Manager) startForwarding(rec *Record, now time.Time) {
	if m.forward == nil || m.config.NextHop == "" {
		return
	}

	addr, err := net.ResolveUDPAddr("udp", m.config.NextHop)
	if err != nil {
		log.WithError(err).WithField("nextHop", m.config.NextHop).Error("Unresolvable custody next hop")
		return
	}

	rec.State = StateForwarding
	if err := m.persist(rec, now); err != nil {
		log.WithError(err).WithField("bundle", rec.BundleID).Warn("Persisting custody state failed")
	}
	if err := m.forward(rec.BundleID, addr, now); err != nil {
		log.WithError(err).WithField("bundle", rec.BundleID).Warn("Forwarding custody bundle failed")
	}
}

// OnCustodyAck confirms outstanding requests and, for chained relays,
// shrinks a held record by the downstream-covered ranges.
func (m *Manager) OnCustodyAck(msg *wire.CustodyAckMessage, now time.Time) {
	covered := Normalize(msg.Ranges)

	if req, ok := m.requests[msg.BundleID]; ok {
		req.ranges = Subtract(req.ranges, covered)

		if m.config.ReleasePolicy == ReleaseEager && m.release != nil {
			m.release(msg.BundleID, covered, now)
		}
		if len(req.ranges) == 0 {
			delete(m.requests, msg.BundleID)
		}

		log.WithFields(log.Fields{
			"bundle": msg.BundleID,
			"nonce":  msg.AckNonce,
		}).Info("Custody transfer confirmed downstream")
	}

	if rec, ok := m.records[msg.BundleID]; ok && !rec.State.terminal() {
		rec.Ranges = Subtract(rec.Ranges, covered)
		if len(rec.Ranges) == 0 && m.config.ReleasePolicy == ReleaseEager {
			rec.State = StateReleased
			log.WithField("bundle", msg.BundleID).Info("Custody record released by downstream ack")
		}
		if err := m.persist(rec, now); err != nil {
			log.WithError(err).WithField("bundle", msg.BundleID).Warn("Persisting custody record failed")
		}
	}
}

// OnDelivered cascades the terminal notice: every record for the bundle
// is released and the DELIVERED forwarded upstream.
func (m *Manager) OnDelivered(msg *wire.DeliveredMessage, now time.Time) {
	delete(m.requests, msg.BundleID)

	rec, ok := m.records[msg.BundleID]
	if !ok || rec.State.terminal() {
		return
	}

	rec.State = StateReleased
	if err := m.persist(rec, now); err != nil {
		log.WithError(err).WithField("bundle", msg.BundleID).Warn("Persisting custody release failed")
	}

	if rec.Upstream != nil {
		if err := m.transmit(rec.Upstream, &wire.DeliveredMessage{BundleID: msg.BundleID}); err != nil {
			log.WithError(err).WithField("bundle", msg.BundleID).Warn("Cascading DELIVERED failed")
		}
	}

	log.WithField("bundle", msg.BundleID).Info("Custody released on delivery")
}

// Tick fires per-record retry timers and re-sends outstanding requests.
func (m *Manager) Tick(now time.Time) {
	for bid, rec := range m.records {
		if rec.State.terminal() {
			continue
		}

		if now.After(rec.TTL) {
			rec.State = StateFailed
			if err := m.persist(rec, now); err != nil {
				log.WithError(err).WithField("bundle", bid).Warn("Persisting custody failure failed")
			}
			log.WithField("bundle", bid).Warn("Custody record expired")
			continue
		}

		if now.Before(rec.RetryTimer) {
			continue
		}

		if rec.RetryCount >= m.config.MaxRetries {
			rec.State = StateFailed
			if err := m.persist(rec, now); err != nil {
				log.WithError(err).WithField("bundle", bid).Warn("Persisting custody failure failed")
			}
			log.WithError(ErrRetryExhausted).WithFields(log.Fields{
				"bundle":  bid,
				"retries": rec.RetryCount,
			}).Warn("Custody forwarding abandoned")
			continue
		}

		rec.RetryCount++
		rec.RetryTimer = now.Add(m.backoff(rec.RetryCount))
		if err := m.persist(rec, now); err != nil {
			log.WithError(err).WithField("bundle", bid).Warn("Persisting custody retry failed")
		}

		log.WithFields(log.Fields{
			"bundle":  bid,
			"attempt": rec.RetryCount,
			"next":    rec.RetryTimer,
		}).Debug("Custody forwarding retry")
		m.startForwarding(rec, now)
	}

	for bid, req := range m.requests {
		if now.Before(req.retryTimer) {
			continue
		}
		req.retryCount++
		req.retryTimer = now.Add(m.backoff(req.retryCount))
		m.sendRequest(bid, req)
	}
}

// backoff is base * 2^count, bounded by the ceiling.
func (m *Manager) backoff(count int) time.Duration {
	d := m.config.BackoffBase
	for i := 0; i < count; i++ {
		d *= 2
		if m.config.BackoffCap > 0 && d >= m.config.BackoffCap {
			return m.config.BackoffCap
		}
	}
	return d
}

// Resume reloads non-terminal custody records after a restart.
func (m *Manager) Resume(now time.Time) error {
	items, err := m.store.LoadCustodyRecords()
	if err != nil {
		return err
	}

	for _, ci := range items {
		bid, bidErr := bundle.ParseBundleID(ci.BundleId)
		if bidErr != nil {
			return bidErr
		}

		rec := &Record{
			BundleID:   bid,
			OwnerNode:  ci.OwnerNode,
			Ranges:     ci.Ranges,
			AcquiredAt: ci.AcquiredAt,
			RetryTimer: ci.RetryTimer,
			RetryCount: ci.RetryCount,
			AckNonce:   ci.AckNonce,
			State:      RecordState(ci.State),
			TTL:        ci.TTL,
		}
		if ci.Upstream != "" {
			if addr, addrErr := net.ResolveUDPAddr("udp", ci.Upstream); addrErr == nil {
				rec.Upstream = addr
			}
		}

		m.records[bid] = rec
		log.WithField("bundle", bid).Info("Resumed custody record")
	}
	return nil
}

// Records lists every custody record held in memory for the status
// surfaces, released and failed ones included.
func (m *Manager) Records() []Record {
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

func (m *Manager) persist(rec *Record, now time.Time) error {
	upstream := ""
	if rec.Upstream != nil {
		upstream = rec.Upstream.String()
	}

	return m.store.PushCustody(storage.CustodyItem{
		Id:         storage.CustodyKey(rec.BundleID, rec.OwnerNode),
		BundleId:   rec.BundleID.String(),
		OwnerNode:  rec.OwnerNode,
		Ranges:     rec.Ranges,
		AcquiredAt: rec.AcquiredAt,
		TTL:        rec.TTL,
		RetryTimer: rec.RetryTimer,
		RetryCount: rec.RetryCount,
		AckNonce:   rec.AckNonce,
		Upstream:   upstream,
		State:      string(rec.State),
	})
}

func newNonce() (uint64, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw[:]), nil
}
