// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node glues the engines to the datagram endpoint and the store:
// it rebuilds state on startup, runs the tick loop, dispatches inbound
// messages by kind and aggregates status for the external surfaces.
package node

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/custody"
	"github.com/courier-net/courier-go/netio"
	"github.com/courier-net/courier-go/receiver"
	"github.com/courier-net/courier-go/sender"
	"github.com/courier-net/courier-go/storage"
	"github.com/courier-net/courier-go/wire"
)

// tickPeriod is the orchestrator's cadence.
const tickPeriod = 10 * time.Millisecond

// cleanupPeriod is the cadence for store sweeps and memory cleanup.
const cleanupPeriod = time.Minute

// Node is one Courier endpoint: origin, relay or destination.
type Node struct {
	config Config

	store    *storage.Store
	endpoint *netio.Endpoint

	sender   *sender.Engine
	receiver *receiver.Engine
	custody  *custody.Manager

	// mu serializes the tick loop against the external API surfaces;
	// the engines themselves are single-threaded.
	mu sync.Mutex

	decodeErrors uint64

	stopSyn   chan struct{}
	stopAck   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewNode opens the store, binds the endpoint, wires the engines and
// rebuilds all state from the store.
func NewNode(config Config) (*Node, error) {
	store, err := storage.NewStore(config.Storage.Dir)
	if err != nil {
		return nil, err
	}

	endpoint, err := netio.NewEndpoint(config.Node.Port, netio.DefaultQueueLen)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	n := &Node{
		config:   config,
		store:    store,
		endpoint: endpoint,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	transmit := func(addr *net.UDPAddr, msg wire.Message) error {
		data, encErr := wire.Encode(msg)
		if encErr != nil {
			return encErr
		}
		return endpoint.Send(addr, data)
	}

	n.sender = sender.NewEngine(config.senderConfig(), config.fecConfig(), store, transmit, config.Node.NodeID)
	n.custody = custody.NewManager(config.custodyConfig(), store, transmit, config.Node.NodeID,
		n.sender.Forward, n.sender.ReleaseRanges)
	// a node with a configured next hop is a relay: it never assembles,
	// it forwards under custody instead
	isRelayed := n.custody.HasRecord
	if config.Custody.NextHop != "" {
		isRelayed = func(bundle.BundleID) bool { return true }
	}
	n.receiver = receiver.NewEngine(config.receiverConfig(), store, transmit, config.Node.NodeID, isRelayed)

	now := time.Now()
	if err := n.sender.Resume(now); err != nil {
		log.WithError(err).Warn("Resuming outbound bundles failed")
	}
	if err := n.custody.Resume(now); err != nil {
		log.WithError(err).Warn("Resuming custody records failed")
	}

	return n, nil
}

// Run enters the tick loop until Close is called.
func (n *Node) Run() {
	go n.loop()
	log.WithFields(log.Fields{
		"node": n.config.Node.NodeID,
		"addr": n.endpoint.LocalAddr(),
	}).Info("Node started")
}

func (n *Node) loop() {
	tick := time.NewTicker(tickPeriod)
	defer tick.Stop()

	lastCleanup := time.Now()

	for {
		select {
		case <-n.stopSyn:
			close(n.stopAck)
			return

		case dg, ok := <-n.endpoint.Queue():
			if ok {
				n.dispatch(dg, time.Now())
			}

		case now := <-tick.C:
			n.mu.Lock()
			n.sender.Tick(now)
			n.receiver.Tick(now)
			n.custody.Tick(now)
			n.mu.Unlock()

			if now.Sub(lastCleanup) >= cleanupPeriod {
				lastCleanup = now
				n.mu.Lock()
				n.sender.CleanupCompleted()
				if err := n.store.PurgeExpired(now); err != nil {
					log.WithError(err).Warn("Store purge failed")
				}
				n.mu.Unlock()
			}
		}
	}
}

// dispatch decodes one datagram and routes it by kind.
func (n *Node) dispatch(dg netio.Datagram, now time.Time) {
	msg, err := wire.Decode(dg.Data)
	if err != nil {
		n.decodeErrors++
		log.WithError(err).WithField("src", dg.Addr).Debug("Dropping undecodable datagram")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch m := msg.(type) {
	case *wire.DataMessage:
		n.receiver.OnData(m, dg.Addr, now)
	case *wire.SackMessage:
		n.sender.OnSack(m, now)
	case *wire.CustodyReqMessage:
		n.custody.OnCustodyReq(m, dg.Addr, now)
	case *wire.CustodyAckMessage:
		n.custody.OnCustodyAck(m, now)
	case *wire.DeliveredMessage:
		n.sender.OnDelivered(m, now)
		n.custody.OnDelivered(m, now)
	}
}

// SubmitOptions extends the Send Engine options with custody transfer.
type SubmitOptions struct {
	sender.SubmitOptions
	Custody bool
}

// Submit hands a file to the Send Engine. With Custody set, a custody
// request covering the whole chunk range follows the submission.
func (n *Node) Submit(path, dstAddr string, opts SubmitOptions) (bundle.BundleID, error) {
	addr, err := net.ResolveUDPAddr("udp", dstAddr)
	if err != nil {
		return bundle.BundleID{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	bid, err := n.sender.Submit(path, dstAddr, addr, opts.SubmitOptions, now)
	if err != nil {
		return bundle.BundleID{}, err
	}

	if opts.Custody {
		bi, queryErr := n.store.QueryBundle(bid)
		if queryErr != nil {
			return bid, queryErr
		}

		ttlRemaining := uint32(time.Until(bi.TTL) / time.Second)
		ranges := []wire.ChunkRange{{Start: 0, End: bi.TotalChunks - 1}}
		n.custody.Request(bid, ranges, ttlRemaining, addr, now)
	}
	return bid, nil
}

// Abort cancels a bundle on all engines.
func (n *Node) Abort(bid bundle.BundleID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	n.sender.Abort(bid, now)
	n.receiver.Abort(bid)
}

// BundleStatus is the external status row of one bundle.
type BundleStatus struct {
	BundleID            string  `json:"bundle_id"`
	Src                 string  `json:"src"`
	Dst                 string  `json:"dst"`
	State               string  `json:"state"`
	TotalChunks         uint32  `json:"total_chunks"`
	Length              uint64  `json:"length"`
	FECEnabled          bool    `json:"fec_enabled"`
	Progress            float64 `json:"progress"`
	BytesSent           uint64  `json:"bytes_sent"`
	ChunksRetransmitted uint64  `json:"chunks_retransmitted"`
	RTOMillis           int64   `json:"rto_ms,omitempty"`
	SRTTMillis          int64   `json:"srtt_ms,omitempty"`
}

// Status reports one bundle, preferring live engine state over the
// stored row.
func (n *Node) Status(bid bundle.BundleID) (BundleStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status(bid)
}

func (n *Node) status(bid bundle.BundleID) (BundleStatus, bool) {
	bi, err := n.store.QueryBundle(bid)
	if err != nil {
		return BundleStatus{}, false
	}

	status := BundleStatus{
		BundleID:            bi.Id,
		Src:                 bi.Src,
		Dst:                 bi.Dst,
		State:               bi.State,
		TotalChunks:         bi.TotalChunks,
		Length:              bi.Length,
		FECEnabled:          bi.FECEnabled,
		BytesSent:           bi.BytesSent,
		ChunksRetransmitted: bi.ChunksRetransmitted,
	}
	if bi.State == bundle.StateDelivered.String() {
		status.Progress = 1.0
	}

	if live, ok := n.sender.Status(bid); ok {
		status.State = live.State
		status.Progress = live.Progress
		status.BytesSent = live.BytesSent
		status.ChunksRetransmitted = live.ChunksRetransmitted
		status.RTOMillis = live.RTOMillis
		status.SRTTMillis = live.SRTTMillis
	}
	return status, true
}

// Statuses reports every known bundle.
func (n *Node) Statuses() ([]BundleStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	items, err := n.store.ListBundles()
	if err != nil {
		return nil, err
	}

	statuses := make([]BundleStatus, 0, len(items))
	for _, bi := range items {
		bid, bidErr := bundle.ParseBundleID(bi.Id)
		if bidErr != nil {
			continue
		}
		if status, ok := n.status(bid); ok {
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

// WaitDelivered blocks until the bundle reaches DELIVERED, its TTL
// passes, or the timeout elapses. It returns true only on delivery.
func (n *Node) WaitDelivered(bid bundle.BundleID, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, ok := n.Status(bid)
		if !ok {
			return false
		}

		switch status.State {
		case bundle.StateDelivered.String():
			return true
		case bundle.StateExpired.String(), bundle.StateFailed.String():
			return false
		}

		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// CustodyRecords lists the node's custody records, released and failed
// ones included.
func (n *Node) CustodyRecords() []custody.Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.custody.Records()
}

// LocalAddr returns the bound datagram address.
func (n *Node) LocalAddr() net.Addr {
	return n.endpoint.LocalAddr()
}

// ReceiverOutputPath derives the local destination path of a bundle.
func (n *Node) ReceiverOutputPath(bid bundle.BundleID) string {
	return n.receiver.OutputPath(bid)
}

// DroppedDatagrams exposes the inbound queue overflow counter.
func (n *Node) DroppedDatagrams() uint64 {
	return n.endpoint.Dropped()
}

// NodeID returns the configured node identifier.
func (n *Node) NodeID() string {
	return n.config.Node.NodeID
}

// Close stops the loop, flushes and releases all resources. It is safe
// to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.stopSyn)
		<-n.stopAck

		var result *multierror.Error
		result = multierror.Append(result, n.endpoint.Close())
		result = multierror.Append(result, n.store.Close())
		n.closeErr = result.ErrorOrNil()
	})
	return n.closeErr
}
