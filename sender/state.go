// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sender

import (
	"net"
	"time"

	"github.com/courier-net/courier-go/bundle"
)

// sendState is the per-bundle sliding window and timer state.
type sendState struct {
	bundle bundle.Bundle
	dst    *net.UDPAddr

	windowStart uint32
	windowSize  uint32
	total       uint32

	acked    map[uint32]struct{}
	released map[uint32]struct{}

	timers        map[uint32]time.Time
	sentAt        map[uint32]time.Time
	retransmitted map[uint32]struct{}

	retransmitQueue []uint32

	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	rtoSampled bool

	completed bool
	dirty     bool
}

func newSendState(b bundle.Bundle, dst *net.UDPAddr, windowSize uint32, baseRTO time.Duration) *sendState {
	return &sendState{
		bundle:        b,
		dst:           dst,
		windowSize:    windowSize,
		total:         b.TotalChunks,
		acked:         make(map[uint32]struct{}),
		released:      make(map[uint32]struct{}),
		timers:        make(map[uint32]time.Time),
		sentAt:        make(map[uint32]time.Time),
		retransmitted: make(map[uint32]struct{}),
		rto:           baseRTO,
	}
}

// advanceWindow slides the window start over the longest prefix of acked
// or custody-released chunks. It never advances past an outstanding
// chunk.
func (st *sendState) advanceWindow() {
	for st.windowStart < st.total {
		if _, ok := st.acked[st.windowStart]; ok {
			st.windowStart++
			continue
		}
		if _, ok := st.released[st.windowStart]; ok {
			st.windowStart++
			continue
		}
		break
	}
}

// updateRTO folds a fresh RTT sample into the smoothed estimators
// (alpha = 1/8, beta = 1/4) and re-derives the bounded timeout.
func (st *sendState) updateRTO(rtt time.Duration, baseRTO, maxRTO time.Duration) {
	if rtt < 0 {
		return
	}

	if !st.rtoSampled {
		st.srtt = rtt
		st.rttvar = rtt / 2
		st.rtoSampled = true
	} else {
		diff := st.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		st.rttvar = 3*st.rttvar/4 + diff/4
		st.srtt = 7*st.srtt/8 + rtt/8
	}

	st.rto = clampRTO(st.srtt+4*st.rttvar, baseRTO, maxRTO)
}

// backoff multiplies the timeout by 1.5 after a loss event.
func (st *sendState) backoff(maxRTO time.Duration) {
	st.rto = clampRTO(st.rto+st.rto/2, 0, maxRTO)
}

func clampRTO(rto, baseRTO, maxRTO time.Duration) time.Duration {
	if baseRTO > 0 && rto < baseRTO {
		return baseRTO
	}
	if maxRTO > 0 && rto > maxRTO {
		return maxRTO
	}
	return rto
}
