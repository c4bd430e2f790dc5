// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package netio owns the node's single datagram endpoint. A reader
// goroutine moves incoming datagrams onto a bounded inbound queue and
// never touches engine state; the queue is the only concurrency boundary.
// On overflow the oldest datagram is dropped and a counter incremented.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/wire"
)

// ErrTransport marks socket bind or send failures.
var ErrTransport = errors.New("transport fault")

// DefaultQueueLen is the inbound queue bound.
const DefaultQueueLen = 1024

// readDeadline paces the reader loop so Close is honored promptly.
const readDeadline = 50 * time.Millisecond

// Datagram is one received datagram together with its source address.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Endpoint binds one UDP port and serves both directions: a non-blocking
// Send and the inbound Queue drained by the orchestrator tick.
type Endpoint struct {
	conn  *net.UDPConn
	queue chan Datagram

	dropped uint64

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewEndpoint binds the given local UDP port and starts the reader.
func NewEndpoint(port int, queueLen int) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: binding port %d: %v", ErrTransport, port, err)
	}

	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}

	ep := &Endpoint{
		conn:    conn,
		queue:   make(chan Datagram, queueLen),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go ep.read()

	log.WithField("addr", conn.LocalAddr()).Info("Datagram endpoint bound")
	return ep, nil
}

// read is the reader goroutine: it only moves datagrams onto the queue.
func (ep *Endpoint) read() {
	buf := make([]byte, wire.MTU)

	for {
		select {
		case <-ep.stopSyn:
			_ = ep.conn.Close()
			close(ep.queue)
			close(ep.stopAck)
			return

		default:
			_ = ep.conn.SetReadDeadline(time.Now().Add(readDeadline))

			n, addr, err := ep.conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				log.WithError(err).Debug("Datagram read errored")
				continue
			}

			dg := Datagram{Data: append([]byte(nil), buf[:n]...), Addr: addr}
			select {
			case ep.queue <- dg:
			default:
				// queue full: drop the oldest datagram in favor of the new one
				select {
				case <-ep.queue:
					atomic.AddUint64(&ep.dropped, 1)
				default:
				}
				select {
				case ep.queue <- dg:
				default:
					atomic.AddUint64(&ep.dropped, 1)
				}
			}
		}
	}
}

// Queue exposes the bounded inbound queue.
func (ep *Endpoint) Queue() <-chan Datagram {
	return ep.queue
}

// Dropped returns the count of datagrams dropped on queue overflow.
func (ep *Endpoint) Dropped() uint64 {
	return atomic.LoadUint64(&ep.dropped)
}

// LocalAddr returns the bound address.
func (ep *Endpoint) LocalAddr() net.Addr {
	return ep.conn.LocalAddr()
}

// Send writes one datagram. Datagram atomicity rules out partial writes;
// a transient failure is retried once before being reported as a
// transport fault.
func (ep *Endpoint) Send(addr *net.UDPAddr, data []byte) error {
	if len(data) > wire.MTU {
		return fmt.Errorf("%w: datagram of %d bytes exceeds MTU", ErrTransport, len(data))
	}

	if _, err := ep.conn.WriteToUDP(data, addr); err != nil {
		if _, retryErr := ep.conn.WriteToUDP(data, addr); retryErr != nil {
			return fmt.Errorf("%w: sending to %v: %v", ErrTransport, addr, retryErr)
		}
	}
	return nil
}

// Close stops the reader and releases the socket.
func (ep *Endpoint) Close() error {
	close(ep.stopSyn)
	<-ep.stopAck
	return nil
}
