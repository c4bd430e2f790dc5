// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// pushInterval is the cadence of websocket status snapshots.
const pushInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleWebsocket upgrades GET /status/ws and pushes a StatusReport once
// per second until the client goes away.
func (sa *StatusAgent) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	log.WithField("client", conn.RemoteAddr()).Debug("Status stream connected")

	go func() {
		defer conn.Close()

		ticker := time.NewTicker(pushInterval)
		defer ticker.Stop()

		for range ticker.C {
			report, reportErr := sa.report()
			if reportErr != nil {
				log.WithError(reportErr).Warn("Building status report failed")
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(pushInterval))
			if writeErr := conn.WriteJSON(report); writeErr != nil {
				log.WithField("client", conn.RemoteAddr()).Debug("Status stream closed")
				return
			}
		}
	}()
}
