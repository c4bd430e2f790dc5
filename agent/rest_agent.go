// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes a running node's state to external consumers: a
// RESTful status API and a websocket stream pushing periodic snapshots.
package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/bundle"
	"github.com/courier-net/courier-go/node"
)

// StatusAgent serves bundle status over HTTP on the node's TCP port.
type StatusAgent struct {
	node   *node.Node
	router *mux.Router

	httpServer *http.Server
}

// NewStatusAgent creates a StatusAgent bound to the given listen address
// and starts serving.
func NewStatusAgent(listen string, n *node.Node) *StatusAgent {
	sa := &StatusAgent{
		node:   n,
		router: mux.NewRouter(),
	}

	sa.router.HandleFunc("/status", sa.handleStatuses).Methods(http.MethodGet)
	sa.router.HandleFunc("/status/ws", sa.handleWebsocket).Methods(http.MethodGet)
	sa.router.HandleFunc("/status/{bundleId}", sa.handleStatus).Methods(http.MethodGet)

	sa.httpServer = &http.Server{
		Addr:    listen,
		Handler: sa.router,
	}

	go func() {
		if err := sa.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Status agent stopped serving")
		}
	}()

	log.WithField("listen", listen).Info("Status agent started")
	return sa
}

// StatusReport is the /status response document.
type StatusReport struct {
	NodeID           string              `json:"node_id"`
	Bundles          []node.BundleStatus `json:"bundles"`
	DroppedDatagrams uint64              `json:"dropped_datagrams"`
}

func (sa *StatusAgent) report() (StatusReport, error) {
	statuses, err := sa.node.Statuses()
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		NodeID:           sa.node.NodeID(),
		Bundles:          statuses,
		DroppedDatagrams: sa.node.DroppedDatagrams(),
	}, nil
}

// handleStatuses processes GET /status.
func (sa *StatusAgent) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	report, err := sa.report()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.WithError(err).Warn("Encoding status report failed")
	}
}

// handleStatus processes GET /status/{bundleId}.
func (sa *StatusAgent) handleStatus(w http.ResponseWriter, r *http.Request) {
	bid, err := bundle.ParseBundleID(mux.Vars(r)["bundleId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, ok := sa.node.Status(bid)
	if !ok {
		http.Error(w, "unknown bundle", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.WithError(err).Warn("Encoding bundle status failed")
	}
}

// Close shuts the HTTP server down.
func (sa *StatusAgent) Close() error {
	return sa.httpServer.Close()
}

// Fetch reads a StatusReport from a remote status agent, for the CLI.
func Fetch(addr string, timeout time.Duration) (report StatusReport, err error) {
	client := http.Client{Timeout: timeout}

	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(&report)
	return
}
