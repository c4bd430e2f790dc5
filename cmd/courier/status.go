// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/agent"
)

// statusCmd implements the "status" verb against a running node's
// status agent.
func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	port := fs.Int("port", 5000, "node port")
	_ = fs.Parse(args)

	report, err := agent.Fetch(fmt.Sprintf("127.0.0.1:%d", *port), 3*time.Second)
	if err != nil {
		log.WithError(err).Fatal("Fetching status errored")
	}

	fmt.Printf("node %s, %d dropped datagrams\n\n", report.NodeID, report.DroppedDatagrams)
	if len(report.Bundles) == 0 {
		fmt.Println("no bundles")
		return
	}

	fmt.Printf("%-32s  %-10s  %8s  %10s  %12s  %6s\n",
		"BUNDLE", "STATE", "CHUNKS", "BYTES", "RETRANSMITS", "PROG")
	for _, b := range report.Bundles {
		fmt.Printf("%-32s  %-10s  %8d  %10d  %12d  %5.1f%%\n",
			b.BundleID, b.State, b.TotalChunks, b.BytesSent,
			b.ChunksRetransmitted, b.Progress*100)
	}
}
