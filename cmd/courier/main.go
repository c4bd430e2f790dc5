// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// courier is the command line surface of the Courier transport: submit
// bundles, run a receiver or relay, inspect status and watch an outbox
// directory.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/node"
)

// printUsage of courier and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s send|recv|status|watch:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s send --to host:port [--fec] [--compress] [--wait] [--ttl sec]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "        [--chunk bytes] [--window n] [--port local] [--custody] path\n")
	_, _ = fmt.Fprintf(os.Stderr, "  Submits the file as a bundle towards the given endpoint. With --wait,\n")
	_, _ = fmt.Fprintf(os.Stderr, "  blocks until the bundle is DELIVERED or its TTL passes.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s recv --port local [--config file]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Runs a receiver or relay node. Delivered files are written to the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  output directory, keyed by bundle id.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s status [--port local]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints each bundle's state and counters of a running node.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s watch --to host:port [--port local] directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Watches a directory and submits every new file as a bundle.\n\n")

	os.Exit(1)
}

// setupLogging applies the logging configuration block.
func setupLogging(config node.LogConfig) {
	if level, err := log.ParseLevel(config.Level); err == nil {
		log.SetLevel(level)
	}
	if config.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "send":
		sendCmd(os.Args[2:])
	case "recv":
		recvCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	default:
		printUsage()
	}
}
